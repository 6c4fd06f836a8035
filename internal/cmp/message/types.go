// Package message implements the thin ASN.1 <-> struct boundary for CMP
// PKIMessage values (component A). It has no opinion on whether a message
// is semantically valid: that is the job of protection, trust, request and
// response packages further up the stack.
package message

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"time"
)

// BodyType identifies which PKIBody variant a message carries. The numeric
// values are the RFC 4210 Appendix D tag numbers used on the CHOICE.
type BodyType int

const (
	BodyIR BodyType = iota
	BodyIP
	BodyCR
	BodyCP
	BodyP10CR
	_ // popdecc, not implemented
	_ // popdecr, not implemented
	BodyKUR
	BodyKUP
	_ // krr, not implemented
	_ // krp, not implemented
	BodyRR
	BodyRP
)

const (
	BodyPKIConf  BodyType = 19
	BodyGenM     BodyType = 21
	BodyGenP     BodyType = 22
	BodyError    BodyType = 23
	BodyCertConf BodyType = 24
	BodyPollReq  BodyType = 25
	BodyPollRep  BodyType = 26
)

// ITAV is an InfoTypeAndValue, used for generalInfo and genm/genp bodies.
type ITAV struct {
	InfoType  asn1.ObjectIdentifier
	InfoValue asn1.RawValue `asn1:"optional"`
}

// PKIFreeText is a sequence of human readable strings.
type PKIFreeText []string

// PKIHeader carries the per-message envelope fields described in RFC 4210
// section 5.1.1. Sender/Recipient are restricted to the directoryName choice
// of GeneralName, which covers every CMP deployment this client targets; any
// other GeneralName form is rejected by Decode with ErrMalformedMessage.
type PKIHeader struct {
	PVNO          int
	Sender        pkix.Name
	Recipient     pkix.Name
	MessageTime   time.Time
	ProtectionAlg *pkix.AlgorithmIdentifier
	SenderKID     []byte
	RecipKID      []byte
	TransactionID []byte
	SenderNonce   []byte
	RecipNonce    []byte
	FreeText      PKIFreeText
	GeneralInfo   []ITAV
}

// PKIBody is the tagged-choice body of a PKIMessage. Only one of the typed
// accessors below is populated, selected by Type.
type PKIBody struct {
	Type BodyType
	Raw  asn1.RawValue

	CertReqMessages *CertReqMessages
	CertRepMessage  *CertRepMessage
	RevReqContent   *RevReqContent
	RevRepContent   *RevRepContent
	PKIMessages     *PKIConfOrCertConf
	PollReq         *PollReqContent
	PollRep         *PollRepContent
	GenMsgContent   *GenMsgContent
	GenRepContent   *GenRepContent
	ErrorMsg        *ErrorMsgContent
	P10CR           []byte // raw PKCS#10 CertificationRequest DER
}

// PKIMessage is the top-level CMP protocol data unit.
type PKIMessage struct {
	Header      PKIHeader
	Body        PKIBody
	Protection  asn1.BitString
	HasProtection bool
	ExtraCerts  [][]byte // DER-encoded X.509 certificates, in order
}

// PKIConfOrCertConf models the two bodies (certConf, pkiConf) whose content
// is either a list of CertStatus or NULL.
type PKIConfOrCertConf struct {
	CertStatuses []CertStatus // empty for pkiConf
	IsPKIConf    bool
}

// CertStatus reports the client's acceptance/rejection of one issued cert.
type CertStatus struct {
	CertHash   []byte
	CertReqID  int
	StatusInfo *PKIStatusInfo
}

// PKIStatusInfo carries a status, optional failure bits and status strings.
type PKIStatusInfo struct {
	Status       int
	StatusString PKIFreeText
	FailInfo     asn1.BitString
}

// PollReqContent/PollRepContent implement the polling sub-protocol.
type PollReqContent struct {
	CertReqID int
}

type PollRepContent struct {
	CertReqID  int
	CheckAfter int // seconds
	Reason     PKIFreeText
}

// GenMsgContent/GenRepContent carry InfoTypeAndValue lists for general
// messages/responses (genm/genp).
type GenMsgContent struct {
	ITAVs []ITAV
}

type GenRepContent struct {
	ITAVs []ITAV
}

// ErrorMsgContent is the error body.
type ErrorMsgContent struct {
	PKIStatusInfo  PKIStatusInfo
	ErrorCode      *int
	ErrorDetails   PKIFreeText
}
