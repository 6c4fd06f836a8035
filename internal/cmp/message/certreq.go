package message

import (
	"crypto/x509/pkix"
	"math/big"
	"time"
)

// CertTemplate is a pragmatic stand-in for RFC 4211's CertTemplate: it
// carries exactly the fields the request builder (component E) and the mock
// CA (component K) need to agree on. It deliberately does not attempt
// tag-for-tag fidelity with the full CRMF ASN.1 module; no third-party CRMF
// codec exists anywhere in the retrieval pack, so this client and its mock
// CA counterpart define their own wire-compatible shape instead of
// hand-porting the RFC's ASN.1 module from scratch.
type CertTemplate struct {
	Subject      pkix.Name
	HasSubject   bool
	Issuer       pkix.Name
	HasIssuer    bool
	NotBefore    time.Time
	NotAfter     time.Time
	PublicKeyDER []byte // SubjectPublicKeyInfo, DER
	Extensions   []pkix.Extension
}

// ProofOfPossession methods, per RFC 4211 section 4.
const (
	POPONone        = 0
	POPOSignature   = 1
	POPOEncrCert    = 2
	POPORAVerified  = 3
)

// ProofOfPossession demonstrates control of the private key matching the
// public key in a CertRequest.
type ProofOfPossession struct {
	Method             int
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
}

// CertRequest is one entry of a CertReqMessages body.
type CertRequest struct {
	CertReqID int
	Template  CertTemplate
}

// CertReqMsg pairs a CertRequest with its proof of possession.
type CertReqMsg struct {
	CertReq CertRequest
	Popo    *ProofOfPossession
}

// CertReqMessages is the body of ir/cr/kur.
type CertReqMessages struct {
	Requests []CertReqMsg
}

// CertResponse reports the outcome for one CertReqID.
type CertResponse struct {
	CertReqID int
	Status    PKIStatusInfo
	CertDER   []byte
}

// CertRepMessage is the body of ip/cp/kup.
type CertRepMessage struct {
	CAPubs    [][]byte
	Responses []CertResponse
}

// RevDetails names the certificate to revoke and the reason.
type RevDetails struct {
	Subject      pkix.Name
	Issuer       pkix.Name
	SerialNumber *big.Int
	Reason       int // RFC 5280 5.3.1 reason code, -1 to omit
}

// RevReqContent is the body of rr.
type RevReqContent struct {
	Requests []RevDetails
}

// RevStatus reports the outcome for one revocation request.
type RevStatus struct {
	Status       PKIStatusInfo
	SerialNumber *big.Int
}

// RevRepContent is the body of rp.
type RevRepContent struct {
	Statuses []RevStatus
}
