// Package response implements component F: extracting status, failure
// information and issued certificate material from a decoded PKIMessage and
// classifying the outcome for the transaction state machine.
package response

import (
	"crypto/x509"
	"encoding/binary"

	"github.com/fbdlampayan/cmpossl/internal/cmp/message"
	"github.com/fbdlampayan/cmpossl/internal/serrors"
)

// PKIStatus mirrors RFC 4210 section 5.2.3's PKIStatus values.
const (
	StatusAccepted              = 0
	StatusGrantedWithMods       = 1
	StatusRejection             = 2
	StatusWaiting               = 3
	StatusRevocationWarning     = 4
	StatusRevocationNotification = 5
	StatusKeyUpdateWarning      = 6
)

// Outcome is what D consumes after F has interpreted one response message.
type Outcome struct {
	Status        int
	FailInfo      uint32
	StatusStrings []string

	Cert       *x509.Certificate
	CertReqID  int
	CAPubs     []*x509.Certificate
	ExtraCerts []*x509.Certificate

	PollCertReqID  int
	PollCheckAfter int
	IsPollRep      bool

	GenRepITAVs []message.ITAV
}

var ErrRejected = serrors.New("server rejected the request")

// Interpret extracts an Outcome from msg's body. It does not check which
// reply shape the caller expected; a body that is not a reply type (e.g. an
// ir) is an error.
func Interpret(msg *message.PKIMessage) (*Outcome, error) {
	out := &Outcome{}
	for _, der := range msg.ExtraCerts {
		if c, err := x509.ParseCertificate(der); err == nil {
			out.ExtraCerts = append(out.ExtraCerts, c)
		}
	}

	switch msg.Body.Type {
	case message.BodyIP, message.BodyCP, message.BodyKUP:
		return interpretCertRep(msg.Body.CertRepMessage, out)
	case message.BodyRP:
		return interpretRevRep(msg.Body.RevRepContent, out)
	case message.BodyPollRep:
		return interpretPollRep(msg.Body.PollRep, out)
	case message.BodyPKIConf:
		out.Status = StatusAccepted
		return out, nil
	case message.BodyGenP:
		out.Status = StatusAccepted
		if msg.Body.GenRepContent != nil {
			out.GenRepITAVs = msg.Body.GenRepContent.ITAVs
		}
		return out, nil
	case message.BodyError:
		return interpretError(msg.Body.ErrorMsg, out)
	default:
		return nil, serrors.New("unexpected response body type", "type", int(msg.Body.Type))
	}
}

func interpretCertRep(rep *message.CertRepMessage, out *Outcome) (*Outcome, error) {
	if rep == nil || len(rep.Responses) == 0 {
		return nil, serrors.New("certificate response carries no CertResponse entries")
	}
	for _, der := range rep.CAPubs {
		if c, err := x509.ParseCertificate(der); err == nil {
			out.CAPubs = append(out.CAPubs, c)
		}
	}

	resp := rep.Responses[0]
	out.CertReqID = resp.CertReqID
	out.Status = resp.Status.Status
	out.FailInfo = bitStringToUint32(resp.Status.FailInfo)
	out.StatusStrings = []string(resp.Status.StatusString)

	if len(resp.CertDER) > 0 {
		cert, err := x509.ParseCertificate(resp.CertDER)
		if err != nil {
			return nil, serrors.WrapStr("parsing issued certificate", err)
		}
		out.Cert = cert
	}

	if out.Status == StatusWaiting {
		out.IsPollRep = true
		out.PollCertReqID = resp.CertReqID
		// ip/cp/kup carries no checkAfter of its own; the real interval
		// comes back on the pollRep that answers the pollReq this triggers.
		out.PollCheckAfter = 0
		return out, nil
	}

	if isNegative(out.Status) {
		return out, serrors.Wrap("server rejected the request", ErrRejected,
			"status", out.Status, "failinfo", out.FailInfo, "statusString", out.StatusStrings)
	}
	return out, nil
}

func interpretRevRep(rep *message.RevRepContent, out *Outcome) (*Outcome, error) {
	if rep == nil || len(rep.Statuses) == 0 {
		return nil, serrors.New("revocation response carries no RevStatus entries")
	}
	status := rep.Statuses[0]
	out.Status = status.Status.Status
	out.FailInfo = bitStringToUint32(status.Status.FailInfo)
	out.StatusStrings = []string(status.Status.StatusString)

	if isNegative(out.Status) {
		return out, serrors.Wrap("server rejected the request", ErrRejected,
			"status", out.Status, "failinfo", out.FailInfo, "statusString", out.StatusStrings)
	}
	return out, nil
}

func interpretPollRep(poll *message.PollRepContent, out *Outcome) (*Outcome, error) {
	if poll == nil {
		return nil, serrors.New("pollRep carries no content")
	}
	out.IsPollRep = true
	out.PollCertReqID = poll.CertReqID
	out.PollCheckAfter = poll.CheckAfter
	out.Status = StatusWaiting
	return out, nil
}

func interpretError(em *message.ErrorMsgContent, out *Outcome) (*Outcome, error) {
	if em == nil {
		return nil, serrors.New("error body carries no ErrorMsgContent")
	}
	out.Status = em.PKIStatusInfo.Status
	out.FailInfo = bitStringToUint32(em.PKIStatusInfo.FailInfo)
	out.StatusStrings = append([]string(em.PKIStatusInfo.StatusString), []string(em.ErrorDetails)...)
	return out, serrors.Wrap("server rejected the request", ErrRejected,
		"status", out.Status, "failinfo", out.FailInfo, "statusString", out.StatusStrings)
}

func isNegative(status int) bool {
	return status == StatusRejection
}

func bitStringToUint32(bs interface{ RightAlign() []byte }) uint32 {
	b := bs.RightAlign()
	if len(b) > 4 {
		b = b[len(b)-4:]
	}
	var padded [4]byte
	copy(padded[4-len(b):], b)
	return binary.BigEndian.Uint32(padded[:])
}
