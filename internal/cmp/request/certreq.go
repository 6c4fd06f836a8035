package request

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"time"

	"github.com/fbdlampayan/cmpossl/internal/cmp/cmpctx"
	"github.com/fbdlampayan/cmpossl/internal/cmp/message"
	"github.com/fbdlampayan/cmpossl/internal/serrors"
)

// buildCertTemplate assembles a CertTemplate from ctx's request fields,
// inheriting subject/issuer/public key from the old certificate on a key
// update when the caller did not override them.
func buildCertTemplate(ctx *cmpctx.Context) (message.CertTemplate, error) {
	tmpl := message.CertTemplate{}

	switch {
	case ctx.HasSubject:
		tmpl.Subject, tmpl.HasSubject = ctx.Subject, true
	case ctx.OldCert != nil:
		tmpl.Subject, tmpl.HasSubject = ctx.OldCert.Subject, true
	}

	switch {
	case ctx.HasIssuer:
		tmpl.Issuer, tmpl.HasIssuer = ctx.Issuer, true
	case ctx.OldCert != nil:
		tmpl.Issuer, tmpl.HasIssuer = ctx.OldCert.Issuer, true
	}

	if ctx.Options.ValidityDays > 0 {
		tmpl.NotBefore = time.Now()
		tmpl.NotAfter = tmpl.NotBefore.AddDate(0, 0, ctx.Options.ValidityDays)
	}

	pub := publicKeyFor(ctx)
	if pub == nil {
		return message.CertTemplate{}, ErrMissingKey
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return message.CertTemplate{}, serrors.WrapStr("encoding public key", err)
	}
	tmpl.PublicKeyDER = der

	exts, err := extensions(ctx)
	if err != nil {
		return message.CertTemplate{}, err
	}
	tmpl.Extensions = exts

	return tmpl, nil
}

func publicKeyFor(ctx *cmpctx.Context) crypto.PublicKey {
	if ctx.NewKey != nil {
		return ctx.NewKey.Public()
	}
	if ctx.OldCert != nil {
		return ctx.OldCert.PublicKey
	}
	return nil
}

func proofOfPossession(ctx *cmpctx.Context, certReq message.CertRequest) (*message.ProofOfPossession, error) {
	switch cmpctx.POPOMethod(ctx.Options.POPOMethod) {
	case cmpctx.POPONone:
		return nil, nil
	case cmpctx.POPORAVerified:
		return &message.ProofOfPossession{Method: message.POPORAVerified}, nil
	case cmpctx.POPOSignature:
		if ctx.NewKey == nil {
			return nil, ErrMissingKey
		}
		digest := ctx.Options.DigestAlg
		if digest == 0 {
			digest = crypto.SHA256
		}
		data, err := asn1.Marshal(certReq)
		if err != nil {
			return nil, serrors.WrapStr("encoding certRequest for POP", err)
		}
		h := digest.New()
		h.Write(data)
		sig, err := ctx.NewKey.Sign(rand.Reader, h.Sum(nil), digest)
		if err != nil {
			return nil, serrors.WrapStr("signing proof of possession", err)
		}
		return &message.ProofOfPossession{
			Method:    message.POPOSignature,
			Signature: sig,
		}, nil
	default:
		return nil, serrors.New("unsupported POPO method")
	}
}

func buildCertReqMessage(ctx *cmpctx.Context, certReqID int) (message.CertReqMsg, error) {
	tmpl, err := buildCertTemplate(ctx)
	if err != nil {
		return message.CertReqMsg{}, err
	}
	certReq := message.CertRequest{CertReqID: certReqID, Template: tmpl}
	popo, err := proofOfPossession(ctx, certReq)
	if err != nil {
		return message.CertReqMsg{}, err
	}
	return message.CertReqMsg{CertReq: certReq, Popo: popo}, nil
}

// buildCertBody builds the ir/cr/kur body, which all share the
// CertReqMessages shape and differ only in the outer BodyType.
func buildCertBody(ctx *cmpctx.Context, bodyType message.BodyType) (message.PKIMessage, error) {
	state := ctx.State()
	reqID := state.NextCertReqID
	state.NextCertReqID++

	reqMsg, err := buildCertReqMessage(ctx, reqID)
	if err != nil {
		return message.PKIMessage{}, err
	}

	senderNonce, err := Nonce()
	if err != nil {
		return message.PKIMessage{}, err
	}
	state.LastSenderNonce = senderNonce

	h, err := header(ctx, senderNonce)
	if err != nil {
		return message.PKIMessage{}, err
	}

	return message.PKIMessage{
		Header: h,
		Body: message.PKIBody{
			Type:            bodyType,
			CertReqMessages: &message.CertReqMessages{Requests: []message.CertReqMsg{reqMsg}},
		},
	}, nil
}

// BuildIR builds an initialization request.
func BuildIR(ctx *cmpctx.Context) (message.PKIMessage, error) {
	return buildCertBody(ctx, message.BodyIR)
}

// BuildCR builds a certification request.
func BuildCR(ctx *cmpctx.Context) (message.PKIMessage, error) {
	return buildCertBody(ctx, message.BodyCR)
}

// BuildKUR builds a key update request.
func BuildKUR(ctx *cmpctx.Context) (message.PKIMessage, error) {
	if ctx.OldCert == nil {
		return message.PKIMessage{}, serrors.New("key update request requires OldCert")
	}
	return buildCertBody(ctx, message.BodyKUR)
}

// BuildP10CR wraps a raw PKCS#10 CertificationRequest DER in a p10cr body.
func BuildP10CR(ctx *cmpctx.Context, csrDER []byte) (message.PKIMessage, error) {
	senderNonce, err := Nonce()
	if err != nil {
		return message.PKIMessage{}, err
	}
	ctx.State().LastSenderNonce = senderNonce

	h, err := header(ctx, senderNonce)
	if err != nil {
		return message.PKIMessage{}, err
	}

	return message.PKIMessage{
		Header: h,
		Body:   message.PKIBody{Type: message.BodyP10CR, P10CR: csrDER},
	}, nil
}

// BuildRR builds a revocation request for oldCert.
func BuildRR(ctx *cmpctx.Context, oldCert *x509.Certificate) (message.PKIMessage, error) {
	senderNonce, err := Nonce()
	if err != nil {
		return message.PKIMessage{}, err
	}
	ctx.State().LastSenderNonce = senderNonce

	h, err := header(ctx, senderNonce)
	if err != nil {
		return message.PKIMessage{}, err
	}

	return message.PKIMessage{
		Header: h,
		Body: message.PKIBody{
			Type: message.BodyRR,
			RevReqContent: &message.RevReqContent{Requests: []message.RevDetails{{
				Subject:      oldCert.Subject,
				Issuer:       oldCert.Issuer,
				SerialNumber: oldCert.SerialNumber,
				Reason:       ctx.Options.RevocationReason,
			}}},
		},
	}, nil
}

// BuildGenM builds a general message carrying the given info type/values.
func BuildGenM(ctx *cmpctx.Context, itavs []message.ITAV) (message.PKIMessage, error) {
	senderNonce, err := Nonce()
	if err != nil {
		return message.PKIMessage{}, err
	}
	ctx.State().LastSenderNonce = senderNonce

	h, err := header(ctx, senderNonce)
	if err != nil {
		return message.PKIMessage{}, err
	}

	return message.PKIMessage{
		Header: h,
		Body:   message.PKIBody{Type: message.BodyGenM, GenMsgContent: &message.GenMsgContent{ITAVs: itavs}},
	}, nil
}

// BuildCertConf confirms acceptance (hash non-nil) or rejection (failure
// non-nil, mutually exclusive with hash) of the certificate issued for
// certReqID.
func BuildCertConf(ctx *cmpctx.Context, certReqID int, hash []byte, failure *cmpctx.Failure) (message.PKIMessage, error) {
	senderNonce, err := Nonce()
	if err != nil {
		return message.PKIMessage{}, err
	}
	ctx.State().LastSenderNonce = senderNonce

	h, err := header(ctx, senderNonce)
	if err != nil {
		return message.PKIMessage{}, err
	}

	status := message.CertStatus{CertHash: hash, CertReqID: certReqID}
	if failure != nil {
		status.StatusInfo = &message.PKIStatusInfo{
			Status:       failure.Status,
			FailInfo:     asn1.BitString{Bytes: failInfoBytes(failure.FailInfo), BitLength: 32},
			StatusString: message.PKIFreeText{failure.Text},
		}
	}

	return message.PKIMessage{
		Header: h,
		Body: message.PKIBody{
			Type: message.BodyCertConf,
			PKIMessages: &message.PKIConfOrCertConf{
				CertStatuses: []message.CertStatus{status},
			},
		},
	}, nil
}

// BuildPollReq builds a polling request for certReqID.
func BuildPollReq(ctx *cmpctx.Context, certReqID int) (message.PKIMessage, error) {
	senderNonce, err := Nonce()
	if err != nil {
		return message.PKIMessage{}, err
	}
	ctx.State().LastSenderNonce = senderNonce

	h, err := header(ctx, senderNonce)
	if err != nil {
		return message.PKIMessage{}, err
	}

	return message.PKIMessage{
		Header: h,
		Body:   message.PKIBody{Type: message.BodyPollReq, PollReq: &message.PollReqContent{CertReqID: certReqID}},
	}, nil
}

func failInfoBytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
