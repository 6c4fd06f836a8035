// Package request implements component E: translating a populated
// cmpctx.Context into the PKIMessage for one step of a transaction
// (ir/cr/kur/p10cr/rr/genm, plus the certConf/pollReq follow-ups).
package request

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"time"

	"github.com/fbdlampayan/cmpossl/internal/cmp/cmpctx"
	"github.com/fbdlampayan/cmpossl/internal/cmp/message"
	"github.com/fbdlampayan/cmpossl/internal/serrors"
)

var (
	oidSubjectAltName      = asn1.ObjectIdentifier{2, 5, 29, 17}
	oidCertificatePolicies = asn1.ObjectIdentifier{2, 5, 29, 32}
	oidImplicitConfirm     = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 4, 13}
)

var (
	ErrSANConflict = serrors.New("subjectAltName already present in request extensions")
	ErrMissingKey  = serrors.New("no new key configured for certificate request")
)

// Nonce returns 128 random bits, used for both transaction IDs and nonces.
func Nonce() ([]byte, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, serrors.WrapStr("generating random value", err)
	}
	return b, nil
}

func header(ctx *cmpctx.Context, senderNonce []byte) (message.PKIHeader, error) {
	state := ctx.State()
	h := message.PKIHeader{
		PVNO:          2,
		TransactionID: state.TransactionID,
		SenderNonce:   senderNonce,
		RecipNonce:    state.LastRecipNonce,
	}

	switch {
	case ctx.Credentials.HasSignature():
		h.Sender = ctx.Credentials.Certificate.Subject
	case ctx.HasSubject:
		h.Sender = ctx.Subject
	}

	// recipient precedence: explicit recipient, else pinned srvCert's
	// subject, else issuer, else NULL-DN (left zero).
	switch {
	case ctx.HasRecipient:
		h.Recipient = ctx.Recipient
	case ctx.TrustedServerCert != nil:
		h.Recipient = ctx.TrustedServerCert.Subject
	case ctx.HasIssuer:
		h.Recipient = ctx.Issuer
	}

	if ctx.Credentials.HasSignature() {
		h.MessageTime = time.Now()
	}

	for _, gi := range ctx.GenInfo {
		oid, err := parseOID(gi.OID)
		if err != nil {
			return message.PKIHeader{}, err
		}
		h.GeneralInfo = append(h.GeneralInfo, message.ITAV{InfoType: oid, InfoValue: asn1.RawValue{FullBytes: gi.Value}})
	}
	if ctx.Options.ImplicitConfirm {
		h.GeneralInfo = append(h.GeneralInfo, message.ITAV{InfoType: oidImplicitConfirm})
	}

	return h, nil
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	var oid asn1.ObjectIdentifier
	parts := splitDotted(s)
	for _, p := range parts {
		n := new(big.Int)
		if _, ok := n.SetString(p, 10); !ok {
			return nil, serrors.New("malformed OID component", "oid", s)
		}
		oid = append(oid, int(n.Int64()))
	}
	if len(oid) == 0 {
		return nil, serrors.New("empty OID", "oid", s)
	}
	return oid, nil
}

func splitDotted(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// extensions merges the SAN names and policies configured on ctx into
// ctx.ReqExtensions. It fails if the caller already supplied a
// subjectAltName extension directly and also asked for CLI SANs (testable
// property 5). With no SANs configured at all, it inherits the SAN
// extension from OldCert unless SANNoDefault is set (key-update default).
func extensions(ctx *cmpctx.Context) ([]pkix.Extension, error) {
	exts := append([]pkix.Extension(nil), ctx.ReqExtensions...)

	hasCLISANs := len(ctx.SANDNSNames) > 0 || len(ctx.SANIPAddresses) > 0
	hasExtSAN := false
	for _, e := range exts {
		if e.Id.Equal(oidSubjectAltName) {
			hasExtSAN = true
			break
		}
	}

	switch {
	case hasCLISANs && hasExtSAN:
		return nil, ErrSANConflict
	case hasCLISANs:
		sanDER, err := marshalSAN(ctx.SANDNSNames, ctx.SANIPAddresses)
		if err != nil {
			return nil, err
		}
		exts = append(exts, pkix.Extension{
			Id:       oidSubjectAltName,
			Critical: ctx.Options.SANCritical,
			Value:    sanDER,
		})
	case !hasExtSAN && !ctx.Options.SANNoDefault:
		if san, ok := sanFromOldCert(ctx.OldCert); ok {
			exts = append(exts, san)
		}
	}

	if len(ctx.Policies) > 0 {
		policyDER, err := marshalCertificatePolicies(ctx.Policies)
		if err != nil {
			return nil, err
		}
		exts = append(exts, pkix.Extension{
			Id:       oidCertificatePolicies,
			Critical: ctx.Options.PoliciesCritical,
			Value:    policyDER,
		})
	}

	return exts, nil
}

// sanFromOldCert returns oldCert's subjectAltName extension verbatim, if it
// carries one.
func sanFromOldCert(oldCert *x509.Certificate) (pkix.Extension, bool) {
	if oldCert == nil {
		return pkix.Extension{}, false
	}
	for _, e := range oldCert.Extensions {
		if e.Id.Equal(oidSubjectAltName) {
			return e, true
		}
	}
	return pkix.Extension{}, false
}

// policyInformation mirrors RFC 5280 section 4.2.1.4's PolicyInformation,
// without policy qualifiers, which this client does not let callers set.
type policyInformation struct {
	PolicyIdentifier asn1.ObjectIdentifier
}

func marshalCertificatePolicies(policies []string) ([]byte, error) {
	infos := make([]policyInformation, 0, len(policies))
	for _, p := range policies {
		oid, err := parseOID(p)
		if err != nil {
			return nil, err
		}
		infos = append(infos, policyInformation{PolicyIdentifier: oid})
	}
	der, err := asn1.Marshal(infos)
	if err != nil {
		return nil, serrors.WrapStr("encoding certificatePolicies", err)
	}
	return der, nil
}
