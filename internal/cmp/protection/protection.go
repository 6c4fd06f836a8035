// Package protection implements component B: applying and verifying CMP
// message-level protection, either PBMAC1 (shared secret) or signature.
package protection

import (
	"crypto/subtle"
	"crypto/x509"
	"crypto/x509/pkix"

	"github.com/fbdlampayan/cmpossl/internal/cmp/cmpctx"
	"github.com/fbdlampayan/cmpossl/internal/cmp/message"
	"github.com/fbdlampayan/cmpossl/internal/cmp/trust"
	"github.com/fbdlampayan/cmpossl/internal/serrors"
)

// Algorithm OIDs, arc 1.2.840.113549.1.1 (PKCS#1) and the PBMAC1 arc used by
// RFC 4211 Appendix A / RFC 9481.
var (
	oidPasswordBasedMAC = asOID(1, 2, 840, 113533, 7, 66, 13) // id-PasswordBasedMac (legacy CMP PBM)
	oidSHA256WithRSA     = asOID(1, 2, 840, 113549, 1, 1, 11)
	oidECDSAWithSHA256   = asOID(1, 2, 840, 10045, 4, 3, 2)
)

func asOID(parts ...int) []int { return parts }

var (
	ErrNoProtectionCredentials = serrors.New("no protection credentials configured")
	ErrBadProtection           = serrors.New("protection verification failed")
	ErrUnexpectedUnprotected   = serrors.New("unexpected unprotected message")
	ErrAlgMismatch             = serrors.New("protection algorithm mismatch")
	ErrNoSenderCert            = serrors.New("no sender certificate found to verify signature")
	ErrKeyUsage                = serrors.New("signer certificate lacks digitalSignature key usage")
)

// Apply sets msg's protectionAlg, senderKID and protection fields in place,
// using whichever credentials ctx carries.
func Apply(msg *message.PKIMessage, ctx *cmpctx.Context) error {
	switch {
	case ctx.Credentials.HasSecret():
		return applyPBMAC(msg, ctx)
	case ctx.Credentials.HasSignature():
		return applySignature(msg, ctx)
	case ctx.Options.UnprotectedSend:
		msg.HasProtection = false
		return nil
	default:
		return ErrNoProtectionCredentials
	}
}

// Verify checks msg's protection. srvCert, if non-nil, is the pinned server
// certificate (skips chain validation for the signer).
func Verify(msg *message.PKIMessage, ctx *cmpctx.Context, srvCert *x509.Certificate) error {
	if msg.IsUnprotected() {
		if !msg.IsNegativeResponse() {
			return ErrUnexpectedUnprotected
		}
		if !ctx.Options.AcceptUnprotectedErrors {
			return ErrUnexpectedUnprotected
		}
		return nil
	}

	if msg.Header.ProtectionAlg == nil {
		return ErrAlgMismatch
	}
	alg := msg.Header.ProtectionAlg.Algorithm

	switch {
	case alg.Equal(oidPasswordBasedMAC):
		return verifyPBMAC(msg, ctx)
	default:
		return verifySignature(msg, ctx, srvCert)
	}
}

// constantTimeEqual wraps subtle.ConstantTimeCompare with a bool result.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// checkKeyUsage enforces the digitalSignature bit unless the caller opted
// out via ignore_keyusage.
func checkKeyUsage(cert *x509.Certificate, ctx *cmpctx.Context) error {
	if ctx.Options.IgnoreKeyUsage {
		return nil
	}
	if cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		return ErrKeyUsage
	}
	return nil
}

// findSenderCert locates, among candidates, the certificate whose subject
// matches sender and (if senderKID is non-empty) whose SubjectKeyId matches.
func findSenderCert(sender pkix.Name, senderKID []byte, candidates []*x509.Certificate) *x509.Certificate {
	senderDN := sender.String()
	for _, c := range candidates {
		if c.Subject.String() != senderDN {
			continue
		}
		if len(senderKID) > 0 && !constantTimeEqual(c.SubjectKeyId, senderKID) {
			continue
		}
		return c
	}
	return nil
}

// chainValidator is satisfied by trust.Validate; defined as a var so tests
// can substitute a stub without constructing a real trust store.
var chainValidator = trust.Validate
