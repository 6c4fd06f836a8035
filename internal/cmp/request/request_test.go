package request_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/fbdlampayan/cmpossl/internal/cmp/cmpctx"
	"github.com/fbdlampayan/cmpossl/internal/cmp/message"
	"github.com/fbdlampayan/cmpossl/internal/cmp/request"
)

var oidSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}

func baseCtx(t *testing.T) *cmpctx.Context {
	t.Helper()
	ctx := cmpctx.New()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ctx.NewKey = key
	ctx.Subject = pkix.Name{CommonName: "end entity"}
	ctx.HasSubject = true
	ctx.ResetTransaction([]byte("0123456789abcdef"), time.Now())
	return ctx
}

func extensionByOID(exts []pkix.Extension, oid asn1.ObjectIdentifier) (pkix.Extension, bool) {
	for _, e := range exts {
		if e.Id.Equal(oid) {
			return e, true
		}
	}
	return pkix.Extension{}, false
}

func TestBuildIRIncludesSignedPOPO(t *testing.T) {
	ctx := baseCtx(t)
	msg, err := request.BuildIR(ctx)
	require.NoError(t, err)
	require.Equal(t, message.BodyIR, msg.Body.Type)
	require.Len(t, msg.Body.CertReqMessages.Requests, 1)
	popo := msg.Body.CertReqMessages.Requests[0].Popo
	require.NotNil(t, popo)
	require.Equal(t, message.POPOSignature, popo.Method)
	require.NotEmpty(t, popo.Signature)
}

func TestBuildIRWithCLISANs(t *testing.T) {
	ctx := baseCtx(t)
	ctx.SANDNSNames = []string{"example.test"}
	msg, err := request.BuildIR(ctx)
	require.NoError(t, err)

	exts := msg.Body.CertReqMessages.Requests[0].CertReq.Template.Extensions
	ext, ok := extensionByOID(exts, oidSubjectAltName)
	require.True(t, ok)
	require.False(t, ext.Critical)
}

func TestBuildIRSANConflictWithExplicitExtension(t *testing.T) {
	ctx := baseCtx(t)
	ctx.SANDNSNames = []string{"example.test"}
	ctx.ReqExtensions = []pkix.Extension{{Id: oidSubjectAltName, Value: []byte{0x30, 0x00}}}

	_, err := request.BuildIR(ctx)
	require.ErrorIs(t, err, request.ErrSANConflict)
}

func TestBuildKURInheritsSANFromOldCert(t *testing.T) {
	ctx := baseCtx(t)
	oldKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	sanDER, err := asn1.Marshal([]asn1.RawValue{{Class: asn1.ClassContextSpecific, Tag: 2, Bytes: []byte("old.example.test")}})
	require.NoError(t, err)
	oldTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "end entity"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtraExtensions: []pkix.Extension{
			{Id: oidSubjectAltName, Value: sanDER},
		},
	}
	der, err := x509.CreateCertificate(rand.Reader, oldTmpl, oldTmpl, &oldKey.PublicKey, oldKey)
	require.NoError(t, err)
	oldCert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	ctx.OldCert = oldCert
	ctx.HasSubject = false
	msg, err := request.BuildKUR(ctx)
	require.NoError(t, err)

	exts := msg.Body.CertReqMessages.Requests[0].CertReq.Template.Extensions
	ext, ok := extensionByOID(exts, oidSubjectAltName)
	require.True(t, ok)
	require.Equal(t, sanDER, ext.Value)
}

func TestBuildKURSANNoDefaultOmitsInheritedSAN(t *testing.T) {
	ctx := baseCtx(t)
	oldKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	sanDER, err := asn1.Marshal([]asn1.RawValue{{Class: asn1.ClassContextSpecific, Tag: 2, Bytes: []byte("old.example.test")}})
	require.NoError(t, err)
	oldTmpl := &x509.Certificate{
		SerialNumber:    big.NewInt(1),
		Subject:         pkix.Name{CommonName: "end entity"},
		NotBefore:       time.Now().Add(-time.Hour),
		NotAfter:        time.Now().Add(time.Hour),
		ExtraExtensions: []pkix.Extension{{Id: oidSubjectAltName, Value: sanDER}},
	}
	der, err := x509.CreateCertificate(rand.Reader, oldTmpl, oldTmpl, &oldKey.PublicKey, oldKey)
	require.NoError(t, err)
	oldCert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	ctx.OldCert = oldCert
	ctx.Options.SANNoDefault = true
	msg, err := request.BuildKUR(ctx)
	require.NoError(t, err)

	exts := msg.Body.CertReqMessages.Requests[0].CertReq.Template.Extensions
	_, ok := extensionByOID(exts, oidSubjectAltName)
	require.False(t, ok)
}

func TestBuildKURRequiresOldCert(t *testing.T) {
	ctx := baseCtx(t)
	_, err := request.BuildKUR(ctx)
	require.Error(t, err)
}

func TestBuildIRMissingKeyFails(t *testing.T) {
	ctx := baseCtx(t)
	ctx.NewKey = nil
	_, err := request.BuildIR(ctx)
	require.ErrorIs(t, err, request.ErrMissingKey)
}

func TestBuildIRCombinesSANAndPoliciesInOrder(t *testing.T) {
	ctx := baseCtx(t)
	ctx.SANDNSNames = []string{"a.example.test", "b.example.test"}
	ctx.Policies = []string{"2.23.140.1.2.1"}

	msg, err := request.BuildIR(ctx)
	require.NoError(t, err)

	exts := msg.Body.CertReqMessages.Requests[0].CertReq.Template.Extensions
	require.Len(t, exts, 2)
	require.True(t, exts[0].Id.Equal(oidSubjectAltName))
	require.True(t, exts[1].Id.Equal(asn1.ObjectIdentifier{2, 5, 29, 32}))

	sanExt, ok := extensionByOID(exts, oidSubjectAltName)
	require.True(t, ok)

	msg2, err := request.BuildIR(ctx)
	require.NoError(t, err)
	exts2 := msg2.Body.CertReqMessages.Requests[0].CertReq.Template.Extensions
	sanExt2, ok := extensionByOID(exts2, oidSubjectAltName)
	require.True(t, ok)

	// Building the same request twice from the same ctx must produce
	// byte-identical extension content.
	if diff := cmp.Diff(sanExt, sanExt2); diff != "" {
		t.Errorf("subjectAltName extension differs across identical builds (-first +second):\n%s", diff)
	}
}

func TestBuildIRRecipientFallsBackToPinnedServerCert(t *testing.T) {
	ctx := baseCtx(t)
	srvKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	srvTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(5),
		Subject:      pkix.Name{CommonName: "pinned ca"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, srvTmpl, srvTmpl, &srvKey.PublicKey, srvKey)
	require.NoError(t, err)
	srvCert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	ctx.TrustedServerCert = srvCert

	msg, err := request.BuildIR(ctx)
	require.NoError(t, err)
	require.Equal(t, "pinned ca", msg.Header.Recipient.CommonName)
}

func TestBuildIRRecipientFallsBackToIssuerWithoutPinnedCertOrCAPubs(t *testing.T) {
	ctx := baseCtx(t)
	ctx.Issuer = pkix.Name{CommonName: "configured issuer"}
	ctx.HasIssuer = true

	msg, err := request.BuildIR(ctx)
	require.NoError(t, err)
	require.Equal(t, "configured issuer", msg.Header.Recipient.CommonName)
}

func TestBuildIRRecipientPrefersExplicitOverPinnedCertAndIssuer(t *testing.T) {
	ctx := baseCtx(t)
	ctx.Recipient = pkix.Name{CommonName: "explicit recipient"}
	ctx.HasRecipient = true
	ctx.Issuer = pkix.Name{CommonName: "configured issuer"}
	ctx.HasIssuer = true

	msg, err := request.BuildIR(ctx)
	require.NoError(t, err)
	require.Equal(t, "explicit recipient", msg.Header.Recipient.CommonName)
}

func TestBuildRRCarriesOldCertIdentity(t *testing.T) {
	ctx := baseCtx(t)
	ctx.Options.RevocationReason = 1 // keyCompromise
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "end entity"},
		Issuer:       pkix.Name{CommonName: "test ca"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	oldCert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	msg, err := request.BuildRR(ctx, oldCert)
	require.NoError(t, err)
	details := msg.Body.RevReqContent.Requests[0]
	require.Equal(t, oldCert.SerialNumber, details.SerialNumber)
	require.Equal(t, 1, details.Reason)
}
