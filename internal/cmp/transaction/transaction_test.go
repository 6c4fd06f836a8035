package transaction_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"

	"github.com/fbdlampayan/cmpossl/internal/cmp/cmpctx"
	"github.com/fbdlampayan/cmpossl/internal/cmp/message"
	"github.com/fbdlampayan/cmpossl/internal/cmp/protection"
	"github.com/fbdlampayan/cmpossl/internal/cmp/response"
	"github.com/fbdlampayan/cmpossl/internal/cmp/transaction"
	"github.com/fbdlampayan/cmpossl/internal/cmp/transport/mock_transport"
	"github.com/fbdlampayan/cmpossl/internal/mockca"
)

func selfSignedCA(t *testing.T) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		SubjectKeyId:          []byte("test ca"),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

// baseContext builds a PBMAC-protected context whose Transport talks
// directly to an in-process mockca.Server, and whose OutTrustStore trusts
// that server's CA certificate for the issued-certificate validation step.
func baseContext(t *testing.T, server *mockca.Server) *cmpctx.Context {
	t.Helper()
	ctx := cmpctx.New()
	ctx.Credentials.ReferenceValue = "kid-1"
	ctx.Credentials.SecretValue = []byte("enrollment secret")

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ctx.NewKey = key
	ctx.Subject = pkix.Name{CommonName: "end entity"}
	ctx.HasSubject = true

	pool := x509.NewCertPool()
	pool.AddCert(server.CACert)
	ctx.OutTrustStore = pool

	ctx.Transport = server
	return ctx
}

func newServer(t *testing.T, secret []byte) *mockca.Server {
	t.Helper()
	caCert, caKey := selfSignedCA(t)
	s := mockca.New(caCert, caKey)
	s.Secret = secret
	return s
}

func TestMachineRunIREndToEnd(t *testing.T) {
	server := newServer(t, []byte("enrollment secret"))
	ctx := baseContext(t, server)

	m := transaction.New(ctx, transaction.CommandIR)
	result, err := m.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result.Cert)
	require.Equal(t, "end entity", result.Cert.Subject.CommonName)
	require.Empty(t, result.Warnings)
	require.True(t, ctx.State().Confirmed)
}

func TestMachineRunIRImplicitConfirmSkipsCertConf(t *testing.T) {
	server := newServer(t, []byte("enrollment secret"))
	server.GrantImplicitConfirm = true
	ctx := baseContext(t, server)
	ctx.Options.ImplicitConfirm = true

	m := transaction.New(ctx, transaction.CommandIR)
	result, err := m.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result.Cert)
	require.True(t, ctx.State().Confirmed)
}

func TestMachineRunIRDisableConfirmWarns(t *testing.T) {
	server := newServer(t, []byte("enrollment secret"))
	ctx := baseContext(t, server)
	ctx.Options.DisableConfirm = true

	m := transaction.New(ctx, transaction.CommandIR)
	result, err := m.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result.Cert)
	require.NotEmpty(t, result.Warnings)
	require.False(t, ctx.State().Confirmed)
}

func TestMachineRunIRSenderMismatchFails(t *testing.T) {
	server := newServer(t, []byte("enrollment secret"))
	ctx := baseContext(t, server)
	ctx.HasExpectedSender = true
	ctx.ExpectedSender = pkix.Name{CommonName: "some unrelated root"}

	m := transaction.New(ctx, transaction.CommandIR)
	_, err := m.Run(context.Background())
	require.ErrorIs(t, err, transaction.ErrSenderMismatch)
}

func TestMachineRunIRWrongSecretFails(t *testing.T) {
	server := newServer(t, []byte("enrollment secret"))
	ctx := baseContext(t, server)
	ctx.Credentials.SecretValue = []byte("wrong secret")

	m := transaction.New(ctx, transaction.CommandIR)
	_, err := m.Run(context.Background())
	require.Error(t, err)
}

func TestMachineRunRR(t *testing.T) {
	server := newServer(t, []byte("enrollment secret"))
	ctx := baseContext(t, server)

	// Issue a certificate first so there is something to revoke.
	enroll := transaction.New(ctx, transaction.CommandIR)
	issued, err := enroll.Run(context.Background())
	require.NoError(t, err)

	rr := transaction.New(ctx, transaction.CommandRR)
	rr.OldCert = issued.Cert
	_, err = rr.Run(context.Background())
	require.NoError(t, err)

	_, revoked := server.IsRevoked(issued.Cert.SerialNumber)
	require.True(t, revoked)
}

// TestMachineRunIRNonceMismatchFails drives the machine against a
// gomock-backed transport that echoes back the right transaction ID but a
// bogus recipNonce, exercising validateEnvelope's nonce check without
// needing a full mock CA round trip.
func TestMachineRunIRNonceMismatchFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	secret := []byte("enrollment secret")
	ctx := cmpctx.New()
	ctx.Credentials.ReferenceValue = "kid-1"
	ctx.Credentials.SecretValue = secret
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ctx.NewKey = key
	ctx.Subject = pkix.Name{CommonName: "end entity"}
	ctx.HasSubject = true

	tr := mock_transport.NewMockTransport(ctrl)
	tr.EXPECT().SendReceive(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, reqDER []byte, _ time.Duration) ([]byte, error) {
			req, err := message.Decode(reqDER)
			if err != nil {
				return nil, err
			}
			resp := &message.PKIMessage{
				Header: message.PKIHeader{
					Sender:        pkix.Name{CommonName: "ca"},
					Recipient:     req.Header.Sender,
					TransactionID: req.Header.TransactionID,
					SenderNonce:   []byte("0000000000000000"),
					RecipNonce:    []byte("not-the-sent-nonce"),
				},
				Body: message.PKIBody{
					Type: message.BodyIP,
					CertRepMessage: &message.CertRepMessage{
						Responses: []message.CertResponse{{CertReqID: 0, Status: message.PKIStatusInfo{Status: 0}}},
					},
				},
			}
			respCtx := cmpctx.New()
			respCtx.Credentials.SecretValue = secret
			if err := protection.Apply(resp, respCtx); err != nil {
				return nil, err
			}
			return message.Encode(resp)
		})
	ctx.Transport = tr

	m := transaction.New(ctx, transaction.CommandIR)
	_, err = m.Run(context.Background())
	require.ErrorIs(t, err, transaction.ErrNonceMismatch)
}

// TestMachineRunIRWaitingCertRepPolls drives the machine against a
// gomock-backed transport whose first answer is an ip with status "waiting"
// (no separate pollRep body) and whose second answer, sent only once the
// client issues the resulting pollReq, carries the issued certificate. This
// exercises response.Interpret's ip/cp/kup "waiting" branch end to end,
// since internal/mockca.Server always answers synchronously and can never
// produce this sequence.
func TestMachineRunIRWaitingCertRepPolls(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	secret := []byte("enrollment secret")
	caCert, caKey := selfSignedCA(t)

	ctx := cmpctx.New()
	ctx.Credentials.ReferenceValue = "kid-1"
	ctx.Credentials.SecretValue = secret
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ctx.NewKey = key
	ctx.Subject = pkix.Name{CommonName: "end entity"}
	ctx.HasSubject = true
	pool := x509.NewCertPool()
	pool.AddCert(caCert)
	ctx.OutTrustStore = pool

	respond := func(body message.PKIBody, reqDER []byte) ([]byte, error) {
		req, err := message.Decode(reqDER)
		if err != nil {
			return nil, err
		}
		resp := &message.PKIMessage{
			Header: message.PKIHeader{
				Sender:        pkix.Name{CommonName: "ca"},
				Recipient:     req.Header.Sender,
				TransactionID: req.Header.TransactionID,
				SenderNonce:   []byte("0000000000000001"),
				RecipNonce:    req.Header.SenderNonce,
			},
			Body: body,
		}
		respCtx := cmpctx.New()
		respCtx.Credentials.SecretValue = secret
		if err := protection.Apply(resp, respCtx); err != nil {
			return nil, err
		}
		return message.Encode(resp)
	}

	issuedKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(99),
		Subject:      pkix.Name{CommonName: "end entity"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, caCert, &issuedKey.PublicKey, caKey)
	require.NoError(t, err)

	tr := mock_transport.NewMockTransport(ctrl)
	first := tr.EXPECT().SendReceive(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, reqDER []byte, _ time.Duration) ([]byte, error) {
			return respond(message.PKIBody{
				Type: message.BodyIP,
				CertRepMessage: &message.CertRepMessage{
					Responses: []message.CertResponse{{CertReqID: 0, Status: message.PKIStatusInfo{Status: response.StatusWaiting}}},
				},
			}, reqDER)
		})
	tr.EXPECT().SendReceive(gomock.Any(), gomock.Any(), gomock.Any()).After(first).DoAndReturn(
		func(_ context.Context, reqDER []byte, _ time.Duration) ([]byte, error) {
			return respond(message.PKIBody{
				Type: message.BodyIP,
				CertRepMessage: &message.CertRepMessage{
					Responses: []message.CertResponse{{CertReqID: 0, Status: message.PKIStatusInfo{Status: response.StatusAccepted}, CertDER: leafDER}},
				},
			}, reqDER)
		})
	tr.EXPECT().SendReceive(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes().DoAndReturn(
		func(_ context.Context, reqDER []byte, _ time.Duration) ([]byte, error) {
			return respond(message.PKIBody{Type: message.BodyPKIConf}, reqDER)
		})
	ctx.Transport = tr

	m := transaction.New(ctx, transaction.CommandIR)
	result, err := m.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result.Cert)
	require.Equal(t, "end entity", result.Cert.Subject.CommonName)
}

func TestMachineTotalTimeoutExceeded(t *testing.T) {
	server := newServer(t, []byte("enrollment secret"))
	ctx := baseContext(t, server)
	ctx.Options.TotalTimeout = time.Nanosecond

	m := transaction.New(ctx, transaction.CommandIR)
	_, err := m.Run(context.Background())
	require.ErrorIs(t, err, transaction.ErrTotalTimeout)
}
