package protection_test

import (
	"crypto/x509/pkix"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fbdlampayan/cmpossl/internal/cmp/cmpctx"
	"github.com/fbdlampayan/cmpossl/internal/cmp/message"
	"github.com/fbdlampayan/cmpossl/internal/cmp/protection"
)

func pbmacContext(secret string) *cmpctx.Context {
	ctx := cmpctx.New()
	ctx.Credentials.ReferenceValue = "kid-1"
	ctx.Credentials.SecretValue = []byte(secret)
	return ctx
}

func sampleIP() *message.PKIMessage {
	return &message.PKIMessage{
		Header: message.PKIHeader{
			Sender:        pkix.Name{CommonName: "ca"},
			Recipient:     pkix.Name{CommonName: "ee"},
			TransactionID: []byte("0123456789abcdef"),
			SenderNonce:   []byte("fedcba9876543210"),
		},
		Body: message.PKIBody{
			Type: message.BodyIP,
			CertRepMessage: &message.CertRepMessage{
				Responses: []message.CertResponse{
					{CertReqID: 0, Status: message.PKIStatusInfo{Status: 0}},
				},
			},
		},
	}
}

func TestPBMACRoundTrip(t *testing.T) {
	msg := sampleIP()
	ctx := pbmacContext("correct horse battery staple")

	require.NoError(t, protection.Apply(msg, ctx))
	require.True(t, msg.HasProtection)
	require.NoError(t, protection.Verify(msg, ctx, nil))
}

func TestPBMACWrongSecretFails(t *testing.T) {
	msg := sampleIP()
	require.NoError(t, protection.Apply(msg, pbmacContext("correct horse battery staple")))

	wrong := pbmacContext("wrong secret")
	err := protection.Verify(msg, wrong, nil)
	require.ErrorIs(t, err, protection.ErrBadProtection)
}

func TestPBMACTamperedBodyFails(t *testing.T) {
	msg := sampleIP()
	ctx := pbmacContext("correct horse battery staple")
	require.NoError(t, protection.Apply(msg, ctx))

	msg.Body.CertRepMessage.Responses[0].Status.Status = 2 // flip status after protecting

	err := protection.Verify(msg, ctx, nil)
	require.ErrorIs(t, err, protection.ErrBadProtection)
}

func TestUnprotectedIPRejectedEvenWithAcceptUnprotectedErrors(t *testing.T) {
	msg := sampleIP() // status accepted, so this ip is not a negative response
	msg.HasProtection = false

	ctx := cmpctx.New()
	ctx.Options.AcceptUnprotectedErrors = true

	err := protection.Verify(msg, ctx, nil)
	require.ErrorIs(t, err, protection.ErrUnexpectedUnprotected)
}

func TestUnprotectedNegativeIPAcceptedWhenConfigured(t *testing.T) {
	msg := sampleIP()
	msg.Body.CertRepMessage.Responses[0].Status.Status = 2 // rejection
	msg.HasProtection = false

	ctx := cmpctx.New()
	ctx.Options.AcceptUnprotectedErrors = true
	require.NoError(t, protection.Verify(msg, ctx, nil))

	ctx.Options.AcceptUnprotectedErrors = false
	require.ErrorIs(t, protection.Verify(msg, ctx, nil), protection.ErrUnexpectedUnprotected)
}

func TestUnprotectedErrorAcceptedWhenConfigured(t *testing.T) {
	msg := &message.PKIMessage{
		Header: message.PKIHeader{
			TransactionID: []byte("0123456789abcdef"),
			SenderNonce:   []byte("fedcba9876543210"),
		},
		Body: message.PKIBody{
			Type:     message.BodyError,
			ErrorMsg: &message.ErrorMsgContent{PKIStatusInfo: message.PKIStatusInfo{Status: 2}},
		},
		HasProtection: false,
	}

	ctx := cmpctx.New()
	ctx.Options.AcceptUnprotectedErrors = true
	require.NoError(t, protection.Verify(msg, ctx, nil))

	ctx.Options.AcceptUnprotectedErrors = false
	require.ErrorIs(t, protection.Verify(msg, ctx, nil), protection.ErrUnexpectedUnprotected)
}

func TestApplyWithNoCredentialsFails(t *testing.T) {
	msg := sampleIP()
	ctx := cmpctx.New()
	err := protection.Apply(msg, ctx)
	require.ErrorIs(t, err, protection.ErrNoProtectionCredentials)
}

func TestApplyUnprotectedSend(t *testing.T) {
	msg := sampleIP()
	ctx := cmpctx.New()
	ctx.Options.UnprotectedSend = true
	require.NoError(t, protection.Apply(msg, ctx))
	require.False(t, msg.HasProtection)
}
