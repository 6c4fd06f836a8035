package message_test

import (
	"crypto/x509/pkix"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fbdlampayan/cmpossl/internal/cmp/message"
)

func sampleHeader() message.PKIHeader {
	return message.PKIHeader{
		Sender:        pkix.Name{CommonName: "end entity"},
		Recipient:     pkix.Name{CommonName: "test CA"},
		TransactionID: []byte("0123456789abcdef"),
		SenderNonce:   []byte("fedcba9876543210"),
	}
}

func TestRoundTripIR(t *testing.T) {
	msg := &message.PKIMessage{
		Header: sampleHeader(),
		Body: message.PKIBody{
			Type: message.BodyIR,
			CertReqMessages: &message.CertReqMessages{
				Requests: []message.CertReqMsg{
					{
						CertReq: message.CertRequest{
							CertReqID: 0,
							Template: message.CertTemplate{
								Subject:    pkix.Name{CommonName: "alice"},
								HasSubject: true,
							},
						},
						Popo: &message.ProofOfPossession{Method: message.POPONone},
					},
				},
			},
		},
	}

	der, err := message.Encode(msg)
	require.NoError(t, err)
	require.NotEmpty(t, der)

	decoded, err := message.Decode(der)
	require.NoError(t, err)

	require.Equal(t, msg.Header.TransactionID, decoded.Header.TransactionID)
	require.Equal(t, msg.Header.SenderNonce, decoded.Header.SenderNonce)
	require.Equal(t, "end entity", decoded.Header.Sender.CommonName)
	require.Equal(t, "test CA", decoded.Header.Recipient.CommonName)
	require.Equal(t, message.BodyIR, decoded.Body.Type)
	require.NotNil(t, decoded.Body.CertReqMessages)
	require.Len(t, decoded.Body.CertReqMessages.Requests, 1)
	require.Equal(t, "alice", decoded.Body.CertReqMessages.Requests[0].CertReq.Template.Subject.CommonName)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := message.Decode([]byte{0x30, 0xFF, 0x00})
	require.Error(t, err)
}

func TestProtectedBytesStable(t *testing.T) {
	msg := &message.PKIMessage{
		Header: sampleHeader(),
		Body: message.PKIBody{
			Type:    message.BodyPKIConf,
			PKIMessages: &message.PKIConfOrCertConf{IsPKIConf: true},
		},
	}
	a, err := message.ProtectedBytes(msg)
	require.NoError(t, err)
	b, err := message.ProtectedBytes(msg)
	require.NoError(t, err)
	require.Equal(t, a, b)
}
