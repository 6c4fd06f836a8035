package cmpclient_test

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

	"github.com/stretchr/testify/require"

	"github.com/fbdlampayan/cmpossl/internal/mockca"
	"github.com/fbdlampayan/cmpossl/pkg/cmpclient"
)

func selfSignedCA(t *testing.T) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "client test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		SubjectKeyId:          []byte("client test ca"),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func TestClientEnrollCarriesRequestTemplate(t *testing.T) {
	caCert, caKey := selfSignedCA(t)
	server := mockca.New(caCert, caKey)
	server.Secret = []byte("enrollment secret")

	newKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	client, err := cmpclient.NewClient(cmpclient.Config{
		Transport:      server,
		ReferenceValue: "kid-1",
		SecretValue:    []byte("enrollment secret"),
		Subject:        pkix.Name{CommonName: "enrolled entity"},
		NewKey:         newKey,
		OutTrustStore:  pool,
	})
	require.NoError(t, err)
	defer client.Close()

	result, err := client.Enroll(context.Background(), cmpclient.EnrollRequest{})
	require.NoError(t, err)
	require.NotNil(t, result.Cert)
	require.Equal(t, "enrolled entity", result.Cert.Subject.CommonName)
}

func TestClientEnrollRequiresNewKey(t *testing.T) {
	caCert, caKey := selfSignedCA(t)
	server := mockca.New(caCert, caKey)
	server.Secret = []byte("enrollment secret")

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	client, err := cmpclient.NewClient(cmpclient.Config{
		Transport:      server,
		ReferenceValue: "kid-1",
		SecretValue:    []byte("enrollment secret"),
		Subject:        pkix.Name{CommonName: "enrolled entity"},
		OutTrustStore:  pool,
	})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Enroll(context.Background(), cmpclient.EnrollRequest{})
	require.Error(t, err)
}

func TestClientRevokeCommand(t *testing.T) {
	caCert, caKey := selfSignedCA(t)
	server := mockca.New(caCert, caKey)
	server.Secret = []byte("enrollment secret")

	newKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	client, err := cmpclient.NewClient(cmpclient.Config{
		Transport:      server,
		ReferenceValue: "kid-1",
		SecretValue:    []byte("enrollment secret"),
		Subject:        pkix.Name{CommonName: "enrolled entity"},
		NewKey:         newKey,
		OutTrustStore:  pool,
	})
	require.NoError(t, err)
	defer client.Close()

	result, err := client.Enroll(context.Background(), cmpclient.EnrollRequest{})
	require.NoError(t, err)

	require.NoError(t, client.Revoke(context.Background(), result.Cert))
	_, revoked := server.IsRevoked(result.Cert.SerialNumber)
	require.True(t, revoked)
}
