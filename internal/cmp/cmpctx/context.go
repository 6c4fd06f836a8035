// Package cmpctx implements component H: the CMP context. It holds
// everything that is constant across a client's lifetime (credentials,
// trust material, options) plus the state scoped to the one transaction
// currently in flight (transaction ID, nonces, accumulated response
// material). It performs no protocol logic itself.
package cmpctx

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"time"

	"github.com/fbdlampayan/cmpossl/internal/cmp/transport"
)

// POPOMethod selects how proof-of-possession is demonstrated.
type POPOMethod int

const (
	POPONone POPOMethod = iota
	POPOSignature
	POPOEncrCert
	POPORAVerified
)

// Credentials is either a PBMAC shared secret or a signing identity. Exactly
// one of the two pairs should be populated; UnprotectedSend opts out of
// protection entirely.
type Credentials struct {
	ReferenceValue string
	SecretValue    []byte

	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
}

// HasSecret reports whether PBMAC credentials are configured.
func (c Credentials) HasSecret() bool {
	return len(c.SecretValue) > 0
}

// HasSignature reports whether signature credentials are configured.
func (c Credentials) HasSignature() bool {
	return c.Certificate != nil && c.PrivateKey != nil
}

// Options carries the CLI/config-level flags named in the spec's data
// model.
type Options struct {
	UnprotectedSend        bool
	AcceptUnprotectedErrors bool
	IgnoreKeyUsage          bool
	ImplicitConfirm         bool
	DisableConfirm          bool
	POPOMethod              POPOMethod
	DigestAlg               crypto.Hash
	ValidityDays            int
	SANCritical             bool
	PoliciesCritical        bool
	SANNoDefault            bool
	RevocationReason        int // -1 omits
	RevocationCheckFullChain bool
	MsgTimeout              time.Duration // 0 disables
	TotalTimeout            time.Duration // 0 disables
}

// DefaultOptions returns the options a freshly constructed Context should
// start with.
func DefaultOptions() Options {
	return Options{
		POPOMethod:       POPOSignature,
		DigestAlg:        crypto.SHA256,
		RevocationReason: -1,
		MsgTimeout:       10 * time.Second,
		TotalTimeout:     2 * time.Minute,
	}
}

// Failure is what CertConfCallback returns to reject an issued certificate.
type Failure struct {
	Status   int
	FailInfo uint32
	Text     string
}

// CertConfCallback is invoked before the client sends certConf. Returning
// nil accepts the certificate; returning a Failure sends a negative
// confirmation carrying that failure information.
type CertConfCallback func(ctx *Context, newCert *x509.Certificate, negative *Failure) *Failure

// TransactionState is reset at the start of every transaction.
type TransactionState struct {
	TransactionID    []byte
	LastSenderNonce  []byte
	LastRecipNonce   []byte
	CAPubs           []*x509.Certificate
	ExtraCertsIn     []*x509.Certificate
	NewCert          *x509.Certificate
	Confirmed        bool
	StartedAt        time.Time
	NextCertReqID    int
}

// Context is component H.
type Context struct {
	ServerName string
	ServerPort int
	ServerPath string
	ProxyURL   string
	UseTLS     bool

	Credentials Credentials

	TrustedServerCert *x509.Certificate // pinned srvCert, mutually exclusive with TrustStore
	TrustStore        *x509.CertPool
	UntrustedCerts    []*x509.Certificate

	ExpectedSender pkix.Name
	HasExpectedSender bool
	Recipient      pkix.Name
	HasRecipient   bool

	ExtraCertsOut []*x509.Certificate
	GenInfo       []GenericInfoValue

	// Request template fields consumed by the request builder.
	Subject        pkix.Name
	HasSubject     bool
	Issuer         pkix.Name
	HasIssuer      bool
	OldCert        *x509.Certificate
	NewKey         crypto.Signer
	ReqExtensions  []pkix.Extension
	SANDNSNames    []string
	SANIPAddresses []string
	Policies       []string

	Options Options

	CertConfCallback CertConfCallback
	OutTrustStore    *x509.CertPool

	Transport transport.Transport

	state TransactionState
}

// GenericInfoValue is a caller-supplied InfoTypeAndValue attached to the
// header of every outbound message (geninfo).
type GenericInfoValue struct {
	OID   string
	Value []byte
}

// New creates an empty context with default options.
func New() *Context {
	return &Context{Options: DefaultOptions()}
}

// State returns the current transaction-scoped state.
func (c *Context) State() *TransactionState {
	return &c.state
}

// ResetTransaction clears transaction-scoped state and assigns a fresh
// transaction ID and starting timestamp. Nonces are populated by the
// transaction state machine as messages are sent/received.
func (c *Context) ResetTransaction(transactionID []byte, now time.Time) {
	c.state = TransactionState{
		TransactionID: transactionID,
		StartedAt:     now,
	}
}

// Close zeroes secret material held by the context. Best-effort: Go gives no
// guarantee memory is not copied elsewhere by the GC/runtime, but this keeps
// the live window short, matching the retrieval pack's general instinct to
// treat key material as something that should not linger.
func (c *Context) Close() {
	for i := range c.Credentials.SecretValue {
		c.Credentials.SecretValue[i] = 0
	}
	c.Credentials.SecretValue = nil
}
