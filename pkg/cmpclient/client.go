// Package cmpclient is component L: the public entry point wrapping the
// context (H) and transaction state machine (D) for library callers that
// do not want to drive either directly.
package cmpclient

import (
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"

	"go.uber.org/zap"

	"github.com/fbdlampayan/cmpossl/internal/cmp/cmpctx"
	"github.com/fbdlampayan/cmpossl/internal/cmp/message"
	"github.com/fbdlampayan/cmpossl/internal/cmp/metrics"
	"github.com/fbdlampayan/cmpossl/internal/cmp/transaction"
	"github.com/fbdlampayan/cmpossl/internal/cmp/transport"
)

// Config populates the Client's underlying Context. It is the library-level
// analogue of the CLI's viper-chained configuration (component M).
type Config struct {
	ServerName string
	ServerPort int
	ServerPath string
	UseTLS     bool
	ProxyURL   string
	Transport  transport.Transport // overrides ServerName/Port/Path/UseTLS/ProxyURL when set

	ReferenceValue string
	SecretValue    []byte

	Certificate *x509.Certificate
	PrivateKey  crypto.Signer

	TrustedServerCert *x509.Certificate
	TrustStore        *x509.CertPool
	UntrustedCerts    []*x509.Certificate
	OutTrustStore     *x509.CertPool

	ExpectedSender pkix.Name
	Recipient      pkix.Name

	// Request template fields consumed by the request builder (component E)
	// when the transaction issues or updates a certificate.
	Subject        pkix.Name
	Issuer         pkix.Name
	NewKey         crypto.Signer
	OldCert        *x509.Certificate // default subject/issuer/key source for kur
	ReqExtensions  []pkix.Extension
	SANDNSNames    []string
	SANIPAddresses []string
	Policies       []string
	GenInfo        []cmpctx.GenericInfoValue

	CertConfCallback cmpctx.CertConfCallback

	Options cmpctx.Options

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Client is the facade over one reusable CMP context.
type Client struct {
	ctx     *cmpctx.Context
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config) (*Client, error) {
	ctx := cmpctx.New()
	ctx.ServerName = cfg.ServerName
	ctx.ServerPort = cfg.ServerPort
	ctx.ServerPath = cfg.ServerPath
	ctx.UseTLS = cfg.UseTLS
	ctx.ProxyURL = cfg.ProxyURL

	ctx.Credentials.ReferenceValue = cfg.ReferenceValue
	ctx.Credentials.SecretValue = cfg.SecretValue
	ctx.Credentials.Certificate = cfg.Certificate
	ctx.Credentials.PrivateKey = cfg.PrivateKey

	ctx.TrustedServerCert = cfg.TrustedServerCert
	ctx.TrustStore = cfg.TrustStore
	ctx.UntrustedCerts = cfg.UntrustedCerts
	ctx.OutTrustStore = cfg.OutTrustStore

	if !isZeroName(cfg.ExpectedSender) {
		ctx.ExpectedSender, ctx.HasExpectedSender = cfg.ExpectedSender, true
	}
	if !isZeroName(cfg.Recipient) {
		ctx.Recipient, ctx.HasRecipient = cfg.Recipient, true
	}
	if !isZeroName(cfg.Subject) {
		ctx.Subject, ctx.HasSubject = cfg.Subject, true
	}
	if !isZeroName(cfg.Issuer) {
		ctx.Issuer, ctx.HasIssuer = cfg.Issuer, true
	}
	ctx.NewKey = cfg.NewKey
	ctx.OldCert = cfg.OldCert
	ctx.ReqExtensions = cfg.ReqExtensions
	ctx.SANDNSNames = cfg.SANDNSNames
	ctx.SANIPAddresses = cfg.SANIPAddresses
	ctx.Policies = cfg.Policies
	ctx.GenInfo = cfg.GenInfo
	ctx.CertConfCallback = cfg.CertConfCallback

	if cfg.Options != (cmpctx.Options{}) {
		ctx.Options = cfg.Options
	}

	if cfg.Transport != nil {
		ctx.Transport = cfg.Transport
	} else {
		t, err := transport.NewHTTP(transport.HTTPConfig{
			ServerName: cfg.ServerName,
			ServerPort: cfg.ServerPort,
			ServerPath: cfg.ServerPath,
			UseTLS:     cfg.UseTLS,
			ProxyURL:   cfg.ProxyURL,
		})
		if err != nil {
			return nil, err
		}
		ctx.Transport = t
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{ctx: ctx, logger: logger, metrics: cfg.Metrics}, nil
}

func isZeroName(n pkix.Name) bool {
	return n.String() == (pkix.Name{}).String()
}

// EnrollRequest selects which certificate-issuing command to run and
// supplies whatever it needs.
type EnrollRequest struct {
	Command transaction.Command // CommandIR, CommandCR, CommandKUR or CommandP10CR
	OldCert *x509.Certificate   // required for CommandKUR
	CSRDER  []byte              // required for CommandP10CR
}

// EnrollResult is the artifact produced by a successful enrollment.
type EnrollResult struct {
	Cert       *x509.Certificate
	CAPubs     []*x509.Certificate
	ExtraCerts []*x509.Certificate
	Warnings   []string
}

// Enroll runs an ir/cr/kur/p10cr transaction to completion.
func (c *Client) Enroll(ctx context.Context, req EnrollRequest) (*EnrollResult, error) {
	m := transaction.New(c.ctx, req.Command)
	m.Logger = c.logger
	m.Metrics = c.metrics
	m.OldCert = req.OldCert
	if req.OldCert != nil {
		// kur builds its request from the context's OldCert.
		c.ctx.OldCert = req.OldCert
	}
	m.CSRDER = req.CSRDER

	result, err := m.Run(ctx)
	if err != nil {
		return nil, err
	}
	return &EnrollResult{
		Cert:       result.Cert,
		CAPubs:     result.CAPubs,
		ExtraCerts: result.ExtraCerts,
		Warnings:   result.Warnings,
	}, nil
}

// Revoke runs an rr transaction against oldCert.
func (c *Client) Revoke(ctx context.Context, oldCert *x509.Certificate) error {
	m := transaction.New(c.ctx, transaction.CommandRR)
	m.Logger = c.logger
	m.Metrics = c.metrics
	m.OldCert = oldCert
	_, err := m.Run(ctx)
	return err
}

// GeneralMessage runs a genm transaction carrying itavs and returns the
// server's genp response values.
func (c *Client) GeneralMessage(ctx context.Context, itavs []message.ITAV) ([]message.ITAV, error) {
	m := transaction.New(c.ctx, transaction.CommandGenM)
	m.Logger = c.logger
	m.Metrics = c.metrics
	m.ITAVs = itavs
	result, err := m.Run(ctx)
	if err != nil {
		return nil, err
	}
	return result.GenRepITAVs, nil
}

// Close releases secret material held by the underlying context.
func (c *Client) Close() {
	c.ctx.Close()
}
