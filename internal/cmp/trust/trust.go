// Package trust implements component C: X.509 chain validation and the
// revocation dispatcher (stapled OCSP, live OCSP, CRL) consulted after a
// chain is otherwise trusted. Grounded on the retrieval pack's own chain
// construction (scrypto/cppki.CAPolicy.CreateChain) for the general shape
// of "build with crypto/x509, layer a domain policy on top".
package trust

import (
	"crypto/x509"
	"time"

	"github.com/fbdlampayan/cmpossl/internal/serrors"
)

// RevocationStatus is the verdict of one revocation source for one cert.
type RevocationStatus int

const (
	Good RevocationStatus = iota
	Revoked
	Inconclusive
)

// Options configures one Validate call.
type Options struct {
	Roots         *x509.CertPool
	Intermediates *x509.CertPool
	CurrentTime   time.Time

	CheckRevocation bool
	FullChain       bool

	// InOcspValidation is set when Validate is being used recursively to
	// check an OCSP responder's own certificate chain. It disables
	// revocation checking regardless of CheckRevocation, preventing the
	// responder-chain check from itself depending on OCSP.
	InOcspValidation bool

	StapledOCSP      []byte
	OCSPResponderURL string
	FetchTimeout     time.Duration
	CRLStore         *CRLStore
}

var (
	ErrRevoked           = serrors.New("certificate revoked")
	ErrRevocationUnknown = serrors.New("certificate revocation status unknown")
	ErrNoTrustAnchor     = serrors.New("no trust anchor for certificate chain")
	ErrExpired           = serrors.New("certificate chain expired")
)

// Validate builds and returns every valid chain from cert to a root in
// opts.Roots, then (unless revocation checking is disabled) runs the
// revocation dispatcher over each chain. A chain with any Revoked member
// fails fatally; a chain that is entirely Inconclusive where checking is
// required also fails, but other chains are still tried.
func Validate(cert *x509.Certificate, opts Options) ([][]*x509.Certificate, error) {
	verifyOpts := x509.VerifyOptions{
		Roots:         opts.Roots,
		Intermediates: opts.Intermediates,
		CurrentTime:   opts.CurrentTime,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	chains, err := cert.Verify(verifyOpts)
	if err != nil {
		return nil, classifyVerifyError(err)
	}

	if !opts.CheckRevocation || opts.InOcspValidation {
		return chains, nil
	}

	var lastErr error
	for _, chain := range chains {
		if err := checkChainRevocation(chain, opts); err != nil {
			lastErr = err
			continue
		}
		return [][]*x509.Certificate{chain}, nil
	}
	return nil, lastErr
}

func classifyVerifyError(err error) error {
	if ce, ok := err.(x509.CertificateInvalidError); ok && ce.Reason == x509.Expired {
		return serrors.Wrap("certificate chain expired", ErrExpired, "cause", ce.Error())
	}
	if _, ok := err.(x509.UnknownAuthorityError); ok {
		return serrors.Wrap("no trust anchor for certificate chain", ErrNoTrustAnchor, "cause", err.Error())
	}
	return serrors.WrapStr("chain validation failed", err)
}

// checkChainRevocation walks chain from the leaf, skipping the trailing
// self-signed root. By default only the leaf (index 0) is checked; with
// opts.FullChain every intermediate is checked too.
func checkChainRevocation(chain []*x509.Certificate, opts Options) error {
	for i, c := range chain {
		if i == len(chain)-1 {
			break // self-signed root, never checked
		}
		issuer := chain[i+1]

		status, err := dispatchRevocation(c, issuer, i == 0, opts)
		if err != nil {
			return err
		}
		switch status {
		case Revoked:
			return ErrRevoked
		case Inconclusive:
			return ErrRevocationUnknown
		}

		if i == 0 && !opts.FullChain {
			return nil
		}
	}
	return nil
}

func dispatchRevocation(cert, issuer *x509.Certificate, isLeaf bool, opts Options) (RevocationStatus, error) {
	if isLeaf && len(opts.StapledOCSP) > 0 {
		if status, err := parseStapledOCSP(opts.StapledOCSP, cert, issuer); err == nil && status != Inconclusive {
			return status, nil
		}
	}

	if status, err := queryLiveOCSP(cert, issuer, opts); err == nil && status != Inconclusive {
		return status, nil
	}

	if status, err := checkCRL(cert, issuer, opts); err == nil {
		return status, nil
	}

	return Inconclusive, nil
}
