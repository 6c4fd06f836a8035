package trust

import (
	"bytes"
	"context"
	"crypto/x509"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/fbdlampayan/cmpossl/internal/serrors"
)

func parseStapledOCSP(raw []byte, cert, issuer *x509.Certificate) (RevocationStatus, error) {
	resp, err := ocsp.ParseResponseForCert(raw, cert, issuer)
	if err != nil {
		return Inconclusive, serrors.WrapStr("parsing stapled OCSP response", err)
	}
	return ocspStatus(resp, issuer), nil
}

func queryLiveOCSP(cert, issuer *x509.Certificate, opts Options) (RevocationStatus, error) {
	responderURL := opts.OCSPResponderURL
	if responderURL == "" {
		if len(cert.OCSPServer) == 0 {
			return Inconclusive, nil
		}
		responderURL = cert.OCSPServer[0]
	}

	reqBytes, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return Inconclusive, nil
	}

	timeout := opts.FetchTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, responderURL, bytes.NewReader(reqBytes))
	if err != nil {
		return Inconclusive, nil
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")

	httpResp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return Inconclusive, nil
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Inconclusive, nil
	}

	resp, err := ocsp.ParseResponseForCert(body, cert, issuer)
	if err != nil {
		return Inconclusive, nil
	}
	return ocspStatus(resp, issuer), nil
}

// ocspStatus maps a parsed OCSP response to a RevocationStatus. When the
// response is countersigned by a delegated responder certificate (rather
// than the issuer itself), that responder's own chain is validated with
// InOcspValidation set so the check cannot recurse back into OCSP.
func ocspStatus(resp *ocsp.Response, issuer *x509.Certificate) RevocationStatus {
	if resp.Certificate != nil {
		// The responder's delegated certificate need only chain back to the
		// issuer we already trust for cert itself.
		if _, err := Validate(resp.Certificate, Options{
			Roots:            singleCertPool(issuer),
			CurrentTime:      resp.ThisUpdate,
			InOcspValidation: true,
		}); err != nil {
			return Inconclusive
		}
	}

	switch resp.Status {
	case ocsp.Good:
		return Good
	case ocsp.Revoked:
		return Revoked
	default:
		return Inconclusive
	}
}

func singleCertPool(cert *x509.Certificate) *x509.CertPool {
	pool := x509.NewCertPool()
	if cert != nil {
		pool.AddCert(cert)
	}
	return pool
}
