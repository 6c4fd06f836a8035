package trust

import (
	"context"
	"crypto/x509"
	"io"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/fbdlampayan/cmpossl/internal/serrors"
)

// CRLStore caches parsed CRLs by distribution point URL so repeated
// transactions against the same CA do not refetch on every call.
type CRLStore struct {
	cache *gocache.Cache
}

// NewCRLStore builds a store whose entries expire after ttl.
func NewCRLStore(ttl time.Duration) *CRLStore {
	return &CRLStore{cache: gocache.New(ttl, 2*ttl)}
}

func (s *CRLStore) get(url string) (*x509.RevocationList, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.cache.Get(url)
	if !ok {
		return nil, false
	}
	return v.(*x509.RevocationList), true
}

func (s *CRLStore) put(url string, crl *x509.RevocationList) {
	if s == nil {
		return
	}
	s.cache.Set(url, crl, gocache.DefaultExpiration)
}

func checkCRL(cert, issuer *x509.Certificate, opts Options) (RevocationStatus, error) {
	if len(cert.CRLDistributionPoints) == 0 {
		return Inconclusive, nil
	}

	timeout := opts.FetchTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	crl, err := fetchFirstValidCRL(ctx, cert.CRLDistributionPoints, issuer, opts.CRLStore)
	if err != nil {
		return Inconclusive, nil
	}

	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return Revoked, nil
		}
	}
	return Good, nil
}

// fetchFirstValidCRL fetches every distribution point concurrently and
// returns whichever current CRL arrives first; the rest are left to finish
// in the background via the errgroup's context.
func fetchFirstValidCRL(ctx context.Context, urls []string, issuer *x509.Certificate, store *CRLStore) (*x509.RevocationList, error) {
	found := make(chan *x509.RevocationList, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	for _, u := range urls {
		u := u
		g.Go(func() error {
			if crl, ok := store.get(u); ok && crl.NextUpdate.After(time.Now()) {
				select {
				case found <- crl:
				case <-gctx.Done():
				}
				return nil
			}
			crl, err := fetchCRL(gctx, u, issuer)
			if err != nil || !crl.NextUpdate.After(time.Now()) {
				return nil
			}
			store.put(u, crl)
			select {
			case found <- crl:
			case <-gctx.Done():
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case crl := <-found:
		return crl, nil
	case <-done:
		select {
		case crl := <-found:
			return crl, nil
		default:
			return nil, serrors.New("no usable CRL from any distribution point")
		}
	}
}

func fetchCRL(ctx context.Context, url string, issuer *x509.Certificate) (*x509.RevocationList, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, serrors.New("unexpected CRL fetch status", "status", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	crl, err := x509.ParseRevocationList(body)
	if err != nil {
		return nil, err
	}
	if issuer != nil {
		if err := crl.CheckSignatureFrom(issuer); err != nil {
			return nil, err
		}
	}
	return crl, nil
}
