package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fbdlampayan/cmpossl/internal/serrors"
)

const contentTypePKIXCMP = "application/pkixcmp"

// HTTPConfig configures the HTTP transport implementation.
type HTTPConfig struct {
	ServerName string
	ServerPort int
	ServerPath string
	UseTLS     bool
	ProxyURL   string // plain HTTP proxy only; TLS-through-proxy is rejected
	TLSClient  *http.Transport
}

// NewHTTP builds a Transport that POSTs DER bytes to the configured CA/RA
// endpoint over HTTP(S), per section 6's wire protocol.
func NewHTTP(cfg HTTPConfig) (Transport, error) {
	if cfg.UseTLS && cfg.ProxyURL != "" {
		return nil, serrors.New("TLS via HTTP proxy is not supported")
	}

	rt := cfg.TLSClient
	if rt == nil {
		rt = &http.Transport{}
	}
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, serrors.WrapStr("parsing proxy URL", err)
		}
		rt.Proxy = http.ProxyURL(u)
	}

	scheme := "http"
	if cfg.UseTLS {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s:%d%s", scheme, cfg.ServerName, cfg.ServerPort, cfg.ServerPath)

	client := &http.Client{Transport: rt}

	return Func(func(ctx context.Context, request []byte, timeout time.Duration) ([]byte, error) {
		reqCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(request))
		if err != nil {
			return nil, serrors.WrapStr("building HTTP request", err)
		}
		req.Header.Set("Content-Type", contentTypePKIXCMP)

		resp, err := client.Do(req)
		if err != nil {
			if reqCtx.Err() != nil {
				return nil, serrors.Timeout(serrors.WrapStr("HTTP request", err))
			}
			return nil, serrors.WrapStr("HTTP request", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, serrors.New("unexpected HTTP status", "status", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, serrors.WrapStr("reading HTTP response body", err)
		}
		return body, nil
	}), nil
}
