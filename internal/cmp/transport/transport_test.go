package transport_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fbdlampayan/cmpossl/internal/cmp/transport"
)

// TestMain verifies that exercising the HTTP transport against a real
// httptest server leaves no goroutines behind once every test closes its
// server and response bodies.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFuncAdaptsPlainFunction(t *testing.T) {
	var gotRequest []byte
	f := transport.Func(func(_ context.Context, request []byte, _ time.Duration) ([]byte, error) {
		gotRequest = request
		return []byte("reply"), nil
	})

	var tr transport.Transport = f
	reply, err := tr.SendReceive(context.Background(), []byte("request"), 0)
	require.NoError(t, err)
	require.Equal(t, []byte("reply"), reply)
	require.Equal(t, []byte("request"), gotRequest)
}

func TestNewHTTPRejectsTLSWithProxy(t *testing.T) {
	_, err := transport.NewHTTP(transport.HTTPConfig{
		ServerName: "ca.example.test",
		ServerPort: 443,
		ServerPath: "/pkix/",
		UseTLS:     true,
		ProxyURL:   "http://proxy.example.test:8080",
	})
	require.Error(t, err)
}

func TestNewHTTPRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/pkixcmp", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Equal(t, []byte("request-bytes"), body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("response-bytes"))
	}))
	defer server.Close()

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	tr, err := transport.NewHTTP(transport.HTTPConfig{
		ServerName: u.Hostname(),
		ServerPort: port,
		ServerPath: "/",
	})
	require.NoError(t, err)

	reply, err := tr.SendReceive(context.Background(), []byte("request-bytes"), time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("response-bytes"), reply)
}

func TestNewHTTPNonOKStatusFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	tr, err := transport.NewHTTP(transport.HTTPConfig{
		ServerName: u.Hostname(),
		ServerPort: port,
		ServerPath: "/",
	})
	require.NoError(t, err)

	_, err = tr.SendReceive(context.Background(), []byte("x"), 0)
	require.Error(t, err)
}

func TestFileReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	reqPath := filepath.Join(dir, "request.der")
	respPath := filepath.Join(dir, "response.der")
	require.NoError(t, os.WriteFile(respPath, []byte("canned response"), 0o600))

	fr := transport.FileReplay{RequestPath: reqPath, ResponsePath: respPath}
	reply, err := fr.SendReceive(context.Background(), []byte("outbound"), 0)
	require.NoError(t, err)
	require.Equal(t, []byte("canned response"), reply)

	written, err := os.ReadFile(reqPath)
	require.NoError(t, err)
	require.Equal(t, []byte("outbound"), written)
}

func TestFileReplayRespectsCanceledContext(t *testing.T) {
	dir := t.TempDir()
	fr := transport.FileReplay{
		RequestPath:  filepath.Join(dir, "request.der"),
		ResponsePath: filepath.Join(dir, "response.der"),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fr.SendReceive(ctx, []byte("outbound"), 0)
	require.Error(t, err)
}
