// Package transport implements component G: the pluggable request/response
// carrier used by the transaction state machine. Implementations know
// nothing about CMP semantics; they move opaque DER bytes.
package transport

import (
	"context"
	"time"
)

// Transport sends one DER-encoded PKIMessage and returns the DER-encoded
// reply. timeout of 0 means no deadline is applied beyond ctx's own.
type Transport interface {
	SendReceive(ctx context.Context, request []byte, timeout time.Duration) ([]byte, error)
}

// Func adapts a plain function to the Transport interface, mirroring the
// http.HandlerFunc idiom used throughout the retrieval pack's HTTP code.
type Func func(ctx context.Context, request []byte, timeout time.Duration) ([]byte, error)

// SendReceive implements Transport.
func (f Func) SendReceive(ctx context.Context, request []byte, timeout time.Duration) ([]byte, error) {
	return f(ctx, request, timeout)
}
