package transport

import (
	"context"
	"os"
	"time"

	"github.com/fbdlampayan/cmpossl/internal/serrors"
)

// FileReplay writes each outbound request to requestPath and reads the
// matching response from responsePath. It exists strictly as a debugging
// aid per section 6 — there is no framing or correlation beyond "the file
// currently there is the answer to the request just written".
type FileReplay struct {
	RequestPath  string
	ResponsePath string
}

// SendReceive implements Transport.
func (f FileReplay) SendReceive(ctx context.Context, request []byte, _ time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.WriteFile(f.RequestPath, request, 0o600); err != nil {
		return nil, serrors.WrapStr("writing request file", err)
	}
	resp, err := os.ReadFile(f.ResponsePath)
	if err != nil {
		return nil, serrors.WrapStr("reading response file", err)
	}
	return resp, nil
}
