package mockca

import (
	"encoding/hex"
	"io"
)

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}
