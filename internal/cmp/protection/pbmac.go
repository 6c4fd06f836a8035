package protection

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"

	"golang.org/x/crypto/pbkdf2"

	"github.com/fbdlampayan/cmpossl/internal/cmp/cmpctx"
	"github.com/fbdlampayan/cmpossl/internal/cmp/message"
	"github.com/fbdlampayan/cmpossl/internal/serrors"
)

const (
	pbmacSaltLen    = 16
	pbmacIterations = 10000
	pbmacKeyLen     = 32
)

var (
	oidHMACWithSHA256 = asOID(1, 2, 840, 113549, 2, 9)
	oidSHA256         = asOID(2, 16, 840, 1, 101, 3, 4, 2, 1)
)

// pbmParameter mirrors RFC 4211 Appendix A's PBMParameter, carried as
// protectionAlg.Parameters. owf names the hash PBKDF2 derives the key with;
// mac names the HMAC used over the derived key.
type pbmParameter struct {
	Salt           []byte
	OWF            pkix.AlgorithmIdentifier
	IterationCount int
	MAC            pkix.AlgorithmIdentifier
}

func derivePBMACKey(secret, salt []byte, iterations int) []byte {
	return pbkdf2.Key(secret, salt, iterations, pbmacKeyLen, sha256.New)
}

func computePBMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func applyPBMAC(msg *message.PKIMessage, ctx *cmpctx.Context) error {
	salt := make([]byte, pbmacSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return serrors.WrapStr("generating PBMAC salt", err)
	}

	params := pbmParameter{
		Salt:           salt,
		OWF:            pkix.AlgorithmIdentifier{Algorithm: oidSHA256},
		IterationCount: pbmacIterations,
		MAC:            pkix.AlgorithmIdentifier{Algorithm: oidHMACWithSHA256},
	}
	paramBytes, err := asn1.Marshal(params)
	if err != nil {
		return serrors.WrapStr("encoding PBMParameter", err)
	}

	msg.Header.ProtectionAlg = &pkix.AlgorithmIdentifier{
		Algorithm:  oidPasswordBasedMAC,
		Parameters: asn1.RawValue{FullBytes: paramBytes},
	}
	msg.Header.SenderKID = []byte(ctx.Credentials.ReferenceValue)

	protected, err := message.ProtectedBytes(msg)
	if err != nil {
		return serrors.WrapStr("encoding protected part", err)
	}

	key := derivePBMACKey(ctx.Credentials.SecretValue, salt, pbmacIterations)
	mac := computePBMAC(key, protected)

	msg.Protection = asn1.BitString{Bytes: mac, BitLength: len(mac) * 8}
	msg.HasProtection = true
	return nil
}

func verifyPBMAC(msg *message.PKIMessage, ctx *cmpctx.Context) error {
	if !ctx.Credentials.HasSecret() {
		return ErrNoProtectionCredentials
	}

	var params pbmParameter
	if _, err := asn1.Unmarshal(msg.Header.ProtectionAlg.Parameters.FullBytes, &params); err != nil {
		return serrors.WrapStr("decoding PBMParameter", err)
	}

	protected, err := message.ProtectedBytes(msg)
	if err != nil {
		return serrors.WrapStr("encoding protected part", err)
	}

	key := derivePBMACKey(ctx.Credentials.SecretValue, params.Salt, params.IterationCount)
	expected := computePBMAC(key, protected)

	if !constantTimeEqual(expected, msg.Protection.RightAlign()) {
		return ErrBadProtection
	}
	return nil
}
