package main

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"

	"github.com/fbdlampayan/cmpossl/internal/serrors"
)

// loadCert reads a single certificate from a PEM or DER file.
func loadCert(path string) (*x509.Certificate, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, serrors.Wrap("reading certificate file", err, "file", path)
	}
	certs, err := parseCerts(raw)
	if err != nil {
		return nil, serrors.Wrap("parsing certificate file", err, "file", path)
	}
	if len(certs) == 0 {
		return nil, serrors.New("no certificate found in file", "file", path)
	}
	return certs[0], nil
}

// loadCertPool reads every certificate from path into a fresh *x509.CertPool.
func loadCertPool(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, serrors.Wrap("reading trust store file", err, "file", path)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(raw); ok {
		return pool, nil
	}
	certs, err := parseCerts(raw)
	if err != nil {
		return nil, serrors.Wrap("parsing trust store file", err, "file", path)
	}
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool, nil
}

// loadCerts reads every certificate from path, used for -untrusted.
func loadCerts(path string) ([]*x509.Certificate, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, serrors.Wrap("reading certificate file", err, "file", path)
	}
	return parseCerts(raw)
}

func parseCerts(raw []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
	if len(certs) > 0 {
		return certs, nil
	}
	c, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, err
	}
	return []*x509.Certificate{c}, nil
}

// loadKey reads a private key from a PEM or DER file, trying PKCS#8 first
// and falling back to the type-specific encodings crypto/x509 also
// supports.
func loadKey(path string) (crypto.Signer, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, serrors.Wrap("reading key file", err, "file", path)
	}
	der := raw
	if block, _ := pem.Decode(raw); block != nil {
		der = block.Bytes
	}

	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, serrors.New("key file does not hold a signing key", "file", path)
		}
		return signer, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	return nil, serrors.New("unrecognized private key encoding", "file", path)
}

// loadPKCS12 reads a signer certificate and key out of a .p12/.pfx bundle,
// for callers whose CA issues identities in that format.
func loadPKCS12(path, password string) (*x509.Certificate, crypto.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, serrors.Wrap("reading pkcs12 file", err, "file", path)
	}
	key, cert, err := pkcs12.Decode(raw, password)
	if err != nil {
		return nil, nil, serrors.Wrap("decoding pkcs12 file", err, "file", path)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, nil, serrors.New("pkcs12 file does not hold a signing key", "file", path)
	}
	return cert, signer, nil
}

// loadSecret returns the raw PBMAC1 shared secret: file contents take
// priority over the inline -secret value when both are given.
func loadSecret(inline, file string) ([]byte, error) {
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, serrors.Wrap("reading secret file", err, "file", file)
		}
		return []byte(strings.TrimRight(string(raw), "\r\n")), nil
	}
	if inline != "" {
		return []byte(inline), nil
	}
	return nil, nil
}

// parseDN is a pragmatic RFC 4514-ish parser covering the attribute types
// this client's flags need (cn, o, ou, c, l, st, serialNumber), since the
// pack carries no general-purpose LDAP DN library.
func parseDN(s string) (pkix.Name, error) {
	var name pkix.Name
	if s == "" {
		return name, nil
	}
	for _, part := range splitUnescaped(s, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return pkix.Name{}, serrors.New("malformed RDN", "rdn", part)
		}
		key, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		switch strings.ToUpper(key) {
		case "CN":
			name.CommonName = val
		case "O":
			name.Organization = append(name.Organization, val)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, val)
		case "C":
			name.Country = append(name.Country, val)
		case "L":
			name.Locality = append(name.Locality, val)
		case "ST":
			name.Province = append(name.Province, val)
		case "SERIALNUMBER":
			name.SerialNumber = val
		default:
			return pkix.Name{}, serrors.New("unsupported RDN attribute", "attribute", key)
		}
	}
	return name, nil
}

func splitUnescaped(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' {
			i++
			continue
		}
		if s[i] == sep {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// writeOutput writes certs to path, DER if there is exactly one and the
// extension is .der/.crt, PEM otherwise. It always writes to a temp file in
// the same directory and renames over the destination, so a failure never
// leaves a partial file behind.
func writeOutput(path string, certs []*x509.Certificate) error {
	if path == "" || len(certs) == 0 {
		return nil
	}
	var buf strings.Builder
	if len(certs) == 1 && (strings.EqualFold(filepath.Ext(path), ".der") || strings.EqualFold(filepath.Ext(path), ".crt")) {
		tmp, err := os.CreateTemp(filepath.Dir(path), ".cmpclient-*")
		if err != nil {
			return serrors.Wrap("creating temp output file", err, "file", path)
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.Write(certs[0].Raw); err != nil {
			tmp.Close()
			return serrors.Wrap("writing temp output file", err, "file", path)
		}
		if err := tmp.Close(); err != nil {
			return serrors.Wrap("closing temp output file", err, "file", path)
		}
		return os.Rename(tmp.Name(), path)
	}

	for _, c := range certs {
		_ = pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cmpclient-*")
	if err != nil {
		return serrors.Wrap("creating temp output file", err, "file", path)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(buf.String()); err != nil {
		tmp.Close()
		return serrors.Wrap("writing temp output file", err, "file", path)
	}
	if err := tmp.Close(); err != nil {
		return serrors.Wrap("closing temp output file", err, "file", path)
	}
	return os.Rename(tmp.Name(), path)
}
