package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// newRootCmd builds the cobra command tree. Every leaf command shares the
// same persistent flag set; config.go turns that flag set plus whatever
// -config files were named into a populated cmpctx.Context.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cmpclient",
		Short:         "CMP (RFC 4210) client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringSlice("config", nil, "config file to load (repeatable; later files override earlier ones)")
	pf.Bool("verbose", false, "print the full wrapped error chain on failure")
	pf.Bool("color", false, "force colored output even when stderr is not a terminal")

	pf.String("server", "", "CA server hostname")
	pf.Int("port", 0, "CA server port")
	pf.String("path", "", "CA HTTP path")
	pf.Bool("tls", false, "use HTTPS to reach the CA")
	pf.String("proxy", "", "HTTP(S) proxy URL")

	pf.String("ref", "", "PBMAC1 reference value (sender KID)")
	pf.String("secret", "", "PBMAC1 shared secret, as text")
	pf.String("secret-file", "", "file holding the PBMAC1 shared secret")
	pf.String("cert", "", "signer certificate file (PEM/DER)")
	pf.String("key", "", "signer private key file (PEM/DER)")
	pf.String("p12", "", "signer identity as a PKCS#12 bundle, instead of -cert/-key")
	pf.String("p12-password", "", "password for -p12")

	pf.String("trusted-server-cert", "", "pin the CA's protection certificate to this file instead of verifying a chain")
	pf.String("truststore", "", "PEM file of trust anchors for response/cert validation")
	pf.String("out-truststore", "", "PEM file of trust anchors used only to verify the newly issued certificate (defaults to -truststore)")
	pf.String("untrusted", "", "PEM file of extra untrusted intermediates to aid chain building")
	pf.String("expected-sender", "", "reject responses whose header sender is not this RFC 4514 name")
	pf.String("recipient", "", "CMP recipient name to place in the request header")

	pf.String("subject", "", "requested subject, as an RFC 4514 distinguished name")
	pf.String("issuer", "", "requested issuer, as an RFC 4514 distinguished name")
	pf.String("new-key", "", "file holding the new key pair to request a certificate for")
	pf.String("old-cert", "", "file holding the certificate being updated or revoked")
	pf.String("csr", "", "PKCS#10 CSR file, for p10cr")
	pf.StringSlice("san-dns", nil, "subjectAltName dNSName value (repeatable)")
	pf.StringSlice("san-ip", nil, "subjectAltName iPAddress value (repeatable)")
	pf.StringSlice("policy", nil, "certificatePolicies OID (repeatable)")
	pf.Int("validity-days", 0, "requested certificate validity, in days")
	pf.Bool("san-critical", false, "mark the subjectAltName extension critical")
	pf.Bool("policies-critical", false, "mark the certificatePolicies extension critical")
	pf.Bool("san-nodefault", false, "do not inherit SANs from old-cert when none are given")
	pf.Int("revocation-reason", -1, "CRLReason code for rr (-1 omits crlEntryDetails)")

	pf.Bool("unprotected-send", false, "send requests without message protection")
	pf.Bool("accept-unprotected-errors", false, "accept unprotected error/negative responses")
	pf.Bool("ignore-key-usage", false, "do not check the signer certificate's keyUsage/extKeyUsage")
	pf.Bool("implicit-confirm", false, "request implicit confirmation (skip certConf if granted)")
	pf.Bool("disable-confirm", false, "never send certConf (non-compliant; emits a warning)")
	pf.String("popo", "signature", "proof-of-possession method: none|signature|raverified")
	pf.Bool("revocation-check-full-chain", false, "check revocation status of the full chain, not just the leaf")
	pf.Duration("msg-timeout", 0, "per-message transport timeout (0 keeps the client default)")
	pf.Duration("total-timeout", 0, "total transaction timeout (0 keeps the client default)")

	pf.String("certout", "", "write the issued certificate to this file")
	pf.String("extracertsout", "", "write extraCerts/CAPubs to this file")
	pf.String("cacertsout", "", "write the out-of-band trust store this run produced to this file")
	pf.String("metrics-addr", "", "if set, serve Prometheus metrics on this address while the command runs")
	pf.StringSlice("itav", nil, "genm InfoTypeAndValue, as oid or oid=hex-value (repeatable)")

	root.AddCommand(
		newEnrollCmd("ir", "run an Initialization Request (ir) transaction"),
		newEnrollCmd("cr", "run a Certification Request (cr) transaction"),
		newEnrollCmd("kur", "run a Key Update Request (kur) transaction"),
		newEnrollCmd("p10cr", "submit a PKCS#10 CSR via p10cr"),
		newRevokeCmd(),
		newGenMCmd(),
	)
	return root
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func bindConfigFlags(v *viper.Viper, flags *pflag.FlagSet) {
	for _, b := range configBindings {
		if f := flags.Lookup(b.flag); f != nil {
			_ = v.BindPFlag(b.key, f)
		}
	}
}
