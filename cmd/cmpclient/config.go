package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fbdlampayan/cmpossl/internal/cmp/cmpctx"
	"github.com/fbdlampayan/cmpossl/internal/serrors"
)

// flagBinding ties a cobra/pflag name to the viper key config files
// populate. INI files are read as [section] key = value, which viper
// exposes dotted and lowercased (e.g. "server.name").
type flagBinding struct {
	flag string
	key  string
}

var configBindings = []flagBinding{
	{"server", "server.name"},
	{"port", "server.port"},
	{"path", "server.path"},
	{"tls", "server.tls"},
	{"proxy", "server.proxy"},

	{"ref", "credentials.ref"},
	{"secret", "credentials.secret"},
	{"secret-file", "credentials.secret_file"},
	{"cert", "credentials.cert"},
	{"key", "credentials.key"},
	{"p12", "credentials.p12"},
	{"p12-password", "credentials.p12_password"},

	{"trusted-server-cert", "trust.trusted_server_cert"},
	{"truststore", "trust.truststore"},
	{"out-truststore", "trust.out_truststore"},
	{"untrusted", "trust.untrusted"},
	{"expected-sender", "trust.expected_sender"},
	{"recipient", "trust.recipient"},

	{"subject", "request.subject"},
	{"issuer", "request.issuer"},
	{"new-key", "request.new_key"},
	{"old-cert", "request.old_cert"},
	{"csr", "request.csr"},
	{"san-dns", "request.san_dns"},
	{"san-ip", "request.san_ip"},
	{"policy", "request.policy"},
	{"validity-days", "request.validity_days"},
	{"san-critical", "request.san_critical"},
	{"policies-critical", "request.policies_critical"},
	{"san-nodefault", "request.san_nodefault"},
	{"revocation-reason", "request.revocation_reason"},

	{"unprotected-send", "options.unprotected_send"},
	{"accept-unprotected-errors", "options.accept_unprotected_errors"},
	{"ignore-key-usage", "options.ignore_key_usage"},
	{"implicit-confirm", "options.implicit_confirm"},
	{"disable-confirm", "options.disable_confirm"},
	{"popo", "options.popo"},
	{"revocation-check-full-chain", "options.revocation_check_full_chain"},
	{"msg-timeout", "options.msg_timeout"},
	{"total-timeout", "options.total_timeout"},

	{"certout", "output.certout"},
	{"extracertsout", "output.extracertsout"},
	{"cacertsout", "output.cacertsout"},
	{"metrics-addr", "output.metrics_addr"},
}

// loadViper reads every -config file in order, later files overriding
// earlier ones (viper.MergeInConfig), then binds the command's flags on top
// so an explicitly-set flag always wins over any config file value.
func loadViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("ini")

	files, err := cmd.Flags().GetStringSlice("config")
	if err != nil {
		return nil, err
	}
	for i, f := range files {
		v.SetConfigFile(f)
		if i == 0 {
			if err := v.ReadInConfig(); err != nil {
				return nil, serrors.Wrap("reading config file", err, "file", f)
			}
			continue
		}
		if err := v.MergeInConfig(); err != nil {
			return nil, serrors.Wrap("merging config file", err, "file", f)
		}
	}

	bindConfigFlags(v, cmd.Flags())
	return v, nil
}

// buildContext turns the resolved viper values into a populated
// cmpctx.Context, loading whatever certificate/key/secret material the
// values reference from disk.
func buildContext(cmd *cobra.Command) (*cmpctx.Context, error) {
	v, err := loadViper(cmd)
	if err != nil {
		return nil, err
	}

	ctx := cmpctx.New()
	ctx.ServerName = v.GetString("server.name")
	ctx.ServerPort = v.GetInt("server.port")
	ctx.ServerPath = v.GetString("server.path")
	ctx.UseTLS = v.GetBool("server.tls")
	ctx.ProxyURL = v.GetString("server.proxy")

	ctx.Credentials.ReferenceValue = v.GetString("credentials.ref")
	secret, err := loadSecret(v.GetString("credentials.secret"), v.GetString("credentials.secret_file"))
	if err != nil {
		return nil, err
	}
	ctx.Credentials.SecretValue = secret

	if p12File := v.GetString("credentials.p12"); p12File != "" {
		cert, key, err := loadPKCS12(p12File, v.GetString("credentials.p12_password"))
		if err != nil {
			return nil, err
		}
		ctx.Credentials.Certificate = cert
		ctx.Credentials.PrivateKey = key
	} else {
		if certFile := v.GetString("credentials.cert"); certFile != "" {
			cert, err := loadCert(certFile)
			if err != nil {
				return nil, err
			}
			ctx.Credentials.Certificate = cert
		}
		if keyFile := v.GetString("credentials.key"); keyFile != "" {
			key, err := loadKey(keyFile)
			if err != nil {
				return nil, err
			}
			ctx.Credentials.PrivateKey = key
		}
	}

	if srvCert := v.GetString("trust.trusted_server_cert"); srvCert != "" {
		cert, err := loadCert(srvCert)
		if err != nil {
			return nil, err
		}
		ctx.TrustedServerCert = cert
	}
	if store := v.GetString("trust.truststore"); store != "" {
		pool, err := loadCertPool(store)
		if err != nil {
			return nil, err
		}
		ctx.TrustStore = pool
	}
	if outStore := v.GetString("trust.out_truststore"); outStore != "" {
		pool, err := loadCertPool(outStore)
		if err != nil {
			return nil, err
		}
		ctx.OutTrustStore = pool
	}
	if untrusted := v.GetString("trust.untrusted"); untrusted != "" {
		certs, err := loadCerts(untrusted)
		if err != nil {
			return nil, err
		}
		ctx.UntrustedCerts = certs
	}
	if sender := v.GetString("trust.expected_sender"); sender != "" {
		name, err := parseDN(sender)
		if err != nil {
			return nil, serrors.Wrap("parsing expected-sender", err)
		}
		ctx.ExpectedSender, ctx.HasExpectedSender = name, true
	}
	if recipient := v.GetString("trust.recipient"); recipient != "" {
		name, err := parseDN(recipient)
		if err != nil {
			return nil, serrors.Wrap("parsing recipient", err)
		}
		ctx.Recipient, ctx.HasRecipient = name, true
	}

	if subject := v.GetString("request.subject"); subject != "" {
		name, err := parseDN(subject)
		if err != nil {
			return nil, serrors.Wrap("parsing subject", err)
		}
		ctx.Subject, ctx.HasSubject = name, true
	}
	if issuer := v.GetString("request.issuer"); issuer != "" {
		name, err := parseDN(issuer)
		if err != nil {
			return nil, serrors.Wrap("parsing issuer", err)
		}
		ctx.Issuer, ctx.HasIssuer = name, true
	}
	if newKey := v.GetString("request.new_key"); newKey != "" {
		key, err := loadKey(newKey)
		if err != nil {
			return nil, err
		}
		ctx.NewKey = key
	}
	if oldCert := v.GetString("request.old_cert"); oldCert != "" {
		cert, err := loadCert(oldCert)
		if err != nil {
			return nil, err
		}
		ctx.OldCert = cert
	}
	ctx.SANDNSNames = v.GetStringSlice("request.san_dns")
	ctx.SANIPAddresses = v.GetStringSlice("request.san_ip")
	ctx.Policies = v.GetStringSlice("request.policy")

	opts := cmpctx.DefaultOptions()
	opts.UnprotectedSend = v.GetBool("options.unprotected_send")
	opts.AcceptUnprotectedErrors = v.GetBool("options.accept_unprotected_errors")
	opts.IgnoreKeyUsage = v.GetBool("options.ignore_key_usage")
	opts.ImplicitConfirm = v.GetBool("options.implicit_confirm")
	opts.DisableConfirm = v.GetBool("options.disable_confirm")
	opts.SANCritical = v.GetBool("request.san_critical")
	opts.PoliciesCritical = v.GetBool("request.policies_critical")
	opts.SANNoDefault = v.GetBool("request.san_nodefault")
	opts.RevocationCheckFullChain = v.GetBool("options.revocation_check_full_chain")
	if days := v.GetInt("request.validity_days"); days != 0 {
		opts.ValidityDays = days
	}
	if reason := v.GetInt("request.revocation_reason"); v.IsSet("request.revocation_reason") {
		opts.RevocationReason = reason
	}
	if d := v.GetDuration("options.msg_timeout"); d != 0 {
		opts.MsgTimeout = d
	}
	if d := v.GetDuration("options.total_timeout"); d != 0 {
		opts.TotalTimeout = d
	}
	if popo := v.GetString("options.popo"); popo != "" {
		method, err := parsePOPO(popo)
		if err != nil {
			return nil, err
		}
		opts.POPOMethod = method
	}
	ctx.Options = opts

	return ctx, nil
}

func parsePOPO(s string) (cmpctx.POPOMethod, error) {
	switch s {
	case "none":
		return cmpctx.POPONone, nil
	case "signature":
		return cmpctx.POPOSignature, nil
	case "raverified":
		return cmpctx.POPORAVerified, nil
	default:
		return 0, serrors.New("unknown popo method", "popo", s)
	}
}
