package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fbdlampayan/cmpossl/internal/cmp/metrics"
	"github.com/fbdlampayan/cmpossl/internal/cmp/transport"
	"github.com/fbdlampayan/cmpossl/internal/serrors"
	"github.com/fbdlampayan/cmpossl/pkg/cmpclient"
)

// newClient builds a Client plus a cleanup func from cmd's resolved
// flags/config, wiring the HTTP transport and an optional metrics server.
func newClient(cmd *cobra.Command) (*cmpclient.Client, func(), error) {
	ctx, err := buildContext(cmd)
	if err != nil {
		return nil, nil, err
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	logger := newLogger(verbose)

	var reg *prometheus.Registry
	var m *metrics.Metrics
	addr, _ := cmd.Flags().GetString("metrics-addr")
	var srv *http.Server
	if addr != "" {
		reg = prometheus.NewRegistry()
		m = metrics.New(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Sugar().Warnf("metrics server stopped: %v", err)
			}
		}()
	}

	outTrustStore := ctx.OutTrustStore
	if outTrustStore == nil {
		outTrustStore = ctx.TrustStore
	}

	httpTransport, err := transport.NewHTTP(transport.HTTPConfig{
		ServerName: ctx.ServerName,
		ServerPort: ctx.ServerPort,
		ServerPath: ctx.ServerPath,
		UseTLS:     ctx.UseTLS,
		ProxyURL:   ctx.ProxyURL,
	})
	if err != nil {
		return nil, nil, err
	}

	client, err := cmpclient.NewClient(cmpclient.Config{
		ServerName:        ctx.ServerName,
		ServerPort:        ctx.ServerPort,
		ServerPath:        ctx.ServerPath,
		UseTLS:            ctx.UseTLS,
		ProxyURL:          ctx.ProxyURL,
		Transport:         httpTransport,
		ReferenceValue:    ctx.Credentials.ReferenceValue,
		SecretValue:       ctx.Credentials.SecretValue,
		Certificate:       ctx.Credentials.Certificate,
		PrivateKey:        ctx.Credentials.PrivateKey,
		TrustedServerCert: ctx.TrustedServerCert,
		TrustStore:        ctx.TrustStore,
		UntrustedCerts:    ctx.UntrustedCerts,
		OutTrustStore:     outTrustStore,
		ExpectedSender:    ctx.ExpectedSender,
		Recipient:         ctx.Recipient,
		Subject:           ctx.Subject,
		Issuer:            ctx.Issuer,
		NewKey:            ctx.NewKey,
		OldCert:           ctx.OldCert,
		ReqExtensions:     ctx.ReqExtensions,
		SANDNSNames:       ctx.SANDNSNames,
		SANIPAddresses:    ctx.SANIPAddresses,
		Policies:          ctx.Policies,
		GenInfo:           ctx.GenInfo,
		Options:           ctx.Options,
		Logger:            logger,
		Metrics:           m,
	})
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		client.Close()
		if srv != nil {
			_ = srv.Shutdown(context.Background())
		}
		_ = logger.Sync()
	}
	return client, cleanup, nil
}

// fail prints one colored primary reason line (plus, with --verbose, the full
// wrapped chain) to stderr and returns a plain error so cobra exits
// non-zero without cobra's own "Error:" usage banner (SilenceErrors/Usage
// are set on the root command).
func fail(cmd *cobra.Command, err error) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	forceColor, _ := cmd.Flags().GetBool("color")

	useColor := forceColor || isatty.IsTerminal(os.Stderr.Fd())
	red := color.New(color.FgRed, color.Bold)
	red.EnableColor()
	if !useColor {
		red.DisableColor()
	}

	fmt.Fprintln(os.Stderr, red.Sprint(err.Error()))
	if verbose {
		for cause := stderrors.Unwrap(err); cause != nil; cause = stderrors.Unwrap(cause) {
			fmt.Fprintf(os.Stderr, "  caused by: %s\n", cause.Error())
		}
	}
	return errSilent
}

// errSilent is returned by command RunE funcs after fail has already
// printed a message, so main does not print it a second time.
var errSilent = serrors.New("")
