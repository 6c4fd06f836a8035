package main

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fbdlampayan/cmpossl/internal/cmp/transaction"
	"github.com/fbdlampayan/cmpossl/pkg/cmpclient"
)

var enrollCommands = map[string]transaction.Command{
	"ir":    transaction.CommandIR,
	"cr":    transaction.CommandCR,
	"kur":   transaction.CommandKUR,
	"p10cr": transaction.CommandP10CR,
}

// newEnrollCmd builds the ir/cr/kur/p10cr subcommand named use.
func newEnrollCmd(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cleanup, err := newClient(cmd)
			if err != nil {
				return fail(cmd, err)
			}
			defer cleanup()

			req := cmpclient.EnrollRequest{Command: enrollCommands[use]}

			if use == "kur" {
				oldCertPath, _ := cmd.Flags().GetString("old-cert")
				oldCert, err := loadCert(oldCertPath)
				if err != nil {
					return fail(cmd, err)
				}
				req.OldCert = oldCert
			}
			if use == "p10cr" {
				csrPath, _ := cmd.Flags().GetString("csr")
				csrDER, err := loadCSR(csrPath)
				if err != nil {
					return fail(cmd, err)
				}
				req.CSRDER = csrDER
			}

			result, err := client.Enroll(cmd.Context(), req)
			if err != nil {
				return fail(cmd, err)
			}
			return writeEnrollResult(cmd, result)
		},
	}
}

// loadCSR reads a PKCS#10 CSR from path, PEM or DER, and returns its raw
// DER bytes for request.BuildP10CR.
func loadCSR(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if block, _ := pem.Decode(raw); block != nil {
		raw = block.Bytes
	}
	if _, err := x509.ParseCertificateRequest(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func writeEnrollResult(cmd *cobra.Command, result *cmpclient.EnrollResult) error {
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}

	certout, _ := cmd.Flags().GetString("certout")
	if err := writeOutput(certout, certsOf(result.Cert)); err != nil {
		return fail(cmd, err)
	}

	extracertsout, _ := cmd.Flags().GetString("extracertsout")
	extra := append([]*x509.Certificate(nil), result.CAPubs...)
	extra = append(extra, result.ExtraCerts...)
	if err := writeOutput(extracertsout, extra); err != nil {
		return fail(cmd, err)
	}

	cacertsout, _ := cmd.Flags().GetString("cacertsout")
	if err := writeOutput(cacertsout, result.CAPubs); err != nil {
		return fail(cmd, err)
	}
	return nil
}

func certsOf(c *x509.Certificate) []*x509.Certificate {
	if c == nil {
		return nil
	}
	return []*x509.Certificate{c}
}
