package main

import (
	"github.com/spf13/cobra"
)

// newRevokeCmd builds the rr subcommand.
func newRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rr",
		Short: "run a Revocation Request (rr) transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cleanup, err := newClient(cmd)
			if err != nil {
				return fail(cmd, err)
			}
			defer cleanup()

			oldCertPath, _ := cmd.Flags().GetString("old-cert")
			oldCert, err := loadCert(oldCertPath)
			if err != nil {
				return fail(cmd, err)
			}

			if err := client.Revoke(cmd.Context(), oldCert); err != nil {
				return fail(cmd, err)
			}
			return nil
		},
	}
}
