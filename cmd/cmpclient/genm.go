package main

import (
	"encoding/asn1"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fbdlampayan/cmpossl/internal/cmp/message"
	"github.com/fbdlampayan/cmpossl/internal/serrors"
)

// newGenMCmd builds the genm subcommand.
func newGenMCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genm",
		Short: "run a General Message (genm) transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cleanup, err := newClient(cmd)
			if err != nil {
				return fail(cmd, err)
			}
			defer cleanup()

			raw, _ := cmd.Flags().GetStringSlice("itav")
			itavs, err := parseITAVs(raw)
			if err != nil {
				return fail(cmd, err)
			}

			reply, err := client.GeneralMessage(cmd.Context(), itavs)
			if err != nil {
				return fail(cmd, err)
			}
			for _, itav := range reply {
				cmd.Println(itav.InfoType.String())
			}
			return nil
		},
	}
}

func parseITAVs(raw []string) ([]message.ITAV, error) {
	itavs := make([]message.ITAV, 0, len(raw))
	for _, s := range raw {
		parts := strings.SplitN(s, "=", 2)
		oid, err := parseOIDString(parts[0])
		if err != nil {
			return nil, err
		}
		itav := message.ITAV{InfoType: oid}
		if len(parts) == 2 {
			val, err := hex.DecodeString(parts[1])
			if err != nil {
				return nil, serrors.Wrap("decoding itav value", err, "itav", s)
			}
			itav.InfoValue = asn1.RawValue{FullBytes: val}
		}
		itavs = append(itavs, itav)
	}
	return itavs, nil
}

func parseOIDString(s string) (asn1.ObjectIdentifier, error) {
	var oid asn1.ObjectIdentifier
	for _, p := range strings.Split(s, ".") {
		n := new(big.Int)
		if _, ok := n.SetString(p, 10); !ok {
			return nil, serrors.New("malformed OID component", "oid", s)
		}
		oid = append(oid, int(n.Int64()))
	}
	if len(oid) == 0 {
		return nil, serrors.New("empty OID")
	}
	return oid, nil
}
