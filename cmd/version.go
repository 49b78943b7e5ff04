package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcoops/go-cve2attack/internal/ledger"
)

// Version is set at build time:
//
//	go build -ldflags "-X main.Version=v1.0.0" -o cve2attack ./cmd
var Version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := ledger.Canonical(Version)
			if v == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "cve2attack %s (development build)\n", Version)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cve2attack %s\n", v)
			return nil
		},
	}
}
