package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/benaskins/gsecret/internal/secret"
	"github.com/spf13/cobra"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Show the state of the secret service connection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd, secret.ServiceOpenSession|secret.ServiceLoadCollections, func(ctx context.Context, v *vault) error {
			alg, _ := v.svc.SessionAlgorithms()
			cols, _ := v.svc.Collections()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "FLAGS\t%s\n", v.svc.Flags())
			fmt.Fprintf(w, "ALGORITHM\t%s\n", alg)
			fmt.Fprintf(w, "COLLECTIONS\t%d\n", len(cols))
			fmt.Fprintf(w, "AUDIT LOG\t%s\n", v.audit.Path())
			return w.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(serviceCmd)
}
