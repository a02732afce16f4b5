package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/benaskins/gsecret/internal/keychain"
	"github.com/benaskins/gsecret/internal/secret"
	"github.com/spf13/cobra"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage named secrets in the configured collection",
}

// withStore runs fn against the keychain store for the configured
// collection and service name.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store keychain.Store) error) error {
	return withVault(cmd, secret.ServiceNone, func(ctx context.Context, v *vault) error {
		inner := keychain.NewVaultStore(v.svc, cfg.Collection, cfg.ServiceName)
		return fn(ctx, keychain.NewAuditedStore(inner, v.audit, cfg.Collection, "cli"))
	})
}

var secretSetCmd = &cobra.Command{
	Use:   "set <key> [value]",
	Short: "Store a secret",
	Long:  "Store a secret. If value is omitted, reads from stdin (useful for piping).",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]

		var value string
		if len(args) == 2 {
			value = args[1]
		} else {
			v, err := readSecret(cmd, "Enter secret value: ")
			if err != nil {
				return err
			}
			value = v
		}

		return withStore(cmd, func(ctx context.Context, store keychain.Store) error {
			if err := store.Set(ctx, key, value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Secret %q stored\n", key)
			return nil
		})
	},
}

var secretGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Retrieve a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store keychain.Store) error {
			val, err := store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), val)
			return nil
		})
	},
}

var secretListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List all secrets",
	Aliases: []string{"ls"},
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store keychain.Store) error {
			keys, err := store.List(ctx)
			if err != nil {
				return err
			}

			if len(keys) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No secrets stored")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY")
			for _, k := range keys {
				fmt.Fprintln(w, k)
			}
			return w.Flush()
		})
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:     "delete <key>",
	Short:   "Remove a secret",
	Aliases: []string{"rm"},
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store keychain.Store) error {
			if err := store.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Secret %q deleted\n", args[0])
			return nil
		})
	},
}

func init() {
	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretGetCmd)
	secretCmd.AddCommand(secretListCmd)
	secretCmd.AddCommand(secretDeleteCmd)
	rootCmd.AddCommand(secretCmd)
}
