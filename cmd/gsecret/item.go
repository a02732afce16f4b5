package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/benaskins/gsecret/internal/audit"
	"github.com/benaskins/gsecret/internal/secret"
	"github.com/spf13/cobra"
)

var (
	searchAll    bool
	searchUnlock bool
)

var itemCmd = &cobra.Command{
	Use:   "item",
	Short: "Manage items in a collection",
}

var itemListCmd = &cobra.Command{
	Use:     "list <alias>",
	Short:   "List the items of the collection bound to an alias",
	Aliases: []string{"ls"},
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd, secret.ServiceNone, func(ctx context.Context, v *vault) error {
			c, err := secret.CollectionForAlias(ctx, v.svc, args[0])
			if err != nil {
				return err
			}
			items, _ := c.Items()
			return printItems(cmd, items)
		})
	},
}

var itemGetCmd = &cobra.Command{
	Use:   "get <alias> <label>",
	Short: "Print the secret of an item",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		alias, label := args[0], args[1]
		return withVault(cmd, secret.ServiceNone, func(ctx context.Context, v *vault) error {
			it, err := findItem(ctx, v, alias, label)
			if err != nil {
				return err
			}
			if it.Locked() {
				if _, err := v.svc.Unlock(ctx, it.Path()); err != nil {
					return err
				}
			}
			err = it.LoadSecret(ctx)
			entry := audit.Entry{Action: audit.ActionSecretRead, Key: label, Collection: alias}
			if err != nil {
				entry.Error = err.Error()
				v.record(entry)
				return err
			}
			v.record(entry)

			val, _ := it.Secret()
			if text, ok := val.Text(); ok {
				fmt.Fprintln(cmd.OutOrStdout(), text)
				return nil
			}
			_, err = cmd.OutOrStdout().Write(val.Bytes())
			return err
		})
	},
}

var itemSearchCmd = &cobra.Command{
	Use:   "search <key=value>...",
	Short: "Find items whose attributes match",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		attrs, err := parseAttrs(args)
		if err != nil {
			return err
		}
		flags := secret.SearchNone
		if searchAll {
			flags |= secret.SearchAll
		}
		if searchUnlock {
			flags |= secret.SearchUnlock
		}
		return withVault(cmd, secret.ServiceNone, func(ctx context.Context, v *vault) error {
			items, err := v.svc.Search(ctx, attrs, flags)
			if err != nil {
				return err
			}
			return printItems(cmd, items)
		})
	},
}

var itemStoreCmd = &cobra.Command{
	Use:   "store <alias> <label> [key=value]...",
	Short: "Store a secret read from stdin, replacing an item with the same attributes",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		alias, label := args[0], args[1]
		attrs, err := parseAttrs(args[2:])
		if err != nil {
			return err
		}
		value, err := readSecret(cmd, "Enter secret value: ")
		if err != nil {
			return err
		}
		return withVault(cmd, secret.ServiceNone, func(ctx context.Context, v *vault) error {
			val := secret.NewTextValue(value)
			defer val.Wipe()
			it, err := v.svc.Store(ctx, alias, label, attrs, val)
			entry := audit.Entry{Action: audit.ActionSecretWrite, Key: label, Collection: alias}
			if err != nil {
				entry.Error = err.Error()
				v.record(entry)
				return err
			}
			v.record(entry)
			fmt.Fprintf(cmd.OutOrStdout(), "Item %q stored at %s\n", label, it.Path())
			return nil
		})
	},
}

var itemDeleteCmd = &cobra.Command{
	Use:     "delete <alias> <label>",
	Short:   "Delete an item",
	Aliases: []string{"rm"},
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		alias, label := args[0], args[1]
		return withVault(cmd, secret.ServiceNone, func(ctx context.Context, v *vault) error {
			it, err := findItem(ctx, v, alias, label)
			if err != nil {
				return err
			}
			err = it.Delete(ctx)
			entry := audit.Entry{Action: audit.ActionSecretDelete, Key: label, Collection: alias}
			if err != nil {
				entry.Error = err.Error()
			}
			v.record(entry)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Item %q deleted\n", label)
			return nil
		})
	},
}

// findItem returns the first item labelled label in the collection bound to
// alias.
func findItem(ctx context.Context, v *vault, alias, label string) (*secret.Item, error) {
	c, err := secret.CollectionForAlias(ctx, v.svc, alias)
	if err != nil {
		return nil, err
	}
	items, _ := c.Items()
	for _, it := range items {
		if it.Label() == label {
			return it, nil
		}
	}
	return nil, fmt.Errorf("no item labelled %q in %q", label, alias)
}

func printItems(cmd *cobra.Command, items []*secret.Item) error {
	if len(items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No items")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LABEL\tLOCKED\tATTRIBUTES\tPATH")
	for _, it := range items {
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", it.Label(), it.Locked(), formatAttrs(it.Attributes()), it.Path())
	}
	return w.Flush()
}

func formatAttrs(attrs map[string]string) string {
	if len(attrs) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(attrs))
	for _, k := range slices.Sorted(maps.Keys(attrs)) {
		parts = append(parts, k+"="+attrs[k])
	}
	return strings.Join(parts, ",")
}

func init() {
	itemSearchCmd.Flags().BoolVar(&searchAll, "all", false, "return every match instead of the first")
	itemSearchCmd.Flags().BoolVar(&searchUnlock, "unlock", false, "unlock locked matches")

	itemCmd.AddCommand(itemListCmd)
	itemCmd.AddCommand(itemGetCmd)
	itemCmd.AddCommand(itemSearchCmd)
	itemCmd.AddCommand(itemStoreCmd)
	itemCmd.AddCommand(itemDeleteCmd)
	rootCmd.AddCommand(itemCmd)
}
