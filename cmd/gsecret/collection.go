package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/benaskins/gsecret/internal/audit"
	"github.com/benaskins/gsecret/internal/secret"
	"github.com/spf13/cobra"
)

var collectionAlias string

var collectionCmd = &cobra.Command{
	Use:     "collection",
	Short:   "Manage secret collections",
	Aliases: []string{"col"},
}

var collectionListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List collections",
	Aliases: []string{"ls"},
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd, secret.ServiceLoadCollections, func(ctx context.Context, v *vault) error {
			cols, _ := v.svc.Collections()
			if len(cols) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No collections")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "LABEL\tITEMS\tLOCKED\tMODIFIED\tPATH")
			for _, c := range cols {
				if err := c.LoadItems(ctx); err != nil {
					return err
				}
				items, _ := c.Items()
				fmt.Fprintf(w, "%s\t%d\t%t\t%s\t%s\n", c.Label(), len(items), c.Locked(), formatTime(c.Modified()), c.Path())
			}
			return w.Flush()
		})
	},
}

var collectionShowCmd = &cobra.Command{
	Use:   "show <alias>",
	Short: "Show the collection bound to an alias",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd, secret.ServiceNone, func(ctx context.Context, v *vault) error {
			c, err := secret.CollectionForAlias(ctx, v.svc, args[0])
			if err != nil {
				return err
			}
			items, _ := c.Items()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "LABEL\t%s\n", c.Label())
			fmt.Fprintf(w, "PATH\t%s\n", c.Path())
			fmt.Fprintf(w, "LOCKED\t%t\n", c.Locked())
			fmt.Fprintf(w, "CREATED\t%s\n", formatTime(c.Created()))
			fmt.Fprintf(w, "MODIFIED\t%s\n", formatTime(c.Modified()))
			fmt.Fprintf(w, "ITEMS\t%d\n", len(items))
			return w.Flush()
		})
	},
}

var collectionCreateCmd = &cobra.Command{
	Use:   "create <label>",
	Short: "Create a collection, or return the one already bound to --alias",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd, secret.ServiceNone, func(ctx context.Context, v *vault) error {
			c, err := secret.CreateCollection(ctx, v.svc, args[0], collectionAlias)
			entry := audit.Entry{Action: audit.ActionCollectionCreate, Collection: args[0]}
			if err != nil {
				entry.Error = err.Error()
				v.record(entry)
				return err
			}
			entry.Collection = string(c.Path())
			v.record(entry)
			fmt.Fprintf(cmd.OutOrStdout(), "Collection %q at %s\n", c.Label(), c.Path())
			return nil
		})
	},
}

var collectionDeleteCmd = &cobra.Command{
	Use:     "delete <alias>",
	Short:   "Delete the collection bound to an alias and all its items",
	Aliases: []string{"rm"},
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(cmd, secret.ServiceNone, func(ctx context.Context, v *vault) error {
			c, err := secret.CollectionForAlias(ctx, v.svc, args[0])
			if err != nil {
				return err
			}
			err = c.Delete(ctx)
			entry := audit.Entry{Action: audit.ActionCollectionDelete, Collection: string(c.Path())}
			if err != nil {
				entry.Error = err.Error()
			}
			v.record(entry)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Collection %q deleted\n", c.Label())
			return nil
		})
	},
}

var collectionAliasCmd = &cobra.Command{
	Use:   "alias <alias> <collection-label>",
	Short: "Bind an alias to the collection with the given label",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		alias, label := args[0], args[1]
		return withVault(cmd, secret.ServiceLoadCollections, func(ctx context.Context, v *vault) error {
			cols, _ := v.svc.Collections()
			var target *secret.Collection
			for _, c := range cols {
				if c.Label() == label {
					target = c
					break
				}
			}
			if target == nil {
				return fmt.Errorf("no collection labelled %q", label)
			}
			if err := v.svc.SetAlias(ctx, alias, target); err != nil {
				return err
			}
			v.record(audit.Entry{Action: audit.ActionAliasSet, Key: alias, Collection: string(target.Path())})
			fmt.Fprintf(cmd.OutOrStdout(), "Alias %q bound to %q\n", alias, label)
			return nil
		})
	},
}

func formatTime(unix uint64) string {
	if unix == 0 {
		return "-"
	}
	return time.Unix(int64(unix), 0).UTC().Format(time.RFC3339)
}

func init() {
	collectionCreateCmd.Flags().StringVar(&collectionAlias, "alias", "", "alias to bind the new collection to")

	collectionCmd.AddCommand(collectionListCmd)
	collectionCmd.AddCommand(collectionShowCmd)
	collectionCmd.AddCommand(collectionCreateCmd)
	collectionCmd.AddCommand(collectionDeleteCmd)
	collectionCmd.AddCommand(collectionAliasCmd)
	rootCmd.AddCommand(collectionCmd)
}
