package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
	"github.com/ZentaChain/zentalk-replicator/pkg/party"
	"github.com/ZentaChain/zentalk-replicator/pkg/replication"
	"github.com/ZentaChain/zentalk-replicator/pkg/storage"
)

var partyCmd = &cobra.Command{
	Use:   "party",
	Short: "manage the parties stored in the data directory",
}

var partyCreateCmd = &cobra.Command{
	Use:   "create [key]",
	Short: "store a party, generating its key when none is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key crypto.Key
		if len(args) == 1 {
			k, err := crypto.ParseKey(args[0])
			if err != nil {
				return err
			}
			key = k
		} else {
			kp, err := crypto.GenerateKeyPair()
			if err != nil {
				return err
			}
			key = kp.Public
		}

		dk, err := crypto.DiscoveryKey(key)
		if err != nil {
			return err
		}

		return withPartyStore(func(ctx context.Context, store *party.SQLiteStore) error {
			rec := party.Record{Key: key, DiscoveryKey: dk, Rules: partyRules, CreatedAt: time.Now()}
			if err := store.Save(ctx, rec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key:           %s\ndiscovery key: %s\n", key, dk)
			return nil
		})
	},
}

var partyListCmd = &cobra.Command{
	Use:   "list",
	Short: "list stored parties",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPartyStore(func(ctx context.Context, store *party.SQLiteStore) error {
			records, err := store.List(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DISCOVERY KEY\tKEY\tRULES\tCREATED")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.DiscoveryKey, rec.Key, rec.Rules, rec.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		})
	},
}

var partyRemoveCmd = &cobra.Command{
	Use:   "remove <discovery-key>",
	Short: "forget a stored party",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dk, err := crypto.ParseKey(args[0])
		if err != nil {
			return err
		}
		return withPartyStore(func(ctx context.Context, store *party.SQLiteStore) error {
			return store.Delete(ctx, dk)
		})
	},
}

var partyRules string

func init() {
	partyCreateCmd.Flags().StringVar(&partyRules, "rules", replication.RulesName, "name of the rules governing the party")

	partyCmd.AddCommand(partyCreateCmd)
	partyCmd.AddCommand(partyListCmd)
	partyCmd.AddCommand(partyRemoveCmd)
}

func withPartyStore(fn func(ctx context.Context, store *party.SQLiteStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := storage.OpenDir(cfg.Node.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(context.Background(), party.NewSQLiteStore(db))
}
