package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
	"github.com/ZentaChain/zentalk-replicator/pkg/feed"
	"github.com/ZentaChain/zentalk-replicator/pkg/replication"
	"github.com/ZentaChain/zentalk-replicator/pkg/storage"
)

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "create and inspect local feeds",
}

var feedCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "create a writable feed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFeedSet(func(set *replication.FeedSet) error {
			l, err := set.Create()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), l.Key())
			return nil
		})
	},
}

var feedAppendCmd = &cobra.Command{
	Use:   "append <key> [data...]",
	Short: "append a block to a writable feed, reading stdin when no data is given",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.ParseKey(args[0])
		if err != nil {
			return err
		}

		var data []byte
		if len(args) > 1 {
			data = []byte(strings.Join(args[1:], " "))
		} else if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
			return err
		}

		return withFeedSet(func(set *replication.FeedSet) error {
			l := set.Find(crypto.MustDiscoveryKey(key))
			if l == nil || !l.Writable() {
				return fmt.Errorf("feed %s: %w", key.Short(), feed.ErrReadOnly)
			}
			index, err := l.Append(data)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), index)
			return nil
		})
	},
}

var feedListCmd = &cobra.Command{
	Use:   "list",
	Short: "list known feeds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFeedSet(func(set *replication.FeedSet) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tLENGTH\tWRITABLE")
			for _, key := range set.Keys() {
				l := set.Find(crypto.MustDiscoveryKey(key))
				fmt.Fprintf(w, "%s\t%d\t%t\n", key, l.Len(), l.Writable())
			}
			return w.Flush()
		})
	},
}

var feedCatCmd = &cobra.Command{
	Use:   "cat <key>",
	Short: "print every block of a feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.ParseKey(args[0])
		if err != nil {
			return err
		}
		return withFeedSet(func(set *replication.FeedSet) error {
			l, err := set.Open(key)
			if err != nil {
				return err
			}
			for i := uint64(0); i < l.Len(); i++ {
				data, err := l.Get(i)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", i, data)
			}
			return nil
		})
	},
}

func init() {
	feedCmd.AddCommand(feedCreateCmd)
	feedCmd.AddCommand(feedAppendCmd)
	feedCmd.AddCommand(feedListCmd)
	feedCmd.AddCommand(feedCatCmd)
}

func withFeedSet(fn func(set *replication.FeedSet) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := storage.OpenDir(cfg.Node.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	set := replication.NewFeedSet(feed.NewStorage(db), feedKeyDir(cfg))
	if err := set.Load(); err != nil {
		return err
	}
	return fn(set)
}
