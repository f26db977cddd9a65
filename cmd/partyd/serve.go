package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-replicator/pkg/api"
	"github.com/ZentaChain/zentalk-replicator/pkg/codec"
	"github.com/ZentaChain/zentalk-replicator/pkg/config"
	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
	"github.com/ZentaChain/zentalk-replicator/pkg/feed"
	"github.com/ZentaChain/zentalk-replicator/pkg/logging"
	"github.com/ZentaChain/zentalk-replicator/pkg/party"
	"github.com/ZentaChain/zentalk-replicator/pkg/replication"
	"github.com/ZentaChain/zentalk-replicator/pkg/storage"
	"github.com/ZentaChain/zentalk-replicator/pkg/swarm"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the node until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

// feedKeyDir holds the secrets of the feeds this node writes
func feedKeyDir(cfg config.Config) string {
	return filepath.Join(cfg.Node.DataDir, "feeds")
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := logging.Logger("partyd")

	db, err := storage.OpenDir(cfg.Node.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	feeds := feed.NewStorage(db)
	set := replication.NewFeedSet(feeds, feedKeyDir(cfg))
	if err := set.Load(); err != nil {
		return fmt.Errorf("failed to load feeds: %w", err)
	}

	identity, err := swarm.LoadOrCreateIdentity(cfg.IdentityPath())
	if err != nil {
		return err
	}
	peerID, err := peer.IDFromPrivateKey(identity)
	if err != nil {
		return fmt.Errorf("failed to derive peer id: %w", err)
	}

	frameCodec, err := codec.ByName(cfg.Node.Codec)
	if err != nil {
		return err
	}

	manager := party.NewManager(party.NewSQLiteStore(db),
		party.WithPartyOptions(
			party.WithIdentity([]byte(peerID)),
			party.WithHandshakeTimeout(cfg.Node.HandshakeTimeout.Std()),
			party.WithCodec(frameCodec),
		),
	)

	replicate := party.ReplicateOptions{Live: cfg.Rules.Live}
	rules := set.Rules(party.RulesOptions{TransactionTimeout: cfg.Rules.TransactionTimeout.Std()}, replicate)
	if err := manager.RegisterRules(rules); err != nil {
		return err
	}
	if err := manager.LoadParties(ctx); err != nil {
		return fmt.Errorf("failed to load parties: %w", err)
	}
	for _, pc := range cfg.Parties {
		key, err := crypto.ParseKey(pc.Key)
		if err != nil {
			return err
		}
		rulesName := pc.Rules
		if rulesName == "" {
			rulesName = replication.RulesName
		}
		if _, err := manager.CreateParty(ctx, key, rulesName); err != nil {
			return fmt.Errorf("party %s: %w", key.Short(), err)
		}
	}

	node, err := swarm.NewNode(ctx, &swarm.NodeConfig{
		Port:              cfg.Node.Port,
		BootstrapPeers:    cfg.Node.Bootstrap,
		PrivateKey:        identity,
		EnableNAT:         cfg.Node.EnableNAT,
		DiscoveryInterval: cfg.Node.DiscoveryInterval.Std(),
		ReplicateOptions:  []party.ReplicateOption{party.WithLive(cfg.Rules.Live)},
	}, manager)
	if err != nil {
		return err
	}
	defer node.Close()

	manager.OnParty(func(p *party.Party) {
		if err := node.Join(p); err != nil {
			logger.Warn().Err(err).Str("party", p.DiscoveryKey().Short()).Msg("failed to join party")
		}
	})
	for _, p := range manager.Parties() {
		if err := node.Join(p); err != nil {
			return err
		}
	}

	logger.Info().
		Str("id", node.ID().String()).
		Strs("addrs", node.FullAddresses()).
		Int("parties", len(manager.Parties())).
		Int("feeds", set.Len()).
		Msg("node started")

	errc := make(chan error, 1)
	if cfg.API.Enable {
		server, err := api.NewServer(manager, node, feeds, &api.Config{
			Port:         cfg.API.Port,
			EnableCORS:   cfg.API.EnableCORS,
			CorsOrigins:  cfg.API.CorsOrigins,
			RateLimit:    cfg.API.RateLimit,
			ReadTimeout:  api.DefaultConfig().ReadTimeout,
			WriteTimeout: api.DefaultConfig().WriteTimeout,
		})
		if err != nil {
			return err
		}
		go func() { errc <- server.Start(ctx) }()
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		if cfg.API.Enable {
			if err := <-errc; err != nil {
				logger.Warn().Err(err).Msg("API server shutdown")
			}
		}
		return nil
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	}
}
