// Package replication provides the built-in feed replication rules of a node.
//
// A FeedSet holds one Log per known feed. Its Rules introduce every local
// feed to each peer, open read-only replicas of the feeds the peer offers and
// replicate all of them on the connection.
package replication

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
	"github.com/ZentaChain/zentalk-replicator/pkg/feed"
	"github.com/ZentaChain/zentalk-replicator/pkg/logging"
	"github.com/ZentaChain/zentalk-replicator/pkg/party"
)

// RulesName is the name the feed rules register under
const RulesName = "feeds"

const keyFileExt = ".pem"

// FeedSet is the registry of feeds a node replicates
type FeedSet struct {
	store  *feed.Storage
	keyDir string
	logger zerolog.Logger

	mu   sync.RWMutex
	logs map[string]*feed.Log // by discovery key
}

// NewFeedSet creates an empty set. Secrets of writable feeds are kept in
// keyDir; an empty keyDir keeps them in memory only.
func NewFeedSet(store *feed.Storage, keyDir string) *FeedSet {
	return &FeedSet{
		store:  store,
		keyDir: keyDir,
		logger: logging.Logger("replication"),
		logs:   make(map[string]*feed.Log),
	}
}

// Load opens the writable feeds found in the key directory and a read-only
// replica of every other stored feed
func (s *FeedSet) Load() error {
	if s.keyDir != "" {
		entries, err := os.ReadDir(s.keyDir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to read key directory: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), keyFileExt) {
				continue
			}
			if err := s.loadWritable(filepath.Join(s.keyDir, e.Name())); err != nil {
				return err
			}
		}
	}

	infos, err := s.store.Feeds()
	if err != nil {
		return err
	}
	for _, info := range infos {
		if _, err := s.Open(info.Key); err != nil {
			return err
		}
	}

	s.logger.Info().Int("feeds", s.Len()).Msg("feeds loaded")
	return nil
}

func (s *FeedSet) loadWritable(path string) error {
	pemData, err := crypto.LoadKeyFromFile(path)
	if err != nil {
		return fmt.Errorf("failed to read feed secret %s: %w", path, err)
	}
	secret, err := crypto.ImportPrivateKeyPEM(pemData)
	if err != nil {
		return fmt.Errorf("invalid feed secret %s: %w", path, err)
	}
	kp, err := crypto.KeyPairFromSecret(secret)
	if err != nil {
		return err
	}

	l, err := feed.OpenLog(s.store, kp.Public, kp.Secret)
	if err != nil {
		return err
	}
	s.Add(l)
	return nil
}

// Create generates a writable feed and saves its secret
func (s *FeedSet) Create() (*feed.Log, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	if s.keyDir != "" {
		pemData, err := crypto.ExportPrivateKeyPEM(kp.Secret)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(s.keyDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create key directory: %w", err)
		}
		if err := crypto.SaveKeyToFile(filepath.Join(s.keyDir, kp.Public.String()+keyFileExt), pemData); err != nil {
			return nil, fmt.Errorf("failed to save feed secret: %w", err)
		}
	}

	l, err := feed.OpenLog(s.store, kp.Public, kp.Secret)
	if err != nil {
		return nil, err
	}
	s.Add(l)
	return l, nil
}

// Add registers l, replacing nothing if its feed is already known
func (s *FeedSet) Add(l *feed.Log) *feed.Log {
	id := crypto.MustDiscoveryKey(l.Key()).String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.logs[id]; ok {
		return existing
	}
	s.logs[id] = l
	return l
}

// Open returns the log of key, opening a read-only replica when unknown
func (s *FeedSet) Open(key crypto.Key) (*feed.Log, error) {
	dk, err := crypto.DiscoveryKey(key)
	if err != nil {
		return nil, err
	}
	if l := s.Find(dk); l != nil {
		return l, nil
	}

	l, err := feed.OpenLog(s.store, key, nil)
	if err != nil {
		return nil, err
	}
	return s.Add(l), nil
}

// Find looks a log up by discovery key
func (s *FeedSet) Find(discoveryKey crypto.Key) *feed.Log {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logs[discoveryKey.String()]
}

// Keys lists the feed keys in byte order
func (s *FeedSet) Keys() []crypto.Key {
	s.mu.RLock()
	keys := make([]crypto.Key, 0, len(s.logs))
	for _, l := range s.logs {
		keys = append(keys, l.Key())
	}
	s.mu.RUnlock()

	crypto.SortKeys(keys)
	return keys
}

func (s *FeedSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}

// Rules returns party rules replicating every feed of the set
func (s *FeedSet) Rules(opts party.RulesOptions, replicate party.ReplicateOptions) party.Rules {
	return party.Rules{
		Name:             RulesName,
		Handshake:        s.handshake,
		FindFeed:         s.findFeed,
		OnIntroduceFeeds: s.onIntroduceFeeds,
		Options:          opts,
		ReplicateOptions: replicate,
	}
}

func (s *FeedSet) handshake(ctx context.Context, peer *party.Peer) error {
	res, err := peer.IntroduceFeeds(ctx, party.IntroduceFeeds{Keys: s.Keys()})
	if err != nil {
		return fmt.Errorf("introduce feeds: %w", err)
	}
	if err := s.openAll(res.Keys); err != nil {
		return err
	}

	for _, key := range s.Keys() {
		l, err := s.Open(key)
		if err != nil {
			return err
		}
		if _, err := peer.Replicate(ctx, l); err != nil {
			return fmt.Errorf("replicate %s: %w", key.Short(), err)
		}
	}
	return nil
}

func (s *FeedSet) onIntroduceFeeds(ctx context.Context, peer *party.Peer, msg party.IntroduceFeeds) (party.IntroduceFeeds, error) {
	if err := s.openAll(msg.Keys); err != nil {
		return party.IntroduceFeeds{}, err
	}
	return party.IntroduceFeeds{Keys: s.Keys()}, nil
}

func (s *FeedSet) findFeed(ctx context.Context, peer *party.Peer, discoveryKey crypto.Key) (feed.Feed, error) {
	if l := s.Find(discoveryKey); l != nil {
		return l, nil
	}
	return nil, nil
}

func (s *FeedSet) openAll(keys []crypto.Key) error {
	for _, key := range keys {
		if _, err := s.Open(key); err != nil {
			return fmt.Errorf("open feed %s: %w", key.Short(), err)
		}
	}
	return nil
}
