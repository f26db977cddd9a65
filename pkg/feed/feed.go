// Package feed provides signed append-only logs and their replication over
// transport channels.
//
// Each feed is identified by an ed25519 public key. Only the holder of the
// secret key can append; every other node keeps a verified replica. Blocks
// travel on the channel named by the discovery key of the feed key:
//
//	have{length}    sent once by both sides when the channel opens
//	block{block}    every block the remote is missing, in index order
//	synced{length}  after the missing blocks were sent
//
// A non-live replication closes the channel once both sides sent synced.
// A live replication keeps the channel open and pushes appended blocks.
package feed

import (
	"context"

	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
	"github.com/ZentaChain/zentalk-replicator/pkg/transport"
)

// Feed is anything that can be replicated over a transport stream
type Feed interface {
	Key() crypto.Key
	Ready(ctx context.Context) error
	Replicate(ctx context.Context, stream *transport.Stream, opts ReplicateOptions) error
}

// ReplicateOptions controls how a stream carries feeds
type ReplicateOptions struct {
	// Live keeps channels open after the initial sync
	Live bool `json:"live" toml:"live"`

	// ExpectedFeeds ends a non-live stream after that many channels finished
	ExpectedFeeds int `json:"expected_feeds" toml:"expected_feeds"`
}
