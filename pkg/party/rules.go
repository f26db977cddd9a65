package party

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
	"github.com/ZentaChain/zentalk-replicator/pkg/feed"
)

// ErrInvalidRules is returned for rules missing a required capability
var ErrInvalidRules = errors.New("invalid rules")

// ReplicateOptions controls how connections of a party carry feeds
type ReplicateOptions = feed.ReplicateOptions

// RulesOptions tunes peer transactions
type RulesOptions struct {
	// TransactionTimeout bounds IntroduceFeeds and Request; zero disables it
	TransactionTimeout time.Duration `json:"transaction_timeout" toml:"transaction_timeout"`
}

// Rules is the replication policy of a party. Handshake and FindFeed are
// required; every other hook defaults to a no-op.
type Rules struct {
	Name string

	// Handshake runs once per connection after Ready
	Handshake func(ctx context.Context, peer *Peer) error

	// FindFeed resolves a discovery key announced by the remote side.
	// Returning a nil feed and a nil error means the feed is unknown; a typed
	// nil pointer counts as nil.
	FindFeed func(ctx context.Context, peer *Peer, discoveryKey crypto.Key) (feed.Feed, error)

	Ready              func(ctx context.Context, peer *Peer) error
	OnIntroduceFeeds   func(ctx context.Context, peer *Peer, msg IntroduceFeeds) (IntroduceFeeds, error)
	OnRequest          func(ctx context.Context, peer *Peer, req Request) ([]byte, error)
	OnEphemeralMessage func(ctx context.Context, peer *Peer, msg EphemeralMessage) error

	Options          RulesOptions
	ReplicateOptions ReplicateOptions
}

// Validate checks the required capabilities
func (r *Rules) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil rules", ErrInvalidRules)
	}
	if r.Handshake == nil {
		return fmt.Errorf("%w: %q has no handshake", ErrInvalidRules, r.Name)
	}
	if r.FindFeed == nil {
		return fmt.Errorf("%w: %q has no findFeed", ErrInvalidRules, r.Name)
	}
	if r.Options.TransactionTimeout < 0 {
		return fmt.Errorf("%w: %q has a negative transaction timeout", ErrInvalidRules, r.Name)
	}
	if r.ReplicateOptions.ExpectedFeeds < 0 {
		return fmt.Errorf("%w: %q expects a negative number of feeds", ErrInvalidRules, r.Name)
	}
	return nil
}

// withDefaults returns a validated copy with every optional hook set
func (r *Rules) withDefaults() (*Rules, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	out := *r
	if out.Ready == nil {
		out.Ready = func(context.Context, *Peer) error { return nil }
	}
	if out.OnIntroduceFeeds == nil {
		out.OnIntroduceFeeds = func(context.Context, *Peer, IntroduceFeeds) (IntroduceFeeds, error) {
			return IntroduceFeeds{}, nil
		}
	}
	if out.OnRequest == nil {
		out.OnRequest = func(context.Context, *Peer, Request) ([]byte, error) { return nil, nil }
	}
	if out.OnEphemeralMessage == nil {
		out.OnEphemeralMessage = func(context.Context, *Peer, EphemeralMessage) error { return nil }
	}
	return &out, nil
}
