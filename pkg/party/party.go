// Package party implements topic-scoped replication groups.
//
// A Party owns a topic key and the Rules deciding how its connections
// handshake and which feeds they replicate. Every connection carries the
// reserved "party" extension; its peers exchange feed introductions,
// requests and ephemeral messages over it.
package party

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-replicator/pkg/codec"
	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
	"github.com/ZentaChain/zentalk-replicator/pkg/feed"
	"github.com/ZentaChain/zentalk-replicator/pkg/logging"
	"github.com/ZentaChain/zentalk-replicator/pkg/metrics"
	"github.com/ZentaChain/zentalk-replicator/pkg/protocol"
)

// Option configures the connections a party (or manager) creates
type Option func(*connConfig)

type connConfig struct {
	id               []byte
	userData         protocol.UserData
	codec            codec.Codec
	handshakeTimeout time.Duration
	logger           zerolog.Logger
}

func newConnConfig(opts []Option) connConfig {
	cfg := connConfig{logger: logging.Logger("party")}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithIdentity sets the identity announced on every connection
func WithIdentity(id []byte) Option {
	return func(c *connConfig) { c.id = id }
}

// WithUserData sets the context announced on every connection
func WithUserData(data protocol.UserData) Option {
	return func(c *connConfig) { c.userData = data }
}

func WithCodec(cd codec.Codec) Option {
	return func(c *connConfig) { c.codec = cd }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *connConfig) { c.handshakeTimeout = d }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *connConfig) { c.logger = logger }
}

// ReplicateOption overrides settings for one connection
type ReplicateOption func(*replicateConfig)

type replicateConfig struct {
	opts       ReplicateOptions
	extensions []*protocol.Extension
}

// WithLive overrides Rules.ReplicateOptions.Live
func WithLive(live bool) ReplicateOption {
	return func(c *replicateConfig) { c.opts.Live = live }
}

// WithExpectedFeeds overrides Rules.ReplicateOptions.ExpectedFeeds
func WithExpectedFeeds(n int) ReplicateOption {
	return func(c *replicateConfig) { c.opts.ExpectedFeeds = n }
}

// WithExtensions registers application extensions after the party extension
func WithExtensions(exts ...*protocol.Extension) ReplicateOption {
	return func(c *replicateConfig) { c.extensions = append(c.extensions, exts...) }
}

// Party is a group of peers replicating under one topic and one Rules
type Party struct {
	key          crypto.Key
	discoveryKey crypto.Key
	rules        *Rules
	cfg          connConfig
	logger       zerolog.Logger
	createdAt    time.Time

	mu           sync.RWMutex
	peers        map[*protocol.Protocol]*Peer
	onPeerAdd    []func(*Peer)
	onPeerRemove []func(*Peer)
	onHandshake  []func(*Peer)
}

// NewParty validates rules and creates a party for key
func NewParty(key crypto.Key, rules *Rules, opts ...Option) (*Party, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid party key: %w", err)
	}

	r, err := rules.withDefaults()
	if err != nil {
		return nil, err
	}

	dk, err := crypto.DiscoveryKey(key)
	if err != nil {
		return nil, err
	}

	cfg := newConnConfig(opts)
	return &Party{
		key:          key.Clone(),
		discoveryKey: dk,
		rules:        r,
		cfg:          cfg,
		logger:       cfg.logger.With().Str("party", dk.Short()).Logger(),
		createdAt:    time.Now(),
		peers:        make(map[*protocol.Protocol]*Peer),
	}, nil
}

func (p *Party) Key() crypto.Key {
	return p.key
}

func (p *Party) DiscoveryKey() crypto.Key {
	return p.discoveryKey
}

// Rules returns the rules with defaults applied
func (p *Party) Rules() *Rules {
	return p.rules
}

func (p *Party) CreatedAt() time.Time {
	return p.createdAt
}

// OnPeerAdd registers a callback for new peers
func (p *Party) OnPeerAdd(fn func(*Peer)) {
	p.mu.Lock()
	p.onPeerAdd = append(p.onPeerAdd, fn)
	p.mu.Unlock()
}

// OnPeerRemove registers a callback for peers whose connection ended
func (p *Party) OnPeerRemove(fn func(*Peer)) {
	p.mu.Lock()
	p.onPeerRemove = append(p.onPeerRemove, fn)
	p.mu.Unlock()
}

// OnHandshake registers a callback for peers whose Rules handshake completed
func (p *Party) OnHandshake(fn func(*Peer)) {
	p.mu.Lock()
	p.onHandshake = append(p.onHandshake, fn)
	p.mu.Unlock()
}

// Peers returns the connected peers ordered by remote id
func (p *Party) Peers() []*Peer {
	p.mu.RLock()
	peers := make([]*Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		peers = append(peers, peer)
	}
	p.mu.RUnlock()

	sortedPeers(peers)
	return peers
}

// Replicate opens a connection for the party over rwc, sharing the topic as
// the first channel. The returned protocol is initialized; its handshake
// completes in the background. Cancelling ctx closes the connection.
func (p *Party) Replicate(ctx context.Context, rwc io.ReadWriteCloser, opts ...ReplicateOption) (*protocol.Protocol, error) {
	s := newSession(p.cfg, p.rules.ReplicateOptions, opts)
	s.bind(p)

	proto, err := s.protocol(nil)
	if err != nil {
		return nil, err
	}

	if err := proto.Init(ctx, rwc, p.key); err != nil {
		return nil, err
	}
	return proto, nil
}

// peer returns the peer of a connection, creating it on first use
func (p *Party) peer(proto *protocol.Protocol, ext *protocol.Extension, opts ReplicateOptions) *Peer {
	p.mu.Lock()
	if peer, ok := p.peers[proto]; ok {
		p.mu.Unlock()
		return peer
	}
	select {
	case <-proto.Ctx().Done():
		p.mu.Unlock()
		return nil
	default:
	}
	peer := newPeer(p, proto, ext, opts)
	p.peers[proto] = peer
	n := len(p.peers)
	hooks := slices.Clone(p.onPeerAdd)
	p.mu.Unlock()

	metrics.SetPartyPeers(p.discoveryKey.Short(), n)
	peer.logger.Debug().Msg("peer added")
	for _, fn := range hooks {
		fn(peer)
	}
	return peer
}

func (p *Party) removePeer(proto *protocol.Protocol, err error) {
	p.mu.Lock()
	peer, ok := p.peers[proto]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.peers, proto)
	n := len(p.peers)
	hooks := slices.Clone(p.onPeerRemove)
	p.mu.Unlock()

	peer.close()
	metrics.SetPartyPeers(p.discoveryKey.Short(), n)
	peer.logger.Debug().Err(err).Msg("peer removed")
	for _, fn := range hooks {
		fn(peer)
	}
}

func (p *Party) handshake(ctx context.Context, peer *Peer) error {
	if err := p.rules.Ready(ctx, peer); err != nil {
		return fmt.Errorf("rules %q ready: %w", p.rules.Name, err)
	}
	if err := p.rules.Handshake(ctx, peer); err != nil {
		return fmt.Errorf("rules %q handshake: %w", p.rules.Name, err)
	}

	p.mu.RLock()
	hooks := slices.Clone(p.onHandshake)
	p.mu.RUnlock()

	peer.logger.Debug().Msg("party handshake complete")
	for _, fn := range hooks {
		fn(peer)
	}
	return nil
}

func (p *Party) feed(ctx context.Context, peer *Peer, discoveryKey crypto.Key) error {
	if discoveryKey.Equal(p.discoveryKey) {
		return nil
	}

	f, err := p.rules.FindFeed(ctx, peer, discoveryKey)
	if err != nil {
		return fmt.Errorf("rules %q findFeed: %w", p.rules.Name, err)
	}
	if isNilFeed(f) {
		peer.logger.Debug().Str("discovery_key", discoveryKey.Short()).Msg("unknown feed, not replicating")
		return nil
	}

	_, err = peer.Replicate(ctx, f)
	return err
}

func isNilFeed(f feed.Feed) bool {
	if f == nil {
		return true
	}
	v := reflect.ValueOf(f)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// session ties one connection to the party it serves. The responder learns
// the party only when the remote names a discovery key.
type session struct {
	cfg   connConfig
	rcfg  replicateConfig
	party atomic.Pointer[Party]
	ext   *protocol.Extension
}

func newSession(cfg connConfig, defaults ReplicateOptions, opts []ReplicateOption) *session {
	s := &session{cfg: cfg, rcfg: replicateConfig{opts: defaults}}
	for _, opt := range opts {
		opt(&s.rcfg)
	}
	return s
}

// bind sets the party once; later calls keep the first party
func (s *session) bind(p *Party) {
	s.party.CompareAndSwap(nil, p)
}

// protocol builds the connection with the party extension first
func (s *session) protocol(resolve protocol.Resolver) (*protocol.Protocol, error) {
	popts := []protocol.Option{
		protocol.WithLive(s.rcfg.opts.Live),
	}
	if s.cfg.id != nil {
		popts = append(popts, protocol.WithID(s.cfg.id))
	}
	if s.cfg.codec != nil {
		popts = append(popts, protocol.WithCodec(s.cfg.codec))
	}
	if s.cfg.handshakeTimeout != 0 {
		popts = append(popts, protocol.WithHandshakeTimeout(s.cfg.handshakeTimeout))
	}
	if resolve != nil {
		popts = append(popts, protocol.WithDiscoveryToPublicKey(resolve))
	}

	proto := protocol.NewProtocol(popts...)
	if s.cfg.userData != nil {
		if err := proto.SetUserData(s.cfg.userData); err != nil {
			return nil, err
		}
	}

	s.ext = protocol.NewExtension(ExtensionName).
		SetHandshakeHandler(s.onHandshake).
		SetFeedHandler(s.onFeed).
		SetMessageHandler(s.onMessage).
		SetRouteHandler(s.onRoute).
		SetCloseHandler(s.onClose)

	exts := append([]*protocol.Extension{s.ext}, s.rcfg.extensions...)
	if err := proto.SetExtensions(exts...); err != nil {
		return nil, err
	}
	return proto, nil
}

func (s *session) peer(proto *protocol.Protocol) (*Party, *Peer, error) {
	party := s.party.Load()
	if party == nil {
		return nil, nil, protocol.NewError(protocol.CodeNotFound, "connection has no party")
	}
	peer := party.peer(proto, s.ext, s.rcfg.opts)
	if peer == nil {
		return nil, nil, protocol.ErrClosed
	}
	return party, peer, nil
}

func (s *session) onHandshake(ctx context.Context, proto *protocol.Protocol) error {
	party, peer, err := s.peer(proto)
	if err != nil {
		return err
	}
	return party.handshake(ctx, peer)
}

func (s *session) onFeed(ctx context.Context, proto *protocol.Protocol, discoveryKey crypto.Key) error {
	party, peer, err := s.peer(proto)
	if err != nil {
		return err
	}
	return party.feed(ctx, peer, discoveryKey)
}

func (s *session) onMessage(ctx context.Context, proto *protocol.Protocol, data []byte) ([]byte, error) {
	_, peer, err := s.peer(proto)
	if err != nil {
		return nil, err
	}
	peer.receive(ctx, data)
	return nil, nil
}

// onRoute settles transaction answers on the read goroutine so a handler
// waiting on its own transaction is not stuck behind itself in the queue
func (s *session) onRoute(proto *protocol.Protocol, data []byte) bool {
	party := s.party.Load()
	if party == nil {
		return false
	}
	party.mu.RLock()
	peer := party.peers[proto]
	party.mu.RUnlock()
	if peer == nil {
		return false
	}
	return peer.settle(data)
}

func (s *session) onClose(proto *protocol.Protocol, err error) {
	if party := s.party.Load(); party != nil {
		party.removePeer(proto, err)
	}
}
