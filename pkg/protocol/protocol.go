package protocol

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-replicator/pkg/codec"
	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
	"github.com/ZentaChain/zentalk-replicator/pkg/logging"
	"github.com/ZentaChain/zentalk-replicator/pkg/metrics"
	"github.com/ZentaChain/zentalk-replicator/pkg/transport"
)

// UserData is the opaque context each side announces during the handshake
type UserData map[string]any

// State of a Protocol session
type State int32

const (
	StateCreated State = iota
	StateChannelPending
	StateHandshaking
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateChannelPending:
		return "channel-pending"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Resolver maps a discovery key announced by a remote to the topic key it was derived from
type Resolver func(discoveryKey crypto.Key) (crypto.Key, error)

// Option configures a Protocol
type Option func(*Protocol)

// WithID sets the identity announced to the remote
func WithID(id []byte) Option {
	return func(p *Protocol) { p.id = id }
}

func WithCodec(c codec.Codec) Option {
	return func(p *Protocol) { p.codec = c }
}

// WithDiscoveryToPublicKey sets the resolver used when this side does not know the topic
func WithDiscoveryToPublicKey(r Resolver) Option {
	return func(p *Protocol) { p.resolve = r }
}

// WithLive keeps the connection open after the expected feeds are replicated
func WithLive(live bool) Option {
	return func(p *Protocol) { p.live = live }
}

// WithHandshakeTimeout bounds the time until the first channel is open on both sides
func WithHandshakeTimeout(d time.Duration) Option {
	return func(p *Protocol) { p.handshakeTimeout = d }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Protocol) { p.logger = logger }
}

// Protocol owns one duplex connection, runs the handshake and routes
// extension messages arriving on the shared channel.
type Protocol struct {
	id               []byte
	codec            codec.Codec
	live             bool
	handshakeTimeout time.Duration
	resolve          Resolver
	logger           zerolog.Logger

	mu           sync.Mutex
	state        State
	extensions   []*Extension
	byName       map[string]*Extension
	userData     []byte
	remote       UserData
	topic        crypto.Key
	discoveryKey crypto.Key
	stream       *transport.Stream
	err          error
	onHandshake  []func(*Protocol)
	onClose      []func(*Protocol, error)
	onError      []func(*Protocol, error)

	ctx       context.Context
	cancel    context.CancelFunc
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewProtocol creates a session; configure it, then call Init
func NewProtocol(opts ...Option) *Protocol {
	p := &Protocol{
		codec:  codec.JSON,
		logger: logging.Logger("protocol"),
		byName: make(map[string]*Extension),
		state:  StateCreated,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(p)
	}

	if p.id == nil {
		id, err := crypto.GenerateNonce(32)
		if err == nil {
			p.id = id
		}
	}

	metrics.RecordSessionState("", p.state.String())
	return p
}

// SetUserData encodes the local context sent during the handshake
func (p *Protocol) SetUserData(data UserData) error {
	encoded, err := p.codec.Encode(data)
	if err != nil {
		return fmt.Errorf("failed to encode user data: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateCreated {
		return ErrAlreadyInitialized
	}
	p.userData = encoded
	return nil
}

// SetExtensions registers extensions in order. Names must be unique.
func (p *Protocol) SetExtensions(exts ...*Extension) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateCreated {
		return ErrAlreadyInitialized
	}

	seen := make(map[string]bool, len(exts))
	for _, ext := range exts {
		if ext.Name() == "" {
			return fmt.Errorf("extension name cannot be empty")
		}
		if _, ok := p.byName[ext.Name()]; ok || seen[ext.Name()] {
			return fmt.Errorf("%w: %s", ErrDuplicateExtension, ext.Name())
		}
		seen[ext.Name()] = true
	}

	for _, ext := range exts {
		if err := ext.init(p); err != nil {
			return err
		}
		p.extensions = append(p.extensions, ext)
		p.byName[ext.Name()] = ext
	}
	return nil
}

// Extension returns a registered extension by name, or nil
func (p *Protocol) Extension(name string) *Extension {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byName[name]
}

// OnHandshake registers a callback for the end of a successful handshake
func (p *Protocol) OnHandshake(fn func(*Protocol)) {
	p.mu.Lock()
	p.onHandshake = append(p.onHandshake, fn)
	p.mu.Unlock()
}

// OnClose registers a callback for the end of the connection
func (p *Protocol) OnClose(fn func(*Protocol, error)) {
	p.mu.Lock()
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

// OnError registers a callback for errors that do not end the session
func (p *Protocol) OnError(fn func(*Protocol, error)) {
	p.mu.Lock()
	p.onError = append(p.onError, fn)
	p.mu.Unlock()
}

// Init attaches the connection. With a topic this side opens the shared
// channel at once; without one it waits for the remote to name a discovery
// key and resolves it through the configured resolver.
//
// ctx bounds the whole session, not just start-up: cancelling it closes the
// connection. Callers dialing with a short timeout should pass a longer-lived
// context here and rely on Close.
func (p *Protocol) Init(ctx context.Context, rwc io.ReadWriteCloser, topic crypto.Key) error {
	p.mu.Lock()
	if p.state != StateCreated {
		p.mu.Unlock()
		return ErrAlreadyInitialized
	}

	var initial []crypto.Key
	if topic != nil {
		dk, err := crypto.DiscoveryKey(topic)
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("invalid topic: %w", err)
		}
		p.topic = topic.Clone()
		p.discoveryKey = dk
		initial = append(initial, dk)
	}

	logger := p.logger
	p.stream = transport.NewStream(rwc, transport.Options{
		ID:               p.id,
		UserData:         p.userData,
		Live:             p.live,
		Codec:            p.codec,
		HandshakeTimeout: p.handshakeTimeout,
		Logger:           &logger,
	}, transport.Handler{
		OnHandshake: p.onTransportHandshake,
		OnFeed:      p.onTransportFeed,
		OnExtension: p.onTransportExtension,
		OnClose:     p.onTransportClose,
	})
	stream := p.stream
	p.setStateLocked(StateChannelPending)
	p.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			p.Close()
		case <-p.done:
		}
	}()

	if err := stream.Start(initial...); err != nil {
		return fmt.Errorf("failed to start stream: %w", err)
	}
	return nil
}

// WaitHandshake blocks until the session is ready or closed
func (p *Protocol) WaitHandshake(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-p.done:
		if err := p.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Context returns the remote user data, nil before the handshake
func (p *Protocol) Context() UserData {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *Protocol) ID() []byte {
	return p.id
}

// RemoteID is the identity announced by the remote side
func (p *Protocol) RemoteID() []byte {
	if s := p.Stream(); s != nil {
		return s.RemoteID()
	}
	return nil
}

func (p *Protocol) Topic() crypto.Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.topic
}

func (p *Protocol) DiscoveryKey() crypto.Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discoveryKey
}

func (p *Protocol) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stream is the underlying transport stream, nil before Init
func (p *Protocol) Stream() *transport.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream
}

func (p *Protocol) Codec() codec.Codec {
	return p.codec
}

// Ctx is cancelled when the session closes
func (p *Protocol) Ctx() context.Context {
	return p.ctx
}

func (p *Protocol) Done() <-chan struct{} {
	return p.done
}

// Err is the error that ended the session, nil while open or after a clean close
func (p *Protocol) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close ends the session and rejects every pending request
func (p *Protocol) Close() error {
	if s := p.Stream(); s != nil {
		return s.Close()
	}
	p.finish(nil)
	return nil
}

// Destroy ends the session with err without flushing queued frames
func (p *Protocol) Destroy(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	s := p.stream
	p.mu.Unlock()

	if s != nil {
		s.Destroy(err)
		return
	}
	p.finish(err)
}

func (p *Protocol) setStateLocked(next State) {
	if p.state == next {
		return
	}
	prev := p.state
	p.state = next
	metrics.RecordSessionState(prev.String(), next.String())
	p.logger.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("state change")
}

func (p *Protocol) sendExtension(name string, data []byte) error {
	p.mu.Lock()
	s, dk := p.stream, p.discoveryKey
	p.mu.Unlock()

	if s == nil || dk == nil {
		return ErrNotInitialized
	}
	return s.SendExtension(dk, name, data)
}

// loadRemoteLocked decodes the remote user data once
func (p *Protocol) loadRemoteLocked(s *transport.Stream) error {
	if p.remote != nil {
		return nil
	}
	raw := s.RemoteUserData()
	remote := UserData{}
	if len(raw) > 0 {
		if err := p.codec.Decode(raw, &remote); err != nil {
			return fmt.Errorf("failed to decode remote user data: %w", err)
		}
	}
	p.remote = remote
	return nil
}

func (p *Protocol) onTransportFeed(s *transport.Stream, discoveryKey crypto.Key) {
	p.mu.Lock()
	known := p.discoveryKey != nil
	ready := p.state == StateReady
	p.mu.Unlock()

	if !known {
		p.resolveTopic(s, discoveryKey)
		return
	}
	if !ready {
		// the remote may open feeds before our handshake handlers finish
		go func() {
			select {
			case <-p.ready:
				p.dispatchFeed(discoveryKey)
			case <-p.done:
			}
		}()
		return
	}
	go p.dispatchFeed(discoveryKey)
}

func (p *Protocol) resolveTopic(s *transport.Stream, discoveryKey crypto.Key) {
	if p.resolve == nil {
		p.logger.Warn().Str("discovery_key", discoveryKey.Short()).Msg("no resolver for remote channel")
		return
	}

	topic, err := p.resolve(discoveryKey)
	if err != nil || topic == nil {
		p.logger.Warn().Err(err).Str("discovery_key", discoveryKey.Short()).Msg("unable to resolve discovery key")
		return
	}

	dk, err := crypto.DiscoveryKey(topic)
	if err != nil || !dk.Equal(discoveryKey) {
		p.logger.Warn().Str("discovery_key", discoveryKey.Short()).Msg("resolved topic does not match discovery key")
		return
	}

	p.mu.Lock()
	p.topic = topic.Clone()
	p.discoveryKey = dk
	p.mu.Unlock()

	if _, err := s.OpenChannel(dk); err != nil {
		p.logger.Warn().Err(err).Msg("failed to open shared channel")
	}
}

func (p *Protocol) onTransportHandshake(s *transport.Stream) {
	p.mu.Lock()
	if p.state != StateChannelPending {
		p.mu.Unlock()
		return
	}
	if err := p.loadRemoteLocked(s); err != nil {
		p.mu.Unlock()
		p.Destroy(err)
		return
	}
	p.setStateLocked(StateHandshaking)
	exts := append([]*Extension(nil), p.extensions...)
	p.mu.Unlock()

	go p.runHandshake(exts)
}

// runHandshake calls every extension's handshake handler in registration order
func (p *Protocol) runHandshake(exts []*Extension) {
	for _, ext := range exts {
		if err := ext.handshake(p.ctx, p); err != nil {
			err = fmt.Errorf("handshake failed in extension %q: %w", ext.Name(), err)
			p.logger.Warn().Err(err).Msg("handshake aborted")
			p.Destroy(err)
			return
		}
	}

	p.mu.Lock()
	if p.state != StateHandshaking {
		p.mu.Unlock()
		return
	}
	p.setStateLocked(StateReady)
	hooks := slices.Clone(p.onHandshake)
	p.mu.Unlock()

	close(p.ready)
	p.logger.Debug().Str("remote", fmt.Sprintf("%x", p.RemoteID())).Msg("handshake complete")

	for _, fn := range hooks {
		fn(p)
	}
}

func (p *Protocol) dispatchFeed(discoveryKey crypto.Key) {
	p.mu.Lock()
	exts := append([]*Extension(nil), p.extensions...)
	p.mu.Unlock()

	for _, ext := range exts {
		if err := ext.feed(p.ctx, p, discoveryKey); err != nil {
			p.logger.Warn().Err(err).Str("extension", ext.Name()).Str("discovery_key", discoveryKey.Short()).Msg("feed handler failed")
			p.reportError(err)
		}
	}
}

func (p *Protocol) onTransportExtension(s *transport.Stream, discoveryKey crypto.Key, name string, payload []byte) {
	p.mu.Lock()
	ext := p.byName[name]
	err := p.loadRemoteLocked(s)
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn().Err(err).Msg("remote user data unreadable")
	}

	if ext == nil {
		err := fmt.Errorf("%w: %s", ErrUnknownExtension, name)
		p.logger.Warn().Str("extension", name).Msg("message for unknown extension")
		metrics.RecordExtensionError(name, CodeNotFound)
		p.reportError(err)
		return
	}

	ext.receive(p, payload)
}

func (p *Protocol) onTransportClose(s *transport.Stream, err error) {
	p.finish(err)
}

func (p *Protocol) finish(err error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		if p.err == nil {
			p.err = err
		}
		err = p.err
		p.setStateLocked(StateClosed)
		exts := append([]*Extension(nil), p.extensions...)
		hooks := slices.Clone(p.onClose)
		p.mu.Unlock()

		p.cancel()
		for _, ext := range exts {
			ext.close(p, err)
		}
		close(p.done)

		p.logger.Debug().Err(err).Msg("session closed")
		for _, fn := range hooks {
			fn(p, err)
		}
	})
}

func (p *Protocol) reportError(err error) {
	p.mu.Lock()
	hooks := slices.Clone(p.onError)
	p.mu.Unlock()

	for _, fn := range hooks {
		fn(p, err)
	}
}
