// Package transport implements the framed duplex stream that carries
// channels, extension messages and feed replication traffic between two nodes.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-replicator/pkg/codec"
	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
	"github.com/ZentaChain/zentalk-replicator/pkg/logging"
)

var (
	ErrStreamClosed       = errors.New("stream closed")
	ErrHandshakeTimeout   = errors.New("handshake timed out")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrDuplicateHandshake = errors.New("duplicate handshake")
	ErrChannelOverflow    = errors.New("channel buffer overflow")
	ErrChannelClosed      = errors.New("channel closed")
	ErrAlreadyStarted     = errors.New("stream already started")
)

const (
	// DefaultHandshakeTimeout destroys streams whose first channel never opens on both sides
	DefaultHandshakeTimeout = 10 * time.Second

	maxBufferedFrames = 1024
	flushTimeout      = 2 * time.Second
)

// Options configures a Stream
type Options struct {
	ID       []byte
	UserData []byte
	Live     bool
	Codec    codec.Codec

	// HandshakeTimeout of zero selects the default; negative disables the timer
	HandshakeTimeout time.Duration
	MaxFrameSize     uint32
	Logger           *zerolog.Logger
}

// Handler receives stream events. Frame callbacks run on the read goroutine in arrival order;
// OnHandshake may also fire from OpenChannel.
type Handler struct {
	OnHandshake func(s *Stream)
	OnFeed      func(s *Stream, discoveryKey crypto.Key)
	OnExtension func(s *Stream, discoveryKey crypto.Key, name string, payload []byte)
	OnClose     func(s *Stream, err error)
}

// Stream multiplexes channels over one io.ReadWriteCloser
type Stream struct {
	rwc     io.ReadWriteCloser
	opts    Options
	handler Handler
	logger  zerolog.Logger
	out     *outbox

	mu            sync.Mutex
	started       bool
	channels      map[string]*Channel
	order         []*Channel
	remote        *HandshakeFrame
	version       string
	handshaked    bool
	expectedFeeds int
	finished      int
	finishing     bool
	timer         *time.Timer
	err           error

	closeOnce  sync.Once
	done       chan struct{}
	writerDone chan struct{}
}

// NewStream wraps rwc. Nothing is read or written until Start.
func NewStream(rwc io.ReadWriteCloser, opts Options, handler Handler) *Stream {
	if opts.Codec == nil {
		opts.Codec = codec.JSON
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.MaxFrameSize == 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}

	logger := logging.Logger("transport")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Stream{
		rwc:        rwc,
		opts:       opts,
		handler:    handler,
		logger:     logger,
		out:        newOutbox(),
		channels:   make(map[string]*Channel),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// Start writes the handshake frame, opens the initial channels and begins reading.
// Initial channels are written before any inbound frame is processed.
func (s *Stream) Start(initial ...crypto.Key) error {
	for _, dk := range initial {
		if err := dk.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	if s.opts.HandshakeTimeout > 0 {
		s.timer = time.AfterFunc(s.opts.HandshakeTimeout, s.onHandshakeTimeout)
	}
	s.mu.Unlock()

	go s.writeLoop()

	if err := s.writeFrame(FrameHandshake, &HandshakeFrame{
		ID:       s.opts.ID,
		Versions: SupportedVersions(),
		UserData: s.opts.UserData,
		Live:     s.opts.Live,
	}); err != nil {
		s.Destroy(err)
		return err
	}

	for _, dk := range initial {
		if _, err := s.OpenChannel(dk); err != nil {
			s.Destroy(err)
			return err
		}
	}

	go s.readLoop()
	return nil
}

// OpenChannel opens the local side of a channel; opening twice returns the same channel
func (s *Stream) OpenChannel(discoveryKey crypto.Key) (*Channel, error) {
	if err := discoveryKey.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.isClosedLocked() {
		s.mu.Unlock()
		return nil, ErrStreamClosed
	}
	ch := s.channelLocked(discoveryKey)
	if ch.localOpen {
		s.mu.Unlock()
		return ch, nil
	}
	ch.localOpen = true
	s.mu.Unlock()

	if err := s.writeFrame(FrameFeed, &FeedFrame{DiscoveryKey: discoveryKey}); err != nil {
		return nil, err
	}

	s.logger.Debug().Str("channel", discoveryKey.Short()).Msg("channel opened")
	s.maybeHandshake()
	return ch, nil
}

// Channel returns a channel known to the stream, opened by either side
func (s *Stream) Channel(discoveryKey crypto.Key) (*Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[string(discoveryKey)]
	return ch, ok
}

// Channels lists the discovery keys of every known channel in open order
func (s *Stream) Channels() []crypto.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]crypto.Key, 0, len(s.order))
	for _, ch := range s.order {
		keys = append(keys, ch.key.Clone())
	}
	return keys
}

// SendExtension writes a named extension payload on a channel
func (s *Stream) SendExtension(discoveryKey crypto.Key, name string, payload []byte) error {
	return s.writeFrame(FrameExtension, &ExtensionFrame{
		DiscoveryKey: discoveryKey,
		Name:         name,
		Payload:      payload,
	})
}

// SetExpectedFeeds tells a non-live stream how many channels must finish before it ends
func (s *Stream) SetExpectedFeeds(n int) {
	s.mu.Lock()
	s.expectedFeeds = n
	s.mu.Unlock()
	s.checkFinished()
}

func (s *Stream) ExpectedFeeds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expectedFeeds
}

func (s *Stream) Live() bool {
	return s.opts.Live
}

func (s *Stream) Codec() codec.Codec {
	return s.opts.Codec
}

func (s *Stream) ID() []byte {
	return s.opts.ID
}

// RemoteID is the identity announced in the remote handshake frame
func (s *Stream) RemoteID() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return nil
	}
	return s.remote.ID
}

// RemoteUserData is the opaque context announced by the remote side
func (s *Stream) RemoteUserData() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return nil
	}
	return s.remote.UserData
}

func (s *Stream) RemoteLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote != nil && s.remote.Live
}

// Version is the negotiated wire version, empty before the remote handshake
func (s *Stream) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Stream) Handshaked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshaked
}

func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err is the error the stream was destroyed with, nil for a clean close
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close flushes queued frames and closes the stream
func (s *Stream) Close() error {
	s.out.close()

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	if started {
		select {
		case <-s.writerDone:
		case <-time.After(flushTimeout):
		}
	}

	s.Destroy(nil)
	return nil
}

// Destroy closes the stream immediately, dropping queued frames
func (s *Stream) Destroy(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		if s.timer != nil {
			s.timer.Stop()
		}
		channels := append([]*Channel(nil), s.order...)
		s.mu.Unlock()

		s.out.drop()
		s.rwc.Close()
		close(s.done)

		for _, ch := range channels {
			ch.signal()
		}

		if err != nil {
			s.logger.Debug().Err(err).Msg("stream destroyed")
		}

		if s.handler.OnClose != nil {
			s.handler.OnClose(s, err)
		}
	})
}

func (s *Stream) isClosedLocked() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Stream) channelLocked(discoveryKey crypto.Key) *Channel {
	id := string(discoveryKey)
	ch, ok := s.channels[id]
	if !ok {
		ch = &Channel{
			stream: s,
			key:    discoveryKey.Clone(),
			notify: make(chan struct{}, 1),
		}
		s.channels[id] = ch
		s.order = append(s.order, ch)
	}
	return ch
}

func (s *Stream) writeFrame(t FrameType, v any) error {
	frame, err := encodeFrame(s.opts.Codec, t, v)
	if err != nil {
		return err
	}
	return s.out.push(frame)
}

func (s *Stream) writeLoop() {
	defer close(s.writerDone)
	for {
		frame, ok := s.out.pop()
		if !ok {
			return
		}
		if _, err := s.rwc.Write(frame); err != nil {
			s.Destroy(closeError(err))
			return
		}
	}
}

func (s *Stream) readLoop() {
	r := bufio.NewReader(s.rwc)
	for {
		h, err := ReadHeader(r, s.opts.MaxFrameSize)
		if err != nil {
			s.Destroy(closeError(err))
			return
		}

		payload := make([]byte, h.Length)
		if _, err := io.ReadFull(r, payload); err != nil {
			s.Destroy(closeError(err))
			return
		}

		if err := s.dispatch(h, payload); err != nil {
			s.logger.Warn().Err(err).Str("frame", h.Type.String()).Msg("protocol violation")
			s.Destroy(err)
			return
		}
	}
}

// closeError maps the errors of a peer hanging up to a clean close
func closeError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Stream) dispatch(h *Header, payload []byte) error {
	c, err := codecForFlags(h.Flags)
	if err != nil {
		return err
	}

	switch h.Type {
	case FrameHandshake:
		var f HandshakeFrame
		if err := c.Decode(payload, &f); err != nil {
			return fmt.Errorf("failed to decode %s frame: %w", h.Type, err)
		}
		return s.onHandshakeFrame(&f)

	case FrameFeed:
		var f FeedFrame
		if err := c.Decode(payload, &f); err != nil {
			return fmt.Errorf("failed to decode %s frame: %w", h.Type, err)
		}
		return s.onFeedFrame(f.DiscoveryKey)

	case FrameExtension:
		var f ExtensionFrame
		if err := c.Decode(payload, &f); err != nil {
			return fmt.Errorf("failed to decode %s frame: %w", h.Type, err)
		}
		s.onExtensionFrame(&f)
		return nil

	case FrameData:
		var f DataFrame
		if err := c.Decode(payload, &f); err != nil {
			return fmt.Errorf("failed to decode %s frame: %w", h.Type, err)
		}
		return s.onDataFrame(&f)

	case FrameClose:
		var f CloseFrame
		if err := c.Decode(payload, &f); err != nil {
			return fmt.Errorf("failed to decode %s frame: %w", h.Type, err)
		}
		s.onCloseFrame(f.DiscoveryKey)
		return nil

	default:
		return fmt.Errorf("%w: %#x", ErrUnknownFrame, uint16(h.Type))
	}
}

func (s *Stream) onHandshakeFrame(f *HandshakeFrame) error {
	version, err := NegotiateVersion(SupportedVersions(), f.Versions)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.remote != nil {
		s.mu.Unlock()
		return ErrDuplicateHandshake
	}
	s.remote = f
	s.version = version
	s.mu.Unlock()

	s.maybeHandshake()
	return nil
}

func (s *Stream) onFeedFrame(discoveryKey crypto.Key) error {
	if err := discoveryKey.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	ch := s.channelLocked(discoveryKey)
	if ch.remoteOpen {
		s.mu.Unlock()
		return nil
	}
	ch.remoteOpen = true
	local := ch.localOpen
	s.mu.Unlock()

	if !local && s.handler.OnFeed != nil {
		s.handler.OnFeed(s, discoveryKey)
	}

	s.maybeHandshake()
	return nil
}

func (s *Stream) onExtensionFrame(f *ExtensionFrame) {
	s.mu.Lock()
	known := s.remote != nil
	s.mu.Unlock()

	if !known {
		s.logger.Warn().Str("extension", f.Name).Msg("extension frame before handshake, dropped")
		return
	}

	if s.handler.OnExtension != nil {
		s.handler.OnExtension(s, f.DiscoveryKey, f.Name, f.Payload)
	}
}

func (s *Stream) onDataFrame(f *DataFrame) error {
	if err := f.DiscoveryKey.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	ch := s.channelLocked(f.DiscoveryKey)
	if !ch.localOpen && len(ch.queue) >= maxBufferedFrames {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChannelOverflow, f.DiscoveryKey.Short())
	}
	ch.queue = append(ch.queue, f.Payload)
	s.mu.Unlock()

	ch.signal()
	return nil
}

func (s *Stream) onCloseFrame(discoveryKey crypto.Key) {
	s.mu.Lock()
	ch := s.channelLocked(discoveryKey)
	ch.remoteClosed = true
	finished := ch.finishLocked()
	s.mu.Unlock()

	ch.signal()
	if finished {
		s.checkFinished()
	}
}

// maybeHandshake fires OnHandshake once the remote handshake frame is known
// and at least one channel is open on both sides.
func (s *Stream) maybeHandshake() {
	s.mu.Lock()
	if s.handshaked || s.remote == nil {
		s.mu.Unlock()
		return
	}
	open := false
	for _, ch := range s.order {
		if ch.localOpen && ch.remoteOpen {
			open = true
			break
		}
	}
	if !open {
		s.mu.Unlock()
		return
	}
	s.handshaked = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	s.logger.Debug().Str("version", s.Version()).Msg("handshake complete")

	if s.handler.OnHandshake != nil {
		s.handler.OnHandshake(s)
	}
}

func (s *Stream) onHandshakeTimeout() {
	if s.Handshaked() {
		return
	}
	s.logger.Debug().Dur("timeout", s.opts.HandshakeTimeout).Msg("handshake timed out")
	s.Destroy(ErrHandshakeTimeout)
}

func (s *Stream) checkFinished() {
	s.mu.Lock()
	expected := s.expectedFeeds
	end := !s.opts.Live && !s.finishing && expected > 0 && s.finished >= expected
	if end {
		s.finishing = true
	}
	s.mu.Unlock()

	if end {
		s.logger.Debug().Int("feeds", expected).Msg("expected feeds finished, closing")
		go s.Close()
	}
}

// outbox queues encoded frames for the write goroutine so that callbacks
// on the read goroutine never block on a slow remote reader.
type outbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames [][]byte
	closed bool
}

func newOutbox() *outbox {
	o := &outbox{}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func (o *outbox) push(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrStreamClosed
	}
	o.frames = append(o.frames, frame)
	o.cond.Signal()
	return nil
}

func (o *outbox) pop() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.frames) == 0 && !o.closed {
		o.cond.Wait()
	}
	if len(o.frames) == 0 {
		return nil, false
	}
	frame := o.frames[0]
	o.frames[0] = nil
	o.frames = o.frames[1:]
	return frame, true
}

// close stops accepting frames; queued frames are still written
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
}

// drop stops accepting frames and discards the queue
func (o *outbox) drop() {
	o.mu.Lock()
	o.closed = true
	o.frames = nil
	o.cond.Broadcast()
	o.mu.Unlock()
}
