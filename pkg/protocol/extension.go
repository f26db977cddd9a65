package protocol

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
	"github.com/ZentaChain/zentalk-replicator/pkg/logging"
	"github.com/ZentaChain/zentalk-replicator/pkg/metrics"
)

// DefaultTimeout is the request timeout of an Extension
const DefaultTimeout = 2 * time.Second

type (
	// MessageHandler answers an inbound request. The result is ignored for one-way messages.
	MessageHandler func(ctx context.Context, p *Protocol, message []byte) ([]byte, error)

	// HandshakeHandler runs once per connection before the session is ready
	HandshakeHandler func(ctx context.Context, p *Protocol) error

	// FeedHandler runs for every channel the remote opens after the first
	FeedHandler func(ctx context.Context, p *Protocol, discoveryKey crypto.Key) error

	// CloseHandler runs when the connection ends
	CloseHandler func(p *Protocol, err error)

	// RouteHandler sees each inbound request on the connection's read
	// goroutine before it is queued. Returning true consumes the message.
	// It must not block.
	RouteHandler func(p *Protocol, message []byte) bool
)

// Response is the result of a request
type Response struct {
	Context UserData
	Message []byte
}

// EventType names an observability event
type EventType string

const (
	EventSend    EventType = "send"
	EventReceive EventType = "receive"
	EventError   EventType = "error"
)

// Event is emitted on send, receive and error; it never drives control flow
type Event struct {
	Type      EventType
	Extension string
	ID        string
	Err       error
}

// Stats counts envelopes and errors seen by an extension
type Stats struct {
	Send    int64 `json:"send"`
	Receive int64 `json:"receive"`
	Error   int64 `json:"error"`
}

// ExtensionOption configures an Extension
type ExtensionOption func(*Extension)

// WithTimeout sets the request timeout; zero disables it
func WithTimeout(d time.Duration) ExtensionOption {
	return func(e *Extension) { e.timeout = d }
}

// WithReportLateResponses controls whether a response arriving after its
// timeout raises a second 408 error event. It is on by default.
func WithReportLateResponses(report bool) ExtensionOption {
	return func(e *Extension) { e.reportLate = report }
}

// WithEventHook observes send, receive and error events
func WithEventHook(hook func(Event)) ExtensionOption {
	return func(e *Extension) { e.hook = hook }
}

func WithExtensionLogger(logger zerolog.Logger) ExtensionOption {
	return func(e *Extension) { e.logger = logger }
}

// SendOption configures a single Send
type SendOption func(*sendOptions)

type sendOptions struct {
	oneway bool
}

// Oneway sends without waiting for, or causing, a response
func Oneway() SendOption {
	return func(o *sendOptions) { o.oneway = true }
}

// Extension is a named RPC sub-channel bound to one Protocol
type Extension struct {
	name       string
	timeout    time.Duration
	reportLate bool
	hook       func(Event)
	logger     zerolog.Logger

	mu          sync.RWMutex
	protocol    *Protocol
	onMessage   MessageHandler
	onHandshake HandshakeHandler
	onFeed      FeedHandler
	onClose     CloseHandler
	onRoute     RouteHandler

	pending *PendingTable[*Response]
	inbox   *inbox
	worker  sync.Once

	sent     atomic.Int64
	received atomic.Int64
	errors   atomic.Int64
}

// NewExtension creates an unbound extension
func NewExtension(name string, opts ...ExtensionOption) *Extension {
	e := &Extension{
		name:       name,
		timeout:    DefaultTimeout,
		reportLate: true,
		logger:     logging.Logger("extension").With().Str("extension", name).Logger(),
		inbox:      newInbox(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.pending = NewPendingTable[*Response](e.timeout, e.onExpire)
	return e
}

func (e *Extension) Name() string {
	return e.name
}

func (e *Extension) SetMessageHandler(h MessageHandler) *Extension {
	e.mu.Lock()
	e.onMessage = h
	e.mu.Unlock()
	return e
}

func (e *Extension) SetHandshakeHandler(h HandshakeHandler) *Extension {
	e.mu.Lock()
	e.onHandshake = h
	e.mu.Unlock()
	return e
}

func (e *Extension) SetFeedHandler(h FeedHandler) *Extension {
	e.mu.Lock()
	e.onFeed = h
	e.mu.Unlock()
	return e
}

func (e *Extension) SetCloseHandler(h CloseHandler) *Extension {
	e.mu.Lock()
	e.onClose = h
	e.mu.Unlock()
	return e
}

func (e *Extension) SetRouteHandler(h RouteHandler) *Extension {
	e.mu.Lock()
	e.onRoute = h
	e.mu.Unlock()
	return e
}

// Protocol returns the owning session, nil before SetExtensions
func (e *Extension) Protocol() *Protocol {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.protocol
}

func (e *Extension) Stats() Stats {
	return Stats{
		Send:    e.sent.Load(),
		Receive: e.received.Load(),
		Error:   e.errors.Load(),
	}
}

// Pending counts requests waiting for a response
func (e *Extension) Pending() int {
	return e.pending.Len()
}

func (e *Extension) init(p *Protocol) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.protocol != nil && e.protocol != p {
		return fmt.Errorf("extension %q is already bound to another protocol", e.name)
	}
	e.protocol = p
	return nil
}

// Send writes message to the remote extension of the same name and waits for its response.
// One-way sends return (nil, nil) as soon as the envelope is queued.
func (e *Extension) Send(ctx context.Context, message []byte, opts ...SendOption) (*Response, error) {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	p := e.Protocol()
	if p == nil {
		return nil, ErrNotInitialized
	}

	env := &Envelope{
		ID:      uuid.NewString(),
		Message: message,
		Options: EnvelopeOptions{Oneway: o.oneway},
	}

	if o.oneway {
		return nil, e.write(p, env)
	}

	pending, err := e.pending.Add(env.ID)
	if err != nil {
		return nil, err
	}

	if err := e.write(p, env); err != nil {
		e.pending.Remove(env.ID)
		return nil, err
	}

	res, err := pending.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Extension) write(p *Protocol, env *Envelope) error {
	data, err := p.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	if err := p.sendExtension(e.name, data); err != nil {
		return err
	}

	e.sent.Add(1)
	metrics.RecordExtensionMessage(e.name, "send")
	e.emit(Event{Type: EventSend, Extension: e.name, ID: env.ID})
	return nil
}

// receive routes one inbound envelope. It runs on the connection's read
// goroutine, so responses resolve even while a handler is blocked; requests
// are queued for the extension's single worker and handled in arrival order.
func (e *Extension) receive(p *Protocol, data []byte) {
	var env Envelope
	if err := p.codec.Decode(data, &env); err != nil {
		e.fail("", NewError(CodeInternal, "failed to decode envelope: %v", err))
		return
	}

	e.received.Add(1)
	metrics.RecordExtensionMessage(e.name, "receive")
	e.emit(Event{Type: EventReceive, Extension: e.name, ID: env.ID})

	resp := &Response{Context: p.Context(), Message: env.Message}
	switch e.pending.Resolve(env.ID, resp, env.remoteError()) {
	case Resolved:
		return
	case Late:
		e.logger.Debug().Str("id", env.ID).Msg("response arrived after timeout, dropped")
		if e.reportLate {
			e.fail(env.ID, NewError(CodeTimeout, "response for %s arrived after timeout", env.ID))
		}
		return
	}

	if env.Options.Response {
		e.logger.Debug().Str("id", env.ID).Msg("response without pending request, dropped")
		return
	}

	e.mu.RLock()
	handler := e.onMessage
	route := e.onRoute
	e.mu.RUnlock()

	if route != nil && route(p, env.Message) {
		return
	}

	if handler == nil {
		err := NewError(CodeInternal, "no message handler for extension %q", e.name)
		e.fail(env.ID, err)
		if !env.Options.Oneway {
			e.reply(p, env.ID, nil, err)
		}
		return
	}

	e.worker.Do(func() { go e.work(p) })
	if !e.inbox.push(inbound{handler: handler, env: &env}) {
		e.logger.Debug().Str("id", env.ID).Msg("extension closed, message dropped")
	}
}

func (e *Extension) work(p *Protocol) {
	for {
		item, ok := e.inbox.pop()
		if !ok {
			return
		}
		e.handle(p, item.handler, item.env)
	}
}

func (e *Extension) handle(p *Protocol, handler MessageHandler, env *Envelope) {
	result, err := e.invoke(p, handler, env.Message)

	if env.Options.Oneway {
		if err != nil {
			e.logger.Warn().Err(err).Str("id", env.ID).Msg("one-way handler failed")
		}
		return
	}

	if err != nil {
		e.fail(env.ID, err)
		e.reply(p, env.ID, nil, err)
		return
	}
	e.reply(p, env.ID, result, nil)
}

func (e *Extension) invoke(p *Protocol, handler MessageHandler, message []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(CodeInternal, "handler panic: %v", r)
		}
	}()
	return handler(p.ctx, p, message)
}

func (e *Extension) reply(p *Protocol, id string, message []byte, err error) {
	env := &Envelope{
		ID:      id,
		Message: message,
		Options: EnvelopeOptions{Response: true},
	}
	if err != nil {
		env.Error = &Error{Code: ErrorCode(err), Message: errorMessage(err)}
	}

	if werr := e.write(p, env); werr != nil {
		e.logger.Debug().Err(werr).Str("id", id).Msg("failed to write response")
	}
}

func (e *Extension) handshake(ctx context.Context, p *Protocol) error {
	e.mu.RLock()
	h := e.onHandshake
	e.mu.RUnlock()
	if h == nil {
		return nil
	}
	return h(ctx, p)
}

func (e *Extension) feed(ctx context.Context, p *Protocol, discoveryKey crypto.Key) error {
	e.mu.RLock()
	h := e.onFeed
	e.mu.RUnlock()
	if h == nil {
		return nil
	}
	return h(ctx, p, discoveryKey)
}

func (e *Extension) close(p *Protocol, err error) {
	if dropped := e.inbox.close(); dropped > 0 {
		e.logger.Debug().Int("dropped", dropped).Msg("queued messages discarded")
	}
	e.pending.CancelAll(ErrCancelled)

	e.mu.RLock()
	h := e.onClose
	e.mu.RUnlock()
	if h != nil {
		h(p, err)
	}
}

func (e *Extension) onExpire(id string) {
	e.fail(id, NewError(CodeTimeout, "request %s timed out", id))
}

func (e *Extension) fail(id string, err error) {
	e.errors.Add(1)
	metrics.RecordExtensionError(e.name, ErrorCode(err))
	e.logger.Debug().Err(err).Str("id", id).Msg("extension error")
	e.emit(Event{Type: EventError, Extension: e.name, ID: id, Err: err})
}

func (e *Extension) emit(ev Event) {
	if e.hook != nil {
		e.hook(ev)
	}
}
