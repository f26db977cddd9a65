package party

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
	"github.com/ZentaChain/zentalk-replicator/pkg/feed"
	"github.com/ZentaChain/zentalk-replicator/pkg/metrics"
	"github.com/ZentaChain/zentalk-replicator/pkg/protocol"
)

// Peer is one remote member of a party on one connection
type Peer struct {
	party    *Party
	protocol *protocol.Protocol
	ext      *protocol.Extension
	opts     ReplicateOptions
	logger   zerolog.Logger

	transactions *protocol.PendingTable[[]byte]

	mu          sync.Mutex
	replicating map[string]crypto.Key
}

// PeerInfo is a snapshot of a peer for status reporting
type PeerInfo struct {
	RemoteID    string         `json:"remote_id"`
	State       string         `json:"state"`
	Context     any            `json:"context,omitempty"`
	Replicating []crypto.Key   `json:"replicating"`
	Stats       protocol.Stats `json:"stats"`
	Pending     int            `json:"pending"`
}

func newPeer(party *Party, p *protocol.Protocol, ext *protocol.Extension, opts ReplicateOptions) *Peer {
	remote := hex.EncodeToString(p.RemoteID())
	peer := &Peer{
		party:       party,
		protocol:    p,
		ext:         ext,
		opts:        opts,
		replicating: make(map[string]crypto.Key),
		logger: party.logger.With().
			Str("remote", shortID(remote)).
			Logger(),
	}
	peer.transactions = protocol.NewPendingTable[[]byte](party.rules.Options.TransactionTimeout, peer.onExpire)
	return peer
}

func (p *Peer) RemoteID() []byte {
	return p.protocol.RemoteID()
}

// Context is the user data the remote side announced
func (p *Peer) Context() protocol.UserData {
	return p.protocol.Context()
}

func (p *Peer) Party() *Party {
	return p.party
}

func (p *Peer) Protocol() *protocol.Protocol {
	return p.protocol
}

// IntroduceFeeds offers keys to the remote side and returns the keys it answers with
func (p *Peer) IntroduceFeeds(ctx context.Context, msg IntroduceFeeds) (IntroduceFeeds, error) {
	msg, err := msg.normalize()
	if err != nil {
		return IntroduceFeeds{}, err
	}

	data, err := p.encode(msg)
	if err != nil {
		return IntroduceFeeds{}, err
	}

	res, err := p.transaction(ctx, typeIntroduceFeeds, data)
	if err != nil {
		return IntroduceFeeds{}, err
	}

	var out IntroduceFeeds
	if len(res) > 0 {
		if err := p.protocol.Codec().Decode(res, &out); err != nil {
			return IntroduceFeeds{}, fmt.Errorf("failed to decode introduce-feeds response: %w", err)
		}
	}
	return out.normalize()
}

// Request sends req to Rules.OnRequest on the remote side
func (p *Peer) Request(ctx context.Context, req Request) ([]byte, error) {
	data, err := p.encode(req)
	if err != nil {
		return nil, err
	}
	return p.transaction(ctx, typeRequest, data)
}

// SendEphemeralMessage delivers msg to Rules.OnEphemeralMessage without waiting
func (p *Peer) SendEphemeralMessage(ctx context.Context, msg EphemeralMessage) error {
	data, err := p.encode(msg)
	if err != nil {
		return err
	}
	return p.write(ctx, &partyEnvelope{Type: typeEphemeral, ID: uuid.NewString(), Data: data})
}

// Replicate starts replicating f on this connection. It returns false when
// f is already replicated here.
func (p *Peer) Replicate(ctx context.Context, f feed.Feed) (bool, error) {
	key := f.Key()
	id := key.String()

	p.mu.Lock()
	if _, ok := p.replicating[id]; ok {
		p.mu.Unlock()
		return false, nil
	}
	p.replicating[id] = key.Clone()
	p.mu.Unlock()

	if err := p.startReplication(ctx, f); err != nil {
		p.mu.Lock()
		delete(p.replicating, id)
		p.mu.Unlock()
		return false, err
	}

	if !p.opts.Live {
		p.mu.Lock()
		expected := len(p.replicating)
		p.mu.Unlock()
		if p.opts.ExpectedFeeds > expected {
			expected = p.opts.ExpectedFeeds
		}
		if s := p.protocol.Stream(); s != nil {
			s.SetExpectedFeeds(expected)
		}
	}

	p.logger.Debug().Str("feed", key.Short()).Msg("replicating feed")
	return true, nil
}

func (p *Peer) startReplication(ctx context.Context, f feed.Feed) error {
	if err := f.Ready(ctx); err != nil {
		return fmt.Errorf("feed %s not ready: %w", f.Key().Short(), err)
	}

	s := p.protocol.Stream()
	if s == nil {
		return protocol.ErrNotInitialized
	}
	return f.Replicate(ctx, s, p.opts)
}

// IsReplicating reports whether the feed with key is replicated on this connection
func (p *Peer) IsReplicating(key crypto.Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.replicating[key.String()]
	return ok
}

// Replicating lists the replicated feed keys in byte order
func (p *Peer) Replicating() []crypto.Key {
	p.mu.Lock()
	keys := make([]crypto.Key, 0, len(p.replicating))
	for _, k := range p.replicating {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	crypto.SortKeys(keys)
	return keys
}

func (p *Peer) Info() PeerInfo {
	return PeerInfo{
		RemoteID:    hex.EncodeToString(p.RemoteID()),
		State:       p.protocol.State().String(),
		Context:     p.Context(),
		Replicating: p.Replicating(),
		Stats:       p.ext.Stats(),
		Pending:     p.transactions.Len(),
	}
}

func (p *Peer) transaction(ctx context.Context, kind messageType, data []byte) ([]byte, error) {
	id := uuid.NewString()

	pending, err := p.transactions.Add(id)
	if err != nil {
		return nil, err
	}

	if err := p.write(ctx, &partyEnvelope{Type: kind, ID: id, Data: data}); err != nil {
		p.transactions.Remove(id)
		metrics.RecordTransaction(string(kind), err)
		return nil, err
	}

	res, err := pending.Wait(ctx)
	metrics.RecordTransaction(string(kind), err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Peer) write(ctx context.Context, env *partyEnvelope) error {
	data, err := p.protocol.Codec().Encode(env)
	if err != nil {
		return fmt.Errorf("failed to encode party message: %w", err)
	}
	_, err = p.ext.Send(ctx, data, protocol.Oneway())
	return err
}

func (p *Peer) encode(msg Message) ([]byte, error) {
	data, err := p.protocol.Codec().Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.messageType(), err)
	}
	return data, nil
}

// settle resolves data when it answers one of our transactions
func (p *Peer) settle(data []byte) bool {
	var env partyEnvelope
	if err := p.protocol.Codec().Decode(data, &env); err != nil || !env.Return {
		return false
	}
	p.resolve(&env)
	return true
}

func (p *Peer) resolve(env *partyEnvelope) {
	var err error
	if env.Error != nil {
		err = env.Error
	}
	switch p.transactions.Resolve(env.ID, env.Data, err) {
	case protocol.Late:
		p.logger.Debug().Str("id", env.ID).Str("type", string(env.Type)).Msg("transaction answered after timeout")
	case protocol.Unmatched:
		p.logger.Debug().Str("id", env.ID).Str("type", string(env.Type)).Msg("answer without transaction, dropped")
	}
}

// receive dispatches one inbound party message
func (p *Peer) receive(ctx context.Context, data []byte) {
	var env partyEnvelope
	if err := p.protocol.Codec().Decode(data, &env); err != nil {
		p.logger.Warn().Err(err).Msg("undecodable party message")
		return
	}

	if env.Return {
		p.resolve(&env)
		return
	}

	switch env.Type {
	case typeIntroduceFeeds:
		p.reply(ctx, &env, p.handleIntroduceFeeds)
	case typeRequest:
		p.reply(ctx, &env, p.handleRequest)
	case typeEphemeral:
		p.handleEphemeral(ctx, &env)
	default:
		p.logger.Warn().Str("type", string(env.Type)).Msg("unknown party message")
		p.answer(ctx, &env, nil, protocol.NewError(protocol.CodeNotFound, "unknown message type %q", env.Type))
	}
}

func (p *Peer) handleIntroduceFeeds(ctx context.Context, data []byte) ([]byte, error) {
	var msg IntroduceFeeds
	if err := p.protocol.Codec().Decode(data, &msg); err != nil {
		return nil, protocol.NewError(protocol.CodeInternal, "invalid introduce-feeds message: %v", err)
	}
	msg, err := msg.normalize()
	if err != nil {
		return nil, protocol.NewError(protocol.CodeForbidden, "invalid feed key: %v", err)
	}

	res, err := p.party.rules.OnIntroduceFeeds(ctx, p, msg)
	if err != nil {
		return nil, err
	}
	if res, err = res.normalize(); err != nil {
		return nil, err
	}
	return p.encode(res)
}

func (p *Peer) handleRequest(ctx context.Context, data []byte) ([]byte, error) {
	var req Request
	if err := p.protocol.Codec().Decode(data, &req); err != nil {
		return nil, protocol.NewError(protocol.CodeInternal, "invalid request: %v", err)
	}
	return p.party.rules.OnRequest(ctx, p, req)
}

func (p *Peer) handleEphemeral(ctx context.Context, env *partyEnvelope) {
	var msg EphemeralMessage
	if err := p.protocol.Codec().Decode(env.Data, &msg); err != nil {
		p.logger.Warn().Err(err).Msg("invalid ephemeral message")
		return
	}
	if err := p.party.rules.OnEphemeralMessage(ctx, p, msg); err != nil {
		p.logger.Warn().Err(err).Str("type", msg.Type).Msg("ephemeral message handler failed")
	}
}

func (p *Peer) reply(ctx context.Context, env *partyEnvelope, handle func(context.Context, []byte) ([]byte, error)) {
	data, err := p.invoke(ctx, env, handle)
	p.answer(ctx, env, data, err)
}

func (p *Peer) invoke(ctx context.Context, env *partyEnvelope, handle func(context.Context, []byte) ([]byte, error)) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = protocol.NewError(protocol.CodeInternal, "%s handler panic: %v", env.Type, r)
		}
	}()
	return handle(ctx, env.Data)
}

func (p *Peer) answer(ctx context.Context, env *partyEnvelope, data []byte, err error) {
	res := &partyEnvelope{Type: env.Type, ID: env.ID, Return: true, Data: data}
	if err != nil {
		res.Data = nil
		res.Error = protocol.NewError(protocol.ErrorCode(err), "%s", protocolMessage(err))
		p.logger.Debug().Err(err).Str("type", string(env.Type)).Msg("transaction failed")
	}
	if werr := p.write(ctx, res); werr != nil {
		p.logger.Debug().Err(werr).Str("id", env.ID).Msg("failed to answer transaction")
	}
}

func (p *Peer) onExpire(id string) {
	p.logger.Debug().Str("id", id).Msg("transaction timed out")
}

// close rejects every pending transaction
func (p *Peer) close() {
	p.transactions.CancelAll(protocol.ErrCancelled)
}

func protocolMessage(err error) string {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func sortedPeers(peers []*Peer) {
	sort.Slice(peers, func(i, j int) bool {
		return hex.EncodeToString(peers[i].RemoteID()) < hex.EncodeToString(peers[j].RemoteID())
	})
}
