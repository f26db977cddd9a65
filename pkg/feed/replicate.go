package feed

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-replicator/pkg/codec"
	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
	"github.com/ZentaChain/zentalk-replicator/pkg/metrics"
	"github.com/ZentaChain/zentalk-replicator/pkg/transport"
)

const (
	msgHave   = "have"
	msgBlock  = "block"
	msgSynced = "synced"

	batchSize = 256
)

type wireMessage struct {
	Type   string `json:"type" msgpack:"type"`
	Length uint64 `json:"length,omitempty" msgpack:"length,omitempty"`
	Block  *Block `json:"block,omitempty" msgpack:"block,omitempty"`
}

// Replicate attaches the log to the channel of its discovery key on s.
// It returns once the channel is open; blocks are exchanged in the background.
func (l *Log) Replicate(ctx context.Context, s *transport.Stream, opts ReplicateOptions) error {
	if err := l.Ready(ctx); err != nil {
		return err
	}

	dk, err := crypto.DiscoveryKey(l.key)
	if err != nil {
		return err
	}

	ch, err := s.OpenChannel(dk)
	if err != nil {
		return fmt.Errorf("failed to open feed channel: %w", err)
	}

	r := &replicator{
		log:    l,
		ch:     ch,
		codec:  s.Codec(),
		live:   opts.Live,
		quit:   make(chan struct{}),
		logger: l.logger.With().Str("discovery_key", dk.Short()).Logger(),
	}

	// subscribe before reading the length so no append is missed
	if r.live {
		r.updates, r.unsubscribe = l.subscribe()
	}

	if err := r.send(&wireMessage{Type: msgHave, Length: l.Len()}); err != nil {
		r.stop()
		return err
	}

	go r.run()
	return nil
}

type replicator struct {
	log    *Log
	ch     *transport.Channel
	codec  codec.Codec
	live   bool
	quit   chan struct{}
	logger zerolog.Logger

	updates     <-chan struct{}
	unsubscribe func()

	sent       uint64
	haveRemote bool
	sentSynced bool
	gotSynced  bool
	closed     bool
}

func (r *replicator) run() {
	err := r.loop()
	close(r.quit)
	r.stop()

	metrics.RecordReplication(err)
	if err != nil {
		r.logger.Warn().Err(err).Msg("replication failed")
		return
	}
	r.logger.Debug().Uint64("length", r.log.Len()).Msg("replication finished")
}

func (r *replicator) loop() error {
	for {
		payload, err := r.ch.Recv(context.Background())
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, transport.ErrStreamClosed) {
			if r.synced() || r.live {
				return nil
			}
			return err
		}
		if err != nil {
			return err
		}

		var m wireMessage
		if err := r.codec.Decode(payload, &m); err != nil {
			return fmt.Errorf("failed to decode feed message: %w", err)
		}

		switch m.Type {
		case msgHave:
			if err := r.onHave(m.Length); err != nil {
				return err
			}
		case msgBlock:
			if _, err := r.log.put(m.Block); err != nil {
				return err
			}
			metrics.RecordBlock("receive")
		case msgSynced:
			r.gotSynced = true
		default:
			return fmt.Errorf("unknown feed message %q", m.Type)
		}

		if r.synced() && !r.live && !r.closed {
			r.closed = true
			if err := r.ch.Close(); err != nil {
				return err
			}
		}
	}
}

func (r *replicator) synced() bool {
	return r.sentSynced && r.gotSynced
}

func (r *replicator) onHave(remote uint64) error {
	if r.haveRemote {
		return nil
	}
	r.haveRemote = true
	r.sent = remote

	if err := r.sendUpTo(r.log.Len()); err != nil {
		return err
	}
	if err := r.send(&wireMessage{Type: msgSynced, Length: r.sent}); err != nil {
		return err
	}
	r.sentSynced = true

	if r.live {
		go r.push(r.sent)
	}
	return nil
}

// sendUpTo sends blocks [r.sent, length)
func (r *replicator) sendUpTo(length uint64) error {
	var err error
	r.sent, err = r.sendRange(r.sent, length)
	return err
}

func (r *replicator) sendRange(from, to uint64) (uint64, error) {
	for from < to {
		end := from + batchSize
		if end > to {
			end = to
		}
		blocks, err := r.log.store.Range(r.log.key, from, end)
		if err != nil {
			return from, err
		}
		for _, b := range blocks {
			if err := r.send(&wireMessage{Type: msgBlock, Block: b}); err != nil {
				return from, err
			}
			metrics.RecordBlock("send")
			from = b.Index + 1
		}
		if len(blocks) == 0 {
			return from, fmt.Errorf("missing block %d", from)
		}
	}
	return from, nil
}

// push sends blocks appended after the initial sync until the stream ends
func (r *replicator) push(sent uint64) {
	done := r.ch.Stream().Done()
	for {
		select {
		case <-done:
			return
		case <-r.quit:
			return
		case <-r.updates:
			next, err := r.sendRange(sent, r.log.Len())
			sent = next
			if err != nil {
				r.logger.Debug().Err(err).Msg("live push stopped")
				return
			}
		}
	}
}

func (r *replicator) send(m *wireMessage) error {
	data, err := r.codec.Encode(m)
	if err != nil {
		return fmt.Errorf("failed to encode feed message: %w", err)
	}
	return r.ch.Send(data)
}

func (r *replicator) stop() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}
