package transport

import (
	"context"
	"io"

	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
)

// Channel is a discovery-key bound sub-stream. Open, close and queue state
// are guarded by the owning stream's mutex.
type Channel struct {
	stream *Stream
	key    crypto.Key
	notify chan struct{}

	localOpen    bool
	remoteOpen   bool
	localClosed  bool
	remoteClosed bool
	counted      bool
	queue        [][]byte
}

func (c *Channel) DiscoveryKey() crypto.Key {
	return c.key
}

func (c *Channel) Stream() *Stream {
	return c.stream
}

// Send writes a data frame on the channel
func (c *Channel) Send(payload []byte) error {
	c.stream.mu.Lock()
	closed := c.localClosed
	c.stream.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	return c.stream.writeFrame(FrameData, &DataFrame{
		DiscoveryKey: c.key,
		Payload:      payload,
	})
}

// Recv returns the next data payload. It returns io.EOF once the remote side
// has closed the channel and every buffered payload was consumed.
func (c *Channel) Recv(ctx context.Context) ([]byte, error) {
	s := c.stream
	for {
		s.mu.Lock()
		if len(c.queue) > 0 {
			payload := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			s.mu.Unlock()
			return payload, nil
		}
		remoteClosed := c.remoteClosed
		streamClosed := s.isClosedLocked()
		s.mu.Unlock()

		if remoteClosed {
			return nil, io.EOF
		}
		if streamClosed {
			return nil, ErrStreamClosed
		}

		select {
		case <-c.notify:
		case <-s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close marks the local side as done with the channel
func (c *Channel) Close() error {
	s := c.stream
	s.mu.Lock()
	if c.localClosed {
		s.mu.Unlock()
		return nil
	}
	c.localClosed = true
	finished := c.finishLocked()
	s.mu.Unlock()

	if err := s.writeFrame(FrameClose, &CloseFrame{DiscoveryKey: c.key}); err != nil {
		return err
	}

	if finished {
		s.checkFinished()
	}
	return nil
}

// Finished reports whether both sides closed the channel
func (c *Channel) Finished() bool {
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()
	return c.localClosed && c.remoteClosed
}

// Opened reports whether the channel is open on both sides
func (c *Channel) Opened() bool {
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()
	return c.localOpen && c.remoteOpen
}

func (c *Channel) finishLocked() bool {
	if c.counted || !c.localClosed || !c.remoteClosed {
		return false
	}
	c.counted = true
	c.stream.finished++
	return true
}

func (c *Channel) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
