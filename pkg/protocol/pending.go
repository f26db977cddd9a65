package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Outcome reports what PendingTable.Resolve did with a response
type Outcome int

const (
	// Unmatched means no request with that id is known
	Unmatched Outcome = iota
	// Resolved means the waiting caller received the response
	Resolved
	// Late means the request had already timed out; the response was dropped
	Late
)

// PendingTable correlates outstanding requests with their responses.
// Each entry is settled at most once: by Resolve, by its timer or by CancelAll.
// Timed-out entries stay in the table for one more timeout window so that a
// late response can be told apart from an unknown one.
type PendingTable[T any] struct {
	mu       sync.Mutex
	timeout  time.Duration
	entries  map[string]*pendingEntry[T]
	closed   error
	onExpire func(id string)
}

type pendingEntry[T any] struct {
	result  chan pendingResult[T]
	timer   *time.Timer
	sweep   *time.Timer
	expired bool
	done    bool
}

type pendingResult[T any] struct {
	value T
	err   error
}

// Pending is the caller's handle on one outstanding request
type Pending[T any] struct {
	id    string
	table *PendingTable[T]
	entry *pendingEntry[T]
}

// NewPendingTable creates a table. A zero timeout means requests never time out.
func NewPendingTable[T any](timeout time.Duration, onExpire func(id string)) *PendingTable[T] {
	return &PendingTable[T]{
		timeout:  timeout,
		entries:  make(map[string]*pendingEntry[T]),
		onExpire: onExpire,
	}
}

// Timeout is the per-request timeout, zero when disabled
func (t *PendingTable[T]) Timeout() time.Duration {
	return t.timeout
}

// Add registers a request and starts its timer
func (t *PendingTable[T]) Add(id string) (*Pending[T], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed != nil {
		return nil, t.closed
	}
	if _, ok := t.entries[id]; ok {
		return nil, fmt.Errorf("duplicate request id: %s", id)
	}

	e := &pendingEntry[T]{result: make(chan pendingResult[T], 1)}
	if t.timeout > 0 {
		e.timer = time.AfterFunc(t.timeout, func() { t.expire(id, e) })
	}
	t.entries[id] = e

	return &Pending[T]{id: id, table: t, entry: e}, nil
}

func (t *PendingTable[T]) expire(id string, e *pendingEntry[T]) {
	t.mu.Lock()
	if e.done {
		t.mu.Unlock()
		return
	}
	e.expired = true
	e.done = true
	e.result <- pendingResult[T]{err: NewError(CodeTimeout, "request %s timed out after %s", id, t.timeout)}
	e.sweep = time.AfterFunc(t.timeout, func() {
		t.mu.Lock()
		if cur, ok := t.entries[id]; ok && cur == e {
			delete(t.entries, id)
		}
		t.mu.Unlock()
	})
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire(id)
	}
}

// Resolve settles the request with id. The value is dropped unless the outcome is Resolved.
func (t *PendingTable[T]) Resolve(id string, value T, err error) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return Unmatched
	}
	delete(t.entries, id)

	if e.expired {
		if e.sweep != nil {
			e.sweep.Stop()
		}
		return Late
	}

	e.done = true
	if e.timer != nil {
		e.timer.Stop()
	}
	e.result <- pendingResult[T]{value: value, err: err}
	return Resolved
}

// Remove forgets a request without settling it
func (t *PendingTable[T]) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.expired {
		return
	}
	e.done = true
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(t.entries, id)
}

// CancelAll rejects every outstanding request with err, stops all timers
// and refuses further requests.
func (t *PendingTable[T]) CancelAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed == nil {
		t.closed = err
	}
	for id, e := range t.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		if e.sweep != nil {
			e.sweep.Stop()
		}
		if !e.done {
			e.done = true
			e.result <- pendingResult[T]{err: err}
		}
		delete(t.entries, id)
	}
}

// Len counts requests still waiting for a response
func (t *PendingTable[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range t.entries {
		if !e.expired {
			n++
		}
	}
	return n
}

func (p *Pending[T]) ID() string {
	return p.id
}

// Wait blocks until the request is settled or ctx ends
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case r := <-p.entry.result:
		return r.value, r.err
	case <-ctx.Done():
		p.table.Remove(p.id)
		select {
		case r := <-p.entry.result:
			return r.value, r.err
		default:
		}
		var zero T
		return zero, ctx.Err()
	}
}
