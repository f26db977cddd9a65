package protocol

import "sync"

type inbound struct {
	handler MessageHandler
	env     *Envelope
}

// inbox is the unbounded FIFO of requests waiting for an extension's worker
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []inbound
	closed bool
}

func newInbox() *inbox {
	q := &inbox{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *inbox) push(item inbound) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return true
}

// pop blocks for the next item; false once the inbox is closed
func (q *inbox) pop() (inbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return inbound{}, false
	}
	item := q.items[0]
	q.items[0] = inbound{}
	q.items = q.items[1:]
	return item, true
}

// close discards queued items and wakes the worker
func (q *inbox) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := len(q.items)
	q.items = nil
	q.closed = true
	q.cond.Broadcast()
	return dropped
}
