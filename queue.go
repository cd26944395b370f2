package mongomirror

import (
	"context"
	"sync"
	"time"
)

// queuedOp is an Operation plus the bookkeeping the worker needs across
// retries. The same queuedOp identity is re-enqueued after a failure.
type queuedOp struct {
	id       string
	op       Operation
	attempts int
	enqueued time.Time
}

// opQueue is an unbounded FIFO safe for concurrent producers and a single
// consumer. push never blocks; pop blocks until an item arrives or the
// context is canceled.
type opQueue struct {
	mu    sync.Mutex
	items []*queuedOp
	wake  chan struct{}
}

func newOpQueue() *opQueue {
	return &opQueue{wake: make(chan struct{}, 1)}
}

func (q *opQueue) push(item *queuedOp) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *opQueue) pop(ctx context.Context) (*queuedOp, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

func (q *opQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
