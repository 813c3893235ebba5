package coordinator

import (
	"sync"

	"github.com/pilot-net/smotra-agent/pkg/types"
)

// Queue carries results from the coordinator to the reporter.
//
// Push never blocks: items are held in an unbounded slice and moved to the
// consumer channel by a pump goroutine. There is exactly one consumer.
type Queue struct {
	mu     sync.Mutex
	items  []*types.MonitoringResult
	closed bool

	notify chan struct{}
	out    chan *types.MonitoringResult
}

// NewQueue creates a queue and starts its pump.
func NewQueue() *Queue {
	q := &Queue{
		notify: make(chan struct{}, 1),
		out:    make(chan *types.MonitoringResult),
	}
	go q.pump()
	return q
}

// Push enqueues r. It returns false once the queue is closed.
func (q *Queue) Push(r *types.MonitoringResult) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, r)
	q.mu.Unlock()
	q.wake()
	return true
}

// Out is the consumer side. It is closed after Close once every pushed
// item has been delivered.
func (q *Queue) Out() <-chan *types.MonitoringResult {
	return q.out
}

// Len returns the number of items not yet handed to the consumer.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting items. Items already pushed are still delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.mu.Unlock()
			<-q.notify
			q.mu.Lock()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		q.out <- item
	}
}
