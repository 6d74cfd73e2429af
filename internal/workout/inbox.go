package workout

import (
	"context"
	"sync"

	"github.com/claude/liftsync/internal/changefeed"
)

// inbox is the FIFO of change-feed events for one subscription. The feed
// delivers on its own goroutine and never blocks on the engine; a single
// dispatcher drains the queue into the tree.
//
// A held inbox accepts events but does not release them, so events that
// arrive while the initial fetch is in flight are applied on top of it.
type inbox struct {
	mu     sync.Mutex
	idle   *sync.Cond
	events []changefeed.Event
	busy   bool
	held   bool
	closed bool
	signal chan struct{} // buffered, size 1
}

func newInbox(held bool) *inbox {
	q := &inbox{
		events: make([]changefeed.Event, 0, 16),
		held:   held,
		signal: make(chan struct{}, 1),
	}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// enqueue adds ev. It returns false once the inbox is closed.
func (q *inbox) enqueue(ev changefeed.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.events = append(q.events, ev)
	q.notify()
	return true
}

func (q *inbox) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// release lets the dispatcher start draining.
func (q *inbox) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.held = false
	q.notify()
}

func (q *inbox) next() (changefeed.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.held || len(q.events) == 0 {
		q.busy = false
		q.idle.Broadcast()
		return changefeed.Event{}, false
	}
	ev := q.events[0]
	q.events[0] = changefeed.Event{}
	q.events = q.events[1:]
	q.busy = true
	return ev, true
}

// run drains the inbox into apply until ctx is cancelled.
func (q *inbox) run(ctx context.Context, apply func(changefeed.Event)) {
	defer q.close()
	for {
		for {
			ev, ok := q.next()
			if !ok {
				break
			}
			apply(ev)
		}
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
		}
	}
}

// waitIdle blocks until every released event has been applied.
func (q *inbox) waitIdle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && (q.busy || (!q.held && len(q.events) > 0)) {
		q.idle.Wait()
	}
}

func (q *inbox) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.events = nil
	q.busy = false
	q.idle.Broadcast()
}

// quiet reports whether nothing is being applied or waiting to be.
func (q *inbox) quiet() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed || (!q.busy && (q.held || len(q.events) == 0))
}
