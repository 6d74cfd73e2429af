package changefeed

import (
	"log/slog"
	"sync"
)

// Broker fans events out to in-process subscribers keyed by session id.
// Handlers are called synchronously on the publishing goroutine and must not
// block.
type Broker struct {
	log *slog.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]Handler
}

// NewBroker creates an empty Broker.
func NewBroker(log *slog.Logger) *Broker {
	return &Broker{log: log, subs: make(map[string]map[uint64]Handler)}
}

// Subscribe registers h for events of sessionID. The returned function
// removes the registration and is safe to call more than once.
func (b *Broker) Subscribe(sessionID string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[uint64]Handler)
	}
	b.subs[sessionID][id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[sessionID], id)
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
		})
	}
}

// Publish delivers ev to every subscriber of ev.SessionID.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[ev.SessionID]))
	for _, h := range b.subs[ev.SessionID] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
	if b.log != nil && len(handlers) > 0 {
		b.log.Debug("change published", "table", ev.Table, "op", ev.Op, "session_id", ev.SessionID, "subscribers", len(handlers))
	}
}

// Subscribers returns the number of live subscriptions for sessionID.
func (b *Broker) Subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}
