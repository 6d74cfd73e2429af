package changefeed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisPublishTimeout = 2 * time.Second

// RedisRelay mirrors events between processes that share a SQLite gateway
// file or otherwise lack a database-level change feed. Local publishes reach
// the in-process broker immediately and are forwarded to Redis; events read
// from Redis that originated elsewhere are republished locally.
type RedisRelay struct {
	client *redis.Client
	local  *Broker
	prefix string
	origin string
	log    *slog.Logger
}

// NewRedisRelay creates a relay publishing on channels prefix+sessionID.
func NewRedisRelay(client *redis.Client, local *Broker, prefix string, log *slog.Logger) *RedisRelay {
	if prefix == "" {
		prefix = "liftsync:session:"
	}
	return &RedisRelay{
		client: client,
		local:  local,
		prefix: prefix,
		origin: uuid.NewString(),
		log:    log,
	}
}

// Publish delivers ev locally, then forwards it to Redis. A Redis failure is
// logged; local subscribers have already been served.
func (r *RedisRelay) Publish(ev Event) {
	r.local.Publish(ev)

	payload, err := Encode(ev, r.origin)
	if err != nil {
		r.log.Warn("relay encode failed", "table", ev.Table, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.prefix+ev.SessionID, payload).Err(); err != nil {
		r.log.Warn("relay publish failed", "session_id", ev.SessionID, "error", err)
	}
}

// Subscribe registers h with the local broker.
func (r *RedisRelay) Subscribe(sessionID string, h Handler) (unsubscribe func()) {
	return r.local.Subscribe(sessionID, h)
}

// Run consumes relayed events until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	ps := r.client.PSubscribe(ctx, r.prefix+"*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s*: %w", r.prefix, err)
	}
	r.log.Info("change relay subscribed", "pattern", r.prefix+"*")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, origin, err := Decode([]byte(msg.Payload))
			if err != nil {
				r.log.Warn("dropping malformed relayed change", "channel", msg.Channel, "error", err)
				continue
			}
			if origin == r.origin {
				continue
			}
			r.local.Publish(ev)
		}
	}
}
