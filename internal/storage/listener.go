package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/claude/liftsync/internal/changefeed"
)

const (
	// ChangeChannel is the notification channel of the notify triggers.
	ChangeChannel    = "workout_changes"
	listenRetryDelay = 2 * time.Second
)

// Listen holds a dedicated connection listening on ChangeChannel and
// publishes every notification to the subscribers of its session. It
// reconnects after a delay until ctx is cancelled. Changes made while
// disconnected are not replayed; engines catch up through Refresh.
func (db *DB) Listen(ctx context.Context) error {
	for {
		err := db.listenOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		db.log.Warn("change listener disconnected", "error", err, "retry_in", listenRetryDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(listenRetryDelay):
		}
	}
}

func (db *DB) listenOnce(ctx context.Context) error {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring listen connection: %w", err)
	}
	// The connection carries LISTEN state and never goes back to the pool.
	pc := conn.Hijack()
	defer pc.Close(context.Background())

	if _, err := pc.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		return fmt.Errorf("listening on %s: %w", ChangeChannel, err)
	}
	db.log.Info("change listener started", "channel", ChangeChannel)

	for {
		n, err := pc.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("waiting for notification: %w", err)
		}
		db.dispatch([]byte(n.Payload))
	}
}

// dispatch decodes a trigger payload and publishes it. Malformed payloads
// are logged and dropped.
func (db *DB) dispatch(payload []byte) {
	ev, _, err := changefeed.Decode(payload)
	if err != nil {
		db.log.Warn("dropping malformed notification", "error", err)
		return
	}
	db.feed.Publish(ev)
}
