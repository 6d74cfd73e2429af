// Package changefeed carries row-level change events for workout sessions
// between persistence gateways and subscribed engines.
package changefeed

import (
	"encoding/json"
	"fmt"

	"github.com/claude/liftsync/internal/models"
)

// Table names the entity a change applies to.
type Table string

const (
	TableSessions  Table = "workout_sessions"
	TableExercises Table = "exercise_instances"
	TableSets      Table = "set_instances"
)

// Op is the kind of row change.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Event is one row change. Exactly one of Session, Exercise and Set is set,
// matching Table.
type Event struct {
	Table     Table
	Op        Op
	SessionID string
	Session   *models.WorkoutSession
	Exercise  *models.ExerciseInstance
	Set       *models.SetInstance
}

// Handler receives events for one subscription.
type Handler func(Event)

// Publisher accepts events produced by a gateway write.
type Publisher interface {
	Publish(Event)
}

// Feed is a Publisher that also hands out per-session subscriptions. Broker
// and RedisRelay implement it.
type Feed interface {
	Publisher
	Subscribe(sessionID string, h Handler) (unsubscribe func())
}

// envelope is the wire form shared by Postgres notifications and the Redis
// relay: the row is carried as raw JSON keyed by column name.
type envelope struct {
	Table     Table           `json:"table"`
	Op        Op              `json:"op"`
	SessionID string          `json:"session_id"`
	Origin    string          `json:"origin,omitempty"`
	Row       json.RawMessage `json:"row"`
}

// Encode serializes ev with an optional origin tag.
func Encode(ev Event, origin string) ([]byte, error) {
	var (
		row []byte
		err error
	)
	switch ev.Table {
	case TableSessions:
		row, err = json.Marshal(ev.Session)
	case TableExercises:
		row, err = json.Marshal(ev.Exercise)
	case TableSets:
		row, err = json.Marshal(ev.Set)
	default:
		return nil, fmt.Errorf("unknown table %q", ev.Table)
	}
	if err != nil {
		return nil, fmt.Errorf("encoding %s row: %w", ev.Table, err)
	}
	return json.Marshal(envelope{Table: ev.Table, Op: ev.Op, SessionID: ev.SessionID, Origin: origin, Row: row})
}

// Decode parses a payload produced by Encode or by the Postgres notify
// trigger. It returns the origin tag alongside the event.
func Decode(payload []byte) (Event, string, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, "", fmt.Errorf("decoding change envelope: %w", err)
	}
	switch env.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return Event{}, "", fmt.Errorf("unknown op %q", env.Op)
	}
	if len(env.Row) == 0 || string(env.Row) == "null" {
		return Event{}, "", fmt.Errorf("change envelope for %s has no row", env.Table)
	}

	ev := Event{Table: env.Table, Op: env.Op, SessionID: env.SessionID}
	switch env.Table {
	case TableSessions:
		var s models.WorkoutSession
		if err := json.Unmarshal(env.Row, &s); err != nil {
			return Event{}, "", fmt.Errorf("decoding session row: %w", err)
		}
		ev.Session = &s
		if ev.SessionID == "" {
			ev.SessionID = s.ID
		}
	case TableExercises:
		var e models.ExerciseInstance
		if err := json.Unmarshal(env.Row, &e); err != nil {
			return Event{}, "", fmt.Errorf("decoding exercise row: %w", err)
		}
		ev.Exercise = &e
		if ev.SessionID == "" {
			ev.SessionID = e.SessionID
		}
	case TableSets:
		var s models.SetInstance
		if err := json.Unmarshal(env.Row, &s); err != nil {
			return Event{}, "", fmt.Errorf("decoding set row: %w", err)
		}
		ev.Set = &s
		if ev.SessionID == "" {
			ev.SessionID = s.SessionID
		}
	default:
		return Event{}, "", fmt.Errorf("unknown table %q", env.Table)
	}
	if ev.SessionID == "" {
		return Event{}, "", fmt.Errorf("change envelope for %s has no session id", env.Table)
	}
	return ev, env.Origin, nil
}
