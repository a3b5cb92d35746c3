package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Watched table names. Subscriptions are keyed by (table, room).
const (
	TableRooms       = "rooms"
	TableRoomMembers = "room_members"
)

// Op is the row operation recorded in the change journal.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// ChangeEvent is one row change fanned out to subscribed clients. Payload
// carries the full post-change row as JSON, so the rooms path can replace
// its snapshot without a re-fetch.
type ChangeEvent struct {
	ID        uuid.UUID       `json:"id"`
	Seq       int64           `json:"seq"`
	RoomID    uuid.UUID       `json:"room_id"`
	Table     string          `json:"table"`
	Op        Op              `json:"op"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Subscription is a live change feed for one (table, room) pair. The owner
// must call Unsubscribe on every exit path; a leaked subscription keeps
// reconciling into a dead view.
type Subscription interface {
	Events() <-chan ChangeEvent
	Unsubscribe()
}

// Notifier hands out change subscriptions filtered by table and room.
type Notifier interface {
	Subscribe(ctx context.Context, table string, roomID uuid.UUID) (Subscription, error)
}
