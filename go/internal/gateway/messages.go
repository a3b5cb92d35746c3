package gateway

import (
	"time"

	"github.com/google/uuid"
	"github.com/jqwei/truthordare/go/internal/models"
	roomsync "github.com/jqwei/truthordare/go/internal/sync"
)

// EventType identifies a spectator event on the wire.
type EventType string

const (
	// EventSnapshot carries the full room view after a reconciliation.
	EventSnapshot EventType = "snapshot"
	// EventCountdown carries the remaining reveal seconds.
	EventCountdown EventType = "countdown"
)

// RoomEvent is one message pushed to spectator connections.
type RoomEvent struct {
	Type      EventType    `json:"type"`
	Room      *RoomView    `json:"room,omitempty"`
	Roster    []MemberView `json:"roster,omitempty"`
	Remaining *int         `json:"remaining,omitempty"`
	At        time.Time    `json:"at"`
}

// RoomView is the spectator-facing room state.
type RoomView struct {
	ID              uuid.UUID  `json:"id"`
	Stage           string     `json:"stage"`
	CurrentQuestion *string    `json:"current_question,omitempty"`
	CurrentAsker    *uuid.UUID `json:"current_asker,omitempty"`
}

// MemberView is the spectator-facing roster entry. AnswerText is withheld
// until the room reaches the revealing stage.
type MemberView struct {
	UserID     uuid.UUID `json:"user_id"`
	Nickname   string    `json:"nickname"`
	Submitted  bool      `json:"submitted"`
	AnswerText *string   `json:"answer_text,omitempty"`
}

// snapshotEvent converts an engine snapshot to the wire shape, redacting
// answers outside the reveal.
func snapshotEvent(snap roomsync.Snapshot) *RoomEvent {
	revealing := snap.Room.Stage == models.StageRevealing

	roster := make([]MemberView, 0, len(snap.Roster))
	for _, m := range snap.Roster {
		view := MemberView{
			UserID:    m.UserID,
			Nickname:  m.DisplayName(),
			Submitted: m.Submitted,
		}
		if revealing {
			view.AnswerText = m.AnswerText
		}
		roster = append(roster, view)
	}

	return &RoomEvent{
		Type: EventSnapshot,
		Room: &RoomView{
			ID:              snap.Room.ID,
			Stage:           string(snap.Room.Stage),
			CurrentQuestion: snap.Room.CurrentQuestion,
			CurrentAsker:    snap.Room.CurrentAsker,
		},
		Roster: roster,
		At:     time.Now().UTC(),
	}
}

func countdownEvent(remaining int) *RoomEvent {
	return &RoomEvent{
		Type:      EventCountdown,
		Remaining: &remaining,
		At:        time.Now().UTC(),
	}
}
