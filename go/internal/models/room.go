package models

import (
	"time"

	"github.com/google/uuid"
)

// Stage defines the phase of the current turn cycle.
type Stage string

const (
	StageChoosing  Stage = "choosing"
	StageAnswering Stage = "answering"
	StageRevealing Stage = "revealing"
)

// Valid reports whether s is one of the three known stages.
func (s Stage) Valid() bool {
	switch s {
	case StageChoosing, StageAnswering, StageRevealing:
		return true
	}
	return false
}

// Room represents a shared game session. The row is concurrently writable
// by every participant; per-row last write wins at the store.
type Room struct {
	ID              uuid.UUID  `json:"id"`
	Stage           Stage      `json:"stage"`
	CurrentQuestion *string    `json:"current_question,omitempty"`
	CurrentAsker    *uuid.UUID `json:"current_asker,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Member represents one participant inside a room. Submitted and AnswerText
// are reset for every member at the start of each choosing stage.
type Member struct {
	RoomID     uuid.UUID `json:"room_id"`
	UserID     uuid.UUID `json:"user_id"`
	Nickname   *string   `json:"nickname,omitempty"`
	Submitted  bool      `json:"submitted"`
	AnswerText *string   `json:"answer_text,omitempty"`
	JoinSeq    int64     `json:"join_seq"`
	JoinedAt   time.Time `json:"joined_at"`
}

// DisplayName returns the nickname, falling back to a short user id prefix
// for members that joined without one.
func (m Member) DisplayName() string {
	if m.Nickname != nil && *m.Nickname != "" {
		return *m.Nickname
	}
	return m.UserID.String()[:6]
}
