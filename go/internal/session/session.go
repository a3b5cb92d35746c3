package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jqwei/truthordare/go/internal/countdown"
	"github.com/jqwei/truthordare/go/internal/game"
	"github.com/jqwei/truthordare/go/internal/room"
	roomsync "github.com/jqwei/truthordare/go/internal/sync"
)

// Update is one UI-visible state change: a fresh snapshot, or a countdown
// tick during the reveal.
type Update struct {
	Snapshot  *roomsync.Snapshot
	Countdown *int
}

// Session is one participant's live view of a room: the synchronized
// snapshot, the reveal countdown, and the write operations the identity is
// allowed to perform.
type Session struct {
	identity  Identity
	roomID    uuid.UUID
	app       GameApp
	engine    *roomsync.Engine
	countdown *countdown.Controller

	mu      sync.Mutex
	updates []chan<- Update
	closed  bool
}

// Identity returns the participant identity bound to this session.
func (s *Session) Identity() Identity { return s.identity }

// RoomID returns the room this session is attached to.
func (s *Session) RoomID() uuid.UUID { return s.roomID }

// Snapshot returns the current best-known room state.
func (s *Session) Snapshot() roomsync.Snapshot { return s.engine.Snapshot() }

// IsAsker reports whether it is this participant's turn to pose the
// question.
func (s *Session) IsAsker() bool {
	snap := s.engine.Snapshot()
	return snap.Room.CurrentAsker != nil && *snap.Room.CurrentAsker == s.identity.UserID
}

// Updates registers a channel receiving snapshot replacements and
// countdown ticks. Slow consumers drop updates rather than stalling the
// engine.
func (s *Session) Updates(ch chan<- Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, ch)
}

// SubmitQuestion poses this cycle's question. Rejected locally when blank
// or out of turn.
func (s *Session) SubmitQuestion(ctx context.Context, text string) error {
	return s.app.SubmitQuestion(ctx, s.roomID, s.identity.UserID, text)
}

// SubmitAnswer records this participant's answer, at most once per cycle.
func (s *Session) SubmitAnswer(ctx context.Context, text string) error {
	return s.app.SubmitAnswer(ctx, room.SubmitAnswerRequest{
		RoomID:     s.roomID,
		UserID:     s.identity.UserID,
		AnswerText: text,
	})
}

// CanAnswer reports whether this participant still owes an answer.
func (s *Session) CanAnswer() bool {
	snap := s.engine.Snapshot()
	for i := range snap.Roster {
		if snap.Roster[i].UserID == s.identity.UserID {
			return game.CanSubmitAnswer(&snap.Room, &snap.Roster[i])
		}
	}
	return false
}

// Close tears the session down: countdown cancelled, subscriptions
// released. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.countdown.Stop()
	s.engine.Close()
}

func (s *Session) publishSnapshot(snap roomsync.Snapshot) {
	s.publish(Update{Snapshot: &snap})
}

func (s *Session) publishTick(remaining int) {
	s.publish(Update{Countdown: &remaining})
}

func (s *Session) publish(u Update) {
	s.mu.Lock()
	targets := append([]chan<- Update(nil), s.updates...)
	s.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- u:
		default:
		}
	}
}
