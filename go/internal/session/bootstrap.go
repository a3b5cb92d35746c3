// Package session resolves local identity, performs the initial room
// fetch, and wires the synchronization engine to the reveal countdown for
// the lifetime of one room view.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/jqwei/truthordare/go/internal/countdown"
	"github.com/jqwei/truthordare/go/internal/models"
	"github.com/jqwei/truthordare/go/internal/room"
	"github.com/jqwei/truthordare/go/internal/store"
	roomsync "github.com/jqwei/truthordare/go/internal/sync"
	"github.com/rs/zerolog/log"
)

// ErrInvalidRoomID means the requested room id is malformed; the caller
// redirects to a safe entry point without opening any subscription.
var ErrInvalidRoomID = errors.New("invalid room id")

// GameApp defines what the session layer needs from the room application.
type GameApp interface {
	CreateRoom(ctx context.Context, creator uuid.UUID, nickname string) (*models.Room, error)
	JoinRoom(ctx context.Context, req room.JoinRoomRequest) (*models.Member, error)
	SubmitQuestion(ctx context.Context, roomID, userID uuid.UUID, question string) error
	SubmitAnswer(ctx context.Context, req room.SubmitAnswerRequest) error
	AdvanceIfAllSubmitted(ctx context.Context, current *models.Room, roster []models.Member) error
	ResetForNextCycle(ctx context.Context, roomID uuid.UUID) error
}

// Bootstrap builds room sessions for the locally persisted identity.
type Bootstrap struct {
	identities IdentityProvider
	app        GameApp
	reader     roomsync.RoomReader
	notifier   store.Notifier
	clock      clockwork.Clock
}

// NewBootstrap wires the session factory.
func NewBootstrap(identities IdentityProvider, app GameApp, reader roomsync.RoomReader, notifier store.Notifier, clock clockwork.Clock) *Bootstrap {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Bootstrap{
		identities: identities,
		app:        app,
		reader:     reader,
		notifier:   notifier,
		clock:      clock,
	}
}

// Create makes a new room with a fresh identity as creator and initial
// asker, persisting the identity for later sessions.
func (b *Bootstrap) Create(ctx context.Context, nickname string) (*models.Room, error) {
	if nickname == "" {
		nickname = "host"
	}
	id := Identity{UserID: uuid.New(), Nickname: nickname}

	created, err := b.app.CreateRoom(ctx, id.UserID, id.Nickname)
	if err != nil {
		return nil, err
	}
	if err := b.identities.Save(id); err != nil {
		return nil, fmt.Errorf("failed to persist identity: %w", err)
	}
	return created, nil
}

// Join adds a fresh identity to an existing room and persists it.
func (b *Bootstrap) Join(ctx context.Context, roomIDStr, nickname string) (uuid.UUID, error) {
	roomID, err := uuid.Parse(roomIDStr)
	if err != nil {
		return uuid.Nil, ErrInvalidRoomID
	}

	id := Identity{UserID: uuid.New(), Nickname: nickname}
	if _, err := b.app.JoinRoom(ctx, room.JoinRoomRequest{
		RoomID:   roomID,
		UserID:   id.UserID,
		Nickname: id.Nickname,
	}); err != nil {
		return uuid.Nil, err
	}
	if err := b.identities.Save(id); err != nil {
		return uuid.Nil, fmt.Errorf("failed to persist identity: %w", err)
	}
	return roomID, nil
}

// Enter resolves the persisted identity, validates the room id, performs
// the one initial room fetch, and hands off to the synchronization engine.
// Unauthenticated or malformed entries return before any subscription is
// opened.
func (b *Bootstrap) Enter(ctx context.Context, roomIDStr string) (*Session, error) {
	id, err := b.identities.Load()
	if err != nil {
		return nil, err
	}

	roomID, err := uuid.Parse(roomIDStr)
	if err != nil {
		return nil, ErrInvalidRoomID
	}

	// Initial snapshot fetch; a missing room is surfaced before the engine
	// opens anything.
	if _, err := b.reader.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}

	s := &Session{
		identity: *id,
		roomID:   roomID,
		app:      b.app,
	}
	s.countdown = countdown.NewController(b.clock, func(ctx context.Context) error {
		return b.app.ResetForNextCycle(ctx, roomID)
	}, s.publishTick)

	s.engine = roomsync.NewEngine(b.reader, b.app, b.notifier, roomID, b.clock)
	s.engine.OnUpdate(func(snap roomsync.Snapshot) {
		s.countdown.Observe(ctx, snap.Room.Stage)
		s.publishSnapshot(snap)
	})

	if err := s.engine.Start(ctx); err != nil {
		return nil, err
	}

	log.Info().
		Str("room_id", roomID.String()).
		Str("user_id", id.UserID.String()).
		Str("nickname", id.Nickname).
		Msg("session established")
	return s, nil
}
