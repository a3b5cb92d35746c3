package room

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jqwei/truthordare/go/internal/game"
	"github.com/jqwei/truthordare/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Guard errors surfaced to the submitting user. None of these reach the
// store; the write simply never happens.
var (
	ErrBlankSubmission = errors.New("submission is empty")
	ErrNotYourTurn     = errors.New("only the current asker may submit a question")
	ErrWrongStage      = errors.New("operation not valid in the current stage")
)

// RoomRepository defines what the app layer needs from the repository
type RoomRepository interface {
	CreateRoom(ctx context.Context, req CreateRoomRequest) (*models.Room, error)
	GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error)
	AddMember(ctx context.Context, req JoinRoomRequest) (*models.Member, error)
	ListMembers(ctx context.Context, roomID uuid.UUID) ([]models.Member, error)
	GetMember(ctx context.Context, roomID, userID uuid.UUID) (*models.Member, error)
	SubmitQuestion(ctx context.Context, roomID uuid.UUID, question string) error
	SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) error
	AdvanceToRevealing(ctx context.Context, roomID uuid.UUID) error
	ResetForNextCycle(ctx context.Context, roomID uuid.UUID, nextAsker *uuid.UUID) error
}

// App handles room business logic. Every connected client runs the same
// App against the shared store; transitions are written so that duplicate
// execution from racing clients converges.
type App struct {
	repo RoomRepository
}

// NewApp creates a new room App
func NewApp(repo RoomRepository) *App {
	return &App{
		repo: repo,
	}
}

// CreateRoom creates a room and adds the creator as its first member and
// initial asker.
func (a *App) CreateRoom(ctx context.Context, creator uuid.UUID, nickname string) (*models.Room, error) {
	req := CreateRoomRequest{
		RoomID:  uuid.New(),
		Creator: creator,
	}

	created, err := a.repo.CreateRoom(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	if _, err := a.repo.AddMember(ctx, JoinRoomRequest{
		RoomID:   created.ID,
		UserID:   creator,
		Nickname: nickname,
	}); err != nil {
		return nil, fmt.Errorf("failed to add creator to room: %w", err)
	}

	log.Info().
		Str("room_id", created.ID.String()).
		Str("creator", creator.String()).
		Msg("room created")
	return created, nil
}

// JoinRoom adds a member to an existing room.
func (a *App) JoinRoom(ctx context.Context, req JoinRoomRequest) (*models.Member, error) {
	if _, err := a.repo.GetRoom(ctx, req.RoomID); err != nil {
		return nil, fmt.Errorf("failed to join room: %w", err)
	}

	member, err := a.repo.AddMember(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to join room: %w", err)
	}

	log.Info().
		Str("room_id", req.RoomID.String()).
		Str("user_id", req.UserID.String()).
		Str("nickname", req.Nickname).
		Msg("member joined room")
	return member, nil
}

// SubmitQuestion records the asker's question and starts the answering
// stage. Blank questions and out-of-turn submissions are rejected before
// any store write.
func (a *App) SubmitQuestion(ctx context.Context, roomID, userID uuid.UUID, question string) error {
	if !game.ValidQuestion(question) {
		return ErrBlankSubmission
	}

	current, err := a.repo.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to load room: %w", err)
	}
	if current.Stage != models.StageChoosing {
		return ErrWrongStage
	}
	if !game.CanSubmitQuestion(current, userID) {
		return ErrNotYourTurn
	}

	if err := a.repo.SubmitQuestion(ctx, roomID, strings.TrimSpace(question)); err != nil {
		return err
	}

	log.Info().
		Str("room_id", roomID.String()).
		Str("asker", userID.String()).
		Msg("question submitted")
	return nil
}

// SubmitAnswer records a member's answer for the current cycle. A member
// that already submitted gets a silent no-op, matching the at-most-once
// submission rule.
func (a *App) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) error {
	if !game.ValidAnswer(req.AnswerText) {
		return ErrBlankSubmission
	}

	current, err := a.repo.GetRoom(ctx, req.RoomID)
	if err != nil {
		return fmt.Errorf("failed to load room: %w", err)
	}
	if current.Stage != models.StageAnswering {
		return ErrWrongStage
	}

	member, err := a.repo.GetMember(ctx, req.RoomID, req.UserID)
	if err != nil {
		return fmt.Errorf("failed to load member: %w", err)
	}
	if member.Submitted {
		// Already answered this cycle.
		return nil
	}

	req.AnswerText = strings.TrimSpace(req.AnswerText)
	if err := a.repo.SubmitAnswer(ctx, req); err != nil {
		return err
	}

	log.Info().
		Str("room_id", req.RoomID.String()).
		Str("user_id", req.UserID.String()).
		Msg("answer submitted")
	return nil
}

// AdvanceIfAllSubmitted issues the answering -> revealing transition when
// the given snapshot says every member answered. Called independently by
// every client on each roster update; the conditional update in the
// repository makes the duplicates harmless.
func (a *App) AdvanceIfAllSubmitted(ctx context.Context, current *models.Room, roster []models.Member) error {
	if !game.ShouldAdvanceToRevealing(current, roster) {
		return nil
	}

	if err := a.repo.AdvanceToRevealing(ctx, current.ID); err != nil {
		return err
	}

	log.Info().
		Str("room_id", current.ID.String()).
		Int("members", len(roster)).
		Msg("all members submitted, advancing to revealing")
	return nil
}

// ResetForNextCycle ends the reveal: the next asker is the roster member
// after the current one in join order, every member's submission state is
// cleared, and the room returns to choosing. Safe to call redundantly; a
// duplicate reset after another client already rotated is a no-op.
func (a *App) ResetForNextCycle(ctx context.Context, roomID uuid.UUID) error {
	current, err := a.repo.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to load room: %w", err)
	}
	if current.Stage != models.StageRevealing {
		// Another client already started the next cycle.
		return nil
	}

	roster, err := a.repo.ListMembers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to load roster: %w", err)
	}

	next := game.NextAsker(roster, current.CurrentAsker)
	if err := a.repo.ResetForNextCycle(ctx, roomID, next); err != nil {
		return err
	}

	evt := log.Info().Str("room_id", roomID.String())
	if next != nil {
		evt = evt.Str("next_asker", next.String())
	}
	evt.Msg("cycle reset, rotating asker")
	return nil
}
