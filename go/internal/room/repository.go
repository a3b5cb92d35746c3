package room

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jqwei/truthordare/go/internal/models"
	"github.com/jqwei/truthordare/go/internal/sqlutil"
)

// ErrRoomNotFound is returned when no room row matches the requested id.
var ErrRoomNotFound = errors.New("room not found")

// Repository implements room and member data access operations. Both tables
// are shared mutable state written by every connected client; the stage
// transition updates are guarded with WHERE stage = ... so that racing
// clients issuing the same transition collapse into one effective write.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new room repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		db: db,
	}
}

// CreateRoom inserts a new room in the choosing stage with the creator as
// the initial asker.
func (r *Repository) CreateRoom(ctx context.Context, req CreateRoomRequest) (*models.Room, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO rooms (id, stage, current_question, current_asker)
		VALUES ($1, 'choosing', NULL, $2)
		RETURNING id, stage, current_question, current_asker, created_at`,
		req.RoomID, req.Creator,
	)

	room, err := scanRoom(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	return room, nil
}

// GetRoom retrieves a room by id.
func (r *Repository) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, stage, current_question, current_asker, created_at
		FROM rooms WHERE id = $1`,
		id,
	)

	room, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return room, nil
}

// AddMember inserts a member row for an existing room.
func (r *Repository) AddMember(ctx context.Context, req JoinRoomRequest) (*models.Member, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO room_members (room_id, user_id, nickname, submitted, answer_text)
		VALUES ($1, $2, $3, FALSE, NULL)
		RETURNING room_id, user_id, nickname, submitted, answer_text, join_seq, joined_at`,
		req.RoomID, req.UserID, sqlutil.ToSqlString(&req.Nickname),
	)

	member, err := scanMember(row)
	if err != nil {
		return nil, fmt.Errorf("failed to add member: %w", err)
	}
	return member, nil
}

// ListMembers returns the full roster in join order. Rotation and the
// all-submitted check both depend on this ordering.
func (r *Repository) ListMembers(ctx context.Context, roomID uuid.UUID) ([]models.Member, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT room_id, user_id, nickname, submitted, answer_text, join_seq, joined_at
		FROM room_members
		WHERE room_id = $1
		ORDER BY join_seq ASC`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []models.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate members: %w", err)
	}
	return members, nil
}

// GetMember retrieves one member of a room.
func (r *Repository) GetMember(ctx context.Context, roomID, userID uuid.UUID) (*models.Member, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT room_id, user_id, nickname, submitted, answer_text, join_seq, joined_at
		FROM room_members
		WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	)

	member, err := scanMember(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return member, nil
}

// SubmitQuestion records the asker's question and moves the room into the
// answering stage. The stage guard keeps a stale submit from clobbering a
// cycle that already moved on.
func (r *Repository) SubmitQuestion(ctx context.Context, roomID uuid.UUID, question string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE rooms
		SET current_question = $2, stage = 'answering'
		WHERE id = $1 AND stage = 'choosing'`,
		roomID, question,
	)
	if err != nil {
		return fmt.Errorf("failed to submit question: %w", err)
	}
	return nil
}

// SubmitAnswer records a member's answer exactly once per cycle. The
// submitted = FALSE guard makes repeat submissions no-ops at the store.
func (r *Repository) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE room_members
		SET answer_text = $3, submitted = TRUE
		WHERE room_id = $1 AND user_id = $2 AND submitted = FALSE`,
		req.RoomID, req.UserID, req.AnswerText,
	)
	if err != nil {
		return fmt.Errorf("failed to submit answer: %w", err)
	}
	return nil
}

// AdvanceToRevealing moves the room from answering to revealing. Every
// client that observes a fully-submitted roster issues this; the stage
// guard collapses the race into a single effective transition.
func (r *Repository) AdvanceToRevealing(ctx context.Context, roomID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE rooms
		SET stage = 'revealing'
		WHERE id = $1 AND stage = 'answering'`,
		roomID,
	)
	if err != nil {
		return fmt.Errorf("failed to advance to revealing: %w", err)
	}
	return nil
}

// ResetForNextCycle rotates the asker and starts the next choosing stage:
// the question is cleared and every member's submitted/answer_text is
// reset. Runs in one tx so no client observes a half-reset cycle. The
// revealing guard makes a duplicate countdown-expiry reset a no-op instead
// of a double rotation.
func (r *Repository) ResetForNextCycle(ctx context.Context, roomID uuid.UUID, nextAsker *uuid.UUID) error {
	err := sqlutil.Run(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE rooms
			SET stage = 'choosing', current_question = NULL, current_asker = $2
			WHERE id = $1 AND stage = 'revealing'`,
			roomID, sqlutil.ToNullUUID(nextAsker),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Another client already reset this cycle.
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE room_members
			SET submitted = FALSE, answer_text = NULL
			WHERE room_id = $1`,
			roomID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to reset for next cycle: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (*models.Room, error) {
	var (
		room     models.Room
		stage    string
		question sql.NullString
		asker    uuid.NullUUID
	)
	if err := row.Scan(&room.ID, &stage, &question, &asker, &room.CreatedAt); err != nil {
		return nil, err
	}
	room.Stage = models.Stage(stage)
	room.CurrentQuestion = sqlutil.FromSqlStringPtr(question)
	room.CurrentAsker = sqlutil.FromNullUUID(asker)
	return &room, nil
}

func scanMember(row rowScanner) (*models.Member, error) {
	var (
		member   models.Member
		nickname sql.NullString
		answer   sql.NullString
	)
	if err := row.Scan(&member.RoomID, &member.UserID, &nickname, &member.Submitted,
		&answer, &member.JoinSeq, &member.JoinedAt); err != nil {
		return nil, err
	}
	member.Nickname = sqlutil.FromSqlStringPtr(nickname)
	member.AnswerText = sqlutil.FromSqlStringPtr(answer)
	return &member, nil
}
