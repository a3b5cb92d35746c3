package room

import "github.com/google/uuid"

// CreateRoomRequest carries everything needed to insert a new room row.
// The creator is set as the initial asker so the first cycle can start as
// soon as anyone joins.
type CreateRoomRequest struct {
	RoomID  uuid.UUID
	Creator uuid.UUID
}

// JoinRoomRequest carries a new member row for an existing room.
type JoinRoomRequest struct {
	RoomID   uuid.UUID
	UserID   uuid.UUID
	Nickname string
}

// SubmitAnswerRequest records one member's answer for the current cycle.
type SubmitAnswerRequest struct {
	RoomID     uuid.UUID
	UserID     uuid.UUID
	AnswerText string
}
