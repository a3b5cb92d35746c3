package game

import (
	"strings"

	"github.com/google/uuid"
	"github.com/jqwei/truthordare/go/internal/models"
)

// Pure transition logic for the three-stage turn cycle:
//
//	choosing -> answering -> revealing -> choosing (next cycle)
//
// Every client runs these functions independently against its local
// snapshot; there is no elected leader. All derived writes must therefore
// be safe to issue redundantly from multiple clients at once.

// NextAsker returns the member whose turn follows current in roster order,
// wrapping to the first member. The roster must already be sorted by join
// sequence. An empty roster yields nil; an unknown current asker falls back
// to the first member.
func NextAsker(roster []models.Member, current *uuid.UUID) *uuid.UUID {
	if len(roster) == 0 {
		return nil
	}

	idx := -1
	if current != nil {
		for i, m := range roster {
			if m.UserID == *current {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		// Asker left the room (or was never set); restart rotation.
		next := roster[0].UserID
		return &next
	}

	next := roster[(idx+1)%len(roster)].UserID
	return &next
}

// AllSubmitted reports whether every member of a non-empty roster has
// submitted an answer for the current cycle. An empty roster never
// advances the stage.
func AllSubmitted(roster []models.Member) bool {
	if len(roster) == 0 {
		return false
	}
	for _, m := range roster {
		if !m.Submitted {
			return false
		}
	}
	return true
}

// CanSubmitQuestion reports whether userID may pose the question right now:
// the room must be in the choosing stage and userID must be the current
// asker.
func CanSubmitQuestion(room *models.Room, userID uuid.UUID) bool {
	if room == nil || room.Stage != models.StageChoosing {
		return false
	}
	return room.CurrentAsker != nil && *room.CurrentAsker == userID
}

// CanSubmitAnswer reports whether the member may still record an answer in
// the current cycle. Repeat submissions after Submitted is set are no-ops.
func CanSubmitAnswer(room *models.Room, member *models.Member) bool {
	if room == nil || member == nil {
		return false
	}
	return room.Stage == models.StageAnswering && !member.Submitted
}

// ValidQuestion rejects empty and whitespace-only questions before any
// store write happens.
func ValidQuestion(text string) bool {
	return strings.TrimSpace(text) != ""
}

// ValidAnswer rejects empty and whitespace-only answers.
func ValidAnswer(text string) bool {
	return strings.TrimSpace(text) != ""
}

// ShouldAdvanceToRevealing reports whether a client observing this snapshot
// should issue the answering -> revealing write. Multiple clients race on
// this; the conditional store update makes the duplicates harmless.
func ShouldAdvanceToRevealing(room *models.Room, roster []models.Member) bool {
	if room == nil || room.Stage != models.StageAnswering {
		return false
	}
	return AllSubmitted(roster)
}
