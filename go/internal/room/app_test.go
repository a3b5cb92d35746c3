package room

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jqwei/truthordare/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepo mimics the store's per-row semantics in memory, including the
// stage guards that make racing transition writes collapse into one.
type fakeRepo struct {
	rooms   map[uuid.UUID]*models.Room
	members map[uuid.UUID][]models.Member

	answerWrites  int
	advanceWrites int
	resetWrites   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		rooms:   make(map[uuid.UUID]*models.Room),
		members: make(map[uuid.UUID][]models.Member),
	}
}

func (f *fakeRepo) CreateRoom(_ context.Context, req CreateRoomRequest) (*models.Room, error) {
	creator := req.Creator
	r := &models.Room{ID: req.RoomID, Stage: models.StageChoosing, CurrentAsker: &creator}
	f.rooms[req.RoomID] = r
	cp := *r
	return &cp, nil
}

func (f *fakeRepo) GetRoom(_ context.Context, id uuid.UUID) (*models.Room, error) {
	r, ok := f.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRepo) AddMember(_ context.Context, req JoinRoomRequest) (*models.Member, error) {
	nick := req.Nickname
	m := models.Member{
		RoomID:   req.RoomID,
		UserID:   req.UserID,
		Nickname: &nick,
		JoinSeq:  int64(len(f.members[req.RoomID]) + 1),
	}
	f.members[req.RoomID] = append(f.members[req.RoomID], m)
	return &m, nil
}

func (f *fakeRepo) ListMembers(_ context.Context, roomID uuid.UUID) ([]models.Member, error) {
	return append([]models.Member(nil), f.members[roomID]...), nil
}

func (f *fakeRepo) GetMember(_ context.Context, roomID, userID uuid.UUID) (*models.Member, error) {
	for _, m := range f.members[roomID] {
		if m.UserID == userID {
			cp := m
			return &cp, nil
		}
	}
	return nil, ErrRoomNotFound
}

func (f *fakeRepo) SubmitQuestion(_ context.Context, roomID uuid.UUID, question string) error {
	r := f.rooms[roomID]
	if r.Stage == models.StageChoosing {
		r.CurrentQuestion = &question
		r.Stage = models.StageAnswering
	}
	return nil
}

func (f *fakeRepo) SubmitAnswer(_ context.Context, req SubmitAnswerRequest) error {
	members := f.members[req.RoomID]
	for i := range members {
		if members[i].UserID == req.UserID && !members[i].Submitted {
			text := req.AnswerText
			members[i].AnswerText = &text
			members[i].Submitted = true
			f.answerWrites++
		}
	}
	return nil
}

func (f *fakeRepo) AdvanceToRevealing(_ context.Context, roomID uuid.UUID) error {
	r := f.rooms[roomID]
	if r.Stage == models.StageAnswering {
		r.Stage = models.StageRevealing
		f.advanceWrites++
	}
	return nil
}

func (f *fakeRepo) ResetForNextCycle(_ context.Context, roomID uuid.UUID, nextAsker *uuid.UUID) error {
	r := f.rooms[roomID]
	if r.Stage != models.StageRevealing {
		return nil
	}
	r.Stage = models.StageChoosing
	r.CurrentQuestion = nil
	r.CurrentAsker = nextAsker
	members := f.members[roomID]
	for i := range members {
		members[i].Submitted = false
		members[i].AnswerText = nil
	}
	f.resetWrites++
	return nil
}

func TestSubmitQuestionGuards(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	app := NewApp(repo)

	asker := uuid.New()
	created, err := app.CreateRoom(ctx, asker, "host")
	require.NoError(t, err)

	assert.ErrorIs(t, app.SubmitQuestion(ctx, created.ID, asker, "   "), ErrBlankSubmission)
	assert.ErrorIs(t, app.SubmitQuestion(ctx, created.ID, uuid.New(), "q?"), ErrNotYourTurn)

	require.NoError(t, app.SubmitQuestion(ctx, created.ID, asker, "Truth or dare?"))
	got, err := repo.GetRoom(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageAnswering, got.Stage)
	require.NotNil(t, got.CurrentQuestion)
	assert.Equal(t, "Truth or dare?", *got.CurrentQuestion)

	// Questions only during choosing.
	assert.ErrorIs(t, app.SubmitQuestion(ctx, created.ID, asker, "again?"), ErrWrongStage)
}

func TestSubmitAnswerIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	app := NewApp(repo)

	asker := uuid.New()
	created, err := app.CreateRoom(ctx, asker, "host")
	require.NoError(t, err)
	require.NoError(t, app.SubmitQuestion(ctx, created.ID, asker, "q?"))

	req := SubmitAnswerRequest{RoomID: created.ID, UserID: asker, AnswerText: "Truth"}
	require.NoError(t, app.SubmitAnswer(ctx, req))
	require.NoError(t, app.SubmitAnswer(ctx, req), "repeat submission must be a no-op")
	assert.Equal(t, 1, repo.answerWrites)

	m, err := repo.GetMember(ctx, created.ID, asker)
	require.NoError(t, err)
	assert.True(t, m.Submitted)
	require.NotNil(t, m.AnswerText)
	assert.Equal(t, "Truth", *m.AnswerText)
}

func TestAdvanceIfAllSubmitted(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	app := NewApp(repo)

	asker := uuid.New()
	other := uuid.New()
	created, err := app.CreateRoom(ctx, asker, "host")
	require.NoError(t, err)
	_, err = app.JoinRoom(ctx, JoinRoomRequest{RoomID: created.ID, UserID: other, Nickname: "guest"})
	require.NoError(t, err)
	require.NoError(t, app.SubmitQuestion(ctx, created.ID, asker, "q?"))

	require.NoError(t, app.SubmitAnswer(ctx, SubmitAnswerRequest{RoomID: created.ID, UserID: asker, AnswerText: "a"}))

	current, _ := repo.GetRoom(ctx, created.ID)
	roster, _ := repo.ListMembers(ctx, created.ID)
	require.NoError(t, app.AdvanceIfAllSubmitted(ctx, current, roster))
	current, _ = repo.GetRoom(ctx, created.ID)
	assert.Equal(t, models.StageAnswering, current.Stage, "no advance while one member is pending")

	require.NoError(t, app.SubmitAnswer(ctx, SubmitAnswerRequest{RoomID: created.ID, UserID: other, AnswerText: "b"}))

	// Two clients both observe the fully-submitted roster and race.
	current, _ = repo.GetRoom(ctx, created.ID)
	roster, _ = repo.ListMembers(ctx, created.ID)
	require.NoError(t, app.AdvanceIfAllSubmitted(ctx, current, roster))
	require.NoError(t, app.AdvanceIfAllSubmitted(ctx, current, roster))

	final, _ := repo.GetRoom(ctx, created.ID)
	assert.Equal(t, models.StageRevealing, final.Stage)
	assert.Equal(t, 1, repo.advanceWrites, "duplicate advance writes must collapse")
}

func TestResetForNextCycleRotation(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	app := NewApp(repo)

	a := uuid.New()
	b := uuid.New()
	c := uuid.New()
	created, err := app.CreateRoom(ctx, a, "a")
	require.NoError(t, err)
	_, err = app.JoinRoom(ctx, JoinRoomRequest{RoomID: created.ID, UserID: b, Nickname: "b"})
	require.NoError(t, err)
	_, err = app.JoinRoom(ctx, JoinRoomRequest{RoomID: created.ID, UserID: c, Nickname: "c"})
	require.NoError(t, err)

	// Drive the room to revealing with b as the active asker.
	repo.rooms[created.ID].CurrentAsker = &b
	repo.rooms[created.ID].Stage = models.StageRevealing
	q := "q?"
	repo.rooms[created.ID].CurrentQuestion = &q
	for i := range repo.members[created.ID] {
		repo.members[created.ID][i].Submitted = true
	}

	require.NoError(t, app.ResetForNextCycle(ctx, created.ID))

	got, _ := repo.GetRoom(ctx, created.ID)
	assert.Equal(t, models.StageChoosing, got.Stage)
	assert.Nil(t, got.CurrentQuestion, "question cleared when choosing begins")
	require.NotNil(t, got.CurrentAsker)
	assert.Equal(t, c, *got.CurrentAsker, "asker rotates to the next join-order member")

	for _, m := range repo.members[created.ID] {
		assert.False(t, m.Submitted)
		assert.Nil(t, m.AnswerText)
	}

	// A second expiry from another client is a no-op.
	require.NoError(t, app.ResetForNextCycle(ctx, created.ID))
	assert.Equal(t, 1, repo.resetWrites)
	got, _ = repo.GetRoom(ctx, created.ID)
	assert.Equal(t, c, *got.CurrentAsker, "no double rotation")
}

func TestResetWrapsToFirstMember(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	app := NewApp(repo)

	a := uuid.New()
	b := uuid.New()
	created, err := app.CreateRoom(ctx, a, "a")
	require.NoError(t, err)
	_, err = app.JoinRoom(ctx, JoinRoomRequest{RoomID: created.ID, UserID: b, Nickname: "b"})
	require.NoError(t, err)

	repo.rooms[created.ID].CurrentAsker = &b
	repo.rooms[created.ID].Stage = models.StageRevealing

	require.NoError(t, app.ResetForNextCycle(ctx, created.ID))
	got, _ := repo.GetRoom(ctx, created.ID)
	require.NotNil(t, got.CurrentAsker)
	assert.Equal(t, a, *got.CurrentAsker, "last member wraps to first")
}

// Full single-member walkthrough: create, question, answer, advance, reset.
func TestSingleMemberCycle(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	app := NewApp(repo)

	alice := uuid.New()
	created, err := app.CreateRoom(ctx, alice, "Alice")
	require.NoError(t, err)
	assert.Equal(t, models.StageChoosing, created.Stage)

	require.NoError(t, app.SubmitQuestion(ctx, created.ID, alice, "Truth or dare?"))
	require.NoError(t, app.SubmitAnswer(ctx, SubmitAnswerRequest{RoomID: created.ID, UserID: alice, AnswerText: "Truth"}))

	current, _ := repo.GetRoom(ctx, created.ID)
	roster, _ := repo.ListMembers(ctx, created.ID)
	require.NoError(t, app.AdvanceIfAllSubmitted(ctx, current, roster))
	current, _ = repo.GetRoom(ctx, created.ID)
	assert.Equal(t, models.StageRevealing, current.Stage)

	require.NoError(t, app.ResetForNextCycle(ctx, created.ID))
	current, _ = repo.GetRoom(ctx, created.ID)
	assert.Equal(t, models.StageChoosing, current.Stage)
	assert.Nil(t, current.CurrentQuestion)
	require.NotNil(t, current.CurrentAsker)
	assert.Equal(t, alice, *current.CurrentAsker, "single-member roster wraps to itself")

	m, _ := repo.GetMember(ctx, created.ID, alice)
	assert.False(t, m.Submitted)
	assert.Nil(t, m.AnswerText)
}
