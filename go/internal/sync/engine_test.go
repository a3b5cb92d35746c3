package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/jqwei/truthordare/go/internal/models"
	"github.com/jqwei/truthordare/go/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	ch       chan store.ChangeEvent
	mu       stdsync.Mutex
	unsubbed int
}

func (s *fakeSub) Events() <-chan store.ChangeEvent { return s.ch }

func (s *fakeSub) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubbed++
}

func (s *fakeSub) unsubscribeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubbed
}

type fakeNotifier struct {
	mu   stdsync.Mutex
	subs map[string]*fakeSub
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{subs: make(map[string]*fakeSub)}
}

func (n *fakeNotifier) Subscribe(_ context.Context, table string, roomID uuid.UUID) (store.Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	sub := &fakeSub{ch: make(chan store.ChangeEvent, 8)}
	n.subs[table+"|"+roomID.String()] = sub
	return sub, nil
}

func (n *fakeNotifier) sub(table string, roomID uuid.UUID) *fakeSub {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subs[table+"|"+roomID.String()]
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

type fakeReader struct {
	mu          stdsync.Mutex
	room        models.Room
	roster      []models.Member
	roomFetches int
	listFetches int
}

func (r *fakeReader) GetRoom(_ context.Context, _ uuid.UUID) (*models.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roomFetches++
	cp := r.room
	return &cp, nil
}

func (r *fakeReader) ListMembers(_ context.Context, _ uuid.UUID) ([]models.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listFetches++
	return append([]models.Member(nil), r.roster...), nil
}

func (r *fakeReader) setRoster(roster []models.Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roster = roster
}

func (r *fakeReader) fetches() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomFetches, r.listFetches
}

type fakeAdvancer struct {
	mu    stdsync.Mutex
	calls int
}

func (a *fakeAdvancer) AdvanceIfAllSubmitted(_ context.Context, _ *models.Room, _ []models.Member) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return nil
}

func (a *fakeAdvancer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func testMember(roomID, userID uuid.UUID, submitted bool) models.Member {
	return models.Member{RoomID: roomID, UserID: userID, Submitted: submitted}
}

type harness struct {
	engine   *Engine
	notifier *fakeNotifier
	reader   *fakeReader
	advancer *fakeAdvancer
	clock    *clockwork.FakeClock
	updates  chan Snapshot
	roomID   uuid.UUID
}

func newHarness(t *testing.T, room models.Room, roster []models.Member) *harness {
	t.Helper()

	h := &harness{
		notifier: newFakeNotifier(),
		reader:   &fakeReader{room: room, roster: roster},
		advancer: &fakeAdvancer{},
		clock:    clockwork.NewFakeClock(),
		updates:  make(chan Snapshot, 16),
		roomID:   room.ID,
	}
	h.engine = NewEngine(h.reader, h.advancer, h.notifier, room.ID, h.clock)
	h.engine.OnUpdate(func(s Snapshot) { h.updates <- s })

	require.NoError(t, h.engine.Start(context.Background()))
	t.Cleanup(h.engine.Close)

	// Drain the activation snapshot.
	h.waitUpdate(t)
	return h
}

func (h *harness) waitUpdate(t *testing.T) Snapshot {
	t.Helper()
	select {
	case s := <-h.updates:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot update")
		return Snapshot{}
	}
}

func TestStartEstablishesInitialSnapshot(t *testing.T) {
	roomID := uuid.New()
	asker := uuid.New()
	room := models.Room{ID: roomID, Stage: models.StageChoosing, CurrentAsker: &asker}
	h := newHarness(t, room, []models.Member{testMember(roomID, asker, false)})

	snap := h.engine.Snapshot()
	assert.Equal(t, models.StageChoosing, snap.Room.Stage)
	require.Len(t, snap.Roster, 1)
	assert.Equal(t, asker, snap.Roster[0].UserID)

	assert.Equal(t, 2, h.notifier.count(), "exactly one subscription per watched table")
	require.NotNil(t, h.notifier.sub(store.TableRooms, roomID))
	require.NotNil(t, h.notifier.sub(store.TableRoomMembers, roomID))
}

func TestMemberChangeRefetchesRoster(t *testing.T) {
	roomID := uuid.New()
	a := uuid.New()
	room := models.Room{ID: roomID, Stage: models.StageChoosing, CurrentAsker: &a}
	h := newHarness(t, room, []models.Member{testMember(roomID, a, false)})

	b := uuid.New()
	h.reader.setRoster([]models.Member{testMember(roomID, a, false), testMember(roomID, b, false)})

	h.notifier.sub(store.TableRoomMembers, roomID).ch <- store.ChangeEvent{
		RoomID: roomID, Table: store.TableRoomMembers, Op: store.OpInsert,
	}

	snap := h.waitUpdate(t)
	assert.Len(t, snap.Roster, 2, "member event must re-derive the full roster")

	roomFetches, _ := h.reader.fetches()
	assert.Equal(t, 1, roomFetches, "member events never re-fetch the room row")
}

func TestRoomUpdateAppliedFromPayload(t *testing.T) {
	roomID := uuid.New()
	asker := uuid.New()
	room := models.Room{ID: roomID, Stage: models.StageChoosing, CurrentAsker: &asker}
	h := newHarness(t, room, []models.Member{testMember(roomID, asker, false)})

	question := "Truth or dare?"
	updated := models.Room{ID: roomID, Stage: models.StageAnswering, CurrentQuestion: &question, CurrentAsker: &asker}
	payload, err := json.Marshal(updated)
	require.NoError(t, err)

	h.notifier.sub(store.TableRooms, roomID).ch <- store.ChangeEvent{
		RoomID: roomID, Table: store.TableRooms, Op: store.OpUpdate, Payload: payload,
	}

	snap := h.waitUpdate(t)
	assert.Equal(t, models.StageAnswering, snap.Room.Stage)
	require.NotNil(t, snap.Room.CurrentQuestion)
	assert.Equal(t, question, *snap.Room.CurrentQuestion)

	roomFetches, _ := h.reader.fetches()
	assert.Equal(t, 1, roomFetches, "room updates come straight from the notification payload")
}

func TestAllSubmittedAdvancesAfterSettleDelay(t *testing.T) {
	roomID := uuid.New()
	a := uuid.New()
	b := uuid.New()
	room := models.Room{ID: roomID, Stage: models.StageAnswering, CurrentAsker: &a}
	h := newHarness(t, room, []models.Member{testMember(roomID, a, true), testMember(roomID, b, false)})

	h.reader.setRoster([]models.Member{testMember(roomID, a, true), testMember(roomID, b, true)})
	h.notifier.sub(store.TableRoomMembers, roomID).ch <- store.ChangeEvent{
		RoomID: roomID, Table: store.TableRoomMembers, Op: store.OpUpdate,
	}
	h.waitUpdate(t)

	// The advance waits out the settle delay first.
	h.clock.BlockUntil(1)
	assert.Equal(t, 0, h.advancer.callCount(), "no advance before the settle delay expires")

	h.clock.Advance(settleDelay)
	require.Eventually(t, func() bool {
		return h.advancer.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond, "expected exactly one advance after the delay")
}

func TestAdvanceIssuedOnceWhileRoomStaysAnswering(t *testing.T) {
	roomID := uuid.New()
	a := uuid.New()
	b := uuid.New()
	room := models.Room{ID: roomID, Stage: models.StageAnswering, CurrentAsker: &a}
	h := newHarness(t, room, []models.Member{testMember(roomID, a, true), testMember(roomID, b, true)})

	h.clock.BlockUntil(1)
	h.clock.Advance(settleDelay)
	require.Eventually(t, func() bool {
		return h.advancer.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A duplicate member notification leaves the roster fully submitted.
	h.notifier.sub(store.TableRoomMembers, roomID).ch <- store.ChangeEvent{
		RoomID: roomID, Table: store.TableRoomMembers, Op: store.OpUpdate,
	}
	h.waitUpdate(t)

	// Until the room notification lands the local snapshot still says
	// answering; further settle intervals must not re-issue the write.
	for i := 0; i < 3; i++ {
		h.clock.Advance(settleDelay)
		time.Sleep(20 * time.Millisecond)
	}
	require.Never(t, func() bool {
		return h.advancer.callCount() > 1
	}, 200*time.Millisecond, 20*time.Millisecond)

	// The notification for the advanced room arrives; the stage is no
	// longer answering, so nothing re-fires.
	updated := models.Room{ID: roomID, Stage: models.StageRevealing, CurrentAsker: &a}
	payload, err := json.Marshal(updated)
	require.NoError(t, err)
	h.notifier.sub(store.TableRooms, roomID).ch <- store.ChangeEvent{
		RoomID: roomID, Table: store.TableRooms, Op: store.OpUpdate, Payload: payload,
	}
	snap := h.waitUpdate(t)
	assert.Equal(t, models.StageRevealing, snap.Room.Stage)
	assert.Equal(t, 1, h.advancer.callCount())
}

func TestPendingMemberBlocksAdvance(t *testing.T) {
	roomID := uuid.New()
	a := uuid.New()
	b := uuid.New()
	room := models.Room{ID: roomID, Stage: models.StageAnswering, CurrentAsker: &a}
	h := newHarness(t, room, []models.Member{testMember(roomID, a, true), testMember(roomID, b, false)})

	h.notifier.sub(store.TableRoomMembers, roomID).ch <- store.ChangeEvent{
		RoomID: roomID, Table: store.TableRoomMembers, Op: store.OpUpdate,
	}
	h.waitUpdate(t)

	assert.Equal(t, 0, h.advancer.callCount(), "roster with a pending member must not advance")
}

func TestCloseReleasesSubscriptions(t *testing.T) {
	roomID := uuid.New()
	asker := uuid.New()
	room := models.Room{ID: roomID, Stage: models.StageChoosing, CurrentAsker: &asker}
	h := newHarness(t, room, []models.Member{testMember(roomID, asker, false)})

	roomSub := h.notifier.sub(store.TableRooms, roomID)
	memberSub := h.notifier.sub(store.TableRoomMembers, roomID)

	h.engine.Close()
	assert.Equal(t, 1, roomSub.unsubscribeCount())
	assert.Equal(t, 1, memberSub.unsubscribeCount())

	// Double close must not double-release.
	h.engine.Close()
	assert.Equal(t, 1, roomSub.unsubscribeCount())
}

func TestDuplicateSubscribeCoalesced(t *testing.T) {
	roomID := uuid.New()
	asker := uuid.New()
	room := models.Room{ID: roomID, Stage: models.StageChoosing, CurrentAsker: &asker}
	h := newHarness(t, room, []models.Member{testMember(roomID, asker, false)})

	// A second logical listener asking for the same (table, room) pair
	// reuses the existing subscription.
	_, err := h.engine.subscribe(context.Background(), store.TableRooms)
	require.NoError(t, err)
	assert.Equal(t, 2, h.notifier.count())
}

func TestStartTwiceFails(t *testing.T) {
	roomID := uuid.New()
	room := models.Room{ID: roomID, Stage: models.StageChoosing}
	h := newHarness(t, room, nil)

	assert.Error(t, h.engine.Start(context.Background()))
}
