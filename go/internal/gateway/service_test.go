package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/jqwei/truthordare/go/internal/models"
	"github.com/jqwei/truthordare/go/internal/room"
	"github.com/jqwei/truthordare/go/internal/store"
	roomsync "github.com/jqwei/truthordare/go/internal/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	events chan store.ChangeEvent
	once   sync.Once
}

func newFakeSub() *fakeSub {
	return &fakeSub{events: make(chan store.ChangeEvent, 8)}
}

func (s *fakeSub) Events() <-chan store.ChangeEvent { return s.events }
func (s *fakeSub) Unsubscribe()                     { s.once.Do(func() { close(s.events) }) }

type fakeNotifier struct{}

func (fakeNotifier) Subscribe(ctx context.Context, table string, roomID uuid.UUID) (store.Subscription, error) {
	return newFakeSub(), nil
}

type fakeReader struct {
	mu     sync.Mutex
	room   models.Room
	roster []models.Member
}

func (r *fakeReader) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != r.room.ID {
		return nil, room.ErrRoomNotFound
	}
	copied := r.room
	return &copied, nil
}

func (r *fakeReader) ListMembers(ctx context.Context, roomID uuid.UUID) ([]models.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Member(nil), r.roster...), nil
}

func ptr[T any](v T) *T { return &v }

func newTestService(t *testing.T) (*Service, *fakeReader, *httptest.Server) {
	t.Helper()

	asker := uuid.New()
	reader := &fakeReader{
		room: models.Room{ID: uuid.New(), Stage: models.StageAnswering, CurrentAsker: &asker},
		roster: []models.Member{
			{UserID: asker, Nickname: ptr("Alex"), Submitted: true, AnswerText: ptr("never")},
			{UserID: uuid.New(), Nickname: ptr("Sam")},
		},
	}

	svc := NewService(reader, fakeNotifier{}, clockwork.NewFakeClock())
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Start(ctx)

	return svc, reader, srv
}

func wsURL(srv *httptest.Server, roomID string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?room_id=" + roomID
}

func TestSnapshotEventRedactsAnswersOutsideReveal(t *testing.T) {
	asker := uuid.New()
	snap := roomsync.Snapshot{
		Room: models.Room{ID: uuid.New(), Stage: models.StageAnswering, CurrentAsker: &asker},
		Roster: []models.Member{
			{UserID: asker, Nickname: ptr("Alex"), Submitted: true, AnswerText: ptr("secret")},
		},
	}

	event := snapshotEvent(snap)
	require.Len(t, event.Roster, 1)
	assert.Nil(t, event.Roster[0].AnswerText, "answers stay hidden until the reveal")
	assert.True(t, event.Roster[0].Submitted)

	snap.Room.Stage = models.StageRevealing
	event = snapshotEvent(snap)
	require.NotNil(t, event.Roster[0].AnswerText)
	assert.Equal(t, "secret", *event.Roster[0].AnswerText)
}

func TestHealthEndpoint(t *testing.T) {
	_, _, srv := newTestService(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWSRejectsMalformedRoomID(t *testing.T) {
	_, _, srv := newTestService(t)

	resp, err := http.Get(srv.URL + "/ws?room_id=party")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWSRejectsUnknownRoom(t *testing.T) {
	_, _, srv := newTestService(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, uuid.NewString()), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSpectatorReceivesInitialSnapshot(t *testing.T) {
	_, reader, srv := newTestService(t)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, reader.room.ID.String()), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event RoomEvent
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, EventSnapshot, event.Type)
	require.NotNil(t, event.Room)
	assert.Equal(t, reader.room.ID, event.Room.ID)
	assert.Equal(t, string(models.StageAnswering), event.Room.Stage)
	require.Len(t, event.Roster, 2)
	assert.Nil(t, event.Roster[0].AnswerText)
}

func TestWatcherSharedAcrossSpectators(t *testing.T) {
	svc, reader, srv := newTestService(t)

	first, resp1, err := websocket.DefaultDialer.Dial(wsURL(srv, reader.room.ID.String()), nil)
	require.NoError(t, err)
	defer resp1.Body.Close()
	second, resp2, err := websocket.DefaultDialer.Dial(wsURL(srv, reader.room.ID.String()), nil)
	require.NoError(t, err)
	defer resp2.Body.Close()

	svc.mu.Lock()
	watcherCount := len(svc.watchers)
	svc.mu.Unlock()
	assert.Equal(t, 1, watcherCount, "one engine per room, however many spectators")

	first.Close()
	second.Close()

	// The last disconnect releases the room's engine.
	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return len(svc.watchers) == 0
	}, 2*time.Second, 20*time.Millisecond)
}
