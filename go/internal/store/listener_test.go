package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestListener() *Listener {
	return &Listener{
		cfg:  DefaultListenerConfig(),
		subs: make(map[subKey][]*subscription),
	}
}

func (l *Listener) testSubscribe(t *testing.T, table string, roomID uuid.UUID) Subscription {
	t.Helper()
	sub, err := l.Subscribe(context.Background(), table, roomID)
	require.NoError(t, err)
	return sub
}

func event(table string, roomID uuid.UUID, seq int64) ChangeEvent {
	return ChangeEvent{ID: uuid.New(), Seq: seq, RoomID: roomID, Table: table, Op: OpUpdate}
}

func TestDispatchFiltersByTableAndRoom(t *testing.T) {
	l := newTestListener()
	roomA := uuid.New()
	roomB := uuid.New()

	roomsA := l.testSubscribe(t, TableRooms, roomA)
	membersA := l.testSubscribe(t, TableRoomMembers, roomA)
	roomsB := l.testSubscribe(t, TableRooms, roomB)

	l.dispatch(event(TableRooms, roomA, 1))

	select {
	case got := <-roomsA.Events():
		assert.Equal(t, TableRooms, got.Table)
		assert.Equal(t, roomA, got.RoomID)
	default:
		t.Fatal("expected rooms subscription for room A to receive the event")
	}
	assert.Empty(t, membersA.Events(), "member subscription must not see room events")
	assert.Empty(t, roomsB.Events(), "other rooms must not see the event")
}

func TestDispatchAdvancesCursor(t *testing.T) {
	l := newTestListener()
	roomID := uuid.New()

	l.dispatch(event(TableRooms, roomID, 7))
	assert.Equal(t, int64(7), l.lastSeq)

	// Replayed older events never move the cursor backwards.
	l.dispatch(event(TableRooms, roomID, 3))
	assert.Equal(t, int64(7), l.lastSeq)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	l := newTestListener()
	roomID := uuid.New()

	sub := l.testSubscribe(t, TableRooms, roomID)
	sub.Unsubscribe()
	// Double Unsubscribe must be safe.
	sub.Unsubscribe()

	assert.Empty(t, l.subs, "unsubscribe must release the registration")

	// Delivery after unsubscribe is a no-op, not a panic.
	l.dispatch(event(TableRooms, roomID, 1))
}

func TestSubscribeRejectsUnknownTable(t *testing.T) {
	l := newTestListener()
	_, err := l.Subscribe(context.Background(), "outbox", uuid.New())
	assert.Error(t, err)
}

func TestDispatchDropsWhenBufferFull(t *testing.T) {
	l := newTestListener()
	l.cfg.BufferSize = 1
	roomID := uuid.New()

	sub := l.testSubscribe(t, TableRooms, roomID)
	l.dispatch(event(TableRooms, roomID, 1))
	l.dispatch(event(TableRooms, roomID, 2))

	got := <-sub.Events()
	assert.Equal(t, int64(1), got.Seq)
	assert.Empty(t, sub.Events(), "second event dropped instead of blocking dispatch")
}
