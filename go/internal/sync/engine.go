// Package sync maintains a live, eventually-consistent local mirror of one
// room and its member roster. Every client process runs its own Engine;
// there is no authoritative server. Convergence comes from the store's
// per-row last-write-wins behavior plus the change notifications the
// Engine reconciles.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/jqwei/truthordare/go/internal/game"
	"github.com/jqwei/truthordare/go/internal/models"
	"github.com/jqwei/truthordare/go/internal/store"
	"github.com/rs/zerolog/log"
)

// settleDelay is how long a client waits after observing a fully-submitted
// roster before issuing the advance write, giving in-flight roster updates
// a moment to land.
const settleDelay = 300 * time.Millisecond

// RoomReader is the read side the engine reconciles from.
type RoomReader interface {
	GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error)
	ListMembers(ctx context.Context, roomID uuid.UUID) ([]models.Member, error)
}

// StageAdvancer issues the answering -> revealing transition. The engine
// calls it redundantly from every client; the implementation must be
// idempotent.
type StageAdvancer interface {
	AdvanceIfAllSubmitted(ctx context.Context, current *models.Room, roster []models.Member) error
}

// Snapshot is the engine's current best-known view, replaced wholesale on
// every reconciliation.
type Snapshot struct {
	Room   models.Room
	Roster []models.Member
}

// Observer receives a copy of the snapshot after each reconciliation.
type Observer func(Snapshot)

// Engine subscribes to change notifications for one room and keeps the
// local snapshot converged. Member-table changes trigger a full roster
// re-fetch; room-table updates are applied straight from the notification
// payload.
type Engine struct {
	reader   RoomReader
	advancer StageAdvancer
	notifier store.Notifier
	roomID   uuid.UUID
	clock    clockwork.Clock

	mu        sync.Mutex
	room      models.Room
	roster    []models.Member
	subs      map[string]store.Subscription
	observers []Observer
	started   bool
	closed    bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates an engine for one room. Call Start to activate it.
func NewEngine(reader RoomReader, advancer StageAdvancer, notifier store.Notifier, roomID uuid.UUID, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		reader:   reader,
		advancer: advancer,
		notifier: notifier,
		roomID:   roomID,
		clock:    clock,
		subs:     make(map[string]store.Subscription),
		done:     make(chan struct{}),
	}
}

// OnUpdate registers an observer. Must be called before Start; observers
// run on the engine goroutine and should return quickly.
func (e *Engine) OnUpdate(fn Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

// Start establishes the initial snapshot with a full fetch, then opens
// exactly one subscription per watched table. Cold start never relies on
// notifications alone; anything that changed before activation is covered
// by the fetch.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	current, err := e.reader.GetRoom(ctx, e.roomID)
	if err != nil {
		return fmt.Errorf("failed to fetch initial room snapshot: %w", err)
	}
	roster, err := e.reader.ListMembers(ctx, e.roomID)
	if err != nil {
		return fmt.Errorf("failed to fetch initial roster: %w", err)
	}

	roomSub, err := e.subscribe(ctx, store.TableRooms)
	if err != nil {
		return err
	}
	memberSub, err := e.subscribe(ctx, store.TableRoomMembers)
	if err != nil {
		roomSub.Unsubscribe()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.room = *current
	e.roster = roster
	e.mu.Unlock()

	log.Info().
		Str("room_id", e.roomID.String()).
		Str("stage", string(current.Stage)).
		Int("members", len(roster)).
		Msg("sync engine activated")

	e.notifyObservers()
	go e.run(runCtx, roomSub, memberSub)
	return nil
}

// subscribe opens the (table, room) feed, coalescing duplicate requests so
// one engine never holds two subscriptions for the same pair.
func (e *Engine) subscribe(ctx context.Context, table string) (store.Subscription, error) {
	e.mu.Lock()
	if sub, ok := e.subs[table]; ok {
		e.mu.Unlock()
		return sub, nil
	}
	e.mu.Unlock()

	sub, err := e.notifier.Subscribe(ctx, table, e.roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s changes: %w", table, err)
	}

	e.mu.Lock()
	e.subs[table] = sub
	e.mu.Unlock()
	return sub, nil
}

// Close deactivates the engine: the reconcile loop stops and every
// subscription is released. Safe to call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	cancel := e.cancel
	subs := make([]store.Subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		subs = append(subs, sub)
	}
	e.subs = make(map[string]store.Subscription)
	started := e.started
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if started && cancel != nil {
		<-e.done
	}

	log.Info().Str("room_id", e.roomID.String()).Msg("sync engine closed")
}

// Snapshot returns a copy of the current best-known state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		Room:   e.room,
		Roster: append([]models.Member(nil), e.roster...),
	}
}

func (e *Engine) run(ctx context.Context, roomSub, memberSub store.Subscription) {
	defer close(e.done)

	// A client activating into an already fully-submitted roster (e.g.
	// reconnect) must still evaluate the advance, not wait for the next
	// notification.
	var settle <-chan time.Time
	if e.shouldAdvance() {
		settle = e.clock.After(settleDelay)
	}

	// After a successful advance write the local room stays on answering
	// until the room notification lands. advanced suppresses re-arming the
	// settle timer in that window so the write is issued once, not on every
	// settle interval.
	advanced := false

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-roomSub.Events():
			if !ok {
				return
			}
			e.applyRoomEvent(ctx, event)
			advanced = false

		case event, ok := <-memberSub.Events():
			if !ok {
				return
			}
			// Any member change, whatever the op, means the roster may be
			// stale; re-derive it wholesale rather than patching, which
			// would misbehave under coalesced or out-of-order delivery.
			log.Debug().
				Str("room_id", e.roomID.String()).
				Str("op", string(event.Op)).
				Msg("member change, refreshing roster")
			e.refreshRoster(ctx)

		case <-settle:
			settle = nil
			advanced = e.tryAdvance(ctx)
		}

		if settle == nil && !advanced && e.shouldAdvance() {
			settle = e.clock.After(settleDelay)
		}
	}
}

// applyRoomEvent replaces the local room snapshot with the notification's
// payload, which carries the full post-update row. Only a payload-less
// event falls back to a re-fetch.
func (e *Engine) applyRoomEvent(ctx context.Context, event store.ChangeEvent) {
	if event.Op == store.OpDelete {
		// Rooms are never deleted within a session's lifetime; ignore.
		return
	}

	var updated models.Room
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &updated); err != nil {
			log.Error().Err(err).Str("room_id", e.roomID.String()).Msg("failed to decode room payload, re-fetching")
			e.refreshRoom(ctx)
			return
		}
	} else {
		e.refreshRoom(ctx)
		return
	}

	e.mu.Lock()
	e.room = updated
	e.mu.Unlock()

	log.Debug().
		Str("room_id", e.roomID.String()).
		Str("stage", string(updated.Stage)).
		Msg("room snapshot replaced from notification")
	e.notifyObservers()
}

func (e *Engine) refreshRoom(ctx context.Context) {
	current, err := e.reader.GetRoom(ctx, e.roomID)
	if err != nil {
		log.Error().Err(err).Str("room_id", e.roomID.String()).Msg("failed to refresh room")
		return
	}

	e.mu.Lock()
	e.room = *current
	e.mu.Unlock()
	e.notifyObservers()
}

func (e *Engine) refreshRoster(ctx context.Context) {
	roster, err := e.reader.ListMembers(ctx, e.roomID)
	if err != nil {
		log.Error().Err(err).Str("room_id", e.roomID.String()).Msg("failed to refresh roster")
		return
	}

	e.mu.Lock()
	e.roster = roster
	e.mu.Unlock()
	e.notifyObservers()
}

func (e *Engine) shouldAdvance() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.room
	return game.ShouldAdvanceToRevealing(&current, e.roster)
}

// tryAdvance re-checks the snapshot after the settle delay and issues the
// idempotent advance write. Several clients race here on purpose. Returns
// true once the write succeeds; a failed write returns false so the next
// reconciliation retries it.
func (e *Engine) tryAdvance(ctx context.Context) bool {
	e.mu.Lock()
	snap := e.snapshotLocked()
	e.mu.Unlock()

	if !game.ShouldAdvanceToRevealing(&snap.Room, snap.Roster) {
		return false
	}
	if err := e.advancer.AdvanceIfAllSubmitted(ctx, &snap.Room, snap.Roster); err != nil {
		log.Error().Err(err).Str("room_id", e.roomID.String()).Msg("failed to advance stage")
		return false
	}
	return true
}

func (e *Engine) notifyObservers() {
	e.mu.Lock()
	snap := e.snapshotLocked()
	observers := append([]Observer(nil), e.observers...)
	e.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}
