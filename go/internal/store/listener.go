package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/sqlc-dev/pqtype"
)

// ListenerConfig configures the Postgres-backed notifier.
type ListenerConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // Channel name to LISTEN on
	FallbackInterval time.Duration // How often to poll for missed events
	PingInterval     time.Duration
	BatchSize        int32 // Max journal rows to fetch per fallback poll
	BufferSize       int   // Per-subscription channel buffer
}

// DefaultListenerConfig returns defaults matching the schema triggers.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		DatabaseURL:      "",
		NotifyChannel:    "room_events",
		FallbackInterval: 30 * time.Second,
		PingInterval:     90 * time.Second,
		BatchSize:        100,
		BufferSize:       32,
	}
}

type subKey struct {
	table  string
	roomID uuid.UUID
}

type subscription struct {
	key    subKey
	events chan ChangeEvent
	owner  *Listener

	mu     sync.Mutex
	closed bool
}

func (s *subscription) Events() <-chan ChangeEvent { return s.events }

func (s *subscription) Unsubscribe() {
	s.owner.remove(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

// deliver hands an event to the subscriber without blocking the dispatch
// loop. Delivery after Unsubscribe is a no-op.
func (s *subscription) deliver(event ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
		log.Warn().
			Str("table", event.Table).
			Str("room_id", event.RoomID.String()).
			Msg("subscription buffer full, dropping event")
	}
}

// Listener is the Postgres-backed Notifier. It holds exactly one
// pq.Listener per process and fans journal events out to per-(table, room)
// subscriptions. Notifications carry only the event id; the payload is
// fetched from the room_events journal, which also lets the fallback poll
// repair missed notifications after a dropped connection.
type Listener struct {
	db       *sql.DB
	listener *pq.Listener
	cfg      ListenerConfig

	mu      sync.Mutex
	subs    map[subKey][]*subscription
	lastSeq int64
}

// NewListener creates the notifier and starts LISTENing on the configured
// channel. Call Start to begin dispatching.
func NewListener(db *sql.DB, cfg ListenerConfig) (*Listener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for room change notifications")

	return &Listener{
		db:       db,
		listener: l,
		cfg:      cfg,
		subs:     make(map[subKey][]*subscription),
	}, nil
}

// Subscribe registers a change feed for one (table, room) pair.
func (l *Listener) Subscribe(_ context.Context, table string, roomID uuid.UUID) (Subscription, error) {
	if table != TableRooms && table != TableRoomMembers {
		return nil, fmt.Errorf("unknown table %q", table)
	}

	sub := &subscription{
		key:    subKey{table: table, roomID: roomID},
		events: make(chan ChangeEvent, l.cfg.BufferSize),
		owner:  l,
	}

	l.mu.Lock()
	l.subs[sub.key] = append(l.subs[sub.key], sub)
	l.mu.Unlock()

	log.Debug().
		Str("table", table).
		Str("room_id", roomID.String()).
		Msg("subscription registered")
	return sub, nil
}

func (l *Listener) remove(sub *subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()

	subs := l.subs[sub.key]
	for i, s := range subs {
		if s == sub {
			l.subs[sub.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(l.subs[sub.key]) == 0 {
		delete(l.subs, sub.key)
	}
}

// Start dispatches notifications until ctx is cancelled. The fallback
// ticker re-reads the journal past the last seen sequence so that events
// coalesced or lost while the connection was down still reach subscribers.
func (l *Listener) Start(ctx context.Context) error {
	// Start from the journal tip; history before activation belongs to the
	// initial snapshot fetch, not the change feed.
	if err := l.initCursor(ctx); err != nil {
		return err
	}

	log.Info().
		Str("channel", l.cfg.NotifyChannel).
		Dur("ping_interval", l.cfg.PingInterval).
		Dur("fallback_interval", l.cfg.FallbackInterval).
		Msg("store listener started")

	pingTicker := time.NewTicker(l.cfg.PingInterval)
	fallbackTicker := time.NewTicker(l.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("store listener shutting down")
			return l.Stop()
		case note := <-l.listener.Notify:
			if note == nil {
				// nil notification means the connection was lost and
				// re-established; the fallback poll covers the gap.
				continue
			}
			if err := l.handleNotification(ctx, note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle notification")
			}
		case <-fallbackTicker.C:
			if err := l.processMissed(ctx); err != nil {
				log.Error().Err(err).Msg("failed to process missed events")
			}
		case <-pingTicker.C:
			if err := l.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

// Stop closes the underlying pq listener.
func (l *Listener) Stop() error {
	return l.listener.Close()
}

func (l *Listener) initCursor(ctx context.Context) error {
	row := l.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM room_events`)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := row.Scan(&l.lastSeq); err != nil {
		return fmt.Errorf("failed to read journal cursor: %w", err)
	}
	return nil
}

// handleNotification resolves a pg notification. Extra is the journal row
// id; the row itself carries table, op, room and the full changed row.
func (l *Listener) handleNotification(ctx context.Context, extra string) error {
	id, err := uuid.Parse(extra)
	if err != nil {
		return fmt.Errorf("invalid event ID in notification: %w", err)
	}

	event, err := l.fetchEvent(ctx, id)
	if err != nil {
		return err
	}

	l.dispatch(*event)
	return nil
}

// processMissed replays journal rows past the last dispatched sequence.
func (l *Listener) processMissed(ctx context.Context) error {
	l.mu.Lock()
	cursor := l.lastSeq
	l.mu.Unlock()

	events, err := FetchEventsAfter(ctx, l.db, cursor, l.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, event := range events {
		l.dispatch(event)
	}

	if len(events) > 0 {
		log.Debug().Int("count", len(events)).Msg("replayed journal events")
	}
	return nil
}

func (l *Listener) fetchEvent(ctx context.Context, id uuid.UUID) (*ChangeEvent, error) {
	return FetchEventByID(ctx, l.db, id)
}

func (l *Listener) dispatch(event ChangeEvent) {
	l.mu.Lock()
	if event.Seq > l.lastSeq {
		l.lastSeq = event.Seq
	}
	key := subKey{table: event.Table, roomID: event.RoomID}
	targets := append([]*subscription(nil), l.subs[key]...)
	l.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(event)
	}
}

// FetchEventByID loads one journal row. The pg notification payload is the
// row id; the row carries everything subscribers need.
func FetchEventByID(ctx context.Context, db *sql.DB, id uuid.UUID) (*ChangeEvent, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, seq, room_id, table_name, op, payload, created_at
		FROM room_events
		WHERE id = $1`,
		id,
	)
	event, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch journal event: %w", err)
	}
	return event, nil
}

// FetchEventsAfter returns journal rows past seq in order, for replaying
// events missed while a notification connection was down.
func FetchEventsAfter(ctx context.Context, db *sql.DB, seq int64, limit int32) ([]ChangeEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, seq, room_id, table_name, op, payload, created_at
		FROM room_events
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2`,
		seq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch journal events: %w", err)
	}
	defer rows.Close()

	var events []ChangeEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal event: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate journal events: %w", err)
	}
	return events, nil
}

type eventScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row eventScanner) (*ChangeEvent, error) {
	var (
		event   ChangeEvent
		op      string
		payload pqtype.NullRawMessage
	)
	if err := row.Scan(&event.ID, &event.Seq, &event.RoomID, &event.Table,
		&op, &payload, &event.CreatedAt); err != nil {
		return nil, err
	}
	event.Op = Op(op)
	if payload.Valid {
		event.Payload = payload.RawMessage
	}
	return &event, nil
}
