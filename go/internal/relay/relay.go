package relay

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jqwei/truthordare/go/internal/store"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Config configures the Postgres side of the relay.
type Config struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // Channel name to LISTEN on
	FallbackInterval time.Duration // How often to poll for missed events
	MaxRetries       int
	RetryDelay       time.Duration
	PingInterval     time.Duration
	BatchSize        int32 // Max events to fetch per fallback poll
}

// DefaultConfig returns relay defaults matching the schema triggers.
func DefaultConfig() Config {
	return Config{
		DatabaseURL:      "",
		NotifyChannel:    "room_events",
		FallbackInterval: 30 * time.Second,
		MaxRetries:       5,
		RetryDelay:       200 * time.Millisecond,
		PingInterval:     90 * time.Second,
		BatchSize:        100,
	}
}

// Publisher is the bus side of the relay.
type Publisher interface {
	Publish(ctx context.Context, event store.ChangeEvent) error
}

// Relay bridges the Postgres room_events notification channel onto a
// message bus so clients can subscribe without a direct store connection.
// Delivery is at-least-once; the publisher's message-id dedupe absorbs
// replays from the fallback poll.
type Relay struct {
	db        *sql.DB
	listener  *pq.Listener
	publisher Publisher
	cfg       Config
	lastSeq   int64
}

// NewRelay creates the relay and starts LISTENing on the configured
// channel.
func NewRelay(db *sql.DB, publisher Publisher, cfg Config) (*Relay, error) {
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
		Msg("relay listening for notifications")

	return &Relay{
		db:        db,
		listener:  l,
		publisher: publisher,
		cfg:       cfg,
	}, nil
}

// Start bridges notifications until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	row := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM room_events`)
	if err := row.Scan(&r.lastSeq); err != nil {
		return fmt.Errorf("failed to read journal cursor: %w", err)
	}

	log.Info().
		Str("channel", r.cfg.NotifyChannel).
		Dur("ping_interval", r.cfg.PingInterval).
		Dur("fallback_interval", r.cfg.FallbackInterval).
		Msg("relay started")

	pingTicker := time.NewTicker(r.cfg.PingInterval)
	fallbackTicker := time.NewTicker(r.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("relay shutting down")
			return r.Stop()
		case note := <-r.listener.Notify:
			if note == nil {
				// Connection was lost and re-established; the fallback
				// poll covers the gap.
				continue
			}
			if err := r.handleNotification(ctx, note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle notification")
			}
		case <-fallbackTicker.C:
			if err := r.processMissed(ctx); err != nil {
				log.Error().Err(err).Msg("failed to process missed events")
			}
		case <-pingTicker.C:
			if err := r.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

// Stop closes the underlying pq listener.
func (r *Relay) Stop() error {
	return r.listener.Close()
}

func (r *Relay) handleNotification(ctx context.Context, extra string) error {
	id, err := uuid.Parse(extra)
	if err != nil {
		return fmt.Errorf("invalid event ID in notification: %w", err)
	}

	event, err := store.FetchEventByID(ctx, r.db, id)
	if err != nil {
		return err
	}

	if err := r.publishWithRetry(ctx, *event); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	if event.Seq > r.lastSeq {
		r.lastSeq = event.Seq
	}
	return nil
}

func (r *Relay) processMissed(ctx context.Context) error {
	events, err := store.FetchEventsAfter(ctx, r.db, r.lastSeq, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, event := range events {
		if err := r.publishWithRetry(ctx, event); err != nil {
			log.Error().Err(err).Str("event_id", event.ID.String()).Msg("failed to publish event")
			continue
		}
		if event.Seq > r.lastSeq {
			r.lastSeq = event.Seq
		}
	}
	return nil
}

// publishWithRetry attempts to publish an event with a given retry delay
// and max retries.
func (r *Relay) publishWithRetry(ctx context.Context, event store.ChangeEvent) error {
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.cfg.RetryDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := r.publisher.Publish(ctx, event); err != nil {
			lastErr = err
			log.Error().
				Err(err).
				Int("attempt", attempt+1).
				Str("event_id", event.ID.String()).
				Msg("failed to publish, retrying")
			continue
		}

		if attempt > 0 {
			log.Info().
				Int("attempt", attempt+1).
				Str("event_id", event.ID.String()).
				Msg("publish succeeded after retry")
		}
		return nil
	}

	return fmt.Errorf("publish failed after %d attempts: %w", r.cfg.MaxRetries+1, lastErr)
}
