package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds configuration for the JetStream-backed notifier. The
// relay process bridges the Postgres notification channel onto
// room.events.<table>.<room_id> subjects in the configured stream.
type NATSConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	BufferSize    int
}

// DefaultNATSConfig returns defaults matching the relay.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		StreamName:    "ROOM_EVENTS",
		SubjectPrefix: "room.events",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
		BufferSize:    32,
	}
}

// NATSNotifier is a Notifier over a JetStream stream fed by the relay.
// Each Subscribe creates an ordered consumer filtered to one
// (table, room) subject.
type NATSNotifier struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config NATSConfig
}

// NewNATSNotifier connects to NATS and verifies the stream exists.
func NewNATSNotifier(ctx context.Context, config NATSConfig) (*NATSNotifier, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	if _, err := js.Stream(ctx, config.StreamName); err != nil {
		nc.Close()
		return nil, fmt.Errorf("stream %s not available (is the relay running?): %w", config.StreamName, err)
	}

	return &NATSNotifier{nc: nc, js: js, config: config}, nil
}

// Subscribe creates an ordered consumer for one (table, room) subject and
// pumps its messages into the subscription channel until Unsubscribe.
func (n *NATSNotifier) Subscribe(ctx context.Context, table string, roomID uuid.UUID) (Subscription, error) {
	if table != TableRooms && table != TableRoomMembers {
		return nil, fmt.Errorf("unknown table %q", table)
	}

	subject := fmt.Sprintf("%s.%s.%s", n.config.SubjectPrefix, table, roomID)

	consumer, err := n.js.OrderedConsumer(ctx, n.config.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create ordered consumer: %w", err)
	}

	sub := &natsSubscription{
		events: make(chan ChangeEvent, n.config.BufferSize),
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		var event ChangeEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to unmarshal change event")
			return
		}
		sub.deliver(event)
	})
	if err != nil {
		return nil, fmt.Errorf("start consumer: %w", err)
	}
	sub.stop = consumeCtx.Stop

	log.Debug().
		Str("subject", subject).
		Msg("JetStream subscription registered")
	return sub, nil
}

// Close drops the NATS connection. Outstanding subscriptions stop
// receiving events.
func (n *NATSNotifier) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

type natsSubscription struct {
	events chan ChangeEvent
	stop   func()

	mu     sync.Mutex
	closed bool
}

func (s *natsSubscription) Events() <-chan ChangeEvent { return s.events }

func (s *natsSubscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.stop != nil {
		s.stop()
	}
	close(s.events)
}

func (s *natsSubscription) deliver(event ChangeEvent) {
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
