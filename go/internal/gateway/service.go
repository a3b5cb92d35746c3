// Package gateway exposes rooms to read-only spectators over WebSocket.
// The gateway participates in the room exactly like a player client, with
// one synchronization engine per watched room, but it never writes: stage
// transitions are left to the players' clients.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/jqwei/truthordare/go/internal/countdown"
	"github.com/jqwei/truthordare/go/internal/models"
	"github.com/jqwei/truthordare/go/internal/room"
	"github.com/jqwei/truthordare/go/internal/store"
	roomsync "github.com/jqwei/truthordare/go/internal/sync"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// noopAdvancer satisfies the engine's advancer without issuing writes.
// Spectators observe; the players' clients race the transition.
type noopAdvancer struct{}

func (noopAdvancer) AdvanceIfAllSubmitted(ctx context.Context, current *models.Room, roster []models.Member) error {
	return nil
}

// watcher is one room's live feed inside the gateway: a sync engine plus a
// display countdown, shared by every spectator of that room.
type watcher struct {
	engine    *roomsync.Engine
	countdown *countdown.Controller
	cancel    context.CancelFunc
}

// Service is the spectator gateway HTTP surface.
type Service struct {
	reader   roomsync.RoomReader
	notifier store.Notifier
	clock    clockwork.Clock
	manager  *ConnectionManager

	mu       sync.Mutex
	watchers map[uuid.UUID]*watcher
}

// NewService wires the gateway service and its connection manager.
func NewService(reader roomsync.RoomReader, notifier store.Notifier, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Service{
		reader:   reader,
		notifier: notifier,
		clock:    clock,
		watchers: make(map[uuid.UUID]*watcher),
	}
	s.manager = NewConnectionManager(DefaultConnectionConfig(), s.releaseWatcher)
	return s
}

// Start runs the broadcast loop. Blocks until ctx is done, then releases
// every watcher.
func (s *Service) Start(ctx context.Context) {
	s.manager.Start(ctx)

	s.mu.Lock()
	watchers := make([]*watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.watchers = make(map[uuid.UUID]*watcher)
	s.mu.Unlock()

	for _, w := range watchers {
		w.countdown.Stop()
		w.engine.Close()
		w.cancel()
	}
}

// Handler returns the gateway's HTTP handler with CORS applied.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

// RegisterRoutes attaches the gateway endpoints to mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)
}

// handleWS upgrades a spectator onto a room feed. The room must exist; a
// watcher is started on the first spectator and reused by the rest.
func (s *Service) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID, err := uuid.Parse(r.URL.Query().Get("room_id"))
	if err != nil {
		http.Error(w, "invalid room_id", http.StatusBadRequest)
		return
	}

	if _, err := s.reader.GetRoom(r.Context(), roomID); err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("room_id", roomID.String()).Msg("failed to load room")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := s.ensureWatcher(roomID); err != nil {
		log.Error().Err(err).Str("room_id", roomID.String()).Msg("failed to start room watcher")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := s.manager.UpgradeConnection(w, r, roomID)
	if err != nil {
		return
	}

	// New spectators get the current state immediately rather than waiting
	// for the next change.
	s.mu.Lock()
	w8, ok := s.watchers[roomID]
	s.mu.Unlock()
	if ok {
		s.manager.SendToConnection(conn, snapshotEvent(w8.engine.Snapshot()))
	}
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.manager.GetConnectionStats()); err != nil {
		log.Error().Err(err).Msg("failed to write stats response")
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Error().Err(err).Msg("failed to write health check response")
	}
}

// ensureWatcher starts the room's engine on first use.
func (s *Service) ensureWatcher(roomID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.watchers[roomID]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &watcher{cancel: cancel}
	w.countdown = countdown.NewController(s.clock,
		func(context.Context) error { return nil },
		func(remaining int) {
			s.manager.BroadcastToRoom(roomID, countdownEvent(remaining))
		})

	w.engine = roomsync.NewEngine(s.reader, noopAdvancer{}, s.notifier, roomID, s.clock)
	w.engine.OnUpdate(func(snap roomsync.Snapshot) {
		w.countdown.Observe(ctx, snap.Room.Stage)
		s.manager.BroadcastToRoom(roomID, snapshotEvent(snap))
	})

	if err := w.engine.Start(ctx); err != nil {
		cancel()
		return err
	}

	s.watchers[roomID] = w
	log.Info().Str("room_id", roomID.String()).Msg("room watcher started")
	return nil
}

// releaseWatcher tears down a room's engine after its last spectator
// disconnects.
func (s *Service) releaseWatcher(roomID uuid.UUID) {
	s.mu.Lock()
	w, ok := s.watchers[roomID]
	delete(s.watchers, roomID)
	s.mu.Unlock()

	if !ok {
		return
	}
	w.countdown.Stop()
	w.engine.Close()
	w.cancel()
	log.Info().Str("room_id", roomID.String()).Msg("room watcher released")
}
