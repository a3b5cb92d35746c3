package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jqwei/truthordare/go/internal/dbconfig"
	"github.com/jqwei/truthordare/go/internal/store"
	"github.com/rs/zerolog/log"
)

// setupNotifier builds the configured change feed. The returned cleanup
// releases the feed's connections and must run before the database closes.
func setupNotifier(ctx context.Context, db *sql.DB, dbCfg dbconfig.Config, cfg *Config) (store.Notifier, func(), error) {
	switch cfg.Notifier.Backend {
	case "postgres":
		ltCfg := store.DefaultListenerConfig()
		ltCfg.DatabaseURL = dbCfg.DSN()
		ltCfg.NotifyChannel = dbCfg.NotifyChannel
		if cfg.Notifier.FallbackInterval != "" {
			d, err := time.ParseDuration(cfg.Notifier.FallbackInterval)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid fallback_interval: %w", err)
			}
			ltCfg.FallbackInterval = d
		}

		listener, err := store.NewListener(db, ltCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create change listener: %w", err)
		}
		go func() {
			if err := listener.Start(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("change listener exited unexpectedly")
			}
		}()
		return listener, func() {
			if err := listener.Stop(); err != nil {
				log.Error().Err(err).Msg("stop change listener")
			}
		}, nil

	case "nats":
		natsCfg := store.DefaultNATSConfig()
		if cfg.Notifier.NATSURL != "" {
			natsCfg.URL = cfg.Notifier.NATSURL
		}

		notifier, err := store.NewNATSNotifier(ctx, natsCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		return notifier, func() {
			if err := notifier.Close(); err != nil {
				log.Error().Err(err).Msg("close NATS notifier")
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown notifier backend %q", cfg.Notifier.Backend)
	}
}
