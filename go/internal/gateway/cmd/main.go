package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jqwei/truthordare/go/internal/dbconfig"
	"github.com/jqwei/truthordare/go/internal/gateway"
	"github.com/jqwei/truthordare/go/internal/room"
	"github.com/jqwei/truthordare/go/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	port := getEnv("GATEWAY_PORT", "8081")

	dbCfg := dbconfig.NewConfigFromEnv()
	db, err := sql.Open("postgres", dbCfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	log.Info().
		Str("database", dbCfg.Database).
		Str("port", port).
		Msg("starting spectator gateway")

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ltCfg := store.DefaultListenerConfig()
	ltCfg.DatabaseURL = dbCfg.DSN()
	ltCfg.NotifyChannel = dbCfg.NotifyChannel
	listener, err := store.NewListener(db, ltCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create change listener")
	}
	go func() {
		if err := listener.Start(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("change listener exited unexpectedly")
		}
	}()
	defer listener.Stop()

	svc := gateway.NewService(room.NewRepository(db), listener, nil)
	go svc.Start(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: svc.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown")
		}
		log.Info().Msg("graceful shutdown complete")

	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server exited unexpectedly")
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
