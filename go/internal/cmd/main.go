package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jqwei/truthordare/go/internal/dbconfig"
	"github.com/jqwei/truthordare/go/internal/room"
	"github.com/jqwei/truthordare/go/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `truthordare - a terminal truth-or-dare party game

Usage:
  truthordare create <nickname>         create a room and join as its host
  truthordare join <room-id> <nickname> join an existing room
  truthordare enter <room-id>           enter a room you already joined
`

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Keep the interactive display clean; diagnostics go to stderr.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if lvl, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "warn")); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := loadConfig(getEnv("TRUTHORDARE_CONFIG", "truthordare.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	dbCfg := dbconfig.NewConfigFromEnv()
	db, err := setupDatabase(dbCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to database")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier, cleanup, err := setupNotifier(ctx, db, dbCfg, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("set up change notifier")
	}
	defer cleanup()

	identityPath := cfg.IdentityPath
	if identityPath == "" {
		identityPath, err = session.DefaultIdentityPath()
		if err != nil {
			log.Fatal().Err(err).Msg("resolve identity path")
		}
	}

	repo := room.NewRepository(db)
	app := room.NewApp(repo)
	bootstrap := session.NewBootstrap(
		session.NewFileIdentityStore(identityPath), app, repo, notifier, nil)

	if err := run(ctx, bootstrap, os.Args[1], os.Args[2:]); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func run(ctx context.Context, bootstrap *session.Bootstrap, command string, args []string) error {
	switch command {
	case "create":
		if len(args) != 1 {
			return fmt.Errorf("usage: truthordare create <nickname>")
		}
		created, err := bootstrap.Create(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Room created. Share this id with the other players:\n\n  %s\n\n", created.ID)
		s, err := bootstrap.Enter(ctx, created.ID.String())
		if err != nil {
			return err
		}
		return runGame(ctx, s)

	case "join":
		if len(args) != 2 {
			return fmt.Errorf("usage: truthordare join <room-id> <nickname>")
		}
		roomID, err := bootstrap.Join(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		s, err := bootstrap.Enter(ctx, roomID.String())
		if err != nil {
			return err
		}
		return runGame(ctx, s)

	case "enter":
		if len(args) != 1 {
			return fmt.Errorf("usage: truthordare enter <room-id>")
		}
		s, err := bootstrap.Enter(ctx, args[0])
		if err != nil {
			return err
		}
		return runGame(ctx, s)

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}
