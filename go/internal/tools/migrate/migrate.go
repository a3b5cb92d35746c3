package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jqwei/truthordare/go/internal/dbconfig"
)

// Applies the schema to the configured database. The schema is written to
// be re-runnable (CREATE ... IF NOT EXISTS, CREATE OR REPLACE).
func main() {
	path := "migrations/schema.sql"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	schema, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read schema: %v\n", err)
		os.Exit(1)
	}

	cfg := dbconfig.NewConfigFromEnv()
	pool, err := pgxpool.New(context.Background(), cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	if _, err := pool.Exec(context.Background(), string(schema)); err != nil {
		fmt.Fprintf(os.Stderr, "apply schema: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("applied %s to %s\n", path, cfg.Database)
}
