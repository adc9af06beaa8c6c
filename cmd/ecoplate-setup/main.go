// Command ecoplate-setup initializes the registry schema: extensions,
// tables, and indexes on PostgreSQL, or the database file on SQLite.
// Every statement is idempotent, so re-running against an existing database
// is safe.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ecoplate/ecoplate/internal/config"
	"github.com/ecoplate/ecoplate/internal/registry/postgres"
	"github.com/ecoplate/ecoplate/internal/registry/sqlite"
)

var (
	engine    = flag.String("engine", "", "Storage engine (postgres, sqlite; overrides config)")
	dimension = flag.Int("dimension", 0, "Embedding dimension for the vector column (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *engine != "" {
		cfg.Storage.Engine = *engine
	}
	if *dimension > 0 {
		cfg.Embedding.Dimension = *dimension
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch cfg.Storage.Engine {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		defer func() { _ = store.Close() }()

		if err := store.Setup(ctx, cfg.Embedding.Dimension); err != nil {
			log.Fatalf("Schema setup failed: %v", err)
		}
		log.Printf("PostgreSQL schema ready (vector dimension %d)", cfg.Embedding.Dimension)

	case "sqlite":
		store, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to initialize SQLite database: %v", err)
		}
		defer func() { _ = store.Close() }()
		log.Printf("SQLite schema ready at %s", cfg.Storage.SQLitePath)

	default:
		log.Fatalf("Unknown storage engine %q", cfg.Storage.Engine)
	}
}
