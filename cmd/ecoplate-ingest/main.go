// Command ecoplate-ingest runs the batch resolution pipeline: it drains the
// per-source backlogs of unlinked fact rows, links them to canonical
// entities, and reports what it did.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ecoplate/ecoplate/internal/config"
	"github.com/ecoplate/ecoplate/internal/embed"
	"github.com/ecoplate/ecoplate/internal/match"
	"github.com/ecoplate/ecoplate/internal/normalize"
	"github.com/ecoplate/ecoplate/internal/pipeline"
	"github.com/ecoplate/ecoplate/internal/registry"
	"github.com/ecoplate/ecoplate/internal/registry/postgres"
	"github.com/ecoplate/ecoplate/internal/registry/sqlite"
	"github.com/ecoplate/ecoplate/internal/resolve"
	"github.com/ecoplate/ecoplate/pkg/types"
)

var (
	tuningPath = flag.String("tuning", "", "Path to matcher tuning YAML (optional, env vars by default)")
	sourceList = flag.String("source", "all", "Comma-separated sources to process (agribalyse,openfoodfacts,greenpeace) or 'all'")
	offline    = flag.Bool("offline", false, "Use the deterministic hashing embedder instead of Ollama")
	statsOnly  = flag.Bool("stats", false, "Print registry statistics and exit")
	reviewCmd  = flag.Bool("review", false, "List pending review items and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *tuningPath != "" {
		if err := cfg.ApplyTuningFile(*tuningPath); err != nil {
			log.Fatalf("Failed to apply tuning file: %v", err)
		}
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open registry store: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *statsOnly {
		printStats(ctx, store)
		return
	}
	if *reviewCmd {
		printPending(ctx, store)
		return
	}

	embedder, err := buildEmbedder(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize embedder: %v", err)
	}

	matcher := match.New(store, match.Options{
		VectorWeight:     cfg.Matcher.VectorWeight,
		TextWeight:       cfg.Matcher.TextWeight,
		AcceptThreshold:  cfg.Matcher.AcceptThreshold,
		RejectThreshold:  cfg.Matcher.RejectThreshold,
		CandidateK:       cfg.Matcher.CandidateK,
		ExactOnlySources: cfg.Matcher.ExactOnlySources,
	})
	resolver := resolve.New(store, matcher)
	normalizer := normalize.New(cfg.Matcher.ExtraStopTerms...)

	orch := pipeline.New(store, resolver, normalizer, embedder, pipeline.Options{
		BatchSize:        cfg.Pipeline.BatchSize,
		MaxRetries:       cfg.Pipeline.MaxRetries,
		RetryBaseDelay:   cfg.Pipeline.RetryBaseDelay,
		ExactOnlySources: cfg.Matcher.ExactOnlySources,
	})

	sources, err := parseSources(*sourceList)
	if err != nil {
		log.Fatalf("Invalid -source value: %v", err)
	}

	report, err := orch.Run(ctx, sources)
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
}

// openStore builds the configured registry backend.
func openStore(cfg *config.Config) (registry.Store, error) {
	switch cfg.Storage.Engine {
	case "postgres":
		return postgres.Open(context.Background(), cfg.Storage.PostgresDSN)
	case "sqlite":
		return sqlite.Open(cfg.Storage.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Storage.Engine)
	}
}

// buildEmbedder selects the embedding provider. The Ollama path health-checks
// the server up front so a misconfigured URL fails fast instead of burning
// the retry budget on every record.
func buildEmbedder(ctx context.Context, cfg *config.Config) (embed.Embedder, error) {
	if *offline || cfg.Embedding.Provider == "hashing" {
		log.Printf("Using hashing embedder (dimension %d)", cfg.Embedding.Dimension)
		return embed.NewHashingEmbedder(cfg.Embedding.Dimension), nil
	}

	client := embed.NewOllamaClient(embed.OllamaConfig{
		BaseURL:           cfg.Embedding.OllamaURL,
		Model:             cfg.Embedding.Model,
		Dimension:         cfg.Embedding.Dimension,
		Timeout:           cfg.Embedding.Timeout,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
	})
	if err := client.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("ollama at %s is not reachable: %w", cfg.Embedding.OllamaURL, err)
	}
	log.Printf("Using Ollama embedder %s (dimension %d)", cfg.Embedding.Model, cfg.Embedding.Dimension)
	return client, nil
}

// parseSources expands the -source flag into source tags.
func parseSources(value string) ([]types.Source, error) {
	if value == "" || value == "all" {
		return []types.Source{types.SourceAgribalyse, types.SourceOpenFoodFacts, types.SourceGreenpeace}, nil
	}

	var sources []types.Source
	for _, part := range strings.Split(value, ",") {
		source := types.Source(strings.ToLower(strings.TrimSpace(part)))
		if !source.Valid() {
			return nil, fmt.Errorf("unknown source %q", part)
		}
		sources = append(sources, source)
	}
	return sources, nil
}

func printStats(ctx context.Context, store registry.Store) {
	stats, err := store.Stats(ctx)
	if err != nil {
		log.Fatalf("Failed to read statistics: %v", err)
	}
	out, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(out))
}

func printPending(ctx context.Context, store registry.Store) {
	items, err := store.Pending(ctx, 100)
	if err != nil {
		log.Fatalf("Failed to read review queue: %v", err)
	}
	out, _ := json.MarshalIndent(items, "", "  ")
	fmt.Println(string(out))
}
