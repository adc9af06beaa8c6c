// Package pipeline drives batch resolution: it drains the per-source
// backlogs of unlinked fact rows, resolves each record, and checkpoints
// progress so an interrupted run resumes where it stopped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ecoplate/ecoplate/internal/embed"
	"github.com/ecoplate/ecoplate/internal/normalize"
	"github.com/ecoplate/ecoplate/internal/registry"
	"github.com/ecoplate/ecoplate/internal/resolve"
	"github.com/ecoplate/ecoplate/pkg/types"
)

// Options tune batching and retry behavior.
type Options struct {
	// BatchSize is how many records are fetched per checkpoint window.
	BatchSize int

	// MaxRetries bounds embedding retries per record. A record that still
	// fails is skipped and logged; the batch keeps going.
	MaxRetries int

	// RetryBaseDelay is the exponential backoff base: attempt² × base.
	RetryBaseDelay time.Duration

	// ExactOnlySources never need embeddings, so the pipeline skips the
	// embed call for them entirely.
	ExactOnlySources []string
}

// DefaultOptions returns the production batching parameters. The exact-only
// set matches the matcher's default so records the matcher links by name
// alone are never embedded.
func DefaultOptions() Options {
	return Options{
		BatchSize:        50,
		MaxRetries:       3,
		RetryBaseDelay:   200 * time.Millisecond,
		ExactOnlySources: []string{string(types.SourceGreenpeace)},
	}
}

// SourceReport counts what one source's batch did.
type SourceReport struct {
	Source    types.Source `json:"source"`
	Processed int          `json:"processed"`
	Matched   int          `json:"matched"`
	Created   int          `json:"created"`
	Ambiguous int          `json:"ambiguous"`
	Skipped   int          `json:"skipped"`
	Err       string       `json:"error,omitempty"`
}

// Report summarizes a full run.
type Report struct {
	RunID    string         `json:"run_id"`
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
	Sources  []SourceReport `json:"sources"`
}

// Orchestrator coordinates one resolution run across sources.
type Orchestrator struct {
	store      registry.Store
	resolver   *resolve.Resolver
	normalizer *normalize.Normalizer
	embedder   embed.Embedder
	opts       Options
	exactOnly  map[types.Source]bool
}

// New creates an orchestrator. The resolver must be built over the same
// store.
func New(store registry.Store, resolver *resolve.Resolver, normalizer *normalize.Normalizer, embedder embed.Embedder, opts Options) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 200 * time.Millisecond
	}
	exactOnly := make(map[types.Source]bool, len(opts.ExactOnlySources))
	for _, s := range opts.ExactOnlySources {
		exactOnly[types.Source(strings.ToLower(s))] = true
	}
	return &Orchestrator{
		store:      store,
		resolver:   resolver,
		normalizer: normalizer,
		embedder:   embedder,
		opts:       opts,
		exactOnly:  exactOnly,
	}
}

// Run drains the backlog of every given source. Sources run concurrently;
// records within a source run in id order so checkpoints stay meaningful.
// Run returns the per-source report; a source failure is reported, not
// propagated, except for dimension mismatches which abort the whole run.
func (o *Orchestrator) Run(ctx context.Context, sources []types.Source) (*Report, error) {
	if err := o.validateDimensions(ctx); err != nil {
		return nil, err
	}

	report := &Report{
		RunID:   uuid.New().String(),
		Started: time.Now().UTC(),
		Sources: make([]SourceReport, len(sources)),
	}
	log.Printf("pipeline: run %s starting for %d source(s)", report.RunID, len(sources))

	var wg sync.WaitGroup
	for i, source := range sources {
		wg.Add(1)
		go func(i int, source types.Source) {
			defer wg.Done()
			report.Sources[i] = o.runSource(ctx, source, report.RunID)
		}(i, source)
	}
	wg.Wait()

	report.Finished = time.Now().UTC()
	for _, sr := range report.Sources {
		log.Printf("pipeline: run %s %s: processed=%d matched=%d created=%d ambiguous=%d skipped=%d",
			report.RunID, sr.Source, sr.Processed, sr.Matched, sr.Created, sr.Ambiguous, sr.Skipped)
	}
	return report, nil
}

// validateDimensions refuses to run when the embedder and the populated
// registry disagree on vector dimension. Mixing vector spaces would make
// every similarity score meaningless, so this is fatal, not skippable.
func (o *Orchestrator) validateDimensions(ctx context.Context) error {
	stored, err := o.store.Dimension(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: dimension check failed: %w", err)
	}
	if stored > 0 && o.embedder.Dimension() > 0 && stored != o.embedder.Dimension() {
		return fmt.Errorf("%w: registry has %d, embedder %q produces %d",
			registry.ErrDimensionMismatch, stored, o.embedder.Model(), o.embedder.Dimension())
	}
	return nil
}

// runSource drains one source's backlog batch by batch.
func (o *Orchestrator) runSource(ctx context.Context, source types.Source, runID string) SourceReport {
	report := SourceReport{Source: source}

	cp, err := o.store.LoadCheckpoint(ctx, source)
	if err != nil {
		report.Err = err.Error()
		return report
	}
	afterID := cp.LastRecordID
	if cp.LastRecordID > 0 {
		log.Printf("pipeline: %s resuming after record %d (run %s)", source, cp.LastRecordID, cp.RunID)
	}

	// firstSkipped pins the durable checkpoint just before the earliest
	// record this run skipped: the scan cursor keeps moving forward, but the
	// next run resumes before the skipped row and retries it.
	var firstSkipped int64

	for {
		if err := ctx.Err(); err != nil {
			report.Err = err.Error()
			return report
		}

		batch, err := o.store.NextUnlinked(ctx, source, afterID, o.opts.BatchSize)
		if err != nil {
			report.Err = err.Error()
			return report
		}
		if len(batch) == 0 {
			return report
		}

		for _, rec := range batch {
			if err := ctx.Err(); err != nil {
				report.Err = err.Error()
				return report
			}
			if skipped := o.processRecord(ctx, rec, runID, &report); skipped && firstSkipped == 0 {
				firstSkipped = rec.RecordID()
			}
			afterID = rec.RecordID()
		}

		checkpointID := afterID
		if firstSkipped > 0 {
			checkpointID = firstSkipped - 1
		}
		if err := o.store.SaveCheckpoint(ctx, registry.Checkpoint{
			Source:       source,
			LastRecordID: checkpointID,
			RunID:        runID,
			UpdatedAt:    time.Now().UTC(),
		}); err != nil {
			report.Err = err.Error()
			return report
		}
	}
}

// processRecord normalizes, embeds and resolves one record, updating the
// report counters. Failures skip the record and report true; the batch never
// stops for one bad row.
func (o *Orchestrator) processRecord(ctx context.Context, rec types.Resolvable, runID string, report *SourceReport) (skipped bool) {
	name := o.normalizer.Normalize(rec.RawName())
	if name == "" {
		log.Printf("pipeline: %s record %d: name %q normalizes to nothing, skipping",
			rec.RecordSource(), rec.RecordID(), rec.RawName())
		report.Skipped++
		return true
	}

	var embedding []float32
	if !o.exactOnly[rec.RecordSource()] {
		vec, err := o.embedWithRetry(ctx, name)
		if err != nil {
			log.Printf("pipeline: %s record %d: embedding failed after %d attempts, skipping: %v",
				rec.RecordSource(), rec.RecordID(), o.opts.MaxRetries, err)
			report.Skipped++
			return true
		}
		embedding = vec
	}

	outcome, err := o.resolver.Resolve(ctx, rec, name, embedding, runID)
	if err != nil {
		log.Printf("pipeline: %s record %d: resolution failed, skipping: %v",
			rec.RecordSource(), rec.RecordID(), err)
		report.Skipped++
		return true
	}

	report.Processed++
	switch outcome.Status {
	case types.MatchAccepted:
		report.Matched++
	case types.MatchNone:
		report.Created++
	case types.MatchAmbiguous:
		report.Ambiguous++
	}
	return false
}

// embedWithRetry retries transient embedding failures with quadratic
// backoff. Non-transient failures surface immediately.
func (o *Orchestrator) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= o.opts.MaxRetries; attempt++ {
		vec, err := o.embedder.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		if !errors.Is(err, embed.ErrUnavailable) {
			return nil, err
		}
		lastErr = err

		delay := time.Duration(attempt*attempt) * o.opts.RetryBaseDelay
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// Stats reports registry-wide counts. It is a passthrough kept on the
// orchestrator so the CLI has a single dependency.
func (o *Orchestrator) Stats(ctx context.Context) (*registry.RegistryStats, error) {
	return o.store.Stats(ctx)
}
