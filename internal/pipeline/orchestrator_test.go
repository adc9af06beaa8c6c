package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecoplate/ecoplate/internal/embed"
	"github.com/ecoplate/ecoplate/internal/match"
	"github.com/ecoplate/ecoplate/internal/normalize"
	"github.com/ecoplate/ecoplate/internal/registry"
	"github.com/ecoplate/ecoplate/internal/registry/sqlite"
	"github.com/ecoplate/ecoplate/internal/resolve"
	"github.com/ecoplate/ecoplate/pkg/types"
)

func newOrchestrator(t *testing.T, opts Options) (*Orchestrator, registry.Store) {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	matchOpts := match.DefaultOptions()
	matcher := match.New(store, matchOpts)
	resolver := resolve.New(store, matcher)
	normalizer := normalize.New()
	embedder := embed.NewHashingEmbedder(64)

	opts.ExactOnlySources = matchOpts.ExactOnlySources
	return New(store, resolver, normalizer, embedder, opts), store
}

func TestDefaultOptionsAlignWithMatcher(t *testing.T) {
	assert.Equal(t, match.DefaultOptions().ExactOnlySources, DefaultOptions().ExactOnlySources,
		"both defaults must treat the same sources as exact-only")
}

func allSources() []types.Source {
	return []types.Source{types.SourceAgribalyse, types.SourceOpenFoodFacts, types.SourceGreenpeace}
}

func TestRunLinksAcrossSources(t *testing.T) {
	orch, store := newOrchestrator(t, DefaultOptions())
	ctx := context.Background()

	require.NoError(t, store.InsertAgribalyse(ctx, &types.AgribalyseRecord{
		CodeAGB: "20030", LCIName: "Tomate, crue", GroupeAliment: "légumes",
	}))
	require.NoError(t, store.InsertOpenFoodFacts(ctx, &types.OpenFoodFactsRecord{
		Code: "3000000001", ProductName: "Tomate", Brands: "marque x",
	}))
	require.NoError(t, store.InsertGreenpeaceSeason(ctx, &types.GreenpeaceSeasonRecord{
		Name: "Tomate", Month: "juillet", IsSeasonal: true,
	}))

	// Sources run one at a time here so the seeding order is deterministic:
	// the impact row mints the entity, the others converge on it.
	for _, source := range allSources() {
		report, err := orch.Run(ctx, []types.Source{source})
		require.NoError(t, err)
		require.Len(t, report.Sources, 1)
		assert.NotEmpty(t, report.RunID)
		assert.Empty(t, report.Sources[0].Err)
		assert.Equal(t, 1, report.Sources[0].Processed)
	}

	// Every backlog drains.
	for _, source := range allSources() {
		unlinked, err := store.NextUnlinked(ctx, source, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, unlinked, "source %s should be fully linked", source)
	}

	// Identical normalized names converge on one canonical entity: the
	// catalog row matches the impact-seeded "tomate" and the seasonality row
	// exact-matches it.
	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalEntities)

	entity, err := store.LookupByExactName(ctx, "tomate")
	require.NoError(t, err)
	assert.Equal(t, "légumes", entity.Extra["groupe_aliment"])
	assert.Equal(t, "marque x", entity.Extra["brands"], "catalog metadata merges into the entity")
}

func TestRunConvergesWhenSeasonalitySeedsFirst(t *testing.T) {
	// The calendar source seeds a vectorless entity. Later identical names
	// from the fuzzy sources must link to it regardless of which source ran
	// first.
	orch, store := newOrchestrator(t, DefaultOptions())
	ctx := context.Background()

	require.NoError(t, store.InsertGreenpeaceSeason(ctx, &types.GreenpeaceSeasonRecord{
		Name: "Tomate", Month: "juillet", IsSeasonal: true,
	}))
	report, err := orch.Run(ctx, []types.Source{types.SourceGreenpeace})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sources[0].Created)

	require.NoError(t, store.InsertAgribalyse(ctx, &types.AgribalyseRecord{
		CodeAGB: "20030", LCIName: "Tomate, crue",
	}))
	report, err = orch.Run(ctx, []types.Source{types.SourceAgribalyse})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sources[0].Matched)
	assert.Zero(t, report.Sources[0].Ambiguous)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalEntities)
	assert.Zero(t, stats.PendingReview)
}

func TestRunIsIdempotent(t *testing.T) {
	orch, store := newOrchestrator(t, DefaultOptions())
	ctx := context.Background()

	require.NoError(t, store.InsertAgribalyse(ctx, &types.AgribalyseRecord{CodeAGB: "1", LCIName: "Carotte"}))

	first, err := orch.Run(ctx, []types.Source{types.SourceAgribalyse})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Sources[0].Processed)
	assert.Equal(t, 1, first.Sources[0].Created)

	second, err := orch.Run(ctx, []types.Source{types.SourceAgribalyse})
	require.NoError(t, err)
	assert.Zero(t, second.Sources[0].Processed, "a drained backlog re-runs as a no-op")

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalEntities)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	opts := DefaultOptions()
	opts.BatchSize = 2
	orch, store := newOrchestrator(t, opts)
	ctx := context.Background()

	names := []string{"Tomate", "Carotte", "Poireau", "Navet", "Panais"}
	for i, name := range names {
		require.NoError(t, store.InsertAgribalyse(ctx, &types.AgribalyseRecord{
			CodeAGB: fmt.Sprintf("agb-%d", i), LCIName: name,
		}))
	}

	report, err := orch.Run(ctx, []types.Source{types.SourceAgribalyse})
	require.NoError(t, err)
	assert.Equal(t, len(names), report.Sources[0].Processed)

	cp, err := store.LoadCheckpoint(ctx, types.SourceAgribalyse)
	require.NoError(t, err)
	assert.Equal(t, report.RunID, cp.RunID)
	assert.NotZero(t, cp.LastRecordID, "checkpoints persist batch progress")

	// New rows land after the checkpoint; the next run picks up only them.
	require.NoError(t, store.InsertAgribalyse(ctx, &types.AgribalyseRecord{CodeAGB: "agb-new", LCIName: "Fenouil"}))

	next, err := orch.Run(ctx, []types.Source{types.SourceAgribalyse})
	require.NoError(t, err)
	assert.Equal(t, 1, next.Sources[0].Processed)
}

func TestRunSkipsUnnormalizableNames(t *testing.T) {
	orch, store := newOrchestrator(t, DefaultOptions())
	ctx := context.Background()

	require.NoError(t, store.InsertOpenFoodFacts(ctx, &types.OpenFoodFactsRecord{Code: "1", ProductName: "250 g"}))
	require.NoError(t, store.InsertOpenFoodFacts(ctx, &types.OpenFoodFactsRecord{Code: "2", ProductName: "Tomate"}))

	report, err := orch.Run(ctx, []types.Source{types.SourceOpenFoodFacts})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sources[0].Skipped, "a name that normalizes to nothing is skipped")
	assert.Equal(t, 1, report.Sources[0].Processed)

	// The skipped row stays unlinked for a later, corrected run.
	unlinked, err := store.NextUnlinked(ctx, types.SourceOpenFoodFacts, 0, 10)
	require.NoError(t, err)
	assert.Len(t, unlinked, 1)
}

// flakyEmbedder fails transiently a fixed number of times, then delegates.
type flakyEmbedder struct {
	inner    embed.Embedder
	failures int
	calls    int
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, fmt.Errorf("%w: transient outage", embed.ErrUnavailable)
	}
	return f.inner.Embed(ctx, text)
}

func (f *flakyEmbedder) Dimension() int { return f.inner.Dimension() }
func (f *flakyEmbedder) Model() string  { return f.inner.Model() }

func TestRunRetriesTransientEmbeddingFailures(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	flaky := &flakyEmbedder{inner: embed.NewHashingEmbedder(32), failures: 2}
	opts := DefaultOptions()
	opts.RetryBaseDelay = time.Millisecond
	orch := New(store, resolve.New(store, match.New(store, match.DefaultOptions())), normalize.New(), flaky, opts)

	ctx := context.Background()
	require.NoError(t, store.InsertAgribalyse(ctx, &types.AgribalyseRecord{CodeAGB: "1", LCIName: "Tomate"}))

	report, err := orch.Run(ctx, []types.Source{types.SourceAgribalyse})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sources[0].Processed, "two transient failures are within the retry budget")
	assert.Equal(t, 3, flaky.calls)
}

func TestRunSkipsRecordAfterRetryBudget(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	flaky := &flakyEmbedder{inner: embed.NewHashingEmbedder(32), failures: 99}
	opts := DefaultOptions()
	opts.MaxRetries = 2
	opts.RetryBaseDelay = time.Millisecond
	orch := New(store, resolve.New(store, match.New(store, match.DefaultOptions())), normalize.New(), flaky, opts)

	ctx := context.Background()
	require.NoError(t, store.InsertAgribalyse(ctx, &types.AgribalyseRecord{CodeAGB: "1", LCIName: "Tomate"}))

	report, err := orch.Run(ctx, []types.Source{types.SourceAgribalyse})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sources[0].Skipped)
	assert.Zero(t, report.Sources[0].Processed)
	assert.Equal(t, 2, flaky.calls)
}

func TestRunRetriesOutageSkippedRecordsOnNextRun(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	opts := DefaultOptions()
	opts.MaxRetries = 2
	opts.RetryBaseDelay = time.Millisecond
	build := func(e embed.Embedder) *Orchestrator {
		return New(store, resolve.New(store, match.New(store, match.DefaultOptions())), normalize.New(), e, opts)
	}

	ctx := context.Background()
	require.NoError(t, store.InsertAgribalyse(ctx, &types.AgribalyseRecord{CodeAGB: "1", LCIName: "Tomate"}))
	require.NoError(t, store.InsertAgribalyse(ctx, &types.AgribalyseRecord{CodeAGB: "2", LCIName: "Carotte"}))

	// Full outage: both records skip, nothing links.
	down := &flakyEmbedder{inner: embed.NewHashingEmbedder(32), failures: 99}
	first, err := build(down).Run(ctx, []types.Source{types.SourceAgribalyse})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Sources[0].Skipped)

	// The checkpoint must not have advanced past the skipped rows.
	cp, err := store.LoadCheckpoint(ctx, types.SourceAgribalyse)
	require.NoError(t, err)
	assert.Zero(t, cp.LastRecordID)

	// A healthy run picks them back up and drains the backlog.
	second, err := build(embed.NewHashingEmbedder(32)).Run(ctx, []types.Source{types.SourceAgribalyse})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Sources[0].Processed)
	assert.Zero(t, second.Sources[0].Skipped)

	unlinked, err := store.NextUnlinked(ctx, types.SourceAgribalyse, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, unlinked)
}

func TestRunRefusesDimensionMismatch(t *testing.T) {
	orch, store := newOrchestrator(t, DefaultOptions())
	ctx := context.Background()

	// Registry populated with 4-dim vectors, embedder produces 64-dim.
	require.NoError(t, store.Create(ctx, &types.CanonicalEntity{
		Name: "tomate", Embedding: []float32{1, 0, 0, 0}, Source: types.SourceAgribalyse, SourceID: "1",
	}))

	_, err := orch.Run(ctx, []types.Source{types.SourceAgribalyse})
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrDimensionMismatch)
}

func TestRunHonorsContextCancellation(t *testing.T) {
	orch, store := newOrchestrator(t, DefaultOptions())

	require.NoError(t, store.InsertAgribalyse(context.Background(),
		&types.AgribalyseRecord{CodeAGB: "1", LCIName: "Tomate"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := orch.Run(ctx, []types.Source{types.SourceAgribalyse})
	require.Error(t, err)

	// Nothing was processed; the record waits for the next run.
	unlinked, err := store.NextUnlinked(context.Background(), types.SourceAgribalyse, 0, 10)
	require.NoError(t, err)
	assert.Len(t, unlinked, 1)
}
