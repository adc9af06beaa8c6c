package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecoplate/ecoplate/internal/registry"
	"github.com/ecoplate/ecoplate/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity := &types.CanonicalEntity{
		Name:      "tomate",
		Embedding: []float32{1, 0, 0, 0},
		Source:    types.SourceAgribalyse,
		SourceID:  "20030",
		Extra:     map[string]interface{}{"groupe_aliment": "légumes"},
	}
	require.NoError(t, store.Create(ctx, entity))
	assert.NotZero(t, entity.ID)

	byNative, err := store.LookupByNativeID(ctx, types.SourceAgribalyse, "20030")
	require.NoError(t, err)
	assert.Equal(t, entity.ID, byNative.ID)
	assert.Equal(t, "tomate", byNative.Name)
	assert.Equal(t, []float32{1, 0, 0, 0}, byNative.Embedding)
	assert.Equal(t, "légumes", byNative.Extra["groupe_aliment"])

	byName, err := store.LookupByExactName(ctx, "tomate")
	require.NoError(t, err)
	assert.Equal(t, entity.ID, byName.ID)

	byID, err := store.Get(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, "tomate", byID.Name)

	_, err = store.LookupByNativeID(ctx, types.SourceAgribalyse, "99999")
	assert.ErrorIs(t, err, registry.ErrNotFound)
	_, err = store.LookupByExactName(ctx, "pastèque")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestCreateDuplicateNativeID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &types.CanonicalEntity{
		Name: "tomate", Embedding: []float32{1, 0}, Source: types.SourceAgribalyse, SourceID: "20030",
	}
	require.NoError(t, store.Create(ctx, first))

	dup := &types.CanonicalEntity{
		Name: "tomate ronde", Embedding: []float32{0, 1}, Source: types.SourceAgribalyse, SourceID: "20030",
	}
	err := store.Create(ctx, dup)
	assert.ErrorIs(t, err, registry.ErrDuplicateNativeID)
}

func TestCreateAllowsEmptyNativeIDRepeats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Name-only sources have no native id; the partial unique index must not
	// collapse them into a single slot.
	for _, name := range []string{"poireau", "navet"} {
		e := &types.CanonicalEntity{Name: name, Embedding: []float32{1, 0}, Source: types.SourceGreenpeace}
		require.NoError(t, store.Create(ctx, e))
	}
}

func TestCreateDimensionMismatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &types.CanonicalEntity{Name: "tomate", Embedding: []float32{1, 0, 0}, Source: types.SourceAgribalyse, SourceID: "1"}
	require.NoError(t, store.Create(ctx, first))

	dim, err := store.Dimension(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, dim)

	wrong := &types.CanonicalEntity{Name: "carotte", Embedding: []float32{1, 0}, Source: types.SourceAgribalyse, SourceID: "2"}
	assert.ErrorIs(t, store.Create(ctx, wrong), registry.ErrDimensionMismatch)
}

func TestMergeMetadataAddsOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity := &types.CanonicalEntity{
		Name: "tomate", Embedding: []float32{1, 0}, Source: types.SourceAgribalyse, SourceID: "20030",
		Extra: map[string]interface{}{"groupe_aliment": "légumes"},
	}
	require.NoError(t, store.Create(ctx, entity))

	require.NoError(t, store.MergeMetadata(ctx, entity.ID, map[string]interface{}{
		"groupe_aliment": "autre chose", // existing key, must not change
		"brands":         "marque x",
	}))

	got, err := store.Get(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, "légumes", got.Extra["groupe_aliment"])
	assert.Equal(t, "marque x", got.Extra["brands"])

	assert.ErrorIs(t, store.MergeMetadata(ctx, 9999, map[string]interface{}{"k": "v"}), registry.ErrNotFound)
}

func TestCandidatesByEmbedding(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seed := []struct {
		name string
		vec  []float32
	}{
		{"tomate", []float32{1, 0, 0}},
		{"tomate cerise", []float32{0.9, 0.1, 0}},
		{"boeuf", []float32{0, 0, 1}},
	}
	for i, s := range seed {
		e := &types.CanonicalEntity{Name: s.name, Embedding: s.vec, Source: types.SourceAgribalyse, SourceID: string(rune('a' + i))}
		require.NoError(t, store.Create(ctx, e))
	}

	candidates, err := store.CandidatesByEmbedding(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "tomate", candidates[0].Entity.Name)
	assert.InDelta(t, 1.0, candidates[0].Similarity, 1e-6)
	assert.Equal(t, "tomate cerise", candidates[1].Entity.Name)
	assert.Greater(t, candidates[0].Similarity, candidates[1].Similarity)
}

func TestCandidatesByText(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, name := range []string{"tomate", "tomate cerise", "boeuf bourguignon"} {
		e := &types.CanonicalEntity{Name: name, Embedding: []float32{1, 0}, Source: types.SourceAgribalyse, SourceID: string(rune('a' + i))}
		require.NoError(t, store.Create(ctx, e))
	}

	candidates, err := store.CandidatesByText(ctx, "tomates", 5)
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	assert.Equal(t, "tomate", candidates[0].Entity.Name)
	for _, c := range candidates {
		assert.NotEqual(t, "boeuf bourguignon", c.Entity.Name,
			"zero-similarity names are filtered out")
	}
}

func TestFactInsertAndNextUnlinked(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"tomate", "carotte", "poireau"} {
		rec := &types.AgribalyseRecord{CodeAGB: name + "-code", LCIName: name}
		require.NoError(t, store.InsertAgribalyse(ctx, rec))
		require.NotZero(t, rec.ID)
	}

	batch, err := store.NextUnlinked(ctx, types.SourceAgribalyse, 0, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "tomate", batch[0].RawName())
	assert.Equal(t, "carotte", batch[1].RawName())

	rest, err := store.NextUnlinked(ctx, types.SourceAgribalyse, batch[1].RecordID(), 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "poireau", rest[0].RawName())

	empty, err := store.NextUnlinked(ctx, types.SourceAgribalyse, rest[0].RecordID(), 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestAttachIdempotence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity := &types.CanonicalEntity{Name: "tomate", Embedding: []float32{1, 0}, Source: types.SourceOpenFoodFacts, SourceID: "123"}
	require.NoError(t, store.Create(ctx, entity))

	rec := &types.OpenFoodFactsRecord{Code: "123", ProductName: "Tomates cerises"}
	require.NoError(t, store.InsertOpenFoodFacts(ctx, rec))

	require.NoError(t, store.Attach(ctx, types.SourceOpenFoodFacts, rec.ID, entity.ID))

	err := store.Attach(ctx, types.SourceOpenFoodFacts, rec.ID, entity.ID)
	assert.ErrorIs(t, err, registry.ErrAlreadyLinked)

	err = store.Attach(ctx, types.SourceOpenFoodFacts, 9999, entity.ID)
	assert.ErrorIs(t, err, registry.ErrNotFound)

	// Linked rows drop out of the backlog.
	unlinked, err := store.NextUnlinked(ctx, types.SourceOpenFoodFacts, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, unlinked)
}

func TestReviewQueue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := &types.ReviewItem{
		ID:             uuid.New().String(),
		RunID:          uuid.New().String(),
		Source:         types.SourceOpenFoodFacts,
		RecordID:       42,
		NormalizedName: "tomate cerise",
		Candidates: []types.CandidateScore{
			{EntityID: 1, Name: "tomate", Vector: 0.8, Text: 0.6, Blended: 0.68},
		},
	}
	require.NoError(t, store.Enqueue(ctx, item))
	assert.False(t, item.CreatedAt.IsZero())

	pending, err := store.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, item.ID, pending[0].ID)
	assert.Equal(t, "tomate cerise", pending[0].NormalizedName)
	require.Len(t, pending[0].Candidates, 1)
	assert.InDelta(t, 0.68, pending[0].Candidates[0].Blended, 1e-9)
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Missing checkpoint is a zero value, not an error.
	cp, err := store.LoadCheckpoint(ctx, types.SourceAgribalyse)
	require.NoError(t, err)
	assert.Zero(t, cp.LastRecordID)

	runID := uuid.New().String()
	require.NoError(t, store.SaveCheckpoint(ctx, registry.Checkpoint{
		Source: types.SourceAgribalyse, LastRecordID: 50, RunID: runID, UpdatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.SaveCheckpoint(ctx, registry.Checkpoint{
		Source: types.SourceAgribalyse, LastRecordID: 100, RunID: runID, UpdatedAt: time.Now().UTC(),
	}))

	cp, err = store.LoadCheckpoint(ctx, types.SourceAgribalyse)
	require.NoError(t, err)
	assert.Equal(t, int64(100), cp.LastRecordID)
	assert.Equal(t, runID, cp.RunID)
}

func TestStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity := &types.CanonicalEntity{Name: "tomate", Embedding: []float32{1, 0}, Source: types.SourceAgribalyse, SourceID: "1"}
	require.NoError(t, store.Create(ctx, entity))

	linked := &types.AgribalyseRecord{CodeAGB: "1", LCIName: "tomate"}
	require.NoError(t, store.InsertAgribalyse(ctx, linked))
	require.NoError(t, store.Attach(ctx, types.SourceAgribalyse, linked.ID, entity.ID))

	pendingRec := &types.AgribalyseRecord{CodeAGB: "2", LCIName: "carotte"}
	require.NoError(t, store.InsertAgribalyse(ctx, pendingRec))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalEntities)
	assert.Equal(t, 1, stats.EntitiesBySource[types.SourceAgribalyse])
	assert.Equal(t, registry.SourceCounts{Linked: 1, Unlinked: 1}, stats.Facts[types.SourceAgribalyse])
	assert.Zero(t, stats.PendingReview)
}

func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.75, 0}
	got, err := deserializeVector(serializeVector(vec))
	require.NoError(t, err)
	assert.Equal(t, vec, got)

	_, err = deserializeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestTrigramSimilarityMatchesIntuition(t *testing.T) {
	identical := trigramSimilarity(trigramSet("tomate"), trigramSet("tomate"))
	assert.InDelta(t, 1.0, identical, 1e-9)

	near := trigramSimilarity(trigramSet("tomate"), trigramSet("tomates"))
	far := trigramSimilarity(trigramSet("tomate"), trigramSet("boeuf"))
	assert.Greater(t, near, far)
	assert.Greater(t, near, 0.5)
	assert.Zero(t, far)
}

func TestNextUnlinkedUnknownSource(t *testing.T) {
	store := newTestStore(t)
	_, err := store.NextUnlinked(context.Background(), types.Source("nope"), 0, 10)
	assert.True(t, errors.Is(err, registry.ErrInvalidInput))
}
