// Package registry defines the storage interfaces for the canonical identity
// layer: the append-only set of canonical entities, the per-source fact
// tables that link to them, the manual-review queue, and batch checkpoints.
//
// The interfaces are small and composable so backends can be implemented
// independently and tests can substitute an in-memory SQLite store for the
// PostgreSQL deployment target.
package registry

import (
	"context"

	"github.com/ecoplate/ecoplate/pkg/types"
)

// EntityStore is the canonical registry of resolved identities.
// Entities are append-only: there is no delete, and metadata merges only add
// keys.
type EntityStore interface {
	// LookupByNativeID returns the entity seeded with the given
	// (source, nativeID) pair. Returns ErrNotFound when absent.
	LookupByNativeID(ctx context.Context, source types.Source, nativeID string) (*types.CanonicalEntity, error)

	// LookupByExactName returns an entity whose normalized name equals name
	// exactly. Used for exact-only sources (the seasonality calendar).
	// Returns ErrNotFound when absent.
	LookupByExactName(ctx context.Context, name string) (*types.CanonicalEntity, error)

	// CandidatesByEmbedding returns up to k entities nearest to vec under
	// cosine distance, best first. Similarity is raw cosine in [-1, 1].
	CandidatesByEmbedding(ctx context.Context, vec []float32, k int) ([]Candidate, error)

	// CandidatesByText returns up to k entities by trigram similarity to the
	// normalized name, best first. Similarity is in [0, 1].
	CandidatesByText(ctx context.Context, name string, k int) ([]Candidate, error)

	// Get returns the entity with the given id, or ErrNotFound.
	Get(ctx context.Context, id int64) (*types.CanonicalEntity, error)

	// Create inserts a new entity and assigns entity.ID. It fails with
	// ErrDuplicateNativeID when the (source, nativeID) uniqueness invariant
	// would be violated, and ErrDimensionMismatch when the embedding's
	// dimension differs from the registry's.
	Create(ctx context.Context, entity *types.CanonicalEntity) error

	// MergeMetadata unions extra into the entity's metadata mapping.
	// Existing keys are never overwritten, only added.
	MergeMetadata(ctx context.Context, id int64, extra map[string]interface{}) error

	// Dimension returns the embedding dimension of the stored entities,
	// or 0 when the registry is empty.
	Dimension(ctx context.Context) (int, error)

	// Stats returns registry-wide counts for the overlap report.
	Stats(ctx context.Context) (*RegistryStats, error)

	// Close releases any resources held by the store.
	Close() error
}

// FactStore manages the per-source fact tables. A fact row is created
// unlinked by ingestion and linked to exactly one canonical entity by the
// resolver; it is never re-linked.
type FactStore interface {
	// InsertAgribalyse inserts an unlinked impact row and assigns its ID.
	InsertAgribalyse(ctx context.Context, rec *types.AgribalyseRecord) error

	// InsertOpenFoodFacts inserts an unlinked catalog row and assigns its ID.
	InsertOpenFoodFacts(ctx context.Context, rec *types.OpenFoodFactsRecord) error

	// InsertGreenpeaceSeason inserts an unlinked seasonality row and assigns
	// its ID.
	InsertGreenpeaceSeason(ctx context.Context, rec *types.GreenpeaceSeasonRecord) error

	// NextUnlinked returns up to limit unlinked records of the given source
	// with row id strictly greater than afterID, in ascending id order.
	// An empty slice means the source's backlog is drained.
	NextUnlinked(ctx context.Context, source types.Source, afterID int64, limit int) ([]types.Resolvable, error)

	// Attach links the fact row to the canonical entity. It is the single
	// mutation a fact row ever receives: ErrAlreadyLinked when the row has a
	// link (idempotent re-runs detect this and move on), ErrNotFound when
	// the row does not exist.
	Attach(ctx context.Context, source types.Source, recordID, entityID int64) error
}

// ReviewQueue persists ambiguous decisions for manual adjudication.
// External review tooling consumes the queue; the engine only enqueues.
type ReviewQueue interface {
	// Enqueue stores one ambiguous decision with its scoring evidence.
	Enqueue(ctx context.Context, item *types.ReviewItem) error

	// Pending returns up to limit queued items, oldest first.
	Pending(ctx context.Context, limit int) ([]types.ReviewItem, error)
}

// CheckpointStore persists per-source batch progress so a crashed run
// resumes without re-scanning already-processed records.
type CheckpointStore interface {
	// LoadCheckpoint returns the saved checkpoint for a source, or a zero
	// checkpoint (LastRecordID 0) when none has been saved.
	LoadCheckpoint(ctx context.Context, source types.Source) (Checkpoint, error)

	// SaveCheckpoint upserts the checkpoint for cp.Source.
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
}

// Store is the full registry surface a backend provides. Both the PostgreSQL
// and the SQLite backends implement it.
type Store interface {
	EntityStore
	FactStore
	ReviewQueue
	CheckpointStore
}
