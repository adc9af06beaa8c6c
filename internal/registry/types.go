package registry

import (
	"errors"
	"time"

	"github.com/ecoplate/ecoplate/pkg/types"
)

var (
	// ErrNotFound indicates that the requested row was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicateNativeID indicates a Create would violate the
	// (source, native id) uniqueness invariant. Callers treat this as a
	// deterministic match: re-query by native id and attach instead.
	ErrDuplicateNativeID = errors.New("duplicate native id")

	// ErrAlreadyLinked indicates the fact row already references a canonical
	// entity. Attach never overwrites a link.
	ErrAlreadyLinked = errors.New("record already linked")

	// ErrDimensionMismatch indicates an embedding whose dimension differs
	// from the registry's. This is a configuration error: comparisons across
	// vector spaces are meaningless, so batches must stop on it.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Candidate is one canonical entity returned by a similarity query, paired
// with the raw similarity the index reported (cosine for embedding queries,
// trigram for text queries).
type Candidate struct {
	Entity     types.CanonicalEntity
	Similarity float64
}

// Checkpoint records how far a source's batch has progressed.
type Checkpoint struct {
	Source       types.Source `json:"source"`
	LastRecordID int64        `json:"last_record_id"`
	RunID        string       `json:"run_id"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// SourceCounts are per-source fact table counts.
type SourceCounts struct {
	Linked   int `json:"linked"`
	Unlinked int `json:"unlinked"`
}

// RegistryStats is the overlap report: how many canonical entities each
// source has seeded and how much of each fact table is resolved.
type RegistryStats struct {
	TotalEntities    int                          `json:"total_entities"`
	EntitiesBySource map[types.Source]int         `json:"entities_by_source"`
	Facts            map[types.Source]SourceCounts `json:"facts"`
	PendingReview    int                          `json:"pending_review"`
}

// CandidateOptions bounds similarity queries.
type CandidateOptions struct {
	// K is the number of candidates to fetch from each index (default: 8,
	// max: 50).
	K int
}

// Normalize applies defaults and caps to the options.
func (o *CandidateOptions) Normalize() {
	if o.K < 1 {
		o.K = 8
	}
	if o.K > 50 {
		o.K = 50
	}
}
