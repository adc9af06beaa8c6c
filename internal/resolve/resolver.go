// Package resolve turns match decisions into registry mutations: linking
// fact rows to canonical entities, creating entities for unmatched records,
// and queueing ambiguous records for manual review.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ecoplate/ecoplate/internal/match"
	"github.com/ecoplate/ecoplate/internal/registry"
	"github.com/ecoplate/ecoplate/pkg/types"
)

// Outcome summarizes what a resolution attempt did to the registry.
type Outcome struct {
	Status types.MatchStatus

	// EntityID is the linked entity, zero for ambiguous records.
	EntityID int64

	// Created reports whether a new canonical entity was minted.
	Created bool

	// Reason is copied from the match decision for audit logging.
	Reason types.MatchReason
}

// Resolver applies match decisions to the registry. All mutations flow
// through it so the search-then-create sequence can be serialized: without
// the lock, two workers resolving the same unseen name would both see
// NO_MATCH and mint duplicate entities.
type Resolver struct {
	store   registry.Store
	matcher *match.Matcher

	mu sync.Mutex
}

// New creates a resolver over the given store and matcher.
func New(store registry.Store, matcher *match.Matcher) *Resolver {
	return &Resolver{store: store, matcher: matcher}
}

// Resolve matches rec against the registry and applies the decision.
// normalizedName must be non-empty; embedding may be nil for exact-only
// sources. runID tags review items with the batch that produced them.
func (r *Resolver) Resolve(ctx context.Context, rec types.Resolvable, normalizedName string, embedding []float32, runID string) (*Outcome, error) {
	if strings.TrimSpace(normalizedName) == "" {
		return nil, fmt.Errorf("%w: normalized name is empty", registry.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	decision, err := r.matcher.Match(ctx, rec, normalizedName, embedding)
	if err != nil {
		return nil, err
	}

	switch decision.Status {
	case types.MatchAccepted:
		return r.applyMatch(ctx, rec, decision)
	case types.MatchNone:
		return r.applyNoMatch(ctx, rec, normalizedName, embedding, decision)
	case types.MatchAmbiguous:
		return r.applyAmbiguous(ctx, rec, normalizedName, runID, decision)
	default:
		return nil, fmt.Errorf("resolve: unknown decision status %q", decision.Status)
	}
}

// applyMatch links the fact row and folds the record's metadata into the
// entity.
func (r *Resolver) applyMatch(ctx context.Context, rec types.Resolvable, decision *types.MatchDecision) (*Outcome, error) {
	if err := r.attach(ctx, rec, decision.EntityID); err != nil {
		return nil, err
	}
	if extra := rec.ExtraMetadata(); len(extra) > 0 {
		if err := r.store.MergeMetadata(ctx, decision.EntityID, extra); err != nil {
			return nil, fmt.Errorf("resolve: metadata merge failed: %w", err)
		}
	}
	return &Outcome{
		Status:   types.MatchAccepted,
		EntityID: decision.EntityID,
		Reason:   decision.Reason,
	}, nil
}

// applyNoMatch mints a new canonical entity seeded from the record and links
// the row to it.
func (r *Resolver) applyNoMatch(ctx context.Context, rec types.Resolvable, normalizedName string, embedding []float32, decision *types.MatchDecision) (*Outcome, error) {
	entity := &types.CanonicalEntity{
		Name:      normalizedName,
		Embedding: embedding,
		Source:    rec.RecordSource(),
		SourceID:  rec.NativeID(),
		Extra:     rec.ExtraMetadata(),
	}

	err := r.store.Create(ctx, entity)
	if errors.Is(err, registry.ErrDuplicateNativeID) {
		// Another run already seeded this native id. That IS our entity;
		// re-query and link to it instead of failing.
		existing, lookupErr := r.store.LookupByNativeID(ctx, rec.RecordSource(), rec.NativeID())
		if lookupErr != nil {
			return nil, fmt.Errorf("resolve: duplicate native id re-lookup failed: %w", lookupErr)
		}
		if attachErr := r.attach(ctx, rec, existing.ID); attachErr != nil {
			return nil, attachErr
		}
		return &Outcome{
			Status:   types.MatchAccepted,
			EntityID: existing.ID,
			Reason:   types.ReasonNativeID,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve: entity create failed: %w", err)
	}

	if err := r.attach(ctx, rec, entity.ID); err != nil {
		return nil, err
	}
	return &Outcome{
		Status:   types.MatchNone,
		EntityID: entity.ID,
		Created:  true,
		Reason:   decision.Reason,
	}, nil
}

// applyAmbiguous queues the record for manual adjudication and leaves the
// fact row unlinked.
func (r *Resolver) applyAmbiguous(ctx context.Context, rec types.Resolvable, normalizedName, runID string, decision *types.MatchDecision) (*Outcome, error) {
	item := &types.ReviewItem{
		ID:             uuid.New().String(),
		RunID:          runID,
		Source:         rec.RecordSource(),
		RecordID:       rec.RecordID(),
		NormalizedName: normalizedName,
		Candidates:     decision.Candidates,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.store.Enqueue(ctx, item); err != nil {
		return nil, fmt.Errorf("resolve: review enqueue failed: %w", err)
	}
	return &Outcome{
		Status: types.MatchAmbiguous,
		Reason: decision.Reason,
	}, nil
}

// attach links the fact row, treating an existing link as success so
// re-processing a checkpointed batch is a no-op.
func (r *Resolver) attach(ctx context.Context, rec types.Resolvable, entityID int64) error {
	err := r.store.Attach(ctx, rec.RecordSource(), rec.RecordID(), entityID)
	if errors.Is(err, registry.ErrAlreadyLinked) {
		log.Printf("resolve: %s record %d already linked, skipping", rec.RecordSource(), rec.RecordID())
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve: attach failed: %w", err)
	}
	return nil
}
