// Package match scores candidate canonical entities for an incoming record
// and classifies the result. The matcher is pure with respect to the
// registry snapshot it queries: it never mutates anything, which is what
// lets the resolver and the batch pipeline retry freely around it.
package match

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ecoplate/ecoplate/internal/registry"
	"github.com/ecoplate/ecoplate/pkg/types"
)

// Options tune the blended scoring.
type Options struct {
	// VectorWeight and TextWeight blend the two similarities. They must sum
	// to 1; callers validate via config before construction.
	VectorWeight float64
	TextWeight   float64

	// AcceptThreshold and RejectThreshold classify the best blended score.
	// A score exactly at the accept threshold is a match.
	AcceptThreshold float64
	RejectThreshold float64

	// CandidateK is the fan-out of each similarity index query.
	CandidateK int

	// ExactOnlySources bypass fuzzy scoring entirely and link by exact
	// normalized name or not at all.
	ExactOnlySources []string
}

// DefaultOptions returns the production scoring parameters.
func DefaultOptions() Options {
	return Options{
		VectorWeight:     0.4,
		TextWeight:       0.6,
		AcceptThreshold:  0.85,
		RejectThreshold:  0.55,
		CandidateK:       8,
		ExactOnlySources: []string{string(types.SourceGreenpeace)},
	}
}

// Matcher decides whether an incoming record corresponds to an existing
// canonical entity.
type Matcher struct {
	entities  registry.EntityStore
	opts      Options
	exactOnly map[types.Source]bool
}

// New creates a matcher over the given entity store.
func New(entities registry.EntityStore, opts Options) *Matcher {
	exactOnly := make(map[types.Source]bool, len(opts.ExactOnlySources))
	for _, s := range opts.ExactOnlySources {
		exactOnly[types.Source(strings.ToLower(s))] = true
	}
	return &Matcher{entities: entities, opts: opts, exactOnly: exactOnly}
}

// Match classifies rec against the registry. normalizedName and embedding
// are the record's normalized name and its vector; embedding may be nil for
// exact-only sources.
func (m *Matcher) Match(ctx context.Context, rec types.Resolvable, normalizedName string, embedding []float32) (*types.MatchDecision, error) {
	// A native identifier is authoritative: same id, same entity, no scoring.
	if nativeID := rec.NativeID(); nativeID != "" {
		entity, err := m.entities.LookupByNativeID(ctx, rec.RecordSource(), nativeID)
		if err == nil {
			return &types.MatchDecision{
				Status:   types.MatchAccepted,
				Reason:   types.ReasonNativeID,
				EntityID: entity.ID,
			}, nil
		}
		if !errors.Is(err, registry.ErrNotFound) {
			return nil, fmt.Errorf("match: native id lookup failed: %w", err)
		}
	}

	if m.exactOnly[rec.RecordSource()] {
		return m.matchExact(ctx, normalizedName)
	}

	return m.matchBlended(ctx, normalizedName, embedding)
}

// matchExact links by exact normalized name or not at all. Short canonical
// vocabularies (the seasonality calendar) lose precision under fuzzy
// scoring, so near misses deliberately become new entities.
func (m *Matcher) matchExact(ctx context.Context, normalizedName string) (*types.MatchDecision, error) {
	entity, err := m.entities.LookupByExactName(ctx, normalizedName)
	if err == nil {
		return &types.MatchDecision{
			Status:   types.MatchAccepted,
			Reason:   types.ReasonExactName,
			EntityID: entity.ID,
		}, nil
	}
	if errors.Is(err, registry.ErrNotFound) {
		return &types.MatchDecision{
			Status: types.MatchNone,
			Reason: types.ReasonNoCandidates,
		}, nil
	}
	return nil, fmt.Errorf("match: exact name lookup failed: %w", err)
}

// matchBlended unions the top-k of both similarity indexes, scores every
// candidate on both axes, and classifies the best blended score.
func (m *Matcher) matchBlended(ctx context.Context, normalizedName string, embedding []float32) (*types.MatchDecision, error) {
	// The exact-name rule cuts both ways: an identical normalized name is a
	// deterministic match whatever source seeded the entity. Entities seeded
	// by name-only sources carry no vector, so blended scoring alone could
	// never reach the accept threshold against them.
	if entity, err := m.entities.LookupByExactName(ctx, normalizedName); err == nil {
		return &types.MatchDecision{
			Status:   types.MatchAccepted,
			Reason:   types.ReasonExactName,
			EntityID: entity.ID,
		}, nil
	} else if !errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("match: exact name lookup failed: %w", err)
	}

	byVector, err := m.entities.CandidatesByEmbedding(ctx, embedding, m.opts.CandidateK)
	if err != nil {
		return nil, fmt.Errorf("match: embedding candidates failed: %w", err)
	}
	byText, err := m.entities.CandidatesByText(ctx, normalizedName, m.opts.CandidateK)
	if err != nil {
		return nil, fmt.Errorf("match: text candidates failed: %w", err)
	}

	scores := m.scoreCandidates(normalizedName, embedding, byVector, byText)
	if len(scores) == 0 {
		return &types.MatchDecision{
			Status: types.MatchNone,
			Reason: types.ReasonNoCandidates,
		}, nil
	}

	best := scores[0]
	decision := &types.MatchDecision{
		Reason:     types.ReasonBlendedScore,
		Best:       &best,
		Candidates: scores,
	}

	switch {
	case best.Blended >= m.opts.AcceptThreshold:
		decision.Status = types.MatchAccepted
		decision.EntityID = best.EntityID
	case best.Blended < m.opts.RejectThreshold:
		decision.Status = types.MatchNone
	default:
		decision.Status = types.MatchAmbiguous
	}
	return decision, nil
}

// scoreCandidates merges the two candidate lists by entity id and computes
// both similarities for every entry. A candidate surfaced by only one index
// gets its missing similarity computed directly against the entity, so the
// blend never silently zeroes an axis.
func (m *Matcher) scoreCandidates(normalizedName string, embedding []float32, byVector, byText []registry.Candidate) []types.CandidateScore {
	queryTrigrams := trigramSet(normalizedName)

	merged := map[int64]*types.CandidateScore{}

	for _, c := range byVector {
		merged[c.Entity.ID] = &types.CandidateScore{
			EntityID: c.Entity.ID,
			Name:     c.Entity.Name,
			Vector:   normalizeCosine(c.Similarity),
			Text:     trigramSimilarity(queryTrigrams, trigramSet(c.Entity.Name)),
		}
	}

	for _, c := range byText {
		if existing, ok := merged[c.Entity.ID]; ok {
			existing.Text = c.Similarity
			continue
		}
		score := &types.CandidateScore{
			EntityID: c.Entity.ID,
			Name:     c.Entity.Name,
			Text:     c.Similarity,
		}
		if len(embedding) > 0 && len(c.Entity.Embedding) == len(embedding) {
			score.Vector = normalizeCosine(cosineSimilarity(embedding, c.Entity.Embedding))
		}
		merged[c.Entity.ID] = score
	}

	scores := make([]types.CandidateScore, 0, len(merged))
	for _, s := range merged {
		s.Blended = m.opts.VectorWeight*s.Vector + m.opts.TextWeight*s.Text
		scores = append(scores, *s)
	}

	// Rank by blended score; ties break on text similarity, then on the
	// lowest entity id so re-runs rank identically.
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Blended != scores[j].Blended {
			return scores[i].Blended > scores[j].Blended
		}
		if scores[i].Text != scores[j].Text {
			return scores[i].Text > scores[j].Text
		}
		return scores[i].EntityID < scores[j].EntityID
	})
	return scores
}

// normalizeCosine maps raw cosine similarity from [-1, 1] into [0, 1] so it
// blends with trigram similarity on a common scale.
func normalizeCosine(cos float64) float64 {
	v := (cos + 1) / 2
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// cosineSimilarity computes cosine similarity between two equal-length
// vectors. Returns 0 if either vector has zero magnitude.
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// trigramSet returns the padded per-word character trigram set of s, the
// shape pg_trgm uses.
func trigramSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, word := range strings.Fields(strings.ToLower(s)) {
		padded := "  " + word + " "
		for i := 0; i+3 <= len(padded); i++ {
			set[padded[i:i+3]] = true
		}
	}
	return set
}

// trigramSimilarity is Jaccard similarity over trigram sets.
func trigramSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for t := range a {
		if b[t] {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}
