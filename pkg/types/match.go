package types

import "time"

// MatchStatus is the terminal classification of a resolution attempt.
type MatchStatus string

const (
	// MatchAccepted means the record resolves to an existing entity.
	MatchAccepted MatchStatus = "match"

	// MatchNone means no acceptable candidate exists; a new entity is created.
	MatchNone MatchStatus = "no_match"

	// MatchAmbiguous means the best candidate falls between the reject and
	// accept thresholds and requires manual adjudication. Never auto-linked.
	MatchAmbiguous MatchStatus = "ambiguous"
)

// MatchReason records which rule produced a decision, for auditability.
type MatchReason string

const (
	ReasonNativeID     MatchReason = "native_id"  // deterministic native-id hit
	ReasonExactName    MatchReason = "exact_name" // exact normalized-name hit (exact-only sources)
	ReasonBlendedScore MatchReason = "blended"    // weighted vector+text score
	ReasonNoCandidates MatchReason = "no_candidates"
)

// CandidateScore is the scoring evidence for one canonical candidate.
// Similarities are normalized into [0,1] before blending.
type CandidateScore struct {
	EntityID int64   `json:"entity_id"`
	Name     string  `json:"name"`
	Vector   float64 `json:"vector_similarity"`
	Text     float64 `json:"text_similarity"`
	Blended  float64 `json:"blended_score"`
}

// MatchDecision is the matcher's output: a classification plus the evidence
// that produced it. It is pure with respect to the registry snapshot it was
// computed against.
type MatchDecision struct {
	Status MatchStatus `json:"status"`
	Reason MatchReason `json:"reason"`

	// EntityID is the matched entity when Status == MatchAccepted.
	EntityID int64 `json:"entity_id,omitempty"`

	// Best is the top-ranked candidate, if any candidates existed.
	Best *CandidateScore `json:"best,omitempty"`

	// Candidates is the full ranked evidence list (blended score descending).
	Candidates []CandidateScore `json:"candidates,omitempty"`
}

// ReviewItem is one ambiguous decision queued for manual adjudication.
// External review tooling consumes these; the engine never resolves them.
type ReviewItem struct {
	ID             string           `json:"id"` // UUID
	RunID          string           `json:"run_id"`
	Source         Source           `json:"source"`
	RecordID       int64            `json:"record_id"`
	NormalizedName string           `json:"normalized_name"`
	Candidates     []CandidateScore `json:"candidates"`
	CreatedAt      time.Time        `json:"created_at"`
}
