// Package types contains the shared domain types for the EcoPlate entity
// resolution engine: canonical entities, per-source fact records, and match
// decisions. Types here carry no behavior beyond validation so they can be
// shared freely between the registry backends, the matcher, and the pipeline.
package types

// Source identifies the dataset a record or canonical entity originated from.
type Source string

const (
	// SourceAgribalyse is the ADEME lifecycle-impact dataset.
	SourceAgribalyse Source = "agribalyse"

	// SourceOpenFoodFacts is the crowd-sourced nutritional catalog.
	SourceOpenFoodFacts Source = "openfoodfacts"

	// SourceGreenpeace is the fruit & vegetable seasonality calendar.
	SourceGreenpeace Source = "greenpeace"

	// SourceOther tags entities created outside the known ingestion streams
	// (e.g. manual adjudication tooling).
	SourceOther Source = "other"
)

// Valid reports whether s is one of the known source tags.
func (s Source) Valid() bool {
	switch s {
	case SourceAgribalyse, SourceOpenFoodFacts, SourceGreenpeace, SourceOther:
		return true
	}
	return false
}

// CanonicalEntity is the single resolved identity representing one real-world
// food item across sources (the "product vector" row).
//
// Invariants:
//   - (Source, SourceID) is unique across the registry when SourceID != "".
//   - Embedding has the deployment-wide dimension for every entity.
//   - Entities are append-only: never deleted, Extra only ever gains keys.
type CanonicalEntity struct {
	// ID is the registry-assigned identifier (SERIAL / AUTOINCREMENT).
	// Zero until Create has been called.
	ID int64 `json:"id"`

	// Name is the normalized display name used for lexical matching.
	Name string `json:"name"`

	// Embedding is the name embedding in the deployment's vector space.
	Embedding []float32 `json:"embedding,omitempty"`

	// Source is the origin source tag of the record that seeded this entity.
	Source Source `json:"source"`

	// SourceID is the origin's native identifier (e.g. an Agribalyse code).
	// Empty when the seeding record carried none.
	SourceID string `json:"source_id,omitempty"`

	// Extra is a schema-less metadata mapping for source-specific fields.
	// Merges are add-only: existing keys are never overwritten.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Resolvable is the capability every per-source record variant implements so
// the matcher and resolver can treat the closed set of source schemas
// uniformly.
type Resolvable interface {
	// RecordID is the fact-table row id of this record.
	RecordID() int64

	// RecordSource is the source tag of the owning fact table.
	RecordSource() Source

	// NativeID is the source's own primary key for the record,
	// or "" when the source has none for this row.
	NativeID() string

	// RawName is the human-entered product name to normalize and embed.
	RawName() string

	// ExtraMetadata returns source-specific fields worth carrying onto the
	// canonical entity's metadata mapping. May return nil.
	ExtraMetadata() map[string]interface{}
}
