package types

// The three fact-record variants below mirror the persisted source tables.
// Each row is created unlinked by ingestion and linked to exactly one
// canonical entity by the resolver (ProductVectorID nil → pending).

// AgribalyseRecord is one row of the lifecycle-impact fact table.
type AgribalyseRecord struct {
	ID              int64  `json:"id"`
	ProductVectorID *int64 `json:"product_vector_id,omitempty"`

	CodeAGB           string  `json:"code_agb"`
	CodeCiqual        string  `json:"code_ciqual"`
	GroupeAliment     string  `json:"groupe_aliment"`
	SousGroupeAliment string  `json:"sous_groupe_aliment"`
	LCIName           string  `json:"lci_name"`
	ScoreUniqueEF     float64 `json:"score_unique_ef"`
	ChangementClim    float64 `json:"changement_climatique"`

	// Data holds the remaining impact indicators from the upstream export.
	Data map[string]interface{} `json:"data,omitempty"`
}

func (r *AgribalyseRecord) RecordID() int64      { return r.ID }
func (r *AgribalyseRecord) RecordSource() Source { return SourceAgribalyse }
func (r *AgribalyseRecord) NativeID() string     { return r.CodeAGB }
func (r *AgribalyseRecord) RawName() string      { return r.LCIName }

func (r *AgribalyseRecord) ExtraMetadata() map[string]interface{} {
	extra := map[string]interface{}{}
	if r.CodeCiqual != "" {
		extra["code_ciqual"] = r.CodeCiqual
	}
	if r.GroupeAliment != "" {
		extra["groupe_aliment"] = r.GroupeAliment
	}
	if r.SousGroupeAliment != "" {
		extra["sous_groupe_aliment"] = r.SousGroupeAliment
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}

// OpenFoodFactsRecord is one row of the nutritional catalog fact table.
type OpenFoodFactsRecord struct {
	ID              int64  `json:"id"`
	ProductVectorID *int64 `json:"product_vector_id,omitempty"`

	Code            string  `json:"code"`
	ProductName     string  `json:"product_name"`
	Brands          string  `json:"brands"`
	Categories      string  `json:"categories"`
	NutriscoreScore float64 `json:"nutriscore_score"`
	NutriscoreGrade string  `json:"nutriscore_grade"`
	NovaGroup       int     `json:"nova_group"`

	// Data holds the remaining nutrient columns (per-100g values etc.).
	Data map[string]interface{} `json:"data,omitempty"`
}

func (r *OpenFoodFactsRecord) RecordID() int64      { return r.ID }
func (r *OpenFoodFactsRecord) RecordSource() Source { return SourceOpenFoodFacts }
func (r *OpenFoodFactsRecord) NativeID() string     { return r.Code }
func (r *OpenFoodFactsRecord) RawName() string      { return r.ProductName }

func (r *OpenFoodFactsRecord) ExtraMetadata() map[string]interface{} {
	extra := map[string]interface{}{}
	if r.Brands != "" {
		extra["brands"] = r.Brands
	}
	if r.Categories != "" {
		extra["categories"] = r.Categories
	}
	if r.NutriscoreGrade != "" {
		extra["nutriscore_grade"] = r.NutriscoreGrade
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}

// GreenpeaceSeasonRecord is one row of the seasonality fact table.
// The calendar has no native identifiers; rows are matched by name only.
type GreenpeaceSeasonRecord struct {
	ID              int64  `json:"id"`
	ProductVectorID *int64 `json:"product_vector_id,omitempty"`

	// Name is the scraped product name; kept on the row so pending
	// (unlinked) records survive a pipeline restart.
	Name       string `json:"name"`
	Month      string `json:"month"`
	IsSeasonal bool   `json:"is_seasonal"`
}

func (r *GreenpeaceSeasonRecord) RecordID() int64      { return r.ID }
func (r *GreenpeaceSeasonRecord) RecordSource() Source { return SourceGreenpeace }
func (r *GreenpeaceSeasonRecord) NativeID() string     { return "" }
func (r *GreenpeaceSeasonRecord) RawName() string      { return r.Name }

func (r *GreenpeaceSeasonRecord) ExtraMetadata() map[string]interface{} { return nil }

// Compile-time assertions that every variant satisfies Resolvable.
var _ Resolvable = (*AgribalyseRecord)(nil)
var _ Resolvable = (*OpenFoodFactsRecord)(nil)
var _ Resolvable = (*GreenpeaceSeasonRecord)(nil)
