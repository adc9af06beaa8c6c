package postgres

import (
	"context"
	"fmt"

	"github.com/ecoplate/ecoplate/internal/registry"
)

// Setup creates the extensions, tables, and indexes the registry needs.
// Every statement is idempotent, so re-running setup against an existing
// database is safe. The vector column is typed to the given dimension;
// changing the dimension of a populated registry requires a re-embed, not a
// re-setup.
func (s *Store) Setup(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", registry.ErrInvalidInput, dimension)
	}

	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE EXTENSION IF NOT EXISTS pg_trgm`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS product_vector (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			name_vector vector(%d),
			source TEXT NOT NULL,
			source_id TEXT,
			extra JSONB
		)`, dimension),
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_product_vector_native
			ON product_vector (source, source_id)
			WHERE source_id IS NOT NULL AND source_id != ''`,
		`CREATE INDEX IF NOT EXISTS idx_product_vector_name_trgm
			ON product_vector USING gin (name gin_trgm_ops)`,
		`CREATE INDEX IF NOT EXISTS idx_product_vector_embedding
			ON product_vector USING ivfflat (name_vector vector_cosine_ops) WITH (lists = 100)`,
		`CREATE TABLE IF NOT EXISTS agribalyse (
			id BIGSERIAL PRIMARY KEY,
			product_vector_id BIGINT REFERENCES product_vector(id),
			code_agb TEXT,
			code_ciqual TEXT,
			groupe_aliment TEXT,
			sous_groupe_aliment TEXT,
			lci_name TEXT,
			score_unique_ef DOUBLE PRECISION,
			changement_climatique DOUBLE PRECISION,
			data JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agribalyse_pvid ON agribalyse (product_vector_id)`,
		`CREATE TABLE IF NOT EXISTS openfoodfacts (
			id BIGSERIAL PRIMARY KEY,
			product_vector_id BIGINT REFERENCES product_vector(id),
			code TEXT,
			product_name TEXT,
			brands TEXT,
			categories TEXT,
			nutriscore_score DOUBLE PRECISION,
			nutriscore_grade TEXT,
			nova_group INTEGER,
			data JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_openfoodfacts_pvid ON openfoodfacts (product_vector_id)`,
		`CREATE TABLE IF NOT EXISTS greenpeace_season (
			id BIGSERIAL PRIMARY KEY,
			product_vector_id BIGINT REFERENCES product_vector(id),
			name TEXT,
			month TEXT,
			is_seasonal BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_greenpeace_season_pvid ON greenpeace_season (product_vector_id)`,
		`CREATE TABLE IF NOT EXISTS review_queue (
			id UUID PRIMARY KEY,
			run_id UUID NOT NULL,
			source TEXT NOT NULL,
			record_id BIGINT NOT NULL,
			normalized_name TEXT NOT NULL,
			candidates JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			source TEXT PRIMARY KEY,
			last_record_id BIGINT NOT NULL,
			run_id UUID NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: setup statement failed: %w", err)
		}
	}
	return nil
}
