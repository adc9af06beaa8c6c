package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ecoplate/ecoplate/internal/registry"
	"github.com/ecoplate/ecoplate/pkg/types"
)

// InsertAgribalyse inserts an unlinked impact row and assigns its ID.
func (s *Store) InsertAgribalyse(ctx context.Context, rec *types.AgribalyseRecord) error {
	if rec == nil {
		return fmt.Errorf("%w: record is nil", registry.ErrInvalidInput)
	}
	dataJSON, err := marshalExtra(rec.Data)
	if err != nil {
		return err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO agribalyse
			(code_agb, code_ciqual, groupe_aliment, sous_groupe_aliment,
			 lci_name, score_unique_ef, changement_climatique, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		rec.CodeAGB, rec.CodeCiqual, rec.GroupeAliment, rec.SousGroupeAliment,
		rec.LCIName, rec.ScoreUniqueEF, rec.ChangementClim, dataJSON,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("postgres: failed to insert agribalyse row: %w", err)
	}
	return nil
}

// InsertOpenFoodFacts inserts an unlinked catalog row and assigns its ID.
func (s *Store) InsertOpenFoodFacts(ctx context.Context, rec *types.OpenFoodFactsRecord) error {
	if rec == nil {
		return fmt.Errorf("%w: record is nil", registry.ErrInvalidInput)
	}
	dataJSON, err := marshalExtra(rec.Data)
	if err != nil {
		return err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO openfoodfacts
			(code, product_name, brands, categories,
			 nutriscore_score, nutriscore_grade, nova_group, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		rec.Code, rec.ProductName, rec.Brands, rec.Categories,
		rec.NutriscoreScore, rec.NutriscoreGrade, rec.NovaGroup, dataJSON,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("postgres: failed to insert openfoodfacts row: %w", err)
	}
	return nil
}

// InsertGreenpeaceSeason inserts an unlinked seasonality row and assigns its
// ID.
func (s *Store) InsertGreenpeaceSeason(ctx context.Context, rec *types.GreenpeaceSeasonRecord) error {
	if rec == nil {
		return fmt.Errorf("%w: record is nil", registry.ErrInvalidInput)
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO greenpeace_season (name, month, is_seasonal)
		VALUES ($1, $2, $3)
		RETURNING id`,
		rec.Name, rec.Month, rec.IsSeasonal,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("postgres: failed to insert greenpeace_season row: %w", err)
	}
	return nil
}

// NextUnlinked returns up to limit unlinked records of the given source with
// row id strictly greater than afterID, in ascending id order.
func (s *Store) NextUnlinked(ctx context.Context, source types.Source, afterID int64, limit int) ([]types.Resolvable, error) {
	if limit <= 0 {
		limit = 50
	}

	switch source {
	case types.SourceAgribalyse:
		return s.nextUnlinkedAgribalyse(ctx, afterID, limit)
	case types.SourceOpenFoodFacts:
		return s.nextUnlinkedOpenFoodFacts(ctx, afterID, limit)
	case types.SourceGreenpeace:
		return s.nextUnlinkedGreenpeace(ctx, afterID, limit)
	default:
		return nil, fmt.Errorf("%w: unknown source %q", registry.ErrInvalidInput, source)
	}
}

func (s *Store) nextUnlinkedAgribalyse(ctx context.Context, afterID int64, limit int) ([]types.Resolvable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code_agb, code_ciqual, groupe_aliment, sous_groupe_aliment,
		       lci_name, COALESCE(score_unique_ef, 0), COALESCE(changement_climatique, 0), data
		FROM agribalyse
		WHERE product_vector_id IS NULL AND id > $1
		ORDER BY id ASC
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: unlinked agribalyse query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Resolvable
	for rows.Next() {
		var rec types.AgribalyseRecord
		var dataJSON sql.NullString
		if err := rows.Scan(&rec.ID, &rec.CodeAGB, &rec.CodeCiqual,
			&rec.GroupeAliment, &rec.SousGroupeAliment, &rec.LCIName,
			&rec.ScoreUniqueEF, &rec.ChangementClim, &dataJSON); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan agribalyse row: %w", err)
		}
		if err := unmarshalData(dataJSON, &rec.Data); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *Store) nextUnlinkedOpenFoodFacts(ctx context.Context, afterID int64, limit int) ([]types.Resolvable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, product_name, brands, categories,
		       COALESCE(nutriscore_score, 0), COALESCE(nutriscore_grade, ''), COALESCE(nova_group, 0), data
		FROM openfoodfacts
		WHERE product_vector_id IS NULL AND id > $1
		ORDER BY id ASC
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: unlinked openfoodfacts query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Resolvable
	for rows.Next() {
		var rec types.OpenFoodFactsRecord
		var dataJSON sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Code, &rec.ProductName,
			&rec.Brands, &rec.Categories, &rec.NutriscoreScore,
			&rec.NutriscoreGrade, &rec.NovaGroup, &dataJSON); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan openfoodfacts row: %w", err)
		}
		if err := unmarshalData(dataJSON, &rec.Data); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *Store) nextUnlinkedGreenpeace(ctx context.Context, afterID int64, limit int) ([]types.Resolvable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, month, is_seasonal
		FROM greenpeace_season
		WHERE product_vector_id IS NULL AND id > $1
		ORDER BY id ASC
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: unlinked greenpeace query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Resolvable
	for rows.Next() {
		var rec types.GreenpeaceSeasonRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Month, &rec.IsSeasonal); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan greenpeace row: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Attach links a fact row to a canonical entity. The conditional UPDATE is
// the idempotence guarantee: a row links at most once, ever.
func (s *Store) Attach(ctx context.Context, source types.Source, recordID, entityID int64) error {
	table, ok := factTables[source]
	if !ok {
		return fmt.Errorf("%w: unknown source %q", registry.ErrInvalidInput, source)
	}

	q := fmt.Sprintf(`UPDATE %s SET product_vector_id = $1 WHERE id = $2 AND product_vector_id IS NULL`, table)
	res, err := s.db.ExecContext(ctx, q, entityID, recordID)
	if err != nil {
		return fmt.Errorf("postgres: failed to attach %s row %d: %w", source, recordID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to read attach result: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var exists int
	checkQ := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = $1`, table)
	if err := s.db.QueryRowContext(ctx, checkQ, recordID).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: failed to check %s row %d: %w", source, recordID, err)
	}
	if exists == 0 {
		return registry.ErrNotFound
	}
	return registry.ErrAlreadyLinked
}

// Enqueue stores one ambiguous decision with its scoring evidence.
func (s *Store) Enqueue(ctx context.Context, item *types.ReviewItem) error {
	if item == nil || item.ID == "" {
		return fmt.Errorf("%w: review item id is required", registry.ErrInvalidInput)
	}
	item.CreatedAt = touchTime(item.CreatedAt)

	candidatesJSON, err := json.Marshal(item.Candidates)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal review candidates: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO review_queue (id, run_id, source, record_id, normalized_name, candidates, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		item.ID, item.RunID, string(item.Source), item.RecordID,
		item.NormalizedName, string(candidatesJSON), item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to enqueue review item: %w", err)
	}
	return nil
}

// Pending returns up to limit queued items, oldest first.
func (s *Store) Pending(ctx context.Context, limit int) ([]types.ReviewItem, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, source, record_id, normalized_name, candidates, created_at
		FROM review_queue
		ORDER BY created_at ASC, id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: pending review query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []types.ReviewItem
	for rows.Next() {
		var item types.ReviewItem
		var source string
		var candidatesJSON sql.NullString
		if err := rows.Scan(&item.ID, &item.RunID, &source, &item.RecordID,
			&item.NormalizedName, &candidatesJSON, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan review item: %w", err)
		}
		item.Source = types.Source(source)
		if candidatesJSON.Valid && candidatesJSON.String != "" {
			if err := json.Unmarshal([]byte(candidatesJSON.String), &item.Candidates); err != nil {
				return nil, fmt.Errorf("postgres: failed to unmarshal review candidates: %w", err)
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// LoadCheckpoint returns the saved checkpoint for a source, or a zero
// checkpoint when none has been saved.
func (s *Store) LoadCheckpoint(ctx context.Context, source types.Source) (registry.Checkpoint, error) {
	cp := registry.Checkpoint{Source: source}

	var src string
	err := s.db.QueryRowContext(ctx, `
		SELECT source, last_record_id, run_id, updated_at
		FROM checkpoints WHERE source = $1`, string(source)).
		Scan(&src, &cp.LastRecordID, &cp.RunID, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("postgres: failed to load checkpoint for %s: %w", source, err)
	}
	return cp, nil
}

// SaveCheckpoint upserts the checkpoint for cp.Source.
func (s *Store) SaveCheckpoint(ctx context.Context, cp registry.Checkpoint) error {
	if cp.Source == "" {
		return fmt.Errorf("%w: checkpoint source is required", registry.ErrInvalidInput)
	}
	cp.UpdatedAt = touchTime(cp.UpdatedAt)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (source, last_record_id, run_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source) DO UPDATE SET
			last_record_id = EXCLUDED.last_record_id,
			run_id = EXCLUDED.run_id,
			updated_at = EXCLUDED.updated_at`,
		string(cp.Source), cp.LastRecordID, cp.RunID, cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to save checkpoint for %s: %w", cp.Source, err)
	}
	return nil
}

// unmarshalData decodes a JSON text column into a map, nil-safe.
func unmarshalData(col sql.NullString, dst *map[string]interface{}) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), dst); err != nil {
		return fmt.Errorf("postgres: failed to unmarshal data column: %w", err)
	}
	return nil
}
