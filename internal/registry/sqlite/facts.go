package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

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

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agribalyse
			(code_agb, code_ciqual, groupe_aliment, sous_groupe_aliment,
			 lci_name, score_unique_ef, changement_climatique, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CodeAGB, rec.CodeCiqual, rec.GroupeAliment, rec.SousGroupeAliment,
		rec.LCIName, rec.ScoreUniqueEF, rec.ChangementClim, dataJSON,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert agribalyse row: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: failed to read agribalyse row id: %w", err)
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

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO openfoodfacts
			(code, product_name, brands, categories,
			 nutriscore_score, nutriscore_grade, nova_group, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Code, rec.ProductName, rec.Brands, rec.Categories,
		rec.NutriscoreScore, rec.NutriscoreGrade, rec.NovaGroup, dataJSON,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert openfoodfacts row: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: failed to read openfoodfacts row id: %w", err)
	}
	return nil
}

// InsertGreenpeaceSeason inserts an unlinked seasonality row and assigns its
// ID.
func (s *Store) InsertGreenpeaceSeason(ctx context.Context, rec *types.GreenpeaceSeasonRecord) error {
	if rec == nil {
		return fmt.Errorf("%w: record is nil", registry.ErrInvalidInput)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO greenpeace_season (name, month, is_seasonal)
		VALUES (?, ?, ?)`,
		rec.Name, rec.Month, rec.IsSeasonal,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert greenpeace_season row: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: failed to read greenpeace_season row id: %w", err)
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
		       lci_name, score_unique_ef, changement_climatique, data
		FROM agribalyse
		WHERE product_vector_id IS NULL AND id > ?
		ORDER BY id ASC
		LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: unlinked agribalyse query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Resolvable
	for rows.Next() {
		var rec types.AgribalyseRecord
		var dataJSON sql.NullString
		var score, clim sql.NullFloat64
		if err := rows.Scan(&rec.ID, &rec.CodeAGB, &rec.CodeCiqual,
			&rec.GroupeAliment, &rec.SousGroupeAliment, &rec.LCIName,
			&score, &clim, &dataJSON); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan agribalyse row: %w", err)
		}
		rec.ScoreUniqueEF = score.Float64
		rec.ChangementClim = clim.Float64
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
		       nutriscore_score, nutriscore_grade, nova_group, data
		FROM openfoodfacts
		WHERE product_vector_id IS NULL AND id > ?
		ORDER BY id ASC
		LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: unlinked openfoodfacts query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Resolvable
	for rows.Next() {
		var rec types.OpenFoodFactsRecord
		var dataJSON sql.NullString
		var score sql.NullFloat64
		var nova sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.Code, &rec.ProductName,
			&rec.Brands, &rec.Categories, &score, &rec.NutriscoreGrade,
			&nova, &dataJSON); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan openfoodfacts row: %w", err)
		}
		rec.NutriscoreScore = score.Float64
		rec.NovaGroup = int(nova.Int64)
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
		WHERE product_vector_id IS NULL AND id > ?
		ORDER BY id ASC
		LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: unlinked greenpeace query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Resolvable
	for rows.Next() {
		var rec types.GreenpeaceSeasonRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Month, &rec.IsSeasonal); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan greenpeace row: %w", err)
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

	q := fmt.Sprintf(`UPDATE %s SET product_vector_id = ? WHERE id = ? AND product_vector_id IS NULL`, table)
	res, err := s.db.ExecContext(ctx, q, entityID, recordID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to attach %s row %d: %w", source, recordID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to read attach result: %w", err)
	}
	if affected == 1 {
		return nil
	}

	// Zero rows updated: either the row is already linked or it is missing.
	var exists int
	checkQ := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, table)
	if err := s.db.QueryRowContext(ctx, checkQ, recordID).Scan(&exists); err != nil {
		return fmt.Errorf("sqlite: failed to check %s row %d: %w", source, recordID, err)
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
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	candidatesJSON, err := json.Marshal(item.Candidates)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal review candidates: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO review_queue (id, run_id, source, record_id, normalized_name, candidates, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.RunID, string(item.Source), item.RecordID,
		item.NormalizedName, string(candidatesJSON), item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to enqueue review item: %w", err)
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
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: pending review query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []types.ReviewItem
	for rows.Next() {
		var item types.ReviewItem
		var source string
		var candidatesJSON sql.NullString
		if err := rows.Scan(&item.ID, &item.RunID, &source, &item.RecordID,
			&item.NormalizedName, &candidatesJSON, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan review item: %w", err)
		}
		item.Source = types.Source(source)
		if candidatesJSON.Valid && candidatesJSON.String != "" {
			if err := json.Unmarshal([]byte(candidatesJSON.String), &item.Candidates); err != nil {
				return nil, fmt.Errorf("sqlite: failed to unmarshal review candidates: %w", err)
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
		FROM checkpoints WHERE source = ?`, string(source)).
		Scan(&src, &cp.LastRecordID, &cp.RunID, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("sqlite: failed to load checkpoint for %s: %w", source, err)
	}
	return cp, nil
}

// SaveCheckpoint upserts the checkpoint for cp.Source.
func (s *Store) SaveCheckpoint(ctx context.Context, cp registry.Checkpoint) error {
	if cp.Source == "" {
		return fmt.Errorf("%w: checkpoint source is required", registry.ErrInvalidInput)
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (source, last_record_id, run_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			last_record_id = excluded.last_record_id,
			run_id = excluded.run_id,
			updated_at = excluded.updated_at`,
		string(cp.Source), cp.LastRecordID, cp.RunID, cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to save checkpoint for %s: %w", cp.Source, err)
	}
	return nil
}

// unmarshalData decodes a JSON text column into a map, nil-safe.
func unmarshalData(col sql.NullString, dst *map[string]interface{}) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), dst); err != nil {
		return fmt.Errorf("sqlite: failed to unmarshal data column: %w", err)
	}
	return nil
}
