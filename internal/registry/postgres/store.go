// Package postgres implements the canonical registry on PostgreSQL.
//
// Similarity queries run inside the database: pgvector's cosine operator
// ranks embeddings and pg_trgm's similarity() ranks names, so the candidate
// pool never leaves the server. This is the deployment target; the sqlite
// backend covers tests and single-file setups.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/ecoplate/ecoplate/internal/registry"
	"github.com/ecoplate/ecoplate/pkg/types"
)

// uniqueViolation is the PostgreSQL error code for unique constraint hits.
const uniqueViolation = "23505"

// Store implements registry.Store on a PostgreSQL database with the vector
// and pg_trgm extensions installed.
type Store struct {
	db *sql.DB
}

var _ registry.Store = (*Store)(nil)

// Open connects to PostgreSQL using a lib/pq DSN and verifies the
// connection. It does not create the schema; run Setup first.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: failed to ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// LookupByNativeID returns the entity seeded with (source, nativeID).
func (s *Store) LookupByNativeID(ctx context.Context, source types.Source, nativeID string) (*types.CanonicalEntity, error) {
	if nativeID == "" {
		return nil, fmt.Errorf("%w: native id is required", registry.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, name_vector, source, source_id, extra
		FROM product_vector
		WHERE source = $1 AND source_id = $2`, string(source), nativeID)
	return scanEntity(row)
}

// LookupByExactName returns an entity whose normalized name equals name,
// lowest id first for determinism.
func (s *Store) LookupByExactName(ctx context.Context, name string) (*types.CanonicalEntity, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: name is required", registry.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, name_vector, source, source_id, extra
		FROM product_vector
		WHERE name = $1
		ORDER BY id ASC
		LIMIT 1`, name)
	return scanEntity(row)
}

// Get returns the entity with the given id.
func (s *Store) Get(ctx context.Context, id int64) (*types.CanonicalEntity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, name_vector, source, source_id, extra
		FROM product_vector
		WHERE id = $1`, id)
	return scanEntity(row)
}

// Create inserts a new canonical entity. The unique index on
// (source, source_id) and the typed vector column enforce the registry
// invariants server-side.
func (s *Store) Create(ctx context.Context, entity *types.CanonicalEntity) error {
	if entity == nil || entity.Name == "" {
		return fmt.Errorf("%w: entity name is required", registry.ErrInvalidInput)
	}
	if !entity.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", registry.ErrInvalidInput, entity.Source)
	}

	extraJSON, err := marshalExtra(entity.Extra)
	if err != nil {
		return err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO product_vector (name, name_vector, source, source_id, extra)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		entity.Name,
		vectorOrNil(entity.Embedding),
		string(entity.Source),
		nullableString(entity.SourceID),
		extraJSON,
	).Scan(&entity.ID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			if string(pqErr.Code) == uniqueViolation {
				return fmt.Errorf("%w: (%s, %s)", registry.ErrDuplicateNativeID, entity.Source, entity.SourceID)
			}
		}
		if strings.Contains(err.Error(), "dimensions") {
			return fmt.Errorf("%w: %v", registry.ErrDimensionMismatch, err)
		}
		return fmt.Errorf("postgres: failed to create entity: %w", err)
	}
	return nil
}

// MergeMetadata unions extra into the entity's metadata. The jsonb
// concatenation puts the existing document on the right so stored keys win
// every conflict.
func (s *Store) MergeMetadata(ctx context.Context, id int64, extra map[string]interface{}) error {
	if len(extra) == 0 {
		return nil
	}

	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal extra: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE product_vector
		SET extra = $2::jsonb || COALESCE(extra, '{}'::jsonb)
		WHERE id = $1`, id, string(extraJSON))
	if err != nil {
		return fmt.Errorf("postgres: failed to merge metadata: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to read merge result: %w", err)
	}
	if affected == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// Dimension returns the vector dimension of the stored entities, or 0 when
// no entity carries a vector yet.
func (s *Store) Dimension(ctx context.Context) (int, error) {
	var dim sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT vector_dims(name_vector)
		FROM product_vector
		WHERE name_vector IS NOT NULL
		ORDER BY id ASC
		LIMIT 1`).Scan(&dim)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to read dimension: %w", err)
	}
	return int(dim.Int64), nil
}

// CandidatesByEmbedding ranks entities by cosine similarity to vec using the
// pgvector cosine-distance operator.
func (s *Store) CandidatesByEmbedding(ctx context.Context, vec []float32, k int) ([]registry.Candidate, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	opts := registry.CandidateOptions{K: k}
	opts.Normalize()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, name_vector, source, source_id, extra,
		       1 - (name_vector <=> $1) AS similarity
		FROM product_vector
		WHERE name_vector IS NOT NULL
		ORDER BY name_vector <=> $1, id ASC
		LIMIT $2`, pgvector.NewVector(vec), opts.K)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector candidate query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectCandidates(rows)
}

// CandidatesByText ranks entities by pg_trgm similarity to the normalized
// name.
func (s *Store) CandidatesByText(ctx context.Context, name string, k int) ([]registry.Candidate, error) {
	if strings.TrimSpace(name) == "" {
		return nil, nil
	}
	opts := registry.CandidateOptions{K: k}
	opts.Normalize()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, name_vector, source, source_id, extra,
		       similarity(name, $1) AS sim
		FROM product_vector
		WHERE similarity(name, $1) > 0
		ORDER BY sim DESC, id ASC
		LIMIT $2`, name, opts.K)
	if err != nil {
		return nil, fmt.Errorf("postgres: text candidate query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectCandidates(rows)
}

// Stats returns registry-wide counts for the overlap report.
func (s *Store) Stats(ctx context.Context) (*registry.RegistryStats, error) {
	stats := &registry.RegistryStats{
		EntitiesBySource: map[types.Source]int{},
		Facts:            map[types.Source]registry.SourceCounts{},
	}

	rows, err := s.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM product_vector GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("postgres: stats query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var source string
		var count int
		if err := rows.Scan(&source, &count); err != nil {
			return nil, fmt.Errorf("postgres: stats scan failed: %w", err)
		}
		stats.EntitiesBySource[types.Source(source)] = count
		stats.TotalEntities += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: stats rows error: %w", err)
	}

	for source, table := range factTables {
		var linked, unlinked int
		q := fmt.Sprintf(`SELECT
			COUNT(*) FILTER (WHERE product_vector_id IS NOT NULL),
			COUNT(*) FILTER (WHERE product_vector_id IS NULL)
			FROM %s`, table)
		if err := s.db.QueryRowContext(ctx, q).Scan(&linked, &unlinked); err != nil {
			return nil, fmt.Errorf("postgres: fact counts for %s failed: %w", table, err)
		}
		stats.Facts[source] = registry.SourceCounts{Linked: linked, Unlinked: unlinked}
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM review_queue`).Scan(&stats.PendingReview); err != nil {
		return nil, fmt.Errorf("postgres: review queue count failed: %w", err)
	}

	return stats, nil
}

// factTables maps source tags to their fact table names.
var factTables = map[types.Source]string{
	types.SourceAgribalyse:    "agribalyse",
	types.SourceOpenFoodFacts: "openfoodfacts",
	types.SourceGreenpeace:    "greenpeace_season",
}

// rowScanner abstracts *sql.Row and *sql.Rows for entity scanning.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row *sql.Row) (*types.CanonicalEntity, error) {
	entity, _, err := scanEntityFrom(row, false)
	if err == sql.ErrNoRows {
		return nil, registry.ErrNotFound
	}
	return entity, err
}

func collectCandidates(rows *sql.Rows) ([]registry.Candidate, error) {
	var candidates []registry.Candidate
	for rows.Next() {
		entity, similarity, err := scanEntityFrom(rows, true)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, registry.Candidate{
			Entity:     *entity,
			Similarity: similarity,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: candidate rows error: %w", err)
	}
	return candidates, nil
}

func scanEntityFrom(scanner rowScanner, withSimilarity bool) (*types.CanonicalEntity, float64, error) {
	var entity types.CanonicalEntity
	var vec pgvector.Vector
	var vecValid bool
	var source string
	var sourceID, extraJSON sql.NullString
	var similarity float64

	nullableVec := nullVector{Vector: &vec, Valid: &vecValid}
	dest := []interface{}{&entity.ID, &entity.Name, &nullableVec, &source, &sourceID, &extraJSON}
	if withSimilarity {
		dest = append(dest, &similarity)
	}

	if err := scanner.Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("postgres: failed to scan entity: %w", err)
	}

	entity.Source = types.Source(source)
	if sourceID.Valid {
		entity.SourceID = sourceID.String
	}
	if vecValid {
		entity.Embedding = vec.Slice()
	}
	if extraJSON.Valid && extraJSON.String != "" {
		if err := json.Unmarshal([]byte(extraJSON.String), &entity.Extra); err != nil {
			return nil, 0, fmt.Errorf("postgres: failed to unmarshal entity extra: %w", err)
		}
	}

	return &entity, similarity, nil
}

// nullVector scans a possibly NULL vector column.
type nullVector struct {
	Vector *pgvector.Vector
	Valid  *bool
}

func (n *nullVector) Scan(src interface{}) error {
	if src == nil {
		*n.Valid = false
		return nil
	}
	*n.Valid = true
	return n.Vector.Scan(src)
}

// vectorOrNil converts an embedding to a pgvector value, NULL when empty.
func vectorOrNil(vec []float32) interface{} {
	if len(vec) == 0 {
		return nil
	}
	return pgvector.NewVector(vec)
}

// marshalExtra encodes a metadata mapping as JSON, nil-safe.
func marshalExtra(extra map[string]interface{}) (interface{}, error) {
	if len(extra) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to marshal extra: %w", err)
	}
	return string(data), nil
}

// nullableString converts "" to NULL for optional text columns.
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// touchTime fills zero timestamps with the current UTC time.
func touchTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
