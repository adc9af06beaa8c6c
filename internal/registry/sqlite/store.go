// Package sqlite implements the canonical registry on SQLite via the
// CGO-free modernc.org/sqlite driver.
//
// SQLite has neither pgvector nor pg_trgm, so similarity queries load the
// candidate pool into memory and rank in Go: cosine over float32 BLOBs for
// embeddings, trigram Jaccard for names. That keeps the backend honest for
// tests and small datasets; large registries should run on PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ecoplate/ecoplate/internal/registry"
	"github.com/ecoplate/ecoplate/pkg/types"
)

// candidatePoolLimit caps how many entity vectors a similarity query loads
// into memory. The food registries this engine targets stay well below it.
const candidatePoolLimit = 20_000

// Store implements registry.Store on a single SQLite database.
type Store struct {
	db *sql.DB
}

// Ensure *Store implements the full registry surface at compile time.
var _ registry.Store = (*Store)(nil)

// Open opens (creating if necessary) the SQLite database at path and applies
// the schema. Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open %s: %w", path, err)
	}

	// The engine serializes registry writes already; a single connection
	// avoids SQLITE_BUSY surprises under the pure-Go driver.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable foreign keys: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// migrate applies the idempotent schema.
func migrate(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS product_vector (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			name_vector BLOB,
			dimension INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL,
			source_id TEXT,
			extra TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_product_vector_name ON product_vector (name)`,
		`CREATE INDEX IF NOT EXISTS idx_product_vector_source ON product_vector (source)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_product_vector_native
			ON product_vector (source, source_id)
			WHERE source_id IS NOT NULL AND source_id != ''`,
		`CREATE TABLE IF NOT EXISTS agribalyse (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			product_vector_id INTEGER REFERENCES product_vector(id),
			code_agb TEXT,
			code_ciqual TEXT,
			groupe_aliment TEXT,
			sous_groupe_aliment TEXT,
			lci_name TEXT,
			score_unique_ef REAL,
			changement_climatique REAL,
			data TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agribalyse_pvid ON agribalyse (product_vector_id)`,
		`CREATE TABLE IF NOT EXISTS openfoodfacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			product_vector_id INTEGER REFERENCES product_vector(id),
			code TEXT,
			product_name TEXT,
			brands TEXT,
			categories TEXT,
			nutriscore_score REAL,
			nutriscore_grade TEXT,
			nova_group INTEGER,
			data TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_openfoodfacts_pvid ON openfoodfacts (product_vector_id)`,
		`CREATE TABLE IF NOT EXISTS greenpeace_season (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			product_vector_id INTEGER REFERENCES product_vector(id),
			name TEXT,
			month TEXT,
			is_seasonal INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_greenpeace_season_pvid ON greenpeace_season (product_vector_id)`,
		`CREATE TABLE IF NOT EXISTS review_queue (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			source TEXT NOT NULL,
			record_id INTEGER NOT NULL,
			normalized_name TEXT NOT NULL,
			candidates TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			source TEXT PRIMARY KEY,
			last_record_id INTEGER NOT NULL,
			run_id TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite: migration failed: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
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
		WHERE source = ? AND source_id = ?`, string(source), nativeID)
	return scanEntity(row)
}

// LookupByExactName returns an entity whose normalized name equals name.
// When several sources seeded the same name, the lowest id wins for
// determinism.
func (s *Store) LookupByExactName(ctx context.Context, name string) (*types.CanonicalEntity, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: name is required", registry.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, name_vector, source, source_id, extra
		FROM product_vector
		WHERE name = ?
		ORDER BY id ASC
		LIMIT 1`, name)
	return scanEntity(row)
}

// Get returns the entity with the given id.
func (s *Store) Get(ctx context.Context, id int64) (*types.CanonicalEntity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, name_vector, source, source_id, extra
		FROM product_vector
		WHERE id = ?`, id)
	return scanEntity(row)
}

// Create inserts a new canonical entity, enforcing the native-id uniqueness
// and dimension invariants.
func (s *Store) Create(ctx context.Context, entity *types.CanonicalEntity) error {
	if entity == nil || entity.Name == "" {
		return fmt.Errorf("%w: entity name is required", registry.ErrInvalidInput)
	}
	if !entity.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", registry.ErrInvalidInput, entity.Source)
	}

	// Entities from name-only sources carry no vector; only a present
	// embedding is checked against the registry's dimension.
	if dim, err := s.Dimension(ctx); err != nil {
		return err
	} else if dim > 0 && len(entity.Embedding) > 0 && len(entity.Embedding) != dim {
		return fmt.Errorf("%w: got %d, registry has %d", registry.ErrDimensionMismatch, len(entity.Embedding), dim)
	}

	extraJSON, err := marshalExtra(entity.Extra)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO product_vector (name, name_vector, dimension, source, source_id, extra)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entity.Name,
		serializeVector(entity.Embedding),
		len(entity.Embedding),
		string(entity.Source),
		nullableString(entity.SourceID),
		extraJSON,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: (%s, %s)", registry.ErrDuplicateNativeID, entity.Source, entity.SourceID)
		}
		return fmt.Errorf("sqlite: failed to create entity: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: failed to read new entity id: %w", err)
	}
	entity.ID = id
	return nil
}

// MergeMetadata unions extra into the entity's metadata mapping without
// overwriting existing keys. The read-modify-write runs in a transaction so
// the merge is atomic per entity.
func (s *Store) MergeMetadata(ctx context.Context, id int64, extra map[string]interface{}) error {
	if len(extra) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin merge transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingJSON sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT extra FROM product_vector WHERE id = ?`, id).Scan(&existingJSON)
	if err == sql.ErrNoRows {
		return registry.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: failed to read entity extra: %w", err)
	}

	merged := map[string]interface{}{}
	if existingJSON.Valid && existingJSON.String != "" {
		if err := json.Unmarshal([]byte(existingJSON.String), &merged); err != nil {
			return fmt.Errorf("sqlite: failed to unmarshal entity extra: %w", err)
		}
	}

	changed := false
	for k, v := range extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
			changed = true
		}
	}
	if !changed {
		return nil
	}

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal merged extra: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE product_vector SET extra = ? WHERE id = ?`, string(mergedJSON), id); err != nil {
		return fmt.Errorf("sqlite: failed to write merged extra: %w", err)
	}

	return tx.Commit()
}

// Dimension returns the embedding dimension of the stored entities, or 0 for
// an empty registry.
func (s *Store) Dimension(ctx context.Context) (int, error) {
	var dim sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT dimension FROM product_vector
		WHERE dimension > 0
		ORDER BY id ASC LIMIT 1`).Scan(&dim)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to read dimension: %w", err)
	}
	return int(dim.Int64), nil
}

// CandidatesByEmbedding ranks the candidate pool by cosine similarity to vec.
func (s *Store) CandidatesByEmbedding(ctx context.Context, vec []float32, k int) ([]registry.Candidate, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	opts := registry.CandidateOptions{K: k}
	opts.Normalize()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, name_vector, source, source_id, extra
		FROM product_vector
		WHERE name_vector IS NOT NULL
		ORDER BY id ASC
		LIMIT ?`, candidatePoolLimit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: candidate query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var candidates []registry.Candidate
	for rows.Next() {
		entity, err := scanEntityRow(rows)
		if err != nil {
			return nil, err
		}
		if len(entity.Embedding) != len(vec) {
			// A foreign vector space; skip rather than compare garbage.
			continue
		}
		candidates = append(candidates, registry.Candidate{
			Entity:     *entity,
			Similarity: cosineSimilarity(vec, entity.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: candidate rows error: %w", err)
	}

	sortCandidates(candidates)
	if len(candidates) > opts.K {
		candidates = candidates[:opts.K]
	}
	return candidates, nil
}

// CandidatesByText ranks the candidate pool by trigram similarity to name.
func (s *Store) CandidatesByText(ctx context.Context, name string, k int) ([]registry.Candidate, error) {
	if strings.TrimSpace(name) == "" {
		return nil, nil
	}
	opts := registry.CandidateOptions{K: k}
	opts.Normalize()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, name_vector, source, source_id, extra
		FROM product_vector
		ORDER BY id ASC
		LIMIT ?`, candidatePoolLimit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: candidate query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	query := trigramSet(name)

	var candidates []registry.Candidate
	for rows.Next() {
		entity, err := scanEntityRow(rows)
		if err != nil {
			return nil, err
		}
		sim := trigramSimilarity(query, trigramSet(entity.Name))
		if sim == 0 {
			continue
		}
		candidates = append(candidates, registry.Candidate{
			Entity:     *entity,
			Similarity: sim,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: candidate rows error: %w", err)
	}

	sortCandidates(candidates)
	if len(candidates) > opts.K {
		candidates = candidates[:opts.K]
	}
	return candidates, nil
}

// Stats returns registry-wide counts for the overlap report.
func (s *Store) Stats(ctx context.Context) (*registry.RegistryStats, error) {
	stats := &registry.RegistryStats{
		EntitiesBySource: map[types.Source]int{},
		Facts:            map[types.Source]registry.SourceCounts{},
	}

	rows, err := s.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM product_vector GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: stats query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var source string
		var count int
		if err := rows.Scan(&source, &count); err != nil {
			return nil, fmt.Errorf("sqlite: stats scan failed: %w", err)
		}
		stats.EntitiesBySource[types.Source(source)] = count
		stats.TotalEntities += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: stats rows error: %w", err)
	}

	for source, table := range factTables {
		var linked, unlinked int
		q := fmt.Sprintf(`SELECT
			COUNT(CASE WHEN product_vector_id IS NOT NULL THEN 1 END),
			COUNT(CASE WHEN product_vector_id IS NULL THEN 1 END)
			FROM %s`, table)
		if err := s.db.QueryRowContext(ctx, q).Scan(&linked, &unlinked); err != nil {
			return nil, fmt.Errorf("sqlite: fact counts for %s failed: %w", table, err)
		}
		stats.Facts[source] = registry.SourceCounts{Linked: linked, Unlinked: unlinked}
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM review_queue`).Scan(&stats.PendingReview); err != nil {
		return nil, fmt.Errorf("sqlite: review queue count failed: %w", err)
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
	entity, err := scanEntityFrom(row)
	if err == sql.ErrNoRows {
		return nil, registry.ErrNotFound
	}
	return entity, err
}

func scanEntityRow(rows *sql.Rows) (*types.CanonicalEntity, error) {
	return scanEntityFrom(rows)
}

func scanEntityFrom(scanner rowScanner) (*types.CanonicalEntity, error) {
	var entity types.CanonicalEntity
	var blob []byte
	var source string
	var sourceID, extraJSON sql.NullString

	if err := scanner.Scan(&entity.ID, &entity.Name, &blob, &source, &sourceID, &extraJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite: failed to scan entity: %w", err)
	}

	entity.Source = types.Source(source)
	if sourceID.Valid {
		entity.SourceID = sourceID.String
	}
	if len(blob) > 0 {
		vec, err := deserializeVector(blob)
		if err != nil {
			return nil, err
		}
		entity.Embedding = vec
	}
	if extraJSON.Valid && extraJSON.String != "" {
		if err := json.Unmarshal([]byte(extraJSON.String), &entity.Extra); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal entity extra: %w", err)
		}
	}

	return &entity, nil
}

// sortCandidates orders by similarity descending, id ascending for ties.
func sortCandidates(candidates []registry.Candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].Entity.ID < candidates[j].Entity.ID
	})
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

// trigramSet returns the padded per-word character trigram set of s,
// lowercased. This is the shape pg_trgm uses, so the two backends score
// names comparably.
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

// trigramSimilarity is Jaccard similarity over trigram sets, matching
// pg_trgm's similarity() definition.
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

// serializeVector encodes a float32 slice as little-endian bytes.
func serializeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeVector decodes a little-endian float32 BLOB.
func deserializeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("sqlite: malformed vector blob of %d bytes", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}

// marshalExtra encodes a metadata mapping as JSON, nil-safe.
func marshalExtra(extra map[string]interface{}) (interface{}, error) {
	if len(extra) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to marshal extra: %w", err)
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
