// Package config provides configuration management for the EcoPlate
// resolution engine. Settings load from environment variables with the
// ECOPLATE_ prefix with sensible defaults for every option.
//
// Matcher tuning (similarity weights, thresholds, candidate fan-out, extra
// stop terms) can additionally be loaded from a YAML file; file values take
// precedence over environment variables, the same way persisted settings do
// elsewhere in the system.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a resolution run.
type Config struct {
	Storage   StorageConfig
	Embedding EmbeddingConfig
	Matcher   MatcherConfig
	Pipeline  PipelineConfig
}

// StorageConfig selects and parameterizes the registry backend.
type StorageConfig struct {
	Engine      string // Registry backend: postgres, sqlite (default: postgres)
	PostgresDSN string // lib/pq connection string
	SQLitePath  string // SQLite database path (default: ./data/ecoplate.db)
}

// EmbeddingConfig binds the embedding model for the whole process.
type EmbeddingConfig struct {
	Provider          string        // Embedding provider: ollama, hashing (default: ollama)
	OllamaURL         string        // Ollama API URL (default: http://localhost:11434)
	Model             string        // Embedding model name (default: all-minilm)
	Dimension         int           // Vector dimension, fixed per deployment (default: 384)
	Timeout           time.Duration // Per-request timeout (default: 10s)
	RequestsPerSecond float64       // Outbound embed call rate limit (default: 20)
}

// MatcherConfig tunes the blended similarity scoring.
type MatcherConfig struct {
	// VectorWeight and TextWeight blend the two similarities; they must sum
	// to 1. Text weight is favored by default: the embedding space is built
	// from the same short names, so trigram similarity carries real signal.
	VectorWeight float64 `yaml:"vector_weight"`
	TextWeight   float64 `yaml:"text_weight"`

	// AcceptThreshold and RejectThreshold classify the best blended score:
	// score >= accept → MATCH, score < reject → NO_MATCH, otherwise the
	// record is flagged for manual review.
	AcceptThreshold float64 `yaml:"accept_threshold"`
	RejectThreshold float64 `yaml:"reject_threshold"`

	// CandidateK is the fan-out of each similarity index query.
	CandidateK int `yaml:"candidate_k"`

	// ExactOnlySources match by exact normalized name only (the seasonality
	// calendar carries short canonical names where fuzziness only hurts).
	ExactOnlySources []string `yaml:"exact_only_sources"`

	// ExtraStopTerms extend the normalizer's built-in stop-term sets.
	ExtraStopTerms []string `yaml:"extra_stop_terms"`
}

// PipelineConfig tunes the batch orchestrator.
type PipelineConfig struct {
	BatchSize      int           // Records fetched per checkpoint window (default: 50)
	MaxRetries     int           // Embedding retries per record (default: 3)
	RetryBaseDelay time.Duration // Exponential backoff base (default: 200ms)
}

// tuningFile is the YAML document shape for matcher tuning. Scalar fields
// are pointers so a legitimate zero ("vector_weight: 0") is distinguishable
// from an absent key.
type tuningFile struct {
	Matcher struct {
		VectorWeight     *float64 `yaml:"vector_weight"`
		TextWeight       *float64 `yaml:"text_weight"`
		AcceptThreshold  *float64 `yaml:"accept_threshold"`
		RejectThreshold  *float64 `yaml:"reject_threshold"`
		CandidateK       *int     `yaml:"candidate_k"`
		ExactOnlySources []string `yaml:"exact_only_sources"`
		ExtraStopTerms   []string `yaml:"extra_stop_terms"`
	} `yaml:"matcher"`
}

// LoadConfig loads configuration from environment variables with defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Storage: StorageConfig{
			Engine:      getEnv("ECOPLATE_STORAGE_ENGINE", "postgres"),
			PostgresDSN: getEnv("ECOPLATE_POSTGRES_DSN", "host=localhost port=5432 dbname=ecoplate sslmode=disable"),
			SQLitePath:  getEnv("ECOPLATE_SQLITE_PATH", "./data/ecoplate.db"),
		},
		Embedding: EmbeddingConfig{
			Provider:          getEnv("ECOPLATE_EMBEDDING_PROVIDER", "ollama"),
			OllamaURL:         getEnv("ECOPLATE_OLLAMA_URL", "http://localhost:11434"),
			Model:             getEnv("ECOPLATE_EMBEDDING_MODEL", "all-minilm"),
			Dimension:         getEnvInt("ECOPLATE_EMBEDDING_DIMENSION", 384),
			Timeout:           getEnvDuration("ECOPLATE_EMBEDDING_TIMEOUT", 10*time.Second),
			RequestsPerSecond: getEnvFloat("ECOPLATE_EMBEDDING_RPS", 20),
		},
		Matcher: MatcherConfig{
			VectorWeight:     getEnvFloat("ECOPLATE_MATCH_VECTOR_WEIGHT", 0.4),
			TextWeight:       getEnvFloat("ECOPLATE_MATCH_TEXT_WEIGHT", 0.6),
			AcceptThreshold:  getEnvFloat("ECOPLATE_MATCH_ACCEPT_THRESHOLD", 0.85),
			RejectThreshold:  getEnvFloat("ECOPLATE_MATCH_REJECT_THRESHOLD", 0.55),
			CandidateK:       getEnvInt("ECOPLATE_MATCH_CANDIDATE_K", 8),
			ExactOnlySources: []string{"greenpeace"},
		},
		Pipeline: PipelineConfig{
			BatchSize:      getEnvInt("ECOPLATE_BATCH_SIZE", 50),
			MaxRetries:     getEnvInt("ECOPLATE_MAX_RETRIES", 3),
			RetryBaseDelay: getEnvDuration("ECOPLATE_RETRY_BASE_DELAY", 200*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyTuningFile overlays matcher tuning from a YAML file onto the config.
// Only fields the file actually sets are applied; file values take
// precedence over environment variables.
func (c *Config) ApplyTuningFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read tuning file: %w", err)
	}

	var file tuningFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("config: failed to parse tuning file %s: %w", path, err)
	}

	m := file.Matcher
	if m.VectorWeight != nil {
		c.Matcher.VectorWeight = *m.VectorWeight
	}
	if m.TextWeight != nil {
		c.Matcher.TextWeight = *m.TextWeight
	}
	if m.AcceptThreshold != nil {
		c.Matcher.AcceptThreshold = *m.AcceptThreshold
	}
	if m.RejectThreshold != nil {
		c.Matcher.RejectThreshold = *m.RejectThreshold
	}
	if m.CandidateK != nil {
		c.Matcher.CandidateK = *m.CandidateK
	}
	if len(m.ExactOnlySources) > 0 {
		c.Matcher.ExactOnlySources = m.ExactOnlySources
	}
	if len(m.ExtraStopTerms) > 0 {
		c.Matcher.ExtraStopTerms = m.ExtraStopTerms
	}

	return c.Validate()
}

// Validate checks cross-field invariants. A config that fails validation
// would silently corrupt similarity comparisons, so callers must treat the
// error as fatal.
func (c *Config) Validate() error {
	m := c.Matcher
	if math.Abs(m.VectorWeight+m.TextWeight-1.0) > 1e-9 {
		return fmt.Errorf("config: similarity weights must sum to 1, got vector=%v text=%v", m.VectorWeight, m.TextWeight)
	}
	if m.AcceptThreshold < 0 || m.AcceptThreshold > 1 || m.RejectThreshold < 0 || m.RejectThreshold > 1 {
		return fmt.Errorf("config: thresholds must be within [0,1]")
	}
	if m.RejectThreshold > m.AcceptThreshold {
		return fmt.Errorf("config: reject threshold %v exceeds accept threshold %v", m.RejectThreshold, m.AcceptThreshold)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("config: embedding dimension must be positive, got %d", c.Embedding.Dimension)
	}
	return nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable ("10s", "250ms")
// or returns a default value. Unparseable values fall back to the default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
