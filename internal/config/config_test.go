package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Storage.Engine)
	assert.Equal(t, 384, cfg.Embedding.Dimension)
	assert.InDelta(t, 0.4, cfg.Matcher.VectorWeight, 1e-9)
	assert.InDelta(t, 0.6, cfg.Matcher.TextWeight, 1e-9)
	assert.InDelta(t, 0.85, cfg.Matcher.AcceptThreshold, 1e-9)
	assert.InDelta(t, 0.55, cfg.Matcher.RejectThreshold, 1e-9)
	assert.Equal(t, []string{"greenpeace"}, cfg.Matcher.ExactOnlySources)
	assert.Equal(t, 50, cfg.Pipeline.BatchSize)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("ECOPLATE_STORAGE_ENGINE", "sqlite")
	t.Setenv("ECOPLATE_EMBEDDING_DIMENSION", "768")
	t.Setenv("ECOPLATE_MATCH_VECTOR_WEIGHT", "0.7")
	t.Setenv("ECOPLATE_MATCH_TEXT_WEIGHT", "0.3")
	t.Setenv("ECOPLATE_RETRY_BASE_DELAY", "1s")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Engine)
	assert.Equal(t, 768, cfg.Embedding.Dimension)
	assert.InDelta(t, 0.7, cfg.Matcher.VectorWeight, 1e-9)
	assert.Equal(t, "1s", cfg.Pipeline.RetryBaseDelay.String())
}

func TestLoadConfigRejectsBadWeights(t *testing.T) {
	t.Setenv("ECOPLATE_MATCH_VECTOR_WEIGHT", "0.9")
	t.Setenv("ECOPLATE_MATCH_TEXT_WEIGHT", "0.9")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights must sum to 1")
}

func TestLoadConfigRejectsInvertedThresholds(t *testing.T) {
	t.Setenv("ECOPLATE_MATCH_ACCEPT_THRESHOLD", "0.5")
	t.Setenv("ECOPLATE_MATCH_REJECT_THRESHOLD", "0.8")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestApplyTuningFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	doc := `
matcher:
  vector_weight: 0.5
  text_weight: 0.5
  accept_threshold: 0.9
  candidate_k: 12
  extra_stop_terms: [surgele, marque]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.ApplyTuningFile(path))

	assert.InDelta(t, 0.5, cfg.Matcher.VectorWeight, 1e-9)
	assert.InDelta(t, 0.9, cfg.Matcher.AcceptThreshold, 1e-9)
	assert.InDelta(t, 0.55, cfg.Matcher.RejectThreshold, 1e-9, "unset fields keep their env/default values")
	assert.Equal(t, 12, cfg.Matcher.CandidateK)
	assert.Equal(t, []string{"surgele", "marque"}, cfg.Matcher.ExtraStopTerms)
}

func TestApplyTuningFileAcceptsZeroValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	doc := `
matcher:
  vector_weight: 0
  text_weight: 1
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.ApplyTuningFile(path))

	assert.Zero(t, cfg.Matcher.VectorWeight, "an explicit zero weight must apply")
	assert.InDelta(t, 1.0, cfg.Matcher.TextWeight, 1e-9)
}

func TestApplyTuningFileValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	doc := `
matcher:
  vector_weight: 0.9
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Error(t, cfg.ApplyTuningFile(path), "weights no longer summing to 1 must be rejected")
}
