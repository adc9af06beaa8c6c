package postgres

// The postgres backend is exercised against a live database in deployment;
// unit tests cover the pure helpers. The shared registry semantics (attach
// idempotence, duplicate native ids, metadata merges) are covered by the
// sqlite backend tests, which run against the same interface.

import (
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecoplate/ecoplate/pkg/types"
)

func TestVectorOrNil(t *testing.T) {
	assert.Nil(t, vectorOrNil(nil))
	assert.Nil(t, vectorOrNil([]float32{}))

	v := vectorOrNil([]float32{0.1, 0.2})
	vec, ok := v.(pgvector.Vector)
	require.True(t, ok)
	assert.Equal(t, []float32{0.1, 0.2}, vec.Slice())
}

func TestNullableString(t *testing.T) {
	assert.Nil(t, nullableString(""))
	assert.Equal(t, "x", nullableString("x"))
}

func TestMarshalExtra(t *testing.T) {
	v, err := marshalExtra(nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = marshalExtra(map[string]interface{}{"brands": "marque x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"brands":"marque x"}`, v.(string))
}

func TestTouchTime(t *testing.T) {
	assert.False(t, touchTime(time.Time{}).IsZero())

	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, fixed, touchTime(fixed))
}

func TestNullVectorScan(t *testing.T) {
	var vec pgvector.Vector
	var valid bool
	nv := nullVector{Vector: &vec, Valid: &valid}

	require.NoError(t, nv.Scan(nil))
	assert.False(t, valid)

	require.NoError(t, nv.Scan([]byte("[1,2,3]")))
	assert.True(t, valid)
	assert.Equal(t, []float32{1, 2, 3}, vec.Slice())
}

func TestFactTablesCoverAllSources(t *testing.T) {
	for _, source := range []types.Source{
		types.SourceAgribalyse, types.SourceOpenFoodFacts, types.SourceGreenpeace,
	} {
		_, ok := factTables[source]
		assert.True(t, ok, "missing fact table mapping for %s", source)
	}
}
