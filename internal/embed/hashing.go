package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// HashingEmbedder is a deterministic, dependency-free embedder: it hashes
// word tokens and character trigrams into a fixed number of buckets and
// L2-normalizes the result. Nearby spellings of the same product name share
// most of their trigrams, so cosine similarity behaves sensibly for matching.
//
// It exists for tests and offline runs; production deployments bind a real
// model through OllamaClient. Vectors from the two are never comparable,
// which is why the model identifier is recorded with every embedding.
type HashingEmbedder struct {
	dimension int
}

// NewHashingEmbedder creates a hashing embedder with the given dimension.
// Dimensions below 8 are raised to 8.
func NewHashingEmbedder(dimension int) *HashingEmbedder {
	if dimension < 8 {
		dimension = 8
	}
	return &HashingEmbedder{dimension: dimension}
}

// Embed returns the bucket-hashed embedding of text. It never fails and is a
// pure function of (Model, text).
func (h *HashingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dimension)
	if strings.TrimSpace(text) == "" {
		return vec, nil
	}

	for _, token := range strings.Fields(text) {
		h.accumulate(vec, token, 1.0)

		// Character trigrams give partial credit to near spellings.
		padded := " " + token + " "
		for i := 0; i+3 <= len(padded); i++ {
			h.accumulate(vec, padded[i:i+3], 0.5)
		}
	}

	normalize(vec)
	return vec, nil
}

// accumulate hashes feature into a bucket and adds weight with a
// hash-derived sign, the usual trick to keep bucket collisions unbiased.
func (h *HashingEmbedder) accumulate(vec []float32, feature string, weight float32) {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(feature))
	sum := hasher.Sum64()

	bucket := int(sum % uint64(h.dimension))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[bucket] += weight
}

// Dimension returns the configured vector dimension.
func (h *HashingEmbedder) Dimension() int { return h.dimension }

// Model returns the synthetic model identifier for hashed vectors.
func (h *HashingEmbedder) Model() string {
	return fmt.Sprintf("hashing-v1-%d", h.dimension)
}

// normalize scales vec to unit length in place. Zero vectors stay zero.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// Compile-time assertion that HashingEmbedder satisfies Embedder.
var _ Embedder = (*HashingEmbedder)(nil)
