// Package embed maps normalized product names to fixed-dimension vectors.
//
// The embedding model is bound once per process: every vector the engine
// stores is tagged with the model identifier so later comparisons cannot mix
// incompatible vector spaces.
package embed

import (
	"context"
	"errors"
)

// ErrUnavailable indicates a transient failure reaching the embedding
// resource. Callers retry with backoff; this package never retries itself.
var ErrUnavailable = errors.New("embedding resource unavailable")

// Embedder generates a vector embedding for normalized text.
// Implementations are deterministic for a fixed (model, text) pair.
type Embedder interface {
	// Embed returns the embedding vector for text.
	// Transient resource failures wrap ErrUnavailable.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the dimensionality of the output vectors.
	Dimension() int

	// Model returns the bound model identifier recorded alongside each
	// embedding.
	Model() string
}
