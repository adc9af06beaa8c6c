package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// OllamaClient generates embeddings through a local Ollama server's
// /api/embed endpoint. All calls go through a circuit breaker and a rate
// limiter so a struggling model server degrades batches instead of
// collapsing them.
type OllamaClient struct {
	baseURL        string
	client         *http.Client
	circuitBreaker *CircuitBreaker
	limiter        *rate.Limiter
	model          string
	dimension      int
	timeout        time.Duration
}

// OllamaConfig holds Ollama embedding client configuration.
type OllamaConfig struct {
	// BaseURL is the base URL for the Ollama API (default: http://localhost:11434)
	BaseURL string

	// Model is the embedding model name (default: all-minilm)
	Model string

	// Dimension is the expected vector dimension. Responses with a different
	// dimension are rejected. 0 accepts whatever the model returns.
	Dimension int

	// Timeout is the per-request timeout (default: 10s)
	Timeout time.Duration

	// RequestsPerSecond limits outbound embed calls (default: 20)
	RequestsPerSecond float64
}

// embedRequest is the request body for the /api/embed endpoint.
type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// embedResponse is the /api/embed response. The embeddings field is a 2D
// array; single-input requests always use the first row.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaClient creates an embedding client with the given configuration,
// applying defaults for unset fields.
func NewOllamaClient(config OllamaConfig) *OllamaClient {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Model == "" {
		config.Model = "all-minilm"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 20
	}

	return &OllamaClient{
		baseURL: config.BaseURL,
		client: &http.Client{
			Timeout: config.Timeout,
		},
		circuitBreaker: NewCircuitBreaker(),
		limiter:        rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
		model:          config.Model,
		dimension:      config.Dimension,
		timeout:        config.Timeout,
	}
}

// Embed generates the embedding for text. Transport failures, non-200
// responses and an open circuit all wrap ErrUnavailable so the orchestrator
// can retry with backoff; a dimension mismatch does not (it is a
// configuration error, not a transient one).
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.embed(ctx, text)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			// An open circuit is transient from the caller's point of view.
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}

	return result.([]float32), nil
}

// embed is the single-request implementation without breaker wrapping.
func (c *OllamaClient) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqBody := embedRequest{
		Model: c.model,
		Input: text,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/embed", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: ollama returned status %d: %s", ErrUnavailable, resp.StatusCode, string(body))
	}

	var respData embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrUnavailable, err)
	}

	if len(respData.Embeddings) == 0 || len(respData.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("%w: ollama returned empty embedding vector", ErrUnavailable)
	}

	vec := respData.Embeddings[0]
	if c.dimension > 0 && len(vec) != c.dimension {
		return nil, fmt.Errorf("model %q returned dimension %d, expected %d", c.model, len(vec), c.dimension)
	}

	return vec, nil
}

// HealthCheck verifies that Ollama is reachable via /api/version.
// It bypasses the circuit breaker since it is itself the probe.
func (c *OllamaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// Dimension returns the configured vector dimension (0 when unconstrained).
func (c *OllamaClient) Dimension() int { return c.dimension }

// Model returns the bound embedding model identifier.
func (c *OllamaClient) Model() string { return c.model }

// Compile-time assertion that OllamaClient satisfies Embedder.
var _ Embedder = (*OllamaClient)(nil)
