// Package embeddings provides the embedding oracle. The HTTP client speaks
// the OpenAI-compatible /embeddings wire format; the vector dimension is
// fixed at process start.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"memora/internal/config"
)

// Embedder converts texts into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// EmbeddingRequest defines the request structure for generating embeddings.
type EmbeddingRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format"`
}

type embeddingData struct {
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

type embeddingResponse struct {
	Data []embeddingData `json:"data"`
}

// HTTPEmbedder calls an OpenAI-compatible embedding endpoint.
type HTTPEmbedder struct {
	cfg    config.EmbeddingsConfig
	client *http.Client
}

// NewHTTPEmbedder builds the embedding client from config.
func NewHTTPEmbedder(cfg config.EmbeddingsConfig) *HTTPEmbedder {
	return &HTTPEmbedder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (e *HTTPEmbedder) Dimensions() int { return e.cfg.Dimensions }

// Embed fetches one vector per input text, in input order.
func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(EmbeddingRequest{
		Input:          texts,
		Model:          e.cfg.Model,
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Host, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", e.cfg.APIKey))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service status %d", resp.StatusCode)
	}

	var result embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d for %d inputs", len(result.Data), len(texts))
	}

	out := make([][]float32, len(result.Data))
	for _, item := range result.Data {
		vec := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float32(v)
		}
		if item.Index < 0 || item.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		if e.cfg.Dimensions > 0 && len(vec) != e.cfg.Dimensions {
			return nil, fmt.Errorf("embedding dimension mismatch: got %d want %d", len(vec), e.cfg.Dimensions)
		}
		out[item.Index] = vec
	}
	return out, nil
}

// ZeroVector returns the placeholder used when an embedding call fails but
// the item is still worth persisting for text search.
func ZeroVector(dim int) []float32 {
	return make([]float32, dim)
}
