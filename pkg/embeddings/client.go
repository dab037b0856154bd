// Package embeddings talks to the external embedding provider and maps
// float embeddings into the plaintext ring the retrieval engine stores.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrUnavailable reports that the embedding provider could not produce a
// vector: unreachable service, non-2xx status, or malformed output. It
// aborts the search that needed the embedding.
var ErrUnavailable = errors.New("embeddings: provider unavailable")

// Client calls the embedding service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// EmbedRequest is the request to the embedding service.
type EmbedRequest struct {
	Texts     []string `json:"texts"`
	Normalize bool     `json:"normalize"`
}

// EmbedResponse is the response from the embedding service.
type EmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimension  int         `json:"dimension"`
	Model      string      `json:"model"`
}

// Config holds the client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8090",
		Timeout: 30 * time.Second,
	}
}

// NewClient creates a new embedding client.
func NewClient(cfg Config) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// EmbedBatch generates normalized embeddings for the given texts.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	body, err := json.Marshal(EmbedRequest{Texts: texts, Normalize: true})
	if err != nil {
		return nil, fmt.Errorf("embeddings: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embeddings: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings: calling provider: %w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings: provider returned status %d: %w", resp.StatusCode, ErrUnavailable)
	}

	var result EmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("embeddings: decoding response: %w: %v", ErrUnavailable, err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embeddings: provider returned %d vectors for %d texts: %w",
			len(result.Embeddings), len(texts), ErrUnavailable)
	}
	for i, e := range result.Embeddings {
		if len(e) != result.Dimension {
			return nil, fmt.Errorf("embeddings: vector %d has dimension %d, header says %d: %w",
				i, len(e), result.Dimension, ErrUnavailable)
		}
	}

	return result.Embeddings, nil
}

// Embed generates an embedding for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
