// Package indexing holds the queue handlers that produce embeddings for
// content chunks and snippets.
package indexing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cuongbtq/index-queue/internal/httpretry"
)

// Embedder turns text into a vector
type Embedder interface {
	Embed(ctx context.Context, input string) ([]float32, error)
	Model() string
}

// ErrEmptyEmbedding is returned when the provider answers without a vector
var ErrEmptyEmbedding = errors.New("provider returned no embedding")

// ProviderConfig holds settings for an OpenAI-compatible embeddings endpoint
type ProviderConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxRetries int
}

// ProviderClient calls POST {base_url}/embeddings through the retry client
type ProviderClient struct {
	http       *httpretry.Client
	endpoint   string
	apiKey     string
	model      string
	maxRetries int
}

// NewProviderClient creates a ProviderClient
func NewProviderClient(client *httpretry.Client, cfg ProviderConfig) *ProviderClient {
	return &ProviderClient{
		http:       client,
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/embeddings",
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
	}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
}

// Model returns the embedding model name sent to the provider
func (p *ProviderClient) Model() string {
	return p.model
}

// Embed returns the embedding of input. Provider failures are *httpretry.Error.
func (p *ProviderClient) Embed(ctx context.Context, input string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: p.model, Input: []string{input}})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embedding request: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.http.Do(ctx, httpretry.Request{
		Method: http.MethodPost,
		URL:    p.endpoint,
		Header: header,
		Body:   body,
	}, p.maxRetries)
	if err != nil {
		return nil, err
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(decoded.Data) == 0 || len(decoded.Data[0].Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}

	return decoded.Data[0].Embedding, nil
}
