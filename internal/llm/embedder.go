package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/devcrew/internal/config"
)

// ErrEmptyInput indicates an embedding request without text.
var ErrEmptyInput = errors.New("empty or nil input texts")

// Embedder turns text into vectors.
type Embedder struct {
	embedder embeddings.Embedder
}

// NewEmbedder builds an embedder against the configured embedding endpoint.
func NewEmbedder(cfg config.ModelsConfig) (*Embedder, error) {
	if cfg.EmbeddingModel == "" {
		return nil, errors.New("models.embedding_model is required for the recall index")
	}
	apiKey := cfg.EmbeddingAPIKey.Value()
	if apiKey == "" {
		// langchaingo requires a token even for local servers
		apiKey = "placeholder"
	}

	client, err := openai.New(
		openai.WithBaseURL(cfg.EmbeddingBaseURL),
		openai.WithEmbeddingModel(cfg.EmbeddingModel),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating embedding client: %w", err)
	}
	e, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &Embedder{embedder: e}, nil
}

// NewEmbedderFrom wraps an existing langchaingo embedder.
func NewEmbedderFrom(e embeddings.Embedder) *Embedder {
	return &Embedder{embedder: e}
}

// EmbedQuery returns the vector for a single text.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	v, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return v, nil
}
