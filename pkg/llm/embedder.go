package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms/ollama"
)

type EmbedderConfig struct {
	Model     string
	BaseURL   string // Ollama server URL
	VectorDim int
	BatchSize int
	Timeout   time.Duration
}

// embeddingClient is the single call EmbedTexts makes against the model
// backend.
type embeddingClient interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder turns text into fixed-dimension vectors using an Ollama embedding
// model. The same input always yields the same vector for a given model.
type Embedder struct {
	config EmbedderConfig
	client embeddingClient
}

func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	if config.Model == "" {
		config.Model = "nomic-embed-text:latest"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 768
	}
	if config.BatchSize == 0 {
		config.BatchSize = 32
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	llm, err := ollama.New(
		ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding model: %w", err)
	}

	return &Embedder{
		config: config,
		client: llm,
	}, nil
}

// EmbedTexts embeds texts in configured batches, preserving input order.
// Each underlying call carries the configured timeout.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		batch, err := e.client.CreateEmbedding(callCtx, texts[start:end])
		cancel()
		if err != nil {
			return nil, fmt.Errorf("create embeddings [%d:%d]: %w", start, end, err)
		}
		if len(batch) != end-start {
			return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(batch), end-start)
		}

		vectors = append(vectors, batch...)
	}

	return vectors, nil
}

func (e *Embedder) Dimensions() int {
	return e.config.VectorDim
}
