package config

import (
	"fmt"
	"net/url"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	if c.Embedder.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "embedder.base_url",
			Message: "embedding server URL is required",
		})
	} else if _, err := url.Parse(c.Embedder.BaseURL); err != nil {
		errors = append(errors, ValidationError{
			Field:   "embedder.base_url",
			Message: "invalid embedding server URL",
		})
	}

	if c.Embedder.VectorDim < 1 {
		errors = append(errors, ValidationError{
			Field:   "embedder.vector_dim",
			Message: "vector_dim must be positive",
		})
	}

	if c.Reranker.Enabled && c.Reranker.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "reranker.base_url",
			Message: "reranker URL is required when reranking is enabled",
		})
	}

	if c.Database.URL != "" {
		if _, err := url.Parse(c.Database.URL); err != nil {
			errors = append(errors, ValidationError{
				Field:   "database.url",
				Message: "invalid database URL",
			})
		}
	}

	if c.Chunker.ChunkSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "chunker.chunk_size",
			Message: "chunk_size must be positive",
		})
	}

	if c.Chunker.ChunkOverlap < 0 || c.Chunker.ChunkOverlap >= c.Chunker.ChunkSize {
		errors = append(errors, ValidationError{
			Field:   "chunker.chunk_overlap",
			Message: "chunk_overlap must be non-negative and less than chunk_size",
		})
	}

	if c.Chunker.Mode != "runes" && c.Chunker.Mode != "tokens" {
		errors = append(errors, ValidationError{
			Field:   "chunker.mode",
			Message: fmt.Sprintf("unknown chunker mode %q", c.Chunker.Mode),
		})
	}

	if c.Search.DefaultAlpha == nil || *c.Search.DefaultAlpha < 0 || *c.Search.DefaultAlpha > 1 {
		errors = append(errors, ValidationError{
			Field:   "search.default_alpha",
			Message: "default_alpha must be between 0 and 1",
		})
	}

	if c.Search.OverfetchFactor < 1 {
		errors = append(errors, ValidationError{
			Field:   "search.overfetch_factor",
			Message: "overfetch_factor must be at least 1",
		})
	}

	if c.Search.RerankDepth < c.Search.DefaultTopK {
		errors = append(errors, ValidationError{
			Field:   "search.rerank_depth",
			Message: "rerank_depth must be at least default_top_k",
		})
	}

	if c.Ingest.Workers < 1 {
		errors = append(errors, ValidationError{
			Field:   "ingest.workers",
			Message: "workers must be positive",
		})
	}

	if c.Ingest.EmbedAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "ingest.embed_attempts",
			Message: "embed_attempts must be positive",
		})
	}

	if c.Upload.MaxFileSizeMB < 1 {
		errors = append(errors, ValidationError{
			Field:   "upload.max_file_size_mb",
			Message: "max_file_size_mb must be positive",
		})
	}

	if c.Upload.RateLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "upload.fetch_rate_limit",
			Message: "fetch_rate_limit must be positive",
		})
	}

	return errors
}
