package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages. Callers match with errors.Is.
var (
	// ErrNotFound is returned for unknown task or document identifiers.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition signals an attempt to move a task out of a
	// terminal state. It indicates a programming error, not user input.
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrEmptyDocument is returned when extraction yields no usable text.
	ErrEmptyDocument = errors.New("document has no content to index")
)

// ConfigError reports an invalid chunking or fusion parameter. It is
// returned before any work starts.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ParseError reports unsupported or corrupt source content. It is terminal
// for the task that hit it.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// EmbeddingServiceError reports an embedding call that failed after the
// configured retries. Transient until the retry budget runs out.
type EmbeddingServiceError struct {
	Attempts int
	Err      error
}

func (e *EmbeddingServiceError) Error() string {
	return fmt.Sprintf("embedding service failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *EmbeddingServiceError) Unwrap() error { return e.Err }

// StoreUnavailableError reports lost connectivity to the index store.
// Retryable for ingestion, surfaced immediately for search.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("index store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }
