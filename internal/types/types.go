package types

import (
	"context"

	"github.com/xhad/kbase/internal/models"
)

// Core interfaces

// Extractor turns raw bytes into plain text, dispatching on the file name
// or mime type. Failures are reported as *ParseError.
type Extractor interface {
	Extract(raw []byte, name string) (string, error)
}

// Embedder turns texts into fixed-dimension vectors. Deterministic for
// identical input.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Reranker scores a candidate shortlist against a query. Best effort:
// callers fall back to their own order on error.
type Reranker interface {
	Rerank(ctx context.Context, query string, texts []string) ([]float64, error)
}

// Fetcher retrieves raw bytes for URL-based ingestion.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Candidate is one scored chunk from a single signal of the index store,
// normalized to [0,1] within its own list.
type Candidate struct {
	DocumentID string
	Seq        int
	Text       string
	Score      float64
	Document   DocumentSnapshot
}

// DocumentSnapshot carries the metadata attached to each candidate so the
// search engine can rank and present without a second round trip.
type DocumentSnapshot struct {
	Name      string
	Category  string
	Tags      []string
	UpdatedAt int64
}

// QueryFilter restricts candidates to a category and/or tag set. Zero value
// matches everything.
type QueryFilter struct {
	Category string
	Tags     []string
}

// IndexStore owns chunk persistence and candidate retrieval. UpsertDocument
// replaces a document's chunk set atomically: no query observes a mix of
// old and new chunks.
type IndexStore interface {
	UpsertDocument(ctx context.Context, doc models.Document, chunks []models.Chunk) error
	DeleteDocument(ctx context.Context, documentID string) error
	QueryLexical(ctx context.Context, text string, limit int, filter QueryFilter) ([]Candidate, error)
	QueryVector(ctx context.Context, vector []float32, limit int, filter QueryFilter) ([]Candidate, error)
	Close()
}

// TaskStore records ingestion task lifecycles. Transitions are monotonic:
// pending -> processing -> succeeded or failed.
type TaskStore interface {
	Create(documentID string) models.Task
	Update(taskID string, status models.TaskStatus, errDetail string) error
	Get(taskID string) (models.Task, error)
}
