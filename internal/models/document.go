package models

import "time"

// Document is a source file or URL after text extraction. It is immutable
// once extracted; after ingestion it is represented by its chunk set.
type Document struct {
	ID        string
	Name      string
	Source    string
	Category  string
	Tags      []string
	Size      int64
	Content   string
	Metadata  map[string]interface{}
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Chunk is one contiguous span of a document, the unit of indexing and
// retrieval. Chunks are never mutated after creation; re-ingestion replaces
// the whole chunk set for a document.
type Chunk struct {
	DocumentID string
	Seq        int
	Text       string
	StartChar  int
	EndChar    int
	Embedding  []float32
}

// SearchResult is computed per query and never persisted.
type SearchResult struct {
	DocumentID   string
	Seq          int
	Text         string
	Score        float64
	LexicalScore float64
	VectorScore  float64
	DocumentName string
	Category     string
	Tags         []string
	UpdatedAt    time.Time
}
