package server

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/xhad/kbase/internal/models"
	"github.com/xhad/kbase/internal/types"
	"github.com/xhad/kbase/pkg/extract"
	"github.com/xhad/kbase/pkg/ingest"
	"github.com/xhad/kbase/pkg/search"
)

// Ingestor accepts ingestion requests and returns a task ID immediately.
type Ingestor interface {
	Ingest(ctx context.Context, source ingest.Source) (string, error)
}

// Searcher answers hybrid queries.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]models.SearchResult, error)
}

type Config struct {
	MaxFileSizeMB int
}

// Service is the surface the web or CLI layer talks to. It validates
// uploads, hands ingestion to the orchestrator, and reads task state and
// search results back out. Transport concerns (routing, status codes,
// serialization) live with the caller.
type Service struct {
	config     Config
	ingestor   Ingestor
	searcher   Searcher
	tracker    types.TaskStore
	store      types.IndexStore
	extensions map[string]bool
}

func NewService(config Config, ingestor Ingestor, searcher Searcher, tracker types.TaskStore, store types.IndexStore) *Service {
	if config.MaxFileSizeMB == 0 {
		config.MaxFileSizeMB = 50
	}

	extensions := make(map[string]bool)
	for _, ext := range extract.SupportedExtensions() {
		extensions[ext] = true
	}

	return &Service{
		config:     config,
		ingestor:   ingestor,
		searcher:   searcher,
		tracker:    tracker,
		store:      store,
		extensions: extensions,
	}
}

// UploadMeta carries caller-supplied labels for a document.
type UploadMeta struct {
	Category string
	Tags     []string
}

// SubmitUpload validates and enqueues an uploaded file. The returned task ID
// is the only handle the caller gets; completion is observed via GetTask.
func (s *Service) SubmitUpload(ctx context.Context, filename string, content []byte, meta UploadMeta) (string, error) {
	if filename == "" {
		return "", &types.ConfigError{Field: "filename", Message: "filename is required"}
	}
	if strings.ContainsAny(filename, "/\\") || strings.Contains(filename, "..") {
		return "", &types.ConfigError{Field: "filename", Message: "filename contains illegal characters"}
	}
	if err := s.checkExtension(filename); err != nil {
		return "", err
	}
	if len(content) == 0 {
		return "", &types.ConfigError{Field: "content", Message: "empty upload"}
	}
	if len(content) > s.maxFileSizeBytes() {
		return "", &types.ConfigError{
			Field:   "content",
			Message: fmt.Sprintf("file exceeds %dMB limit", s.config.MaxFileSizeMB),
		}
	}

	return s.ingestor.Ingest(ctx, ingest.Source{
		Name:     filename,
		Content:  content,
		Category: meta.Category,
		Tags:     meta.Tags,
	})
}

// SubmitURL validates and enqueues a URL-based ingestion; the document bytes
// are fetched inside the pipeline, not here.
func (s *Service) SubmitURL(ctx context.Context, rawURL string, meta UploadMeta) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", &types.ConfigError{Field: "url", Message: "a valid http(s) URL is required"}
	}

	name := filepath.Base(parsed.Path)
	if name == "." || name == "/" || name == "" {
		return "", &types.ConfigError{Field: "url", Message: "URL path must name a document"}
	}
	if err := s.checkExtension(name); err != nil {
		return "", err
	}

	return s.ingestor.Ingest(ctx, ingest.Source{
		Name:     name,
		URL:      rawURL,
		Category: meta.Category,
		Tags:     meta.Tags,
	})
}

// GetTask returns the current task record; unknown IDs yield ErrNotFound.
func (s *Service) GetTask(taskID string) (models.Task, error) {
	return s.tracker.Get(taskID)
}

// SearchRequest mirrors the exposed search operation.
type SearchRequest struct {
	Query    string
	TopK     int
	Alpha    *float64
	Category string
	Tags     []string
}

func (s *Service) Search(ctx context.Context, req SearchRequest) ([]models.SearchResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return []models.SearchResult{}, nil
	}

	return s.searcher.Search(ctx, req.Query, search.Options{
		TopK:  req.TopK,
		Alpha: req.Alpha,
		Filter: types.QueryFilter{
			Category: req.Category,
			Tags:     req.Tags,
		},
	})
}

// DeleteDocument removes a document and all its chunks from the index.
func (s *Service) DeleteDocument(ctx context.Context, documentID string) error {
	return s.store.DeleteDocument(ctx, documentID)
}

func (s *Service) checkExtension(name string) error {
	ext := strings.ToLower(filepath.Ext(name))
	if !s.extensions[ext] {
		return &types.ConfigError{
			Field:   "filename",
			Message: fmt.Sprintf("unsupported file type %q", ext),
		}
	}
	return nil
}

func (s *Service) maxFileSizeBytes() int {
	return s.config.MaxFileSizeMB * 1024 * 1024
}
