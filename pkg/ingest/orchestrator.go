package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"github.com/xhad/kbase/internal/models"
	"github.com/xhad/kbase/internal/types"
	"github.com/xhad/kbase/pkg/chunker"
)

type Config struct {
	Workers       int
	QueueSize     int
	EmbedAttempts int
	RetryBackoff  time.Duration
	// StageTimeout bounds fetch and embed work for one document.
	StageTimeout time.Duration
}

// Source describes one ingestion request: either raw uploaded content or a
// URL to fetch. DocumentID is derived from the source name when empty, so
// re-uploading the same file replaces its chunk set instead of duplicating.
type Source struct {
	DocumentID string
	Name       string
	URL        string
	Content    []byte
	Category   string
	Tags       []string
	Metadata   map[string]interface{}
}

type job struct {
	task   models.Task
	source Source
}

// Orchestrator drives documents through fetch -> extract -> chunk -> embed ->
// index as background work. The triggering caller gets a task ID back
// immediately and learns the outcome by polling the tracker; no pipeline
// error ever crosses the asynchronous boundary.
type Orchestrator struct {
	config    Config
	chunker   *chunker.Chunker
	extractor types.Extractor
	fetcher   types.Fetcher
	embedder  types.Embedder
	store     types.IndexStore
	tracker   types.TaskStore

	queue    chan job
	done     chan struct{}
	wg       sync.WaitGroup
	senders  sync.WaitGroup
	docLocks sync.Map

	mu     sync.Mutex
	closed bool
}

func NewWithConfig(
	config Config,
	ch *chunker.Chunker,
	extractor types.Extractor,
	fetcher types.Fetcher,
	embedder types.Embedder,
	store types.IndexStore,
	tracker types.TaskStore,
) *Orchestrator {
	if config.Workers == 0 {
		config.Workers = 4
	}
	if config.QueueSize == 0 {
		config.QueueSize = 64
	}
	if config.EmbedAttempts == 0 {
		config.EmbedAttempts = 3
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}
	if config.StageTimeout == 0 {
		config.StageTimeout = 5 * time.Minute
	}

	o := &Orchestrator{
		config:    config,
		chunker:   ch,
		extractor: extractor,
		fetcher:   fetcher,
		embedder:  embedder,
		store:     store,
		tracker:   tracker,
		queue:     make(chan job, config.QueueSize),
		done:      make(chan struct{}),
	}

	for i := 0; i < config.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}

	return o
}

// Ingest creates a pending task for the source, enqueues the pipeline and
// returns the task ID without waiting for completion. A full queue blocks
// until there is room, the caller gives up, or the orchestrator shuts down;
// in the latter two cases the created task is failed before returning.
func (o *Orchestrator) Ingest(ctx context.Context, source Source) (string, error) {
	if source.Name == "" && source.URL == "" {
		return "", &types.ConfigError{
			Field:   "source",
			Message: "either a name with content or a URL is required",
		}
	}
	if source.Name == "" {
		source.Name = filepath.Base(source.URL)
	}
	if source.DocumentID == "" {
		source.DocumentID = DocumentID(source.Name)
	}

	// Register as a sender before creating the task so Close cannot close
	// the queue underneath a blocked send.
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", errors.New("orchestrator is shut down")
	}
	o.senders.Add(1)
	o.mu.Unlock()
	defer o.senders.Done()

	task := o.tracker.Create(source.DocumentID)

	select {
	case o.queue <- job{task: task, source: source}:
		return task.ID, nil
	case <-o.done:
		err := errors.New("orchestrator is shut down")
		o.failTask(task.ID, err)
		return "", err
	case <-ctx.Done():
		o.failTask(task.ID, ctx.Err())
		return "", ctx.Err()
	}
}

// Close stops accepting work and waits for in-flight pipelines to finish.
// The queue is only closed once every blocked Ingest has either enqueued
// its job or failed its task.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.done)
	o.mu.Unlock()

	o.senders.Wait()
	close(o.queue)
	o.wg.Wait()
}

// DocumentID derives the stable document identifier for a source name.
// The same name always maps to the same ID, which is what makes
// re-ingestion a replace instead of a duplicate.
func DocumentID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for j := range o.queue {
		o.process(j)
	}
}

// process runs the pipeline for one document. Each stage failure is captured
// into the task record; the index store is only touched after every chunk
// has an embedding.
func (o *Orchestrator) process(j job) {
	logger := log.DefaultLogger
	logger.Info().
		Str("task_id", j.task.ID).
		Str("document_id", j.source.DocumentID).
		Str("name", j.source.Name).
		Msg("ingestion started")

	if err := o.tracker.Update(j.task.ID, models.TaskStatusProcessing, ""); err != nil {
		logger.Error().Err(err).Str("task_id", j.task.ID).Msg("cannot mark task processing")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.config.StageTimeout)
	defer cancel()

	raw := j.source.Content
	if j.source.URL != "" {
		fetched, err := o.fetcher.Fetch(ctx, j.source.URL)
		if err != nil {
			o.failTask(j.task.ID, fmt.Errorf("fetch source: %w", err))
			return
		}
		raw = fetched
	}

	text, err := o.extractor.Extract(raw, j.source.Name)
	if err != nil {
		o.failTask(j.task.ID, err)
		return
	}

	chunks, err := o.chunker.Split(j.source.DocumentID, text)
	if err != nil {
		o.failTask(j.task.ID, err)
		return
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}

	vectors, err := o.embedWithRetry(ctx, texts)
	if err != nil {
		o.failTask(j.task.ID, err)
		return
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}

	doc := models.Document{
		ID:       j.source.DocumentID,
		Name:     j.source.Name,
		Source:   j.source.URL,
		Category: j.source.Category,
		Tags:     j.source.Tags,
		Size:     int64(len(raw)),
		Metadata: j.source.Metadata,
	}

	if err := o.upsertWithRetry(ctx, doc, chunks); err != nil {
		o.failTask(j.task.ID, err)
		return
	}

	if err := o.tracker.Update(j.task.ID, models.TaskStatusSucceeded, ""); err != nil {
		logger.Error().Err(err).Str("task_id", j.task.ID).Msg("cannot mark task succeeded")
		return
	}

	logger.Info().
		Str("task_id", j.task.ID).
		Str("document_id", j.source.DocumentID).
		Int("chunks", len(chunks)).
		Msg("ingestion succeeded")
}

// embedWithRetry retries transient embedding failures with exponential
// backoff. Partial embedding is never acceptable, so a final failure fails
// the whole task.
func (o *Orchestrator) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error

	for attempt := 1; attempt <= o.config.EmbedAttempts; attempt++ {
		vectors, err := o.embedder.EmbedTexts(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err

		log.Warn().Err(err).Int("attempt", attempt).Msg("embedding attempt failed")

		if attempt < o.config.EmbedAttempts {
			if err := o.sleep(ctx, attempt); err != nil {
				break
			}
		}
	}

	return nil, &types.EmbeddingServiceError{
		Attempts: o.config.EmbedAttempts,
		Err:      lastErr,
	}
}

// upsertWithRetry serializes same-document writes and retries when the store
// reports a connectivity failure. Last writer wins for a document ID; every
// committed replace-set is internally consistent.
func (o *Orchestrator) upsertWithRetry(ctx context.Context, doc models.Document, chunks []models.Chunk) error {
	muIface, _ := o.docLocks.LoadOrStore(doc.ID, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= o.config.EmbedAttempts; attempt++ {
		err := o.store.UpsertDocument(ctx, doc, chunks)
		if err == nil {
			return nil
		}
		lastErr = err

		var unavailable *types.StoreUnavailableError
		if !errors.As(err, &unavailable) {
			return err
		}

		log.Warn().Err(err).Int("attempt", attempt).Msg("index store unavailable, retrying")

		if attempt < o.config.EmbedAttempts {
			if err := o.sleep(ctx, attempt); err != nil {
				break
			}
		}
	}

	return lastErr
}

func (o *Orchestrator) sleep(ctx context.Context, attempt int) error {
	backoff := o.config.RetryBackoff * (1 << (attempt - 1))
	timer := time.NewTimer(backoff)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) failTask(taskID string, cause error) {
	log.Warn().Err(cause).Str("task_id", taskID).Msg("ingestion failed")
	if err := o.tracker.Update(taskID, models.TaskStatusFailed, cause.Error()); err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("cannot mark task failed")
	}
}
