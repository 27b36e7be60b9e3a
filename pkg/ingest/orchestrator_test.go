package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/kbase/internal/models"
	"github.com/xhad/kbase/internal/types"
	"github.com/xhad/kbase/pkg/chunker"
	"github.com/xhad/kbase/pkg/ingest"
	"github.com/xhad/kbase/pkg/tasks"
)

type passthroughExtractor struct{}

func (passthroughExtractor) Extract(raw []byte, name string) (string, error) {
	return string(raw), nil
}

// gatedExtractor parks the worker until release is closed.
type gatedExtractor struct {
	release chan struct{}
}

func (g gatedExtractor) Extract(raw []byte, name string) (string, error) {
	<-g.release
	return string(raw), nil
}

type failingExtractor struct{}

func (failingExtractor) Extract(raw []byte, name string) (string, error) {
	return "", &types.ParseError{Source: name, Err: errors.New("corrupt input")}
}

type fakeEmbedder struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many calls before succeeding; -1 fails forever
}

func (f *fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures == -1 || f.calls <= f.failures {
		return nil, errors.New("embedding backend timeout")
	}

	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{float32(len(texts[i])), 1, 0, 0}
	}
	return vectors, nil
}

func (f *fakeEmbedder) Dimensions() int { return 4 }

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStore struct {
	mu       sync.Mutex
	docs     map[string][]models.Chunk
	upserts  int
	failures int // return StoreUnavailableError for this many upserts
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string][]models.Chunk)}
}

func (f *fakeStore) UpsertDocument(ctx context.Context, doc models.Document, chunks []models.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.upserts <= f.failures {
		return &types.StoreUnavailableError{Op: "upsert", Err: errors.New("connection reset")}
	}
	f.docs[doc.ID] = chunks
	return nil
}

func (f *fakeStore) DeleteDocument(ctx context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, documentID)
	return nil
}

func (f *fakeStore) QueryLexical(ctx context.Context, text string, limit int, filter types.QueryFilter) ([]types.Candidate, error) {
	return nil, nil
}

func (f *fakeStore) QueryVector(ctx context.Context, vector []float32, limit int, filter types.QueryFilter) ([]types.Candidate, error) {
	return nil, nil
}

func (f *fakeStore) Close() {}

func (f *fakeStore) chunksFor(docID string) []models.Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[docID]
}

func (f *fakeStore) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts
}

func newTestOrchestrator(t *testing.T, cfg ingest.Config, emb *fakeEmbedder, st *fakeStore, tr *tasks.Tracker, ext types.Extractor) *ingest.Orchestrator {
	t.Helper()

	ch, err := chunker.NewWithConfig(chunker.Config{ChunkSize: 50, ChunkOverlap: 10})
	require.NoError(t, err)

	o := ingest.NewWithConfig(cfg, ch, ext, nil, emb, st, tr)
	t.Cleanup(o.Close)
	return o
}

func waitForTerminal(t *testing.T, tr *tasks.Tracker, taskID string) models.Task {
	t.Helper()

	var task models.Task
	require.Eventually(t, func() bool {
		got, err := tr.Get(taskID)
		if err != nil {
			return false
		}
		task = got
		return task.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return task
}

func TestIngest_Succeeds(t *testing.T) {
	emb := &fakeEmbedder{}
	st := newFakeStore()
	tr := tasks.NewTracker()
	o := newTestOrchestrator(t, ingest.Config{RetryBackoff: time.Millisecond}, emb, st, tr, passthroughExtractor{})

	content := []byte("the quick brown fox jumps over the lazy dog and keeps running through the forest")
	taskID, err := o.Ingest(context.Background(), ingest.Source{
		Name:     "fox.txt",
		Content:  content,
		Category: "fables",
	})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	task := waitForTerminal(t, tr, taskID)
	assert.Equal(t, models.TaskStatusSucceeded, task.Status)
	assert.Empty(t, task.Error)

	chunks := st.chunksFor(ingest.DocumentID("fox.txt"))
	require.NotEmpty(t, chunks)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Seq)
		assert.NotEmpty(t, chunk.Embedding, "every indexed chunk must carry a vector")
	}
}

func TestIngest_ReturnsBeforeCompletion(t *testing.T) {
	emb := &fakeEmbedder{}
	st := newFakeStore()
	tr := tasks.NewTracker()
	o := newTestOrchestrator(t, ingest.Config{RetryBackoff: time.Millisecond}, emb, st, tr, passthroughExtractor{})

	taskID, err := o.Ingest(context.Background(), ingest.Source{
		Name:    "doc.txt",
		Content: []byte("some document content for the pipeline"),
	})
	require.NoError(t, err)

	// The call must not block on the pipeline: the task exists right away
	// in a non-failed state and completes later.
	task, err := tr.Get(taskID)
	require.NoError(t, err)
	assert.NotEqual(t, models.TaskStatusFailed, task.Status)

	waitForTerminal(t, tr, taskID)
}

func TestIngest_EmbeddingFailureFailsTask(t *testing.T) {
	emb := &fakeEmbedder{failures: -1}
	st := newFakeStore()
	tr := tasks.NewTracker()
	o := newTestOrchestrator(t, ingest.Config{
		EmbedAttempts: 3,
		RetryBackoff:  time.Millisecond,
	}, emb, st, tr, passthroughExtractor{})

	taskID, err := o.Ingest(context.Background(), ingest.Source{
		Name:    "doc.txt",
		Content: []byte("content that will never get a vector"),
	})
	require.NoError(t, err)

	task := waitForTerminal(t, tr, taskID)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Contains(t, task.Error, "after 3 attempts")
	assert.Equal(t, 3, emb.callCount())
	assert.Equal(t, 0, st.upsertCount(), "no chunks may reach the store on embedding failure")
}

func TestIngest_TransientEmbeddingFailureRecovers(t *testing.T) {
	emb := &fakeEmbedder{failures: 2}
	st := newFakeStore()
	tr := tasks.NewTracker()
	o := newTestOrchestrator(t, ingest.Config{
		EmbedAttempts: 3,
		RetryBackoff:  time.Millisecond,
	}, emb, st, tr, passthroughExtractor{})

	taskID, err := o.Ingest(context.Background(), ingest.Source{
		Name:    "doc.txt",
		Content: []byte("content that needs two retries"),
	})
	require.NoError(t, err)

	task := waitForTerminal(t, tr, taskID)
	assert.Equal(t, models.TaskStatusSucceeded, task.Status)
	assert.Equal(t, 3, emb.callCount())
}

func TestIngest_ParseErrorFailsTask(t *testing.T) {
	emb := &fakeEmbedder{}
	st := newFakeStore()
	tr := tasks.NewTracker()
	o := newTestOrchestrator(t, ingest.Config{RetryBackoff: time.Millisecond}, emb, st, tr, failingExtractor{})

	taskID, err := o.Ingest(context.Background(), ingest.Source{
		Name:    "broken.pdf",
		Content: []byte("not a pdf"),
	})
	require.NoError(t, err)

	task := waitForTerminal(t, tr, taskID)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Contains(t, task.Error, "corrupt input")
	assert.Equal(t, 0, st.upsertCount())
}

func TestIngest_EmptyDocumentFailsTask(t *testing.T) {
	emb := &fakeEmbedder{}
	st := newFakeStore()
	tr := tasks.NewTracker()
	o := newTestOrchestrator(t, ingest.Config{RetryBackoff: time.Millisecond}, emb, st, tr, passthroughExtractor{})

	taskID, err := o.Ingest(context.Background(), ingest.Source{
		Name:    "empty.txt",
		Content: []byte(""),
	})
	require.NoError(t, err)

	task := waitForTerminal(t, tr, taskID)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Contains(t, task.Error, "no content to index")
}

func TestIngest_StoreOutageRetriesThenSucceeds(t *testing.T) {
	emb := &fakeEmbedder{}
	st := newFakeStore()
	st.failures = 2
	tr := tasks.NewTracker()
	o := newTestOrchestrator(t, ingest.Config{
		EmbedAttempts: 3,
		RetryBackoff:  time.Millisecond,
	}, emb, st, tr, passthroughExtractor{})

	taskID, err := o.Ingest(context.Background(), ingest.Source{
		Name:    "doc.txt",
		Content: []byte("content stored on the third try"),
	})
	require.NoError(t, err)

	task := waitForTerminal(t, tr, taskID)
	assert.Equal(t, models.TaskStatusSucceeded, task.Status)
	assert.Equal(t, 3, st.upsertCount())
}

func TestIngest_ReingestReplacesChunkSet(t *testing.T) {
	emb := &fakeEmbedder{}
	st := newFakeStore()
	tr := tasks.NewTracker()
	o := newTestOrchestrator(t, ingest.Config{RetryBackoff: time.Millisecond}, emb, st, tr, passthroughExtractor{})

	first, err := o.Ingest(context.Background(), ingest.Source{
		Name:    "doc.txt",
		Content: []byte("first version of the document body with enough text to produce several chunks here"),
	})
	require.NoError(t, err)
	waitForTerminal(t, tr, first)

	second, err := o.Ingest(context.Background(), ingest.Source{
		Name:    "doc.txt",
		Content: []byte("second version"),
	})
	require.NoError(t, err)
	waitForTerminal(t, tr, second)

	chunks := st.chunksFor(ingest.DocumentID("doc.txt"))
	require.Len(t, chunks, 1)
	assert.Equal(t, "second version", chunks[0].Text)
}

func TestIngest_ConcurrentDifferentDocuments(t *testing.T) {
	emb := &fakeEmbedder{}
	st := newFakeStore()
	tr := tasks.NewTracker()
	o := newTestOrchestrator(t, ingest.Config{Workers: 8, RetryBackoff: time.Millisecond}, emb, st, tr, passthroughExtractor{})

	var ids []string
	for i := 0; i < 20; i++ {
		taskID, err := o.Ingest(context.Background(), ingest.Source{
			Name:    fmt.Sprintf("doc-%d.txt", i),
			Content: []byte(fmt.Sprintf("content of document number %d", i)),
		})
		require.NoError(t, err)
		ids = append(ids, taskID)
	}

	for _, id := range ids {
		task := waitForTerminal(t, tr, id)
		assert.Equal(t, models.TaskStatusSucceeded, task.Status)
	}
}

func TestIngest_CloseWithBlockedSubmitterDoesNotPanic(t *testing.T) {
	release := make(chan struct{})
	emb := &fakeEmbedder{}
	st := newFakeStore()
	tr := tasks.NewTracker()
	o := newTestOrchestrator(t, ingest.Config{
		Workers:      1,
		QueueSize:    1,
		RetryBackoff: time.Millisecond,
	}, emb, st, tr, gatedExtractor{release: release})

	// Park the single worker on the first document.
	first, err := o.Ingest(context.Background(), ingest.Source{Name: "a.txt", Content: []byte("alpha")})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		task, err := tr.Get(first)
		return err == nil && task.Status == models.TaskStatusProcessing
	}, 5*time.Second, time.Millisecond)

	// Fill the one-slot queue.
	_, err = o.Ingest(context.Background(), ingest.Source{Name: "b.txt", Content: []byte("beta")})
	require.NoError(t, err)

	// The third submission has to wait for queue room.
	type submit struct {
		id  string
		err error
	}
	submitted := make(chan submit, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				submitted <- submit{err: fmt.Errorf("submit panicked: %v", r)}
			}
		}()
		id, err := o.Ingest(context.Background(), ingest.Source{Name: "c.txt", Content: []byte("gamma")})
		submitted <- submit{id: id, err: err}
	}()

	time.Sleep(10 * time.Millisecond)
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	o.Close()

	res := <-submitted
	if res.err != nil {
		assert.NotContains(t, res.err.Error(), "panicked")
		assert.Empty(t, res.id)
	} else {
		// The send won the race against shutdown; Close drained it.
		task, err := tr.Get(res.id)
		require.NoError(t, err)
		assert.True(t, task.Status.Terminal(), "no task may be left pending after Close")
	}
}

func TestIngest_RejectsBlankSource(t *testing.T) {
	emb := &fakeEmbedder{}
	st := newFakeStore()
	tr := tasks.NewTracker()
	o := newTestOrchestrator(t, ingest.Config{RetryBackoff: time.Millisecond}, emb, st, tr, passthroughExtractor{})

	_, err := o.Ingest(context.Background(), ingest.Source{})
	var cfgErr *types.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestDocumentID_Stable(t *testing.T) {
	assert.Equal(t, ingest.DocumentID("a.txt"), ingest.DocumentID("a.txt"))
	assert.NotEqual(t, ingest.DocumentID("a.txt"), ingest.DocumentID("b.txt"))
}
