package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbeddingClient struct {
	batches [][]string
	err     error
	// short drops one vector from every response.
	short bool
}

func (f *fakeEmbeddingClient) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}

	f.batches = append(f.batches, append([]string(nil), texts...))

	n := len(texts)
	if f.short {
		n--
	}
	vectors := make([][]float32, n)
	for i := 0; i < n; i++ {
		vectors[i] = []float32{float32(len(texts[i])), 1}
	}
	return vectors, nil
}

func newTestEmbedder(client embeddingClient, batchSize int) *Embedder {
	return &Embedder{
		config: EmbedderConfig{
			VectorDim: 2,
			BatchSize: batchSize,
			Timeout:   time.Second,
		},
		client: client,
	}
}

func TestEmbedTexts_BatchesAndPreservesOrder(t *testing.T) {
	client := &fakeEmbeddingClient{}
	e := newTestEmbedder(client, 2)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := e.EmbedTexts(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))

	// 5 texts at batch size 2 means calls of 2, 2 and 1.
	require.Len(t, client.batches, 3)
	assert.Equal(t, []string{"a", "bb"}, client.batches[0])
	assert.Equal(t, []string{"ccc", "dddd"}, client.batches[1])
	assert.Equal(t, []string{"eeeee"}, client.batches[2])

	// Each fake vector encodes its input's length, so order is checkable.
	for i, text := range texts {
		assert.Equal(t, float32(len(text)), vectors[i][0], "vector %d must belong to %q", i, text)
	}
}

func TestEmbedTexts_NoTexts(t *testing.T) {
	client := &fakeEmbeddingClient{}
	e := newTestEmbedder(client, 2)

	vectors, err := e.EmbedTexts(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Empty(t, client.batches, "no backend call for empty input")
}

func TestEmbedTexts_BackendErrorPropagates(t *testing.T) {
	client := &fakeEmbeddingClient{err: errors.New("model not loaded")}
	e := newTestEmbedder(client, 2)

	_, err := e.EmbedTexts(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestEmbedTexts_VectorCountMismatch(t *testing.T) {
	client := &fakeEmbeddingClient{short: true}
	e := newTestEmbedder(client, 4)

	_, err := e.EmbedTexts(context.Background(), []string{"a", "b", "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 2 vectors for 3 texts")
}

func TestDimensions(t *testing.T) {
	e := newTestEmbedder(&fakeEmbeddingClient{}, 2)
	assert.Equal(t, 2, e.Dimensions())
}
