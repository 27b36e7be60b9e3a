package search

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/phuslu/log"
	"github.com/xhad/kbase/internal/models"
	"github.com/xhad/kbase/internal/types"
)

type Config struct {
	// DefaultAlpha weights lexical vs vector relevance when the caller does
	// not pass one: fused = alpha*lexical + (1-alpha)*vector. Nil means 0.5;
	// a pointer so that a configured 0 (pure vector) is representable.
	DefaultAlpha *float64
	// DefaultTopK is the result count when the request leaves it zero.
	DefaultTopK int
	// OverfetchFactor controls the candidate headroom: each signal is asked
	// for TopK*OverfetchFactor candidates before fusion.
	OverfetchFactor int
	// RerankDepth is how many fused candidates are offered to the reranker.
	// Clamped up to TopK per request.
	RerankDepth int
}

// Options are per-request knobs. Alpha overrides the configured default when
// non-nil.
type Options struct {
	TopK   int
	Alpha  *float64
	Filter types.QueryFilter
}

// Engine answers queries by fusing the store's lexical and vector candidate
// lists. It is a pure read path: nothing in here mutates the index.
type Engine struct {
	config       Config
	defaultAlpha float64
	embedder     types.Embedder
	store        types.IndexStore
	reranker     types.Reranker // nil disables reranking
}

func NewWithConfig(config Config, embedder types.Embedder, store types.IndexStore, reranker types.Reranker) (*Engine, error) {
	defaultAlpha := 0.5
	if config.DefaultAlpha != nil {
		defaultAlpha = *config.DefaultAlpha
	}
	if config.DefaultTopK == 0 {
		config.DefaultTopK = 10
	}
	if config.OverfetchFactor == 0 {
		config.OverfetchFactor = 4
	}
	if config.RerankDepth == 0 {
		config.RerankDepth = 20
	}

	if defaultAlpha < 0 || defaultAlpha > 1 {
		return nil, &types.ConfigError{
			Field:   "search.default_alpha",
			Message: "alpha must be within [0,1]",
		}
	}
	if config.OverfetchFactor < 1 {
		return nil, &types.ConfigError{
			Field:   "search.overfetch_factor",
			Message: "overfetch_factor must be at least 1",
		}
	}

	return &Engine{
		config:       config,
		defaultAlpha: defaultAlpha,
		embedder:     embedder,
		store:        store,
		reranker:     reranker,
	}, nil
}

// fusedCandidate tracks both signals for one chunk. A chunk missing from one
// list keeps an explicit zero for that signal rather than being dropped.
type fusedCandidate struct {
	types.Candidate
	lexical float64
	vector  float64
	fused   float64
}

// Search runs one hybrid query. Store and embedding failures propagate to
// the caller; a reranker failure does not, the fused order is served
// instead.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]models.SearchResult, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = e.config.DefaultTopK
	}

	alpha := e.defaultAlpha
	if opts.Alpha != nil {
		alpha = *opts.Alpha
		if alpha < 0 || alpha > 1 {
			return nil, &types.ConfigError{
				Field:   "alpha",
				Message: "alpha must be within [0,1]",
			}
		}
	}

	vector, err := e.embedder.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vector) != 1 {
		return nil, fmt.Errorf("embed query: expected 1 vector, got %d", len(vector))
	}

	limit := topK * e.config.OverfetchFactor

	lexical, err := e.store.QueryLexical(ctx, query, limit, opts.Filter)
	if err != nil {
		return nil, err
	}
	vectorHits, err := e.store.QueryVector(ctx, vector[0], limit, opts.Filter)
	if err != nil {
		return nil, err
	}

	fused := fuse(lexical, vectorHits, alpha)
	e.rerank(ctx, query, fused, topK)

	if len(fused) > topK {
		fused = fused[:topK]
	}

	results := make([]models.SearchResult, len(fused))
	for i, cand := range fused {
		results[i] = models.SearchResult{
			DocumentID:   cand.DocumentID,
			Seq:          cand.Seq,
			Text:         cand.Text,
			Score:        cand.fused,
			LexicalScore: cand.lexical,
			VectorScore:  cand.vector,
			DocumentName: cand.Document.Name,
			Category:     cand.Document.Category,
			Tags:         cand.Document.Tags,
			UpdatedAt:    millisToTime(cand.Document.UpdatedAt),
		}
	}
	return results, nil
}

// fuse unions both candidate lists and orders them by weighted score.
// Ties break on document recency (newer first), then chunk sequence.
func fuse(lexical, vector []types.Candidate, alpha float64) []fusedCandidate {
	type key struct {
		docID string
		seq   int
	}

	merged := make(map[key]*fusedCandidate, len(lexical)+len(vector))
	order := make([]key, 0, len(lexical)+len(vector))

	for _, cand := range lexical {
		k := key{cand.DocumentID, cand.Seq}
		merged[k] = &fusedCandidate{Candidate: cand, lexical: cand.Score}
		order = append(order, k)
	}
	for _, cand := range vector {
		k := key{cand.DocumentID, cand.Seq}
		if existing, ok := merged[k]; ok {
			existing.vector = cand.Score
			continue
		}
		merged[k] = &fusedCandidate{Candidate: cand, vector: cand.Score}
		order = append(order, k)
	}

	fused := make([]fusedCandidate, 0, len(order))
	for _, k := range order {
		cand := merged[k]
		cand.fused = alpha*cand.lexical + (1-alpha)*cand.vector
		fused = append(fused, *cand)
	}

	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].fused != fused[j].fused {
			return fused[i].fused > fused[j].fused
		}
		if fused[i].Document.UpdatedAt != fused[j].Document.UpdatedAt {
			return fused[i].Document.UpdatedAt > fused[j].Document.UpdatedAt
		}
		return fused[i].Seq < fused[j].Seq
	})

	return fused
}

// rerank passes the top fused candidates through the reranking capability
// and reorders that prefix in place. Any failure leaves the fused order
// untouched; reranked ties keep their fused relative order.
func (e *Engine) rerank(ctx context.Context, query string, fused []fusedCandidate, topK int) {
	if e.reranker == nil || len(fused) == 0 {
		return
	}

	depth := e.config.RerankDepth
	if depth < topK {
		depth = topK
	}
	if depth > len(fused) {
		depth = len(fused)
	}

	texts := make([]string, depth)
	for i := 0; i < depth; i++ {
		texts[i] = fused[i].Text
	}

	scores, err := e.reranker.Rerank(ctx, query, texts)
	if err != nil || len(scores) != depth {
		log.Warn().Err(err).Int("candidates", depth).Msg("reranker unavailable, serving fused order")
		return
	}

	idx := make([]int, depth)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return scores[idx[i]] > scores[idx[j]]
	})

	reordered := make([]fusedCandidate, depth)
	for pos, original := range idx {
		reordered[pos] = fused[original]
	}
	copy(fused[:depth], reordered)
}

func millisToTime(millis int64) time.Time {
	if millis == 0 {
		return time.Time{}
	}
	return time.UnixMilli(millis).UTC()
}
