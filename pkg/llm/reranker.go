package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type RerankerConfig struct {
	BaseURL string // rerank service URL, e.g. http://localhost:8787
	Model   string
	Timeout time.Duration
}

// HTTPReranker scores query/text pairs against a cross-encoder service
// exposing the common /rerank JSON contract (TEI, bge-reranker deployments).
// It is best effort: callers keep their own ranking when a call fails.
type HTTPReranker struct {
	config RerankerConfig
	client *http.Client
}

func NewRerankerWithConfig(config RerankerConfig) *HTTPReranker {
	if config.Model == "" {
		config.Model = "BAAI/bge-reranker-base"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	return &HTTPReranker{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
}

// Rerank returns one relevance score per input text, aligned to input order.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(rerankRequest{
		Model:     r.config.Model,
		Query:     query,
		Documents: texts,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.BaseURL+"/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank service returned status %d", resp.StatusCode)
	}

	var body rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	scores := make([]float64, len(texts))
	for _, res := range body.Results {
		if res.Index < 0 || res.Index >= len(texts) {
			return nil, fmt.Errorf("rerank result index %d out of range", res.Index)
		}
		scores[res.Index] = res.RelevanceScore
	}

	return scores, nil
}
