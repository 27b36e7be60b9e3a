package chunker

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	"github.com/xhad/kbase/internal/models"
	"github.com/xhad/kbase/internal/types"
)

// Mode selects the unit a window is measured in.
type Mode string

const (
	ModeRunes  Mode = "runes"
	ModeTokens Mode = "tokens"
)

type Config struct {
	ChunkSize    int
	ChunkOverlap int
	Mode         Mode
	// Encoding names the tiktoken encoding for token mode.
	Encoding string
}

// Chunker splits extracted document text into overlapping windows. Windows
// advance by ChunkSize-ChunkOverlap per step and the final window is
// truncated to the remaining text, never padded. Splitting is deterministic:
// the same text and config always yield the same sequence.
type Chunker struct {
	config   Config
	encoding *tiktoken.Tiktoken
}

func NewWithConfig(config Config) (*Chunker, error) {
	if config.ChunkSize == 0 {
		config.ChunkSize = 1000
	}
	if config.Mode == "" {
		config.Mode = ModeRunes
	}
	if config.Encoding == "" {
		config.Encoding = "cl100k_base"
	}

	if config.ChunkSize < 1 {
		return nil, &types.ConfigError{
			Field:   "chunker.chunk_size",
			Message: "chunk_size must be positive",
		}
	}
	if config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkSize {
		return nil, &types.ConfigError{
			Field:   "chunker.chunk_overlap",
			Message: "chunk_overlap must be non-negative and less than chunk_size",
		}
	}

	c := &Chunker{config: config}

	if config.Mode == ModeTokens {
		enc, err := tiktoken.GetEncoding(config.Encoding)
		if err != nil {
			return nil, &types.ConfigError{
				Field:   "chunker.encoding",
				Message: fmt.Sprintf("unknown encoding %q", config.Encoding),
			}
		}
		c.encoding = enc
	} else if config.Mode != ModeRunes {
		return nil, &types.ConfigError{
			Field:   "chunker.mode",
			Message: fmt.Sprintf("unknown mode %q", config.Mode),
		}
	}

	return c, nil
}

// Split produces the ordered chunk sequence for one document. Offsets cover
// [0, len(text)) with no gaps; consecutive windows share ChunkOverlap units.
// Empty text returns ErrEmptyDocument so the caller can fail the ingestion.
func (c *Chunker) Split(documentID, text string) ([]models.Chunk, error) {
	if text == "" {
		return nil, types.ErrEmptyDocument
	}

	if c.config.Mode == ModeTokens {
		return c.splitTokens(documentID, text)
	}
	return c.splitRunes(documentID, text)
}

func (c *Chunker) splitRunes(documentID, text string) ([]models.Chunk, error) {
	runes := []rune(text)
	size := c.config.ChunkSize
	step := size - c.config.ChunkOverlap

	var chunks []models.Chunk
	for start, seq := 0, 0; ; start, seq = start+step, seq+1 {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, models.Chunk{
			DocumentID: documentID,
			Seq:        seq,
			Text:       string(runes[start:end]),
			StartChar:  start,
			EndChar:    end,
		})
		if end == len(runes) {
			break
		}
	}

	return chunks, nil
}

// splitTokens windows over the token sequence. Each token decodes to a fixed
// byte span, so prefix sums of per-token lengths give exact byte offsets.
func (c *Chunker) splitTokens(documentID, text string) ([]models.Chunk, error) {
	tokens := c.encoding.Encode(text, nil, nil)
	if len(tokens) == 0 {
		return nil, types.ErrEmptyDocument
	}

	offsets := make([]int, len(tokens)+1)
	for i, tok := range tokens {
		offsets[i+1] = offsets[i] + len(c.encoding.Decode([]int{tok}))
	}

	size := c.config.ChunkSize
	step := size - c.config.ChunkOverlap

	var chunks []models.Chunk
	for start, seq := 0, 0; ; start, seq = start+step, seq+1 {
		end := start + size
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, models.Chunk{
			DocumentID: documentID,
			Seq:        seq,
			Text:       c.encoding.Decode(tokens[start:end]),
			StartChar:  offsets[start],
			EndChar:    offsets[end],
		})
		if end == len(tokens) {
			break
		}
	}

	return chunks, nil
}
