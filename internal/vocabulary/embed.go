package vocabulary

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// Embedder generates vectors for search text. It has the same method set as
// langchaingo's embeddings.Embedder so either can be passed in.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

var _ Embedder = (embeddings.Embedder)(nil)

// DefaultHashDimension is the vector width of HashEmbedder.
const DefaultHashDimension = 256

// HashEmbedder is an offline bag-of-words embedder. Tokens and token
// bigrams are hashed into a fixed number of buckets and the vector is
// L2-normalized. It needs no model and gives stable results, which makes it
// the default for tests and air-gapped runs.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a HashEmbedder. dim <= 0 selects DefaultHashDimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultHashDimension
	}
	return &HashEmbedder{dim: dim}
}

// Dimension returns the vector width.
func (h *HashEmbedder) Dimension() int { return h.dim }

// EmbedDocuments embeds each text.
func (h *HashEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.embed(t)
	}
	return out, nil
}

// EmbedQuery embeds one text.
func (h *HashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.embed(text), nil
}

func (h *HashEmbedder) embed(text string) []float32 {
	vec := make([]float32, h.dim)
	tokens := tokenize(text)
	for i, tok := range tokens {
		vec[h.bucket(tok)] += 1
		if i > 0 {
			vec[h.bucket(tokens[i-1]+" "+tok)] += 0.5
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// chromem normalizes vectors; an all-zero vector would become NaN.
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

func (h *HashEmbedder) bucket(s string) int {
	f := fnv.New32a()
	_, _ = f.Write([]byte(s))
	return int(f.Sum32() % uint32(h.dim))
}

// tokenize lower-cases text and splits camelCase labels so "birthDate"
// matches "birth date".
func tokenize(text string) []string {
	var (
		out  []string
		cur  strings.Builder
		prev rune
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if unicode.IsUpper(r) && unicode.IsLower(prev) {
				flush()
			}
			cur.WriteRune(unicode.ToLower(r))
		default:
			flush()
		}
		prev = r
	}
	flush()
	return out
}

// OpenAIConfig selects an OpenAI-compatible embedding endpoint.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// NewOpenAIEmbedder builds a langchaingo embedder backed by an
// OpenAI-compatible API.
func NewOpenAIEmbedder(cfg OpenAIConfig) (Embedder, error) {
	var opts []openai.Option
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}
	if cfg.Model != "" {
		opts = append(opts, openai.WithEmbeddingModel(cfg.Model))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	emb, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return emb, nil
}
