// Package vocabulary indexes RDF classes and properties for semantic lookup.
package vocabulary

import (
	"context"
	"errors"
	"fmt"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("ontoledger.vocabulary")

var (
	// ErrEmptyQuery is returned for blank search text.
	ErrEmptyQuery = errors.New("vocabulary: empty query")

	// ErrNoTerms is returned when an index is built without terms.
	ErrNoTerms = errors.New("vocabulary: no terms")
)

const collectionName = "vocabulary"

// DefaultTopK is used when a caller passes k <= 0.
const DefaultTopK = 5

// Config controls index construction.
type Config struct {
	// BatchSize is the number of terms embedded per request.
	BatchSize int
	// Concurrency is the number of embedding batches in flight.
	Concurrency int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
}

// Match is a ranked search hit.
type Match struct {
	Term  Term
	Score float32
}

// Index is an in-memory vector index over vocabulary terms.
type Index struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedder   Embedder
	terms      map[string]Term
	logger     *zap.Logger
}

// NewIndex embeds terms and loads them into a chromem collection.
func NewIndex(ctx context.Context, terms []Term, embedder Embedder, cfg Config, logger *zap.Logger) (*Index, error) {
	ctx, span := tracer.Start(ctx, "vocabulary.NewIndex")
	defer span.End()

	if logger == nil {
		logger = zap.NewNop()
	}
	if embedder == nil {
		embedder = NewHashEmbedder(0)
	}
	if len(terms) == 0 {
		return nil, ErrNoTerms
	}
	cfg.ApplyDefaults()
	span.SetAttributes(attribute.Int("term_count", len(terms)))

	db := chromem.NewDB()
	embedFn := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(collectionName, nil, embedFn)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("creating collection: %w", err)
	}

	vectors, err := embedBatches(ctx, embedder, terms, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	byURI := make(map[string]Term, len(terms))
	docs := make([]chromem.Document, 0, len(terms))
	for i, t := range terms {
		if _, dup := byURI[t.URI]; dup {
			logger.Warn("duplicate vocabulary term ignored", zap.String("uri", t.URI))
			continue
		}
		byURI[t.URI] = t
		docs = append(docs, chromem.Document{
			ID:        t.URI,
			Content:   t.SearchText(),
			Metadata:  map[string]string{"kind": t.Kind, "prefix": t.Prefix},
			Embedding: vectors[i],
		})
	}
	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("adding terms: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	logger.Info("vocabulary index built", zap.Int("terms", len(docs)))

	return &Index{
		db:         db,
		collection: collection,
		embedder:   embedder,
		terms:      byURI,
		logger:     logger,
	}, nil
}

func embedBatches(ctx context.Context, embedder Embedder, terms []Term, cfg Config) ([][]float32, error) {
	vectors := make([][]float32, len(terms))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)

	for start := 0; start < len(terms); start += cfg.BatchSize {
		end := min(start+cfg.BatchSize, len(terms))
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, t := range terms[start:end] {
				texts = append(texts, t.SearchText())
			}
			out, err := embedder.EmbedDocuments(gctx, texts)
			if err != nil {
				return fmt.Errorf("embedding terms %d-%d: %w", start, end, err)
			}
			if len(out) != len(texts) {
				return fmt.Errorf("embedding terms %d-%d: got %d vectors", start, end, len(out))
			}
			copy(vectors[start:end], out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Len returns the number of indexed terms.
func (x *Index) Len() int { return x.collection.Count() }

// Term looks up a term by URI.
func (x *Index) Term(uri string) (Term, bool) {
	t, ok := x.terms[uri]
	return t, ok
}

// FindClass ranks classes against a natural-language description.
func (x *Index) FindClass(ctx context.Context, description string, k int) ([]Match, error) {
	return x.search(ctx, description, KindClass, k)
}

// FindProperty ranks properties for a relationship description. Known
// subject and object types are folded into the query the same way term
// search text carries domain and range.
func (x *Index) FindProperty(ctx context.Context, description, subjectType, objectType string, k int) ([]Match, error) {
	query := strings.TrimSpace(description)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if subjectType != "" {
		query += " | applies to " + subjectType
	}
	if objectType != "" {
		query += " | value is " + objectType
	}
	return x.search(ctx, query, KindProperty, k)
}

// Suggest searches classes and properties together.
func (x *Index) Suggest(ctx context.Context, text string, k int) ([]Match, error) {
	return x.search(ctx, text, "", k)
}

func (x *Index) search(ctx context.Context, query, kind string, k int) ([]Match, error) {
	ctx, span := tracer.Start(ctx, "vocabulary.search")
	defer span.End()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		k = DefaultTopK
	}
	// chromem rejects nResults above the collection size.
	if n := x.collection.Count(); k > n {
		k = n
	}
	span.SetAttributes(attribute.String("kind", kind), attribute.Int("k", k))

	var where map[string]string
	if kind != "" {
		where = map[string]string{"kind": kind}
	}
	results, err := x.collection.Query(ctx, query, k, where, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying vocabulary: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		t, ok := x.terms[r.ID]
		if !ok {
			continue
		}
		matches = append(matches, Match{Term: t, Score: r.Similarity})
	}
	span.SetAttributes(attribute.Int("results_count", len(matches)))
	x.logger.Debug("vocabulary search",
		zap.String("kind", kind),
		zap.Int("k", k),
		zap.Int("results", len(matches)),
	)
	return matches, nil
}
