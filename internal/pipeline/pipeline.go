package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ontoledger/internal/chunker"
	"github.com/fyrsmithlabs/ontoledger/internal/emission"
	"github.com/fyrsmithlabs/ontoledger/internal/incremental"
	"github.com/fyrsmithlabs/ontoledger/internal/ledger"
	"github.com/fyrsmithlabs/ontoledger/internal/llm"
	"github.com/fyrsmithlabs/ontoledger/internal/logging"
	"github.com/fyrsmithlabs/ontoledger/internal/registry"
	"github.com/fyrsmithlabs/ontoledger/internal/signature"
	"github.com/fyrsmithlabs/ontoledger/internal/telemetry"
	"github.com/fyrsmithlabs/ontoledger/internal/tools"
)

// Generator produces the facts of one chunk.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Extractor runs the tool-calling triple extraction agent.
type Extractor interface {
	Run(ctx context.Context, system, prompt string) (llm.Result, error)
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Store     ledger.Store
	Registry  *registry.Registry
	Generator Generator
	Extractor Extractor
	// Collector must be the collector the extractor's emit tools write to.
	Collector *emission.Collector
	Metrics   *Metrics
	Logger    *logging.Logger
	// Telemetry is optional; nil uses the global OpenTelemetry providers.
	Telemetry *telemetry.Telemetry
}

// Result summarises a run. It is written to run.json by Export.
type Result struct {
	RunID        string                 `json:"run_id"`
	Title        string                 `json:"title"`
	SourceURL    string                 `json:"source_url"`
	StartedAt    time.Time              `json:"started_at"`
	Seconds      float64                `json:"duration_seconds"`
	Chunks       int                    `json:"chunks"`
	Statements   int                    `json:"statements"`
	Triples      int                    `json:"triples"`
	Stages       map[string]*StageStats `json:"stages"`
	Iterations   *IterationStats        `json:"iterations"`
	Digest       string                 `json:"digest,omitempty"`
	Verification *Verification          `json:"verification,omitempty"`
}

// Failed reports the number of units that failed and will be retried.
func (r *Result) Failed() int {
	n := 0
	for _, s := range r.Stages {
		n += s.Failed
	}
	return n
}

// Runner executes the stages over one document.
type Runner struct {
	opts    Options
	deps    Deps
	ctrl    *incremental.Controller
	metrics *Metrics
	logger  *logging.Logger
	now     func() time.Time
}

// NewRunner validates opts and returns a runner.
func NewRunner(opts Options, deps Deps) (*Runner, error) {
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case deps.Registry == nil:
		return nil, errors.New("pipeline: registry is required")
	case deps.Generator == nil:
		return nil, errors.New("pipeline: generator is required")
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: extractor is required")
	case deps.Collector == nil:
		return nil, errors.New("pipeline: collector is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	return &Runner{
		opts:    opts,
		deps:    deps,
		ctrl:    incremental.NewController(deps.Store, opts.GenerationTimeout, deps.Logger.Underlying(), incremental.WithTelemetry(deps.Telemetry)),
		metrics: deps.Metrics,
		logger:  deps.Logger,
		now:     time.Now,
	}, nil
}

// Options returns the effective options.
func (r *Runner) Options() Options { return r.opts }

// Run processes source through every stage. Units that are fresh are
// skipped; failed units are recorded in the ledger and retried by the next
// run. The returned error is reserved for cancellation, persistence failures
// and registry corruption.
func (r *Runner) Run(ctx context.Context, source string) (*Result, error) {
	res := &Result{
		RunID:      uuid.NewString(),
		Title:      r.opts.Title,
		SourceURL:  r.opts.SourceURL,
		StartedAt:  r.now().UTC(),
		Stages:     make(map[string]*StageStats, len(Stages)),
		Iterations: NewIterationStats(),
	}
	for _, s := range Stages {
		res.Stages[s] = &StageStats{}
	}
	ctx = logging.WithRun(ctx, res.RunID)
	defer func() { res.Seconds = r.now().Sub(res.StartedAt).Seconds() }()

	docs, err := r.load(ctx, res.RunID)
	if err != nil {
		return res, err
	}

	r.logger.Info(ctx, "run started",
		zap.String("title", r.opts.Title),
		zap.String("source_url", r.opts.SourceURL),
		zap.Int("source_bytes", len(source)),
	)

	if _, err := r.process(ctx, docs[StageSource], res, incremental.Unit{
		Group:  StageSource,
		Kind:   signature.KindRawInput,
		Root:   true,
		Source: source,
	}); err != nil {
		return res, err
	}
	src, ok := docs[StageSource].Lookup(StageSource)
	if !ok || src.Signature == nil {
		return res, fmt.Errorf("source unit missing from %s ledger", StageSource)
	}

	chunkOut, err := r.process(ctx, docs[StageChunks], res, incremental.Unit{
		Group:       StageChunks,
		Kind:        signature.KindIntermediate,
		Predecessor: src.ContentURI(),
		Generate: func(context.Context) ([]incremental.Output, error) {
			return r.chunk(src.Content)
		},
	})
	if err != nil {
		return res, err
	}

	chunks := docs[StageChunks].Group(StageChunks)
	keep := make(retained)
	for _, ch := range chunks {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		num, err := strconv.Atoi(ch.Key)
		if ch.Signature == nil || err != nil {
			r.logger.Warn(ctx, "ignoring unsigned or malformed chunk", zap.String("key", ch.Key))
			continue
		}
		keep.add(StageFacts, ch.Key)
		res.Chunks++
		if err := r.processChunk(ctx, docs, res, keep, num, len(chunks), ch); err != nil {
			return res, err
		}
		if r.deps.Registry.Path() != "" {
			if err := r.deps.Registry.Save(); err != nil {
				return res, err
			}
		}
	}

	if chunkOut.Err == nil {
		if err := r.prune(ctx, docs, res, keep); err != nil {
			return res, err
		}
	}

	r.logger.Info(ctx, "run finished",
		zap.Int("chunks", res.Chunks),
		zap.Int("statements", res.Statements),
		zap.Int("failed", res.Failed()),
		zap.Int("agent_runs", res.Iterations.Runs),
	)
	return res, nil
}

func (r *Runner) load(ctx context.Context, runID string) (map[string]*ledger.Document, error) {
	docs := make(map[string]*ledger.Document, len(Stages))
	for _, stage := range Stages {
		doc, err := r.deps.Store.Load(ctx, stage)
		if err != nil {
			return nil, fmt.Errorf("loading %s ledger: %w", stage, err)
		}
		doc.Header.Title = r.opts.Title
		doc.Header.SourceURL = r.opts.SourceURL
		doc.Header.RunID = runID
		if n := len(doc.Drift()); n > 0 {
			r.logger.Info(logging.WithStage(ctx, stage), "keeping hand-edited units", zap.Int("units", n))
		}
		docs[stage] = doc
	}
	return docs, nil
}

// process runs one unit through the controller and records the outcome.
func (r *Runner) process(ctx context.Context, doc *ledger.Document, res *Result, u incremental.Unit) (incremental.Outcome, error) {
	ctx = logging.WithStage(ctx, doc.Stage)
	out, err := r.ctrl.Process(ctx, doc, u)
	if err != nil {
		return out, err
	}
	res.Stages[doc.Stage].Record(out)
	r.metrics.Units.WithLabelValues(doc.Stage, out.Decision.String()).Inc()

	switch {
	case out.Err != nil:
		r.metrics.Failures.WithLabelValues(doc.Stage).Inc()
		r.logger.Warn(ctx, "unit failed", zap.String("group", u.Group), zap.Error(out.Err))
	case out.Skipped():
		r.logger.Debug(ctx, "unit up to date", zap.String("group", u.Group))
	default:
		r.logger.Info(ctx, "unit generated",
			zap.String("group", u.Group),
			zap.String("decision", out.Decision.String()),
			zap.Int("outputs", out.Outputs),
			zap.Duration("duration", out.Duration),
		)
	}
	return out, nil
}

func (r *Runner) chunk(source string) ([]incremental.Output, error) {
	chunks, err := chunker.Split(r.opts.Title, source, r.opts.Chunking)
	if err != nil {
		return nil, err
	}
	outputs := make([]incremental.Output, len(chunks))
	for i, c := range chunks {
		outputs[i] = incremental.Output{
			Key:     strconv.Itoa(c.Num()),
			Content: c.Content(),
			Label:   fmt.Sprintf("chunk:%d", c.Num()),
			Meta:    signature.Metadata{Cell: c.Num(), ChunkNum: c.Num()},
		}
	}
	return outputs, nil
}

// retained records, per derived stage, the groups the current source still
// produces. Everything else is pruned at the end of a run.
type retained map[string]map[string]bool

func (k retained) add(stage, group string) {
	if k[stage] == nil {
		k[stage] = make(map[string]bool)
	}
	k[stage][group] = true
}

// processChunk runs the facts, statements, classifications and triples
// stages of one chunk. Every unit derives from the CID of its predecessor's
// current content, so hand edits propagate downstream.
func (r *Runner) processChunk(ctx context.Context, docs map[string]*ledger.Document, res *Result, keep retained, num, total int, chunk ledger.Entry) error {
	key := strconv.Itoa(num)
	ctx = logging.WithUnit(ctx, key)
	breadcrumb, body := SplitHeader(chunk.Content)

	factsDoc := docs[StageFacts]
	if _, err := r.process(ctx, factsDoc, res, incremental.Unit{
		Group:       key,
		Kind:        signature.KindIntermediate,
		Predecessor: chunk.ContentURI(),
		Generate: func(ctx context.Context) ([]incremental.Output, error) {
			prompt, err := FactsPrompt(FactsInput{
				SourceURL:     r.opts.SourceURL,
				Breadcrumb:    breadcrumb,
				KnownEntities: r.deps.Registry.KnownEntitiesText(),
				Text:          body,
			})
			if err != nil {
				return nil, err
			}
			r.metrics.LLMCalls.WithLabelValues(StageFacts).Inc()
			text, err := r.deps.Generator.Generate(ctx, prompt)
			if err != nil {
				return nil, err
			}
			return []incremental.Output{{
				Key:     key,
				Content: Header(breadcrumb, num, total) + strings.TrimSpace(text) + "\n",
				Label:   "facts:" + key,
				Meta:    signature.Metadata{ChunkNum: num},
			}}, nil
		},
	}); err != nil {
		return err
	}
	facts, ok := factsDoc.Lookup(key)
	if !ok || facts.Signature == nil {
		r.logger.Warn(ctx, "no facts for chunk, dropping downstream units")
		return nil
	}
	keep.add(StageStatements, key)

	perStatement := r.opts.Policy.For(StageTriples) == GranularityUnit
	stmtDoc := docs[StageStatements]
	if shapeChanged(stmtDoc.Group(key), key, perStatement) {
		stmtDoc.ReplaceGroup(key, nil)
	}
	if _, err := r.process(ctx, stmtDoc, res, incremental.Unit{
		Group:       key,
		Kind:        signature.KindIntermediate,
		Predecessor: facts.ContentURI(),
		Generate: func(context.Context) ([]incremental.Output, error) {
			_, factsBody := SplitHeader(facts.Content)
			return statementOutputs(num, ParseStatements(factsBody), perStatement), nil
		},
	}); err != nil {
		return err
	}

	entries := stmtDoc.Group(key)
	stmts := statementsOf(entries, key, perStatement)
	if len(stmts) == 0 {
		r.logger.Info(ctx, "no statements found in facts")
		return nil
	}
	res.Statements += len(stmts)
	if err := r.resolveLinks(ctx, num, stmts); err != nil {
		return err
	}

	// Classifications judge the listing, or the facts when statements are
	// stored one per unit.
	judged := facts.ContentURI()
	if !perStatement {
		listing, ok := stmtDoc.Lookup(key)
		if !ok || listing.Signature == nil {
			r.logger.Warn(ctx, "statements listing is unsigned, skipping downstream stages")
			return nil
		}
		judged = listing.ContentURI()
	}
	if r.opts.Classify {
		keep.add(StageClassifications, key)
		if err := r.classify(ctx, docs[StageClassifications], res, num, total, breadcrumb, body, judged, stmts); err != nil {
			return err
		}
	}

	triplesDoc := docs[StageTriples]
	if !perStatement {
		keep.add(StageTriples, key)
		_, err := r.process(ctx, triplesDoc, res, incremental.Unit{
			Group:       key,
			Kind:        signature.KindOutput,
			Predecessor: judged,
			Generate: func(ctx context.Context) ([]incremental.Output, error) {
				return r.extract(ctx, res, num, breadcrumb, stmts)
			},
		})
		return err
	}

	for i, e := range entries {
		if e.Signature == nil {
			continue
		}
		s := stmts[i]
		group := s.Key(num)
		keep.add(StageTriples, group)
		if _, err := r.process(logging.WithUnit(ctx, group), triplesDoc, res, incremental.Unit{
			Group:       group,
			Kind:        signature.KindOutput,
			Predecessor: e.ContentURI(),
			Generate: func(ctx context.Context) ([]incremental.Output, error) {
				return r.extract(ctx, res, num, breadcrumb, []Statement{s})
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

// shapeChanged reports whether the stored statements of a chunk were written
// under the other granularity.
func shapeChanged(entries []ledger.Entry, key string, perStatement bool) bool {
	for _, e := range entries {
		if (e.Key == key) == perStatement {
			return true
		}
	}
	return false
}

func statementOutputs(num int, stmts []Statement, perStatement bool) []incremental.Output {
	if len(stmts) == 0 {
		return nil
	}
	key := strconv.Itoa(num)
	if !perStatement {
		return []incremental.Output{{
			Key:     key,
			Content: FormatListing(stmts),
			Label:   "statements:" + key,
			Meta:    signature.Metadata{ChunkNum: num},
		}}
	}
	outputs := make([]incremental.Output, len(stmts))
	for i, s := range stmts {
		outputs[i] = incremental.Output{
			Key:     s.Key(num),
			Content: s.Text,
			Label:   "statement:" + s.Key(num),
			Meta:    signature.Metadata{ChunkNum: num, StmtIdx: s.Index, StmtKey: s.Key(num)},
		}
	}
	return outputs
}

// statementsOf reads the statements of a chunk back from its ledger group.
func statementsOf(entries []ledger.Entry, key string, perStatement bool) []Statement {
	if len(entries) == 0 {
		return nil
	}
	if !perStatement {
		return ParseListing(entries[0].Content)
	}
	out := make([]Statement, 0, len(entries))
	for i, e := range entries {
		idx := i + 1
		if e.Signature != nil && e.Signature.Meta.StmtIdx > 0 {
			idx = e.Signature.Meta.StmtIdx
		} else if _, suffix, ok := strings.Cut(e.Key, "_"); ok {
			if n, err := strconv.Atoi(suffix); err == nil {
				idx = n
			}
		}
		out = append(out, Statement{Index: idx, Text: strings.TrimSpace(e.Content)})
	}
	return out
}

// classify judges the statements of one chunk against the chunk text.
func (r *Runner) classify(ctx context.Context, doc *ledger.Document, res *Result, num, total int, breadcrumb, body, predecessor string, stmts []Statement) error {
	key := strconv.Itoa(num)
	_, err := r.process(ctx, doc, res, incremental.Unit{
		Group:       key,
		Kind:        signature.KindIntermediate,
		Predecessor: predecessor,
		Generate: func(ctx context.Context) ([]incremental.Output, error) {
			prompt, err := ClassifyPrompt(ClassifyInput{Breadcrumb: breadcrumb, Text: body, Statements: stmts})
			if err != nil {
				return nil, err
			}
			r.metrics.LLMCalls.WithLabelValues(StageClassifications).Inc()
			text, err := r.deps.Generator.Generate(ctx, prompt)
			if err != nil {
				return nil, err
			}
			cls, missing := ParseClassifications(text, stmts)
			r.logger.Debug(ctx, "statements classified",
				zap.Int("statements", len(cls)),
				zap.Float64("score", Score(cls)),
			)
			return []incremental.Output{{
				Key:     key,
				Content: ClassificationsContent(breadcrumb, num, total, cls, missing),
				Label:   fmt.Sprintf("classifications:chunk_%d", num),
				Meta:    signature.Metadata{ChunkNum: num},
			}}, nil
		},
	})
	return err
}

// resolveLinks registers every linked entity of the statements so that the
// agent prompt lists stable URIs for them.
func (r *Runner) resolveLinks(ctx context.Context, num int, stmts []Statement) error {
	for _, s := range stmts {
		for _, l := range chunker.Links(s.Text, r.opts.LinkBase) {
			_, err := r.deps.Registry.Resolve(l.Label, registry.DefaultType,
				registry.WithSourceChunk(num),
				registry.WithSameAs(l.URL),
			)
			switch {
			case err == nil:
			case errors.Is(err, registry.ErrInvalidLabel):
				r.logger.Debug(ctx, "skipping link without usable label", zap.String("url", l.URL))
			default:
				return fmt.Errorf("registering %q: %w", l.Label, err)
			}
		}
	}
	return nil
}

// extract runs the agent over stmts and renders one output unit per
// statement.
func (r *Runner) extract(ctx context.Context, res *Result, num int, breadcrumb string, stmts []Statement) ([]incremental.Output, error) {
	ids := make([]string, len(stmts))
	for i, s := range stmts {
		ids[i] = s.ID()
	}
	prompt, err := TriplesPrompt(TriplesInput{
		SourceURL:  r.opts.SourceURL,
		Breadcrumb: breadcrumb,
		Registry:   r.deps.Registry.FormatForPrompt(),
		Statements: stmts,
	})
	if err != nil {
		return nil, err
	}

	c := r.deps.Collector
	c.Reset()
	c.SetStatementIDs(ids...)
	result, err := r.deps.Extractor.Run(ctx, SystemPrompt, prompt)
	r.metrics.Rejections.Add(float64(c.Rejected()))
	grouped := c.Flush()
	if result.Iterations > 0 {
		r.metrics.LLMCalls.WithLabelValues(StageTriples).Add(float64(result.Iterations))
		r.metrics.Iterations.Observe(float64(result.Iterations))
		res.Iterations.Add(result.Iterations, result.HitLimit)
	}
	if err != nil {
		return nil, err
	}

	emitted := 0
	outputs := make([]incremental.Output, len(stmts))
	for i, s := range stmts {
		triples := grouped[s.ID()]
		emitted += len(triples)
		outputs[i] = incremental.Output{
			Key:     s.Key(num),
			Content: TriplesContent(num, s, triples),
			Label:   "triples:" + s.Key(num),
			Meta:    signature.Metadata{ChunkNum: num, StmtIdx: s.Index, StmtKey: s.Key(num)},
		}
	}

	fields := []zap.Field{
		zap.Int("statements", len(stmts)),
		zap.Int("triples", emitted),
		zap.Int("iterations", result.Iterations),
	}
	if result.HitLimit {
		r.logger.Warn(ctx, "agent hit iteration limit", fields...)
	} else {
		r.logger.Debug(ctx, "agent finished", fields...)
	}
	if emitted == 0 && emitCalls(result.ToolCalls) > 0 {
		r.logger.Warn(ctx, "emit calls made but no triples collected",
			zap.Int("emit_calls", emitCalls(result.ToolCalls)))
	}
	return outputs, nil
}

func emitCalls(calls []llm.ToolCall) int {
	n := 0
	for _, c := range calls {
		if c.Name == tools.EmitTriple || c.Name == tools.EmitTriples {
			n++
		}
	}
	return n
}

// prune drops groups whose chunk or statement no longer exists, and the
// downstream units of chunks whose facts are missing. The classifications
// ledger is left alone while the stage is disabled.
func (r *Runner) prune(ctx context.Context, docs map[string]*ledger.Document, res *Result, keep retained) error {
	stages := []string{StageFacts, StageStatements, StageTriples}
	if r.opts.Classify {
		stages = append(stages, StageClassifications)
	}
	for _, stage := range stages {
		doc := docs[stage]
		n := doc.Prune(func(g string) bool { return keep[stage][g] })
		if n == 0 {
			continue
		}
		res.Stages[stage].Pruned += n
		doc.Header.UpdatedAt = r.now().UTC()
		if err := r.deps.Store.Save(ctx, doc); err != nil {
			return fmt.Errorf("saving %s ledger: %w", stage, err)
		}
		r.logger.Info(logging.WithStage(ctx, stage), "pruned stale units", zap.Int("entries", n))
	}
	return nil
}
