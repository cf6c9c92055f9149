package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/ontoledger/internal/chunker"
	"github.com/fyrsmithlabs/ontoledger/internal/emission"
	"github.com/fyrsmithlabs/ontoledger/internal/incremental"
	"github.com/fyrsmithlabs/ontoledger/internal/ledger"
	"github.com/fyrsmithlabs/ontoledger/internal/llm"
	"github.com/fyrsmithlabs/ontoledger/internal/logging"
	"github.com/fyrsmithlabs/ontoledger/internal/registry"
)

const (
	sourceURL = "https://en.wikipedia.org/wiki/Albert_Einstein"
	source    = "This is the introduction paragraph that is long enough.\n\n== Early Life ==\n\nAlbert Einstein was born in 1879 in Ulm, Germany.\n"
)

var chunkingForTest = chunker.Config{ChunkSize: 60, MinChunkSize: 20}

const factsResponse = `Here are the facts:
- [Albert Einstein](/wiki/Albert_Einstein) was a physicist.
- [Albert Einstein](/wiki/Albert_Einstein) was born in [Ulm](/wiki/Ulm).
`

type fakeGenerator struct {
	calls   int
	fail    func(prompt string) error
	respond func(prompt string) string
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.calls++
	if g.fail != nil {
		if err := g.fail(prompt); err != nil {
			return "", err
		}
	}
	if g.respond != nil {
		return g.respond(prompt), nil
	}
	return factsResponse, nil
}

var listingLine = regexp.MustCompile(`(?m)^\[(\d+)\] (.+)$`)

// fakeExtractor emits one triple for every statement listed in the prompt.
type fakeExtractor struct {
	collector *emission.Collector
	calls     int
	prompts   []string
}

func (e *fakeExtractor) Run(_ context.Context, _, prompt string) (llm.Result, error) {
	e.calls++
	e.prompts = append(e.prompts, prompt)
	for _, m := range listingLine.FindAllStringSubmatch(prompt, -1) {
		if err := e.collector.Emit(m[1], "<https://en.wikipedia.org/wiki/Albert_Einstein>", "schema:description", fmt.Sprintf("%q", "fact "+m[1])); err != nil {
			return llm.Result{}, err
		}
	}
	return llm.Result{Summary: "done", Iterations: 3}, nil
}

type fixture struct {
	store     ledger.Store
	registry  *registry.Registry
	collector *emission.Collector
	gen       *fakeGenerator
	ext       *fakeExtractor
	classify  bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := ledger.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	collector := emission.NewCollector()
	return &fixture{
		store:     store,
		registry:  registry.New(sourceURL),
		collector: collector,
		gen:       &fakeGenerator{},
		ext:       &fakeExtractor{collector: collector},
	}
}

func (f *fixture) runner(t *testing.T, policy Policy) *Runner {
	t.Helper()
	r, err := NewRunner(Options{
		Title:     "Albert Einstein",
		SourceURL: sourceURL,
		Chunking:  chunkingForTest,
		Policy:    policy,
		Classify:  f.classify,
	}, Deps{
		Store:     f.store,
		Registry:  f.registry,
		Generator: f.gen,
		Extractor: f.ext,
		Collector: f.collector,
		Logger:    logging.Wrap(zaptest.NewLogger(t)),
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) doc(t *testing.T, stage string) *ledger.Document {
	t.Helper()
	doc, err := f.store.Load(context.Background(), stage)
	require.NoError(t, err)
	return doc
}

func TestRun_FirstRunGeneratesEverything(t *testing.T) {
	f := newFixture(t)
	res, err := f.runner(t, nil).Run(context.Background(), source)
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, 4, res.Statements)
	assert.Equal(t, 2, f.gen.calls)
	assert.Equal(t, 2, f.ext.calls)
	assert.Zero(t, res.Failed())

	assert.Equal(t, StageStats{Missing: 1, Generated: 1, Outputs: 1}, *res.Stages[StageSource])
	assert.Equal(t, StageStats{Missing: 1, Generated: 1, Outputs: 2}, *res.Stages[StageChunks])
	assert.Equal(t, StageStats{Missing: 2, Generated: 2, Outputs: 2}, *res.Stages[StageFacts])
	assert.Equal(t, StageStats{Missing: 2, Generated: 2, Outputs: 4}, *res.Stages[StageTriples])

	assert.Equal(t, 2, res.Iterations.Runs)
	assert.Equal(t, 3, res.Iterations.Max)
	assert.Equal(t, 2, res.Iterations.Buckets[0].Count)

	facts := f.doc(t, StageFacts)
	entry, ok := facts.Lookup("2")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(entry.Content, "**Context:** Albert Einstein > Early Life\n**Chunk:** 2 of 2\n\n---\n\n"))
	chunk, ok := f.doc(t, StageChunks).Lookup("2")
	require.True(t, ok)
	assert.Equal(t, chunk.Signature.ID, entry.Signature.DerivedFrom)

	listing, ok := f.doc(t, StageStatements).Lookup("1")
	require.True(t, ok)
	assert.Equal(t, "[1] [Albert Einstein](/wiki/Albert_Einstein) was a physicist.\n[2] [Albert Einstein](/wiki/Albert_Einstein) was born in [Ulm](/wiki/Ulm).", listing.Content)

	triples := f.doc(t, StageTriples)
	assert.Equal(t, []string{"1", "2"}, triples.Groups())
	out, ok := triples.Lookup("1_2")
	require.True(t, ok)
	assert.Equal(t, listing.Signature.ID, out.Signature.DerivedFrom)
	assert.Equal(t, 2, out.Signature.Meta.StmtIdx)
	assert.Equal(t, "1_2", out.Signature.Meta.StmtKey)
	assert.Equal(t, "# Statement [1.2]: [Albert Einstein](/wiki/Albert_Einstein) was born in [Ulm](/wiki/Ulm).\n"+
		`<https://en.wikipedia.org/wiki/Albert_Einstein> schema:description "fact 2" .`+"\n", out.Content)

	ulm, ok := f.registry.Lookup("Ulm")
	require.True(t, ok)
	assert.Equal(t, []string{"https://en.wikipedia.org/wiki/Ulm"}, ulm.SameAs)
	assert.Contains(t, f.ext.prompts[1], "<https://en.wikipedia.org/wiki/Ulm> # Ulm (Thing)")
}

func TestRun_SecondRunSkipsFreshUnits(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner(t, nil).Run(context.Background(), source)
	require.NoError(t, err)

	res, err := f.runner(t, nil).Run(context.Background(), source)
	require.NoError(t, err)

	assert.Equal(t, 2, f.gen.calls)
	assert.Equal(t, 2, f.ext.calls)
	assert.Equal(t, StageStats{Fresh: 2}, *res.Stages[StageFacts])
	assert.Equal(t, StageStats{Fresh: 2}, *res.Stages[StageTriples])
	assert.Zero(t, res.Iterations.Runs)
}

func TestRun_ChangedChunkRegeneratesDownstreamOnly(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner(t, nil).Run(context.Background(), source)
	require.NoError(t, err)
	before, ok := f.doc(t, StageTriples).Lookup("1_1")
	require.True(t, ok)

	f.gen.respond = func(prompt string) string {
		if strings.Contains(prompt, "city of Ulm") {
			return factsResponse + "- [Ulm](/wiki/Ulm) is a city.\n"
		}
		return factsResponse
	}
	changed := strings.Replace(source, "Ulm, Germany.", "the city of Ulm.", 1)
	res, err := f.runner(t, nil).Run(context.Background(), changed)
	require.NoError(t, err)

	assert.Equal(t, StageStats{Stale: 1, Generated: 1, Regenerated: 1, Outputs: 1}, *res.Stages[StageSource])
	assert.Equal(t, StageStats{Fresh: 1, Stale: 1, Generated: 1, Regenerated: 1, Outputs: 1}, *res.Stages[StageFacts])
	assert.Equal(t, StageStats{Fresh: 1, Stale: 1, Generated: 1, Regenerated: 1, Outputs: 3}, *res.Stages[StageTriples])
	assert.Equal(t, 3, f.gen.calls)
	assert.Equal(t, 3, f.ext.calls)

	after, ok := f.doc(t, StageTriples).Lookup("1_1")
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestRun_IdenticalRegenerationStopsPropagation(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner(t, nil).Run(context.Background(), source)
	require.NoError(t, err)

	// The facts of the edited chunk are regenerated but come back identical,
	// so their CID and everything derived from it stays fresh.
	changed := strings.Replace(source, "Ulm, Germany.", "the city of Ulm.", 1)
	res, err := f.runner(t, nil).Run(context.Background(), changed)
	require.NoError(t, err)

	assert.Equal(t, StageStats{Fresh: 1, Stale: 1, Generated: 1, Regenerated: 1, Outputs: 1}, *res.Stages[StageFacts])
	assert.Equal(t, StageStats{Fresh: 2}, *res.Stages[StageStatements])
	assert.Equal(t, StageStats{Fresh: 2}, *res.Stages[StageTriples])
	assert.Equal(t, 3, f.gen.calls)
	assert.Equal(t, 2, f.ext.calls)
}

func TestRun_FailedUnitIsMarkedAndRetried(t *testing.T) {
	f := newFixture(t)
	f.gen.fail = func(prompt string) error {
		if strings.Contains(prompt, "born in 1879") {
			return errors.New("model overloaded")
		}
		return nil
	}

	res, err := f.runner(t, nil).Run(context.Background(), source)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stages[StageFacts].Failed)
	assert.Equal(t, 1, f.ext.calls)

	facts := f.doc(t, StageFacts)
	markers := facts.Markers("2")
	require.Len(t, markers, 1)
	assert.True(t, strings.HasPrefix(markers[0].Content, "# Error: "))
	assert.Contains(t, markers[0].Content, "model overloaded")
	assert.Equal(t, []string{"1"}, f.doc(t, StageTriples).Groups())

	f.gen.fail = nil
	res, err = f.runner(t, nil).Run(context.Background(), source)
	require.NoError(t, err)
	assert.Equal(t, StageStats{Fresh: 1, Missing: 1, Generated: 1, Outputs: 1}, *res.Stages[StageFacts])
	assert.Empty(t, f.doc(t, StageFacts).Markers("2"))
	assert.Equal(t, []string{"1", "2"}, f.doc(t, StageTriples).Groups())
}

func TestRun_EditedFactsRegenerateStatements(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.runner(t, nil).Run(ctx, source)
	require.NoError(t, err)

	facts := f.doc(t, StageFacts)
	i := slices.IndexFunc(facts.Entries, func(e ledger.Entry) bool { return e.Key == "1" && !e.Marker })
	require.GreaterOrEqual(t, i, 0)
	facts.Entries[i].Content = strings.Replace(facts.Entries[i].Content, "physicist", "violinist", 1)
	require.NoError(t, f.store.Save(ctx, facts))

	r := f.runner(t, nil)
	res, err := r.Run(ctx, source)
	require.NoError(t, err)

	assert.Equal(t, 2, f.gen.calls, "the edit is kept, not regenerated")
	assert.Equal(t, StageStats{Fresh: 2}, *res.Stages[StageFacts])
	assert.Equal(t, StageStats{Fresh: 1, Stale: 1, Generated: 1, Regenerated: 1, Outputs: 1}, *res.Stages[StageStatements])
	assert.Equal(t, StageStats{Fresh: 1, Stale: 1, Generated: 1, Regenerated: 1, Outputs: 2}, *res.Stages[StageTriples])
	assert.Equal(t, 3, f.ext.calls)

	edited, ok := f.doc(t, StageFacts).Lookup("1")
	require.True(t, ok)
	listing, ok := f.doc(t, StageStatements).Lookup("1")
	require.True(t, ok)
	assert.Contains(t, listing.Content, "was a violinist.")
	assert.Equal(t, edited.ContentURI(), listing.Signature.DerivedFrom)
	assert.NotEqual(t, edited.Signature.ID, listing.Signature.DerivedFrom)

	dir := t.TempDir()
	require.NoError(t, r.Export(ctx, dir, res))
	assert.True(t, res.Verification.OK, res.Verification.Issues)
	prov, err := os.ReadFile(filepath.Join(dir, ProvenanceFile))
	require.NoError(t, err)
	assert.Contains(t, string(prov), "facts:1 (edited)")
}

func TestRun_FailedRegenerationDropsStaleUnits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.runner(t, nil).Run(ctx, source)
	require.NoError(t, err)

	f.gen.fail = func(prompt string) error {
		if strings.Contains(prompt, "Bavaria") {
			return errors.New("model offline")
		}
		return nil
	}
	changed := strings.Replace(source, "Ulm, Germany.", "Ulm, Bavaria.", 1)
	r := f.runner(t, nil)
	res, err := r.Run(ctx, changed)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Stages[StageFacts].Stale)
	assert.Equal(t, 1, res.Stages[StageFacts].Failed)
	facts := f.doc(t, StageFacts)
	assert.Empty(t, facts.Signatures("2"))
	markers := facts.Markers("2")
	require.Len(t, markers, 1)
	assert.Contains(t, markers[0].Content, "model offline")

	assert.Equal(t, 1, res.Stages[StageStatements].Pruned)
	assert.Equal(t, 2, res.Stages[StageTriples].Pruned)
	assert.Equal(t, []string{"1"}, f.doc(t, StageStatements).Groups())
	assert.Equal(t, []string{"1"}, f.doc(t, StageTriples).Groups())

	require.NoError(t, r.Export(ctx, t.TempDir(), res))
	assert.True(t, res.Verification.OK, res.Verification.Issues)
	assert.Equal(t, 2, res.Triples)

	f.gen.fail = nil
	res, err = f.runner(t, nil).Run(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, StageStats{Fresh: 1, Missing: 1, Generated: 1, Outputs: 1}, *res.Stages[StageFacts])
	assert.Empty(t, f.doc(t, StageFacts).Markers("2"))
	assert.Equal(t, []string{"1", "2"}, f.doc(t, StageTriples).Groups())
}

func TestRun_Classifications(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.classify = true
	f.gen.respond = func(prompt string) string {
		if strings.Contains(prompt, "Classify every statement") {
			return "1: GOOD - atomic and linked\n2: BAD - vague\nMissing facts: none"
		}
		return factsResponse
	}

	res, err := f.runner(t, nil).Run(ctx, source)
	require.NoError(t, err)
	assert.Equal(t, 4, f.gen.calls)
	assert.Equal(t, StageStats{Missing: 2, Generated: 2, Outputs: 2}, *res.Stages[StageClassifications])

	listing, ok := f.doc(t, StageStatements).Lookup("2")
	require.True(t, ok)
	cls, ok := f.doc(t, StageClassifications).Lookup("2")
	require.True(t, ok)
	assert.Equal(t, listing.Signature.ID, cls.Signature.DerivedFrom)
	assert.Equal(t, "classifications:chunk_2", cls.Signature.Label)
	assert.Contains(t, cls.Content, "**Chunk:** 2 of 2\n**Score:** 50.0% (1/2 GOOD)\n")
	assert.Contains(t, cls.Content, "| 1 | ✅ GOOD | [Albert Einstein](/wiki/Albert_Einstein) was a physicist. | atomic and linked |")
	assert.Contains(t, cls.Content, "**Missing facts:** none")

	res, err = f.runner(t, nil).Run(ctx, source)
	require.NoError(t, err)
	assert.Equal(t, 4, f.gen.calls)
	assert.Equal(t, StageStats{Fresh: 2}, *res.Stages[StageClassifications])

	// Turning the stage off leaves its ledger alone.
	f.classify = false
	_, err = f.runner(t, nil).Run(ctx, source)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, f.doc(t, StageClassifications).Groups())
}

func TestRun_UnitGranularityClassifiesFacts(t *testing.T) {
	f := newFixture(t)
	f.classify = true
	f.gen.respond = func(prompt string) string {
		if strings.Contains(prompt, "Classify every statement") {
			return "1: GOOD - ok\n2: GOOD - ok"
		}
		return factsResponse
	}
	_, err := f.runner(t, Policy{StageTriples: GranularityUnit}).Run(context.Background(), source)
	require.NoError(t, err)

	facts, ok := f.doc(t, StageFacts).Lookup("1")
	require.True(t, ok)
	cls, ok := f.doc(t, StageClassifications).Lookup("1")
	require.True(t, ok)
	assert.Equal(t, facts.Signature.ID, cls.Signature.DerivedFrom)
	assert.Contains(t, cls.Content, "**Score:** 100.0% (2/2 GOOD)")
}

func TestRun_UnitGranularity(t *testing.T) {
	f := newFixture(t)
	res, err := f.runner(t, Policy{StageTriples: GranularityUnit}).Run(context.Background(), source)
	require.NoError(t, err)

	assert.Equal(t, 4, f.ext.calls)
	assert.Equal(t, StageStats{Missing: 4, Generated: 4, Outputs: 4}, *res.Stages[StageTriples])

	stmts := f.doc(t, StageStatements)
	stmt, ok := stmts.Lookup("2_1")
	require.True(t, ok)
	assert.Equal(t, "[Albert Einstein](/wiki/Albert_Einstein) was a physicist.", stmt.Content)
	assert.Equal(t, 1, stmt.Signature.Meta.StmtIdx)

	triples := f.doc(t, StageTriples)
	assert.Equal(t, []string{"1_1", "1_2", "2_1", "2_2"}, triples.Groups())
	out, ok := triples.Lookup("2_1")
	require.True(t, ok)
	assert.Equal(t, stmt.Signature.ID, out.Signature.DerivedFrom)

	// Switching back rebuilds the statement listings and prunes per-statement groups.
	res, err = f.runner(t, nil).Run(context.Background(), source)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stages[StageStatements].Generated)
	assert.Equal(t, 6, f.ext.calls)
	assert.Equal(t, 4, res.Stages[StageTriples].Pruned)
	assert.Equal(t, []string{"1", "2"}, f.doc(t, StageTriples).Groups())
}

func TestRun_PrunesRemovedChunks(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner(t, nil).Run(context.Background(), source)
	require.NoError(t, err)

	res, err := f.runner(t, nil).Run(context.Background(), "This is the introduction paragraph that is long enough.\n")
	require.NoError(t, err)

	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, 1, res.Stages[StageFacts].Pruned)
	assert.Equal(t, 1, res.Stages[StageStatements].Pruned)
	assert.Equal(t, 2, res.Stages[StageTriples].Pruned)
	assert.Equal(t, []string{"1"}, f.doc(t, StageFacts).Groups())
	assert.Equal(t, []string{"1"}, f.doc(t, StageTriples).Groups())
}

func TestRun_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.runner(t, nil).Run(ctx, source)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.gen.calls)
}

func TestRun_PersistsRegistryAfterEachChunk(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), registry.FileName)
	reg, err := registry.Open(path, sourceURL)
	require.NoError(t, err)
	f.registry = reg

	_, err = f.runner(t, nil).Run(context.Background(), source)
	require.NoError(t, err)

	reopened, err := registry.Open(path, sourceURL)
	require.NoError(t, err)
	e, ok := reopened.Lookup("Albert Einstein")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, e.SourceChunks)
}

func TestExport(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, nil)
	res, err := r.Run(context.Background(), source)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, r.Export(context.Background(), dir, res))

	assert.Equal(t, 4, res.Triples)
	assert.True(t, strings.HasPrefix(res.Digest, "ipfs://"))
	require.NotNil(t, res.Verification)
	assert.True(t, res.Verification.OK)
	assert.Equal(t, 1, res.Verification.Roots)

	graph, err := os.ReadFile(filepath.Join(dir, "albert_einstein.ttl"))
	require.NoError(t, err)
	assert.Contains(t, string(graph), "@base <"+sourceURL+"> .")
	assert.Contains(t, string(graph), "# Statement [2.1]:")

	prov, err := os.ReadFile(filepath.Join(dir, ProvenanceFile))
	require.NoError(t, err)
	assert.Contains(t, string(prov), "prov:wasDerivedFrom")

	for _, name := range []string{registry.FileName, MetricsFile} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
	metrics, err := os.ReadFile(filepath.Join(dir, MetricsFile))
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `ontoledger_units_total{stage="facts",state="missing"} 2`)

	data, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	require.NoError(t, err)
	var summary Result
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, res.RunID, summary.RunID)
	assert.Equal(t, res.Digest, summary.Digest)
	assert.Equal(t, 2, summary.Stages[StageFacts].Generated)

	// Identical ledgers give identical digests.
	res2, err := r.Run(context.Background(), source)
	require.NoError(t, err)
	require.NoError(t, r.Export(context.Background(), t.TempDir(), res2))
	assert.Equal(t, res.Digest, res2.Digest)
}

func TestNewRunner_Validation(t *testing.T) {
	f := newFixture(t)
	deps := Deps{Store: f.store, Registry: f.registry, Generator: f.gen, Extractor: f.ext, Collector: f.collector}

	_, err := NewRunner(Options{SourceURL: sourceURL}, deps)
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = NewRunner(Options{Title: "T", SourceURL: sourceURL, Policy: Policy{StageFacts: GranularityUnit}}, deps)
	assert.ErrorIs(t, err, ErrInvalidOptions)

	deps.Extractor = nil
	_, err = NewRunner(Options{Title: "T", SourceURL: sourceURL}, deps)
	assert.Error(t, err)
}

func TestStageStats_Record(t *testing.T) {
	var s StageStats
	s.Record(incremental.Outcome{Decision: incremental.Fresh, Final: incremental.Fresh})
	s.Record(incremental.Outcome{Decision: incremental.Stale, Final: incremental.Regenerated, Outputs: 3})
	s.Record(incremental.Outcome{Decision: incremental.Missing, Final: incremental.Missing, Err: errors.New("boom")})
	assert.Equal(t, StageStats{Fresh: 1, Stale: 1, Missing: 1, Generated: 1, Regenerated: 1, Failed: 1, Outputs: 3}, s)
}
