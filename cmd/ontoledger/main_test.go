package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/ontoledger/internal/config"
	"github.com/fyrsmithlabs/ontoledger/internal/logging"
	"github.com/fyrsmithlabs/ontoledger/internal/pipeline"
	"github.com/fyrsmithlabs/ontoledger/internal/registry"
	"github.com/fyrsmithlabs/ontoledger/internal/telemetry"
	"github.com/fyrsmithlabs/ontoledger/internal/tools"
)

const (
	testURL    = "https://en.wikipedia.org/wiki/Albert_Einstein"
	testTitle  = "Albert Einstein"
	testSource = "This is the introduction paragraph that is long enough.\n\n== Early Life ==\n\nAlbert Einstein was born in 1879 in Ulm, Germany.\n"
	testFacts  = `- [Albert Einstein](/wiki/Albert_Einstein) was a physicist.
- [Albert Einstein](/wiki/Albert_Einstein) was born in [Ulm](/wiki/Ulm).
`
)

var listingLine = regexp.MustCompile(`(?m)^\[(\d+)\] (.+)$`)

// scriptedModel answers fact prompts with a fixed list and drives the agent
// through one emit_triples call per extraction.
type scriptedModel struct {
	mu    sync.Mutex
	calls int
}

func (m *scriptedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	var o llms.CallOptions
	for _, opt := range options {
		opt(&o)
	}
	if len(o.Tools) == 0 {
		return textResponse(testFacts), nil
	}

	last := messages[len(messages)-1]
	if last.Role == llms.ChatMessageTypeTool {
		return textResponse("done"), nil
	}

	var prompt string
	for _, part := range last.Parts {
		if tc, ok := part.(llms.TextContent); ok {
			prompt += tc.Text
		}
	}
	var records []map[string]string
	for _, match := range listingLine.FindAllStringSubmatch(prompt, -1) {
		records = append(records, map[string]string{
			"statement_id": match[1],
			"subject":      "<" + testURL + ">",
			"predicate":    "schema:description",
			"object":       fmt.Sprintf("%q", "fact "+match[1]),
		})
	}
	args, err := json.Marshal(map[string]any{"triples": records})
	if err != nil {
		return nil, err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		ToolCalls: []llms.ToolCall{{
			ID:           "call_1",
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: tools.EmitTriples, Arguments: string(args)},
		}},
	}}}, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func (m *scriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func textResponse(s string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: s}}}
}

// isolateConfig keeps tests away from the user's real configuration.
func isolateConfig(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	configPath = ""
}

func newTestApp(t *testing.T, mutate func(*config.Config)) *app {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.OutputDir = t.TempDir()
	cfg.Pipeline.ChunkSize = 60
	cfg.Pipeline.MinChunkSize = 20
	cfg.Vocabulary.Dimensions = 64
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	logCfg := logging.NewDefaultConfig()
	logCfg.Level = logging.Level(zapcore.WarnLevel)

	a, err := newApp(context.Background(), cfg, logCfg, telemetry.NewDefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { a.close(context.Background()) })
	return a
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_Commands(t *testing.T) {
	want := []string{"run", "verify", "provenance", "registry", "serve", "config", "version"}
	have := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		have[cmd.Name()] = true
		assert.NotEmpty(t, cmd.Short, cmd.Name())
	}
	for _, name := range want {
		assert.True(t, have[name], "command %s not registered", name)
	}

	for _, flag := range []string{"source", "title", "url", "continue-from"} {
		assert.NotNil(t, runCmd.Flags().Lookup(flag), "run --%s", flag)
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}

func TestExecuteRun_IncrementalRerun(t *testing.T) {
	a := newTestApp(t, nil)
	model := &scriptedModel{}
	start := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	res, dir, err := executeRun(context.Background(), a, model, runParams{
		Source: testSource,
		Title:  testTitle,
		URL:    testURL,
		Now:    start,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(a.cfg.Pipeline.OutputDir, "albert_einstein", "20250314_120000"), dir)
	assert.Positive(t, res.Chunks)
	assert.Positive(t, res.Triples)
	assert.Zero(t, res.Failed())
	require.NotNil(t, res.Verification)
	assert.True(t, res.Verification.OK, res.Verification.Issues)

	for _, name := range []string{"albert_einstein.ttl", pipeline.ProvenanceFile, registry.FileName, pipeline.MetricsFile, pipeline.SummaryFile} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	firstCalls := model.Calls()
	require.Positive(t, firstCalls)

	res2, dir2, err := executeRun(context.Background(), a, model, runParams{
		Source:       testSource,
		Title:        testTitle,
		URL:          testURL,
		ContinueFrom: dir,
		Now:          start.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.NotEqual(t, dir, dir2)
	assert.Equal(t, firstCalls, model.Calls(), "unchanged source must not call the model again")
	assert.Equal(t, res2.Chunks, res2.Stages[pipeline.StageFacts].Fresh)
	assert.Zero(t, res2.Stages[pipeline.StageTriples].Generated)
	assert.Equal(t, res.Triples, res2.Triples)
	assert.Equal(t, res.Digest, res2.Digest)
}

func TestExecuteRun_TextfileCopy(t *testing.T) {
	textfile := filepath.Join(t.TempDir(), "ontoledger.prom")
	a := newTestApp(t, func(c *config.Config) { c.Metrics.Textfile = textfile })

	_, _, err := executeRun(context.Background(), a, &scriptedModel{}, runParams{
		Source: testSource, Title: testTitle, URL: testURL, Now: time.Now(),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(textfile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ontoledger_units_total")
}

func TestInspectCommands(t *testing.T) {
	isolateConfig(t)
	a := newTestApp(t, func(c *config.Config) { c.Store.Backend = config.BackendSQLite })

	_, dir, err := executeRun(context.Background(), a, &scriptedModel{}, runParams{
		Source: testSource, Title: testTitle, URL: testURL, Now: time.Now(),
	})
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dir, pipeline.LedgerDir, "ledger.db"))

	// The default config uses the file backend; the sqlite ledger is detected.
	out, err := execute(t, "verify", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "OK: every derivation resolves")

	provFile := filepath.Join(t.TempDir(), "prov.ttl")
	out, err = execute(t, "provenance", dir, "-o", provFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote")
	data, err := os.ReadFile(provFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "prov:Entity")
	assert.Contains(t, string(data), "prov:wasDerivedFrom")
	provenanceOutput = ""

	out, err = execute(t, "registry", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Albert Einstein")
	assert.Contains(t, out, "entities (source "+testURL+")")

	_, err = execute(t, "verify", filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestWriteDefaultConfig(t *testing.T) {
	isolateConfig(t)

	path, err := writeDefaultConfig(false)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default().Pipeline, cfg.Pipeline)
	assert.Equal(t, config.Default().Vocabulary, cfg.Vocabulary)

	_, err = writeDefaultConfig(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = writeDefaultConfig(true)
	require.NoError(t, err)
}

func TestConfigShow_RedactsSecrets(t *testing.T) {
	isolateConfig(t)
	t.Setenv("ONTOLEDGER_LLM_API_KEY", "sk-do-not-print")

	out, err := execute(t, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-do-not-print")
	assert.Contains(t, out, "[REDACTED]")
}

func TestServe_WritesTurtle(t *testing.T) {
	a := newTestApp(t, nil)

	srv, err := newToolServer(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, 6, srv.Tools().Count())

	serveOutput = filepath.Join(t.TempDir(), "triples.ttl")
	serveBase = testURL
	t.Cleanup(func() { serveOutput, serveBase = "triples.ttl", "" })

	require.NoError(t, writeServeOutput(context.Background(), a, srv))
	data, err := os.ReadFile(serveOutput)
	require.NoError(t, err)
	assert.Contains(t, string(data), "@prefix schema: <https://schema.org/> .")
	assert.Contains(t, string(data), "@base <"+testURL+"> .")
	assert.Contains(t, string(data), "# No triples emitted")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    dev")
}
