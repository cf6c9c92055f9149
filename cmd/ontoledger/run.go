package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ontoledger/internal/chunker"
	"github.com/fyrsmithlabs/ontoledger/internal/emission"
	"github.com/fyrsmithlabs/ontoledger/internal/llm"
	"github.com/fyrsmithlabs/ontoledger/internal/pipeline"
	"github.com/fyrsmithlabs/ontoledger/internal/registry"
	"github.com/fyrsmithlabs/ontoledger/internal/tools"
)

var (
	runSource       string
	runTitle        string
	runURL          string
	runContinueFrom string
	runOutputDir    string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runSource, "source", "", "source text file")
	runCmd.Flags().StringVar(&runTitle, "title", "", "document title")
	runCmd.Flags().StringVar(&runURL, "url", "", "document URL, the base of entity IRIs")
	runCmd.Flags().StringVar(&runContinueFrom, "continue-from", "", "previous run directory whose ledgers and registry are reused")
	runCmd.Flags().StringVar(&runOutputDir, "output", "", "output base directory (default pipeline.output_dir)")
	_ = runCmd.MarkFlagRequired("source")
	_ = runCmd.MarkFlagRequired("title")
	_ = runCmd.MarkFlagRequired("url")
}

// runCmd extracts a knowledge graph from a document
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Extract a knowledge graph from a document",
	Long: `Run every derivation stage over a document and write the results into
<output>/<slug>/<timestamp>/:

  <slug>.ttl       knowledge graph
  provenance.ttl   PROV-O provenance chain
  registry.json    entity registry
  metrics.prom     Prometheus textfile
  run.json         run summary
  ledger/          stage ledgers

With --continue-from, the ledgers and registry of a previous run are copied
first and units whose inputs are unchanged are skipped.

Examples:
  ontoledger run --source einstein.txt --title "Albert Einstein" \
      --url https://en.wikipedia.org/wiki/Albert_Einstein

  ontoledger run --source einstein.txt --title "Albert Einstein" \
      --url https://en.wikipedia.org/wiki/Albert_Einstein \
      --continue-from output/albert_einstein/20250101_120000`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

// runParams are the per-invocation inputs of a run.
type runParams struct {
	Source       string
	Title        string
	URL          string
	ContinueFrom string
	OutputDir    string
	Now          time.Time
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	source, err := os.ReadFile(runSource)
	if err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	model, err := llm.NewOpenAIModel(a.llmConfig())
	if err != nil {
		return err
	}

	res, dir, err := executeRun(ctx, a, model, runParams{
		Source:       string(source),
		Title:        runTitle,
		URL:          runURL,
		ContinueFrom: runContinueFrom,
		OutputDir:    runOutputDir,
		Now:          time.Now(),
	})
	if err != nil {
		return err
	}
	printRunSummary(cmd.OutOrStdout(), dir, res)
	return nil
}

// executeRun wires the pipeline for one document and runs it with model.
func executeRun(ctx context.Context, a *app, model llms.Model, p runParams) (*pipeline.Result, string, error) {
	cfg := a.cfg
	zl := a.logger.Underlying()

	base := p.OutputDir
	if base == "" {
		base = cfg.Pipeline.OutputDir
	}
	dir := pipeline.RunDir(base, p.Title, p.Now)
	if err := os.MkdirAll(filepath.Join(dir, pipeline.LedgerDir), 0700); err != nil {
		return nil, "", fmt.Errorf("failed to create run directory: %w", err)
	}
	if p.ContinueFrom != "" {
		n, err := pipeline.ContinueFrom(ctx, p.ContinueFrom, dir)
		if err != nil {
			return nil, "", err
		}
		a.logger.Info(ctx, "continuing from previous run",
			zap.String("from", p.ContinueFrom),
			zap.Int("files", n),
		)
	}

	store, err := pipeline.OpenStore(dir, a.storeOptions(dir), zl.Named("ledger"))
	if err != nil {
		return nil, "", err
	}
	defer store.Close()

	reg, err := registry.Open(filepath.Join(dir, registry.FileName), p.URL)
	if err != nil {
		return nil, "", err
	}

	index, err := a.index(ctx)
	if err != nil {
		return nil, "", err
	}

	policy := pipeline.Policy{}
	for stage, g := range cfg.Pipeline.Granularities() {
		if policy[stage], err = pipeline.ParseGranularity(g); err != nil {
			return nil, "", err
		}
	}

	metrics := pipeline.NewMetrics()
	collector := emission.NewCollector()
	set := tools.NewSet(index, collector,
		tools.WithTopK(cfg.Vocabulary.Results),
		tools.WithObserver(metrics.ToolObserver()),
		tools.WithLogger(zl.Named("tools")),
	)
	client := llm.NewClient(model, a.llmConfig(), zl.Named("llm"))
	agent := llm.NewAgent(client, set, cfg.Pipeline.MaxIterations, zl.Named("agent"))

	runner, err := pipeline.NewRunner(pipeline.Options{
		Title:     p.Title,
		SourceURL: p.URL,
		LinkBase:  cfg.Pipeline.LinkBase,
		Chunking: chunker.Config{
			ChunkSize:    cfg.Pipeline.ChunkSize,
			ChunkOverlap: cfg.Pipeline.ChunkOverlap,
			MinChunkSize: cfg.Pipeline.MinChunkSize,
		},
		MaxIterations:     cfg.Pipeline.MaxIterations,
		GenerationTimeout: cfg.Pipeline.GenerationTimeout.Duration(),
		Policy:            policy,
		Classify:          cfg.Pipeline.Classify,
	}, pipeline.Deps{
		Store:     store,
		Registry:  reg,
		Generator: client,
		Extractor: agent,
		Collector: collector,
		Metrics:   metrics,
		Logger:    a.logger.Named("pipeline"),
		Telemetry: a.telemetry,
	})
	if err != nil {
		return nil, "", err
	}

	res, err := runner.Run(ctx, p.Source)
	if err != nil {
		return res, dir, err
	}
	if err := runner.Export(ctx, dir, res); err != nil {
		return res, dir, err
	}
	if cfg.Metrics.Textfile != "" {
		if err := metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			return res, dir, err
		}
	}
	return res, dir, nil
}

func printRunSummary(w io.Writer, dir string, res *pipeline.Result) {
	fmt.Fprintf(w, "Run %s finished in %.1fs\n", res.RunID, res.Seconds)
	fmt.Fprintf(w, "  Output:     %s\n", dir)
	fmt.Fprintf(w, "  Chunks:     %d\n", res.Chunks)
	fmt.Fprintf(w, "  Statements: %d\n", res.Statements)
	fmt.Fprintf(w, "  Triples:    %d\n", res.Triples)
	for _, stage := range pipeline.Stages {
		s := res.Stages[stage]
		if s == nil {
			continue
		}
		fmt.Fprintf(w, "  %-11s fresh=%d generated=%d regenerated=%d failed=%d\n",
			stage+":", s.Fresh, s.Generated, s.Regenerated, s.Failed)
	}
	if res.Verification != nil && !res.Verification.OK {
		fmt.Fprintf(w, "  Provenance: %d dangling derivations\n", len(res.Verification.Issues))
	}
	if n := res.Failed(); n > 0 {
		fmt.Fprintf(w, "  %d units failed and will be retried by the next run\n", n)
	}
}
