package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ontoledger/internal/config"
	"github.com/fyrsmithlabs/ontoledger/internal/ledger"
	"github.com/fyrsmithlabs/ontoledger/internal/llm"
	"github.com/fyrsmithlabs/ontoledger/internal/logging"
	"github.com/fyrsmithlabs/ontoledger/internal/pipeline"
	"github.com/fyrsmithlabs/ontoledger/internal/telemetry"
	"github.com/fyrsmithlabs/ontoledger/internal/vocabulary"
)

// app holds what every command needs: configuration, logger and telemetry.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
}

// setup loads configuration and initializes logging and telemetry. Commands
// must call close when done.
func setup(ctx context.Context, adjust ...func(*logging.Config)) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logCfg := logging.NewDefaultConfig()
	if err := cfg.Section("logging", logCfg); err != nil {
		return nil, err
	}
	for _, fn := range adjust {
		fn(logCfg)
	}

	telCfg := telemetry.NewDefaultConfig()
	telCfg.ServiceVersion = version
	if err := cfg.Section("telemetry", telCfg); err != nil {
		return nil, err
	}

	return newApp(ctx, cfg, logCfg, telCfg)
}

func newApp(ctx context.Context, cfg *config.Config, logCfg *logging.Config, telCfg *telemetry.Config) (*app, error) {
	if err := logCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := tel.Err(); err != nil {
		logger.Warn(ctx, "telemetry degraded, using no-op providers", zap.Error(err))
	}

	return &app{cfg: cfg, logger: logger, telemetry: tel}, nil
}

// close flushes telemetry and the logger. It runs after cancellation, so it
// detaches from ctx.
func (a *app) close(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// llmConfig maps the llm section onto the client configuration.
func (a *app) llmConfig() llm.Config {
	c := a.cfg.LLM
	retry := llm.DefaultRetryConfig()
	retry.MaxAttempts = c.MaxAttempts
	return llm.Config{
		BaseURL:     c.BaseURL,
		Model:       c.Model,
		APIKey:      c.APIKey.Value(),
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
		Retry:       retry,

		RequestsPerMinute: c.RequestsPerMinute,
		Burst:             c.Burst,
	}
}

// embedder builds the configured vocabulary embedder.
func (a *app) embedder() (vocabulary.Embedder, error) {
	v := a.cfg.Vocabulary
	if v.Embedder != config.EmbedderOpenAI {
		return vocabulary.NewHashEmbedder(v.Dimensions), nil
	}
	baseURL := v.BaseURL
	if baseURL == "" {
		baseURL = a.cfg.LLM.BaseURL
	}
	return vocabulary.NewOpenAIEmbedder(vocabulary.OpenAIConfig{
		BaseURL: baseURL,
		APIKey:  a.cfg.LLM.APIKey.Value(),
		Model:   v.EmbeddingModel,
	})
}

// index loads the vocabulary terms and embeds them.
func (a *app) index(ctx context.Context) (*vocabulary.Index, error) {
	v := a.cfg.Vocabulary
	terms := vocabulary.DefaultTerms()
	if v.TermsFile != "" {
		var err error
		if terms, err = vocabulary.LoadTerms(v.TermsFile); err != nil {
			return nil, err
		}
	}
	emb, err := a.embedder()
	if err != nil {
		return nil, err
	}
	return vocabulary.NewIndex(ctx, terms, emb, vocabulary.Config{
		BatchSize:   v.BatchSize,
		Concurrency: v.Concurrency,
	}, a.logger.Underlying().Named("vocabulary"))
}

// storeOptions returns the ledger backend configuration. For an existing run
// directory the backend is taken from what is on disk, so runs written with
// another configuration stay readable.
func (a *app) storeOptions(runDir string) ledger.Options {
	opts := ledger.Options{
		Backend:    a.cfg.Store.Backend,
		SQLiteFile: a.cfg.Store.SQLiteFile,
	}
	name := opts.SQLiteFile
	if name == "" {
		name = ledger.DefaultSQLiteFile
	}
	if !filepath.IsAbs(name) {
		name = filepath.Join(runDir, pipeline.LedgerDir, name)
	}
	if _, err := os.Stat(name); err == nil {
		opts.Backend = ledger.BackendSQLite
	} else if matches, _ := filepath.Glob(filepath.Join(runDir, pipeline.LedgerDir, "*.ledger.json")); len(matches) > 0 {
		opts.Backend = ledger.BackendFile
	}
	return opts
}

// openRun opens the ledger store of an existing run directory.
func (a *app) openRun(runDir string) (ledger.Store, error) {
	info, err := os.Stat(runDir)
	if err != nil {
		return nil, fmt.Errorf("run directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("run directory %s is not a directory", runDir)
	}
	return pipeline.OpenStore(runDir, a.storeOptions(runDir), a.logger.Underlying().Named("ledger"))
}
