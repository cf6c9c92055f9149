// Package config provides configuration loading for ontoledger.
//
// Configuration is read from an optional YAML file and environment variables
// on top of built-in defaults. The pipeline, store, llm, vocabulary and
// metrics sections are decoded into Config; the logging and telemetry
// sections belong to their packages and are decoded with Config.Section.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/v2"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the ontoledger configuration.
type Config struct {
	Pipeline   PipelineConfig   `koanf:"pipeline" yaml:"pipeline"`
	Store      StoreConfig      `koanf:"store" yaml:"store"`
	LLM        LLMConfig        `koanf:"llm" yaml:"llm"`
	Vocabulary VocabularyConfig `koanf:"vocabulary" yaml:"vocabulary"`
	Metrics    MetricsConfig    `koanf:"metrics" yaml:"metrics"`

	// k keeps the merged sources so other packages can decode their sections.
	k *koanf.Koanf
}

// PipelineConfig configures extraction runs.
type PipelineConfig struct {
	OutputDir         string                 `koanf:"output_dir" yaml:"output_dir"`
	MaxIterations     int                    `koanf:"max_iterations" yaml:"max_iterations"`
	GenerationTimeout Duration               `koanf:"generation_timeout" yaml:"generation_timeout"`
	ChunkSize         int                    `koanf:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap      int                    `koanf:"chunk_overlap" yaml:"chunk_overlap"`
	MinChunkSize      int                    `koanf:"min_chunk_size" yaml:"min_chunk_size"`
	LinkBase          string                 `koanf:"link_base" yaml:"link_base,omitempty"`

	// Classify adds the statement classification stage.
	Classify bool                   `koanf:"classify" yaml:"classify"`
	Stages   map[string]StageConfig `koanf:"stages" yaml:"stages,omitempty"`
}

// StageConfig configures one derivation stage.
type StageConfig struct {
	Granularity string `koanf:"granularity" yaml:"granularity"` // unit or chunk
}

// Granularities returns the configured granularity of every stage.
func (p PipelineConfig) Granularities() map[string]string {
	out := make(map[string]string, len(p.Stages))
	for name, s := range p.Stages {
		out[name] = s.Granularity
	}
	return out
}

// Store backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// StoreConfig selects the ledger backend.
type StoreConfig struct {
	Backend    string `koanf:"backend" yaml:"backend"`
	SQLiteFile string `koanf:"sqlite_file" yaml:"sqlite_file,omitempty"`
}

// LLMConfig selects an OpenAI-compatible chat endpoint.
type LLMConfig struct {
	BaseURL     string  `koanf:"base_url" yaml:"base_url,omitempty"`
	Model       string  `koanf:"model" yaml:"model"`
	APIKey      Secret  `koanf:"api_key" yaml:"api_key,omitempty"`
	Temperature float64 `koanf:"temperature" yaml:"temperature"`
	MaxTokens   int     `koanf:"max_tokens" yaml:"max_tokens,omitempty"`
	MaxAttempts int     `koanf:"max_attempts" yaml:"max_attempts"`

	// RequestsPerMinute caps model requests, retries and agent iterations
	// included. Zero disables the limit.
	RequestsPerMinute float64 `koanf:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int     `koanf:"burst" yaml:"burst"`
}

// Embedders.
const (
	EmbedderHash   = "hash"
	EmbedderOpenAI = "openai"
)

// VocabularyConfig configures the RDF term index.
type VocabularyConfig struct {
	// TermsFile is a YAML vocabulary; empty uses the built-in terms.
	TermsFile      string `koanf:"terms_file" yaml:"terms_file,omitempty"`
	Embedder       string `koanf:"embedder" yaml:"embedder"`
	EmbeddingModel string `koanf:"embedding_model" yaml:"embedding_model,omitempty"`
	// BaseURL defaults to llm.base_url for the openai embedder.
	BaseURL     string `koanf:"base_url" yaml:"base_url,omitempty"`
	Dimensions  int    `koanf:"dimensions" yaml:"dimensions"`
	Results     int    `koanf:"results" yaml:"results"`
	BatchSize   int    `koanf:"batch_size" yaml:"batch_size"`
	Concurrency int    `koanf:"concurrency" yaml:"concurrency"`
}

// MetricsConfig configures the Prometheus textfile.
type MetricsConfig struct {
	// Textfile is an additional path the run metrics are written to, such as
	// a node-exporter textfile collector directory. metrics.prom is always
	// written into the run directory.
	Textfile string `koanf:"textfile" yaml:"textfile,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			OutputDir:         "output",
			MaxIterations:     150,
			GenerationTimeout: Duration(5 * time.Minute),
			ChunkSize:         2000,
			ChunkOverlap:      0,
			MinChunkSize:      0,
			Stages: map[string]StageConfig{
				"triples": {Granularity: "unit"},
			},
		},
		Store: StoreConfig{
			Backend: BackendFile,
		},
		LLM: LLMConfig{
			Model:       "gpt-4o-mini",
			Temperature:       0,
			MaxAttempts:       3,
			RequestsPerMinute: 50,
			Burst:             5,
		},
		Vocabulary: VocabularyConfig{
			Embedder:    EmbedderHash,
			Dimensions:  256,
			Results:     5,
			BatchSize:   64,
			Concurrency: 4,
		},
	}
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)))
	}

	p := c.Pipeline
	if strings.TrimSpace(p.OutputDir) == "" {
		invalid("pipeline.output_dir is required")
	}
	if p.MaxIterations <= 0 {
		invalid("pipeline.max_iterations must be positive, got %d", p.MaxIterations)
	}
	if p.GenerationTimeout.Duration() <= 0 {
		invalid("pipeline.generation_timeout must be positive")
	}
	if p.ChunkSize <= 0 {
		invalid("pipeline.chunk_size must be positive, got %d", p.ChunkSize)
	}
	if p.ChunkOverlap < 0 || p.ChunkOverlap >= p.ChunkSize {
		invalid("pipeline.chunk_overlap must be in [0, chunk_size), got %d", p.ChunkOverlap)
	}
	if p.MinChunkSize < 0 {
		invalid("pipeline.min_chunk_size must be >= 0, got %d", p.MinChunkSize)
	}
	for name, s := range p.Stages {
		switch strings.ToLower(s.Granularity) {
		case "", "unit", "chunk":
		default:
			invalid("pipeline.stages.%s.granularity must be 'unit' or 'chunk', got %q", name, s.Granularity)
		}
	}

	switch c.Store.Backend {
	case BackendFile, BackendSQLite:
	default:
		invalid("store.backend must be %q or %q, got %q", BackendFile, BackendSQLite, c.Store.Backend)
	}

	if strings.TrimSpace(c.LLM.Model) == "" {
		invalid("llm.model is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		invalid("llm.temperature must be between 0 and 2, got %g", c.LLM.Temperature)
	}
	if c.LLM.MaxTokens < 0 {
		invalid("llm.max_tokens must be >= 0, got %d", c.LLM.MaxTokens)
	}
	if c.LLM.MaxAttempts <= 0 {
		invalid("llm.max_attempts must be positive, got %d", c.LLM.MaxAttempts)
	}
	if c.LLM.RequestsPerMinute < 0 {
		invalid("llm.requests_per_minute must be >= 0, got %g", c.LLM.RequestsPerMinute)
	}
	if c.LLM.RequestsPerMinute > 0 && c.LLM.Burst <= 0 {
		invalid("llm.burst must be positive when requests_per_minute is set, got %d", c.LLM.Burst)
	}

	v := c.Vocabulary
	switch v.Embedder {
	case EmbedderHash:
		if v.Dimensions <= 0 {
			invalid("vocabulary.dimensions must be positive, got %d", v.Dimensions)
		}
	case EmbedderOpenAI:
	default:
		invalid("vocabulary.embedder must be %q or %q, got %q", EmbedderHash, EmbedderOpenAI, v.Embedder)
	}
	if v.Results <= 0 {
		invalid("vocabulary.results must be positive, got %d", v.Results)
	}
	if v.BatchSize <= 0 {
		invalid("vocabulary.batch_size must be positive, got %d", v.BatchSize)
	}
	if v.Concurrency <= 0 {
		invalid("vocabulary.concurrency must be positive, got %d", v.Concurrency)
	}

	return errors.Join(errs...)
}

// Section decodes the subtree at path into out. Fields of out that the
// sources do not mention keep their values, so out should hold defaults.
// A Config built without Load leaves out untouched.
func (c *Config) Section(path string, out any) error {
	if c.k == nil || !c.k.Exists(path) {
		return nil
	}
	if err := c.k.Unmarshal(path, out); err != nil {
		return fmt.Errorf("failed to decode %s config: %w", path, err)
	}
	return nil
}
