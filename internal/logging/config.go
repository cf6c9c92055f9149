package logging

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ontoledger/internal/config"
	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug. Prompts and raw completions are logged at
// this level.
const TraceLevel = zapcore.Level(-2)

// Level is a zapcore.Level that also parses "trace".
type Level zapcore.Level

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	if strings.EqualFold(string(text), "trace") {
		*l = Level(TraceLevel)
		return nil
	}
	var zl zapcore.Level
	if err := zl.UnmarshalText(text); err != nil {
		return err
	}
	*l = Level(zl)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l Level) String() string {
	if zapcore.Level(l) == TraceLevel {
		return "trace"
	}
	return zapcore.Level(l).String()
}

// Config is the logging section of the configuration file.
type Config struct {
	Level     Level             `koanf:"level"`
	Format    string            `koanf:"format"` // json or console
	Stream    string            `koanf:"stream"` // stderr or stdout
	Console   bool              `koanf:"console"`
	OTEL      bool              `koanf:"otel"`
	Caller    bool              `koanf:"caller"`
	Sampling  SamplingConfig    `koanf:"sampling"`
	Fields    map[string]string `koanf:"fields"`
	Redaction RedactionConfig   `koanf:"redaction"`
}

// SamplingConfig limits repeated entries below error level. Within each
// tick the first Initial entries with the same message are kept, then
// every Thereafter-th. Thereafter 0 drops the rest.
type SamplingConfig struct {
	Enabled    bool            `koanf:"enabled"`
	Tick       config.Duration `koanf:"tick"`
	Initial    int             `koanf:"initial"`
	Thereafter int             `koanf:"thereafter"`
}

// RedactionConfig lists field names to mask and value patterns to scrub.
type RedactionConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Fields   []string `koanf:"fields"`
	Patterns []string `koanf:"patterns"`
}

const maxPatternLen = 200

// NewDefaultConfig returns the built-in logging configuration.
func NewDefaultConfig() *Config {
	return &Config{
		Level:   Level(zapcore.InfoLevel),
		Format:  "json",
		Stream:  "stderr",
		Console: true,
		Caller:  true,
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       config.Duration(time.Second),
			Initial:    100,
			Thereafter: 10,
		},
		Fields: map[string]string{
			"service": "ontoledger",
		},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"api_key", "authorization", "password", "secret",
				"token", "bearer", "credential", "private_key",
			},
			Patterns: []string{
				`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`,
				`sk-[A-Za-z0-9_-]{16,}`,
			},
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	switch c.Stream {
	case "", "stderr", "stdout":
	default:
		return fmt.Errorf("stream must be 'stderr' or 'stdout', got %q", c.Stream)
	}
	if !c.Console && !c.OTEL {
		return fmt.Errorf("at least one output must be enabled (console or otel)")
	}
	if c.Sampling.Enabled {
		if c.Sampling.Tick.Duration() <= 0 {
			return fmt.Errorf("sampling.tick must be > 0 when sampling is enabled")
		}
		if c.Sampling.Initial <= 0 || c.Sampling.Thereafter < 0 {
			return fmt.Errorf("sampling.initial must be > 0 and sampling.thereafter >= 0")
		}
	}
	if c.Redaction.Enabled {
		for _, p := range c.Redaction.Patterns {
			if len(p) > maxPatternLen {
				return fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, p)
			}
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("invalid redaction pattern %q: %w", p, err)
			}
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("field %q must have a non-empty key and value", k)
		}
	}
	return nil
}
