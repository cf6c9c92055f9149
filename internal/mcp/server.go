package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ontoledger/internal/emission"
	"github.com/fyrsmithlabs/ontoledger/internal/tools"
)

// Server serves a tools.Set over MCP.
type Server struct {
	mcp          *mcp.Server
	set          *tools.Set
	toolRegistry *ToolRegistry
	metrics      *toolMetrics
	logger       *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "ontoledger")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Logger for structured logging
	Logger *zap.Logger

	// Meter records tool call metrics; nil uses the global meter provider.
	Meter metric.Meter
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "ontoledger",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server backed by set.
func NewServer(cfg *Config, set *tools.Set) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if set == nil {
		return nil, fmt.Errorf("tool set is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{
		mcp: mcp.NewServer(
			&mcp.Implementation{
				Name:    cfg.Name,
				Version: cfg.Version,
			},
			nil,
		),
		set:          set,
		toolRegistry: NewToolRegistry(),
		metrics:      newToolMetrics(cfg.Meter, cfg.Logger),
		logger:       cfg.Logger,
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return s, nil
}

// Run serves on the stdio transport until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Tools returns the registry of served tools.
func (s *Server) Tools() *ToolRegistry { return s.toolRegistry }

// Triples returns the triples accepted so far.
func (s *Server) Triples() []emission.Triple {
	return s.set.Collector().Triples()
}

// Turtle renders the accepted triples grouped by statement id.
func (s *Server) Turtle() string {
	grouped := s.set.Collector().Grouped()
	if len(grouped) == 0 {
		return emission.TriplesToTurtle(nil) + "\n"
	}
	var sb strings.Builder
	for _, id := range emission.SortedStatementIDs(grouped) {
		fmt.Fprintf(&sb, "# Statement [%s]\n%s\n\n", id, emission.TriplesToTurtle(grouped[id]))
	}
	return sb.String()
}

// Close logs the final emission count.
func (s *Server) Close() error {
	s.logger.Info("closing MCP server", zap.Int("triples", s.set.Collector().Len()))
	return nil
}

// call forwards typed arguments to the tool set and wraps the answer.
func (s *Server) call(ctx context.Context, name string, args any) (*mcp.CallToolResult, string) {
	done := s.metrics.track(ctx, name)

	raw, err := json.Marshal(args)
	var text string
	if err != nil {
		text = fmt.Sprintf("%s arguments could not be encoded: %v", tools.ErrorPrefix, err)
	} else {
		text = s.set.Call(ctx, name, string(raw))
	}
	done(text)

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: strings.HasPrefix(text, tools.ErrorPrefix),
	}, text
}
