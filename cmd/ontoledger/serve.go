package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ontoledger/internal/emission"
	"github.com/fyrsmithlabs/ontoledger/internal/logging"
	"github.com/fyrsmithlabs/ontoledger/internal/mcp"
	"github.com/fyrsmithlabs/ontoledger/internal/pipeline"
	"github.com/fyrsmithlabs/ontoledger/internal/tools"
)

var (
	serveOutput string
	serveBase   string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveOutput, "output", "o", "triples.ttl", "file the emitted triples are written to on shutdown")
	serveCmd.Flags().StringVar(&serveBase, "base", "", "@base IRI of the written Turtle")
}

// serveCmd serves the extraction tools over MCP stdio
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the extraction tools over MCP stdio",
	Long: `Start an MCP server on stdin/stdout exposing find_rdf_class,
find_rdf_property, emit_triple, emit_triples, list_triples and tool_search.

Triples emitted during the session are written as Turtle to --output when
the client disconnects or the process is interrupted. Logs always go to
stderr because stdout carries the protocol.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx, func(c *logging.Config) { c.Stream = "stderr" })
	if err != nil {
		return err
	}
	defer a.close(ctx)

	srv, err := newToolServer(ctx, a)
	if err != nil {
		return err
	}
	defer srv.Close()

	runErr := srv.Run(ctx)
	if ctx.Err() != nil {
		runErr = nil
	}
	if err := writeServeOutput(context.WithoutCancel(ctx), a, srv); err != nil {
		return err
	}
	return runErr
}

func newToolServer(ctx context.Context, a *app) (*mcp.Server, error) {
	index, err := a.index(ctx)
	if err != nil {
		return nil, err
	}
	zl := a.logger.Underlying()
	set := tools.NewSet(index, emission.NewCollector(),
		tools.WithTopK(a.cfg.Vocabulary.Results),
		tools.WithLogger(zl.Named("tools")),
	)
	return mcp.NewServer(&mcp.Config{
		Name:    "ontoledger",
		Version: version,
		Logger:  zl.Named("mcp"),
		Meter:   a.telemetry.Meter("github.com/fyrsmithlabs/ontoledger/internal/mcp"),
	}, set)
}

func writeServeOutput(ctx context.Context, a *app, srv *mcp.Server) error {
	if serveOutput == "" {
		return nil
	}
	content := pipeline.RDFPrefixes(serveBase) + "\n" + srv.Turtle()
	if err := os.WriteFile(serveOutput, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", serveOutput, err)
	}
	a.logger.Info(ctx, "triples written",
		zap.String("path", serveOutput),
		zap.Int("triples", len(srv.Triples())),
	)
	return nil
}
