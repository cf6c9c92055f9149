// Package main implements the ontoledger CLI.
//
// ontoledger extracts an RDF knowledge graph from a document with a language
// model and records the content-addressed provenance of every derived unit,
// so that re-running on a changed document only regenerates what changed.
//
// Usage:
//
//	# Extract a graph
//	ontoledger run --source einstein.txt --title "Albert Einstein" \
//	    --url https://en.wikipedia.org/wiki/Albert_Einstein
//
//	# Re-run, skipping units whose inputs are unchanged
//	ontoledger run ... --continue-from output/albert_einstein/20250101_120000
//
//	# Check the provenance chain of a run
//	ontoledger verify output/albert_einstein/20250101_120000
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configPath is the --config flag shared by every command.
var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ontoledger",
	Short: "Incremental knowledge-graph extraction with content-addressed provenance",
	Long: `ontoledger turns a document into RDF triples through a chain of derivation
stages (source, chunks, facts, statements, triples). Every unit carries a
signature naming its content identifier and the identifier it was derived
from, so unchanged units are skipped on the next run and the whole chain can
be verified and exported as PROV-O.

Configuration is read from ~/.config/ontoledger/config.yaml (or --config)
and ONTOLEDGER_* environment variables.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/ontoledger/config.yaml)")
}
