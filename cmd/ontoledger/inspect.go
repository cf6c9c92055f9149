package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ontoledger/internal/pipeline"
	"github.com/fyrsmithlabs/ontoledger/internal/registry"
	"github.com/fyrsmithlabs/ontoledger/internal/signature"
)

// errChainBroken makes verify exit non-zero without printing usage.
var errChainBroken = errors.New("provenance chain has dangling derivations")

var provenanceOutput string

func init() {
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(provenanceCmd)
	rootCmd.AddCommand(registryCmd)
	provenanceCmd.Flags().StringVarP(&provenanceOutput, "output", "o", "", "write Turtle to this file instead of stdout")
}

// verifyCmd checks the provenance chain of a run
var verifyCmd = &cobra.Command{
	Use:   "verify DIR",
	Short: "Verify the provenance chain of a run",
	Long: `Load every stage ledger of a run directory and check that each signature
derives from a signature recorded earlier in the chain.

Examples:
  ontoledger verify output/albert_einstein/20250101_120000`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

// provenanceCmd exports the provenance chain as PROV-O Turtle
var provenanceCmd = &cobra.Command{
	Use:   "provenance DIR",
	Short: "Export the provenance chain of a run as Turtle",
	Long: `Render every signature of a run directory as a PROV-O entity.

Examples:
  ontoledger provenance output/albert_einstein/20250101_120000
  ontoledger provenance output/albert_einstein/20250101_120000 -o prov.ttl`,
	Args: cobra.ExactArgs(1),
	RunE: runProvenance,
}

// registryCmd lists the known entities of a run
var registryCmd = &cobra.Command{
	Use:   "registry DIR",
	Short: "List the entities known to a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegistry,
}

func loadRunChain(cmd *cobra.Command, dir string) ([]signature.Signature, *app, error) {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return nil, nil, err
	}
	store, err := a.openRun(dir)
	if err != nil {
		a.close(ctx)
		return nil, nil, err
	}
	defer store.Close()

	chain, err := pipeline.LoadChain(ctx, store)
	if err != nil {
		a.close(ctx)
		return nil, nil, err
	}
	return chain, a, nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	chain, a, err := loadRunChain(cmd, args[0])
	if err != nil {
		return err
	}
	defer a.close(cmd.Context())

	report := signature.Verify(chain)
	writeReport(cmd.OutOrStdout(), report)
	if !report.OK() {
		a.logger.Warn(cmd.Context(), errChainBroken.Error(), zap.Int("issues", len(report.Issues)))
		return errChainBroken
	}
	return nil
}

func writeReport(w io.Writer, report signature.Report) {
	fmt.Fprintf(w, "Checked %d signatures (%d roots)\n", report.Checked, report.Roots)
	if report.OK() {
		fmt.Fprintln(w, "OK: every derivation resolves")
		return
	}
	fmt.Fprintf(w, "FAILED: %d dangling derivations\n", len(report.Issues))
	for _, issue := range report.Issues {
		fmt.Fprintf(w, "  %s\n", issue)
	}
}

func runProvenance(cmd *cobra.Command, args []string) error {
	chain, a, err := loadRunChain(cmd, args[0])
	if err != nil {
		return err
	}
	defer a.close(cmd.Context())

	turtle := signature.Turtle(chain)
	if provenanceOutput == "" {
		_, err := io.WriteString(cmd.OutOrStdout(), turtle)
		return err
	}
	if err := os.WriteFile(provenanceOutput, []byte(turtle), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", provenanceOutput, err)
	}
	cmd.Printf("Wrote %d signatures to %s\n", len(chain), provenanceOutput)
	return nil
}

func runRegistry(cmd *cobra.Command, args []string) error {
	path := filepath.Join(args[0], registry.FileName)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	reg, err := registry.Open(path, "")
	if err != nil {
		return err
	}
	writeEntities(cmd.OutOrStdout(), reg)
	return nil
}

func writeEntities(w io.Writer, reg *registry.Registry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tLABEL\tALIASES")
	for _, e := range reg.Entities() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.Type, e.Label, strings.Join(e.Aliases, ", "))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "%d entities (source %s)\n", reg.Len(), reg.SourceURL())
}
