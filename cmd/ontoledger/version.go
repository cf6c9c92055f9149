package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints build information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd.OutOrStdout())
	},
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "ontoledger by Fyrsmith Labs\n")
	fmt.Fprintf(w, "Version:    %s\n", version)
	fmt.Fprintf(w, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(w, "Build Date: %s\n", buildDate)
}
