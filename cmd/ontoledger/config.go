package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/ontoledger/internal/config"
)

var configForce bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "overwrite an existing config file")
}

// configCmd groups configuration helpers
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration file",
}

// configShowCmd prints the effective configuration
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (secrets redacted)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

// configInitCmd writes the defaults to the user config file
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file to ~/.config/ontoledger/config.yaml",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := writeDefaultConfig(configForce)
		if err != nil {
			return err
		}
		cmd.Printf("Wrote default configuration to %s\n", path)
		return nil
	},
}

// configPathCmd prints the default config file location
var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the default config file location",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.DefaultPath()
		if err != nil {
			return err
		}
		cmd.Println(path)
		return nil
	},
}

// writeDefaultConfig creates the config directory and writes the defaults
// with owner-only permissions.
func writeDefaultConfig(force bool) (string, error) {
	if _, err := config.EnsureConfigDir(); err != nil {
		return "", err
	}
	path, err := config.DefaultPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	out, err := yaml.Marshal(config.Default())
	if err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, os.Chmod(path, 0600)
}
