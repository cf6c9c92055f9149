package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "ONTOLEDGER_"

	appDir = "ontoledger"
)

// Load reads configuration from the YAML file at path, then applies
// environment overrides on top of the defaults.
//
// Precedence (highest to lowest):
//  1. Environment variables (ONTOLEDGER_LLM_MODEL, ONTOLEDGER_STORE_BACKEND, ...)
//  2. YAML config file
//  3. Built-in defaults
//
// An empty path selects DefaultPath, which may be absent. An explicit path
// must exist.
//
// # Security Considerations
//
// The file must live in the user config directory (~/.config/ontoledger),
// /etc/ontoledger or the working directory, must not be writable by group
// or others, and must be at most 1MB. The file is opened once and validated
// through its descriptor.
//
// # Environment Variable Mapping
//
// The prefix is stripped and the first underscore separates the section:
//
//	ONTOLEDGER_LLM_BASE_URL          -> llm.base_url
//	ONTOLEDGER_PIPELINE_OUTPUT_DIR   -> pipeline.output_dir
//	ONTOLEDGER_TELEMETRY_ENDPOINT    -> telemetry.endpoint
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	content, err := readConfigFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case err != nil:
		return nil, err
	default:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.k = k

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps ONTOLEDGER_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// DefaultPath returns the config file in the user config directory.
func DefaultPath() (string, error) {
	dir, err := userConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// EnsureConfigDir creates the user config directory with 0700 permissions.
func EnsureConfigDir() (string, error) {
	dir, err := userConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return dir, nil
}

func userConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(base, appDir), nil
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: more than %d bytes", maxConfigFileSize)
	}
	return content, nil
}

// allowedConfigDirs lists the directories config files may be loaded from.
func allowedConfigDirs() []string {
	var dirs []string
	if dir, err := userConfigDir(); err == nil {
		dirs = append(dirs, dir)
	}
	dirs = append(dirs, filepath.Join("/etc", appDir))
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	return dirs
}

// validateConfigPath checks that path resolves inside an allowed directory.
// It runs even if the file does not exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	// Symlinks must not escape the allowed directories.
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolved = absPath
		if dir, err := filepath.EvalSymlinks(filepath.Dir(absPath)); err == nil {
			resolved = filepath.Join(dir, filepath.Base(absPath))
		}
	}

	for _, dir := range allowedConfigDirs() {
		if within(dir, resolved) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in the user config directory, /etc/%s/ or the working directory", appDir)
}

func within(dir, path string) bool {
	if resolvedDir, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolvedDir
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// validateConfigFileProperties checks permissions and size of an opened file.
func validateConfigFileProperties(info os.FileInfo) error {
	if !info.Mode().IsRegular() {
		return fmt.Errorf("config file is not a regular file")
	}
	// Windows has a different permission model.
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0133 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0644 or stricter, not executable)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
