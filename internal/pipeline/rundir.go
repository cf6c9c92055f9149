package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/ontoledger/internal/ledger"
	"github.com/fyrsmithlabs/ontoledger/internal/registry"
)

// Output file names inside a run directory.
const (
	ProvenanceFile = "provenance.ttl"
	MetricsFile    = "metrics.prom"
	SummaryFile    = "run.json"
	LedgerDir      = "ledger"
)

// runDirLayout is the timestamp layout of run directory names.
const runDirLayout = "20060102_150405"

// Slug derives the file-system name of a document title.
func Slug(title string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(title)), " ", "_")
}

// RunDir returns output/<slug>/<timestamp> under base.
func RunDir(base, title string, now time.Time) string {
	return filepath.Join(base, Slug(title), now.Format(runDirLayout))
}

// ContinueFrom copies the ledgers and entity registry of a previous run into
// dst so that unchanged units are skipped. Files are copied concurrently.
func ContinueFrom(ctx context.Context, src, dst string) (int, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, fmt.Errorf("previous run: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("previous run %s is not a directory", src)
	}

	var files []string
	ledgers, err := filepath.Glob(filepath.Join(src, LedgerDir, "*"))
	if err != nil {
		return 0, err
	}
	for _, f := range ledgers {
		if strings.HasSuffix(f, ".tmp") {
			continue
		}
		rel, _ := filepath.Rel(src, f)
		files = append(files, rel)
	}
	if _, err := os.Stat(filepath.Join(src, registry.FileName)); err == nil {
		files = append(files, registry.FileName)
	}

	if err := os.MkdirAll(filepath.Join(dst, LedgerDir), 0700); err != nil {
		return 0, fmt.Errorf("failed to create run directory: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, rel := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return copyFile(filepath.Join(src, rel), filepath.Join(dst, rel))
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(files), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

// OpenStore opens the ledger store of a run directory.
func OpenStore(runDir string, opts ledger.Options, logger *zap.Logger) (ledger.Store, error) {
	opts.Dir = filepath.Join(runDir, LedgerDir)
	return ledger.Open(opts, logger)
}
