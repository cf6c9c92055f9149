package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const fileSuffix = ".ledger.json"

// stagePattern restricts stage names to safe file names.
var stagePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// ValidateStage checks that stage is usable as a file or row key.
func ValidateStage(stage string) error {
	if !stagePattern.MatchString(stage) {
		return fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}
	return nil
}

// FileStore keeps one JSON document per stage in a directory. Documents are
// indented so content and signatures stay editable by hand.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Path returns the file backing stage.
func (s *FileStore) Path(stage string) string {
	return filepath.Join(s.dir, stage+fileSuffix)
}

// Load reads the document for stage. A missing file yields an empty
// document; a malformed signature aborts the load.
func (s *FileStore) Load(ctx context.Context, stage string) (*Document, error) {
	if err := ValidateStage(stage); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.Path(stage))
	if errors.Is(err, os.ErrNotExist) {
		return NewDocument(stage), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger %s: %w", stage, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode ledger %s: %w", stage, err)
	}
	if doc.Stage == "" {
		doc.Stage = stage
	}
	if doc.Stage != stage {
		return nil, fmt.Errorf("ledger %s contains stage %q", s.Path(stage), doc.Stage)
	}
	if doc.Version == 0 {
		doc.Version = DocumentVersion
	}

	s.logger.Debug("ledger loaded",
		zap.String("stage", stage),
		zap.Int("entries", len(doc.Entries)))
	return &doc, nil
}

// Save writes doc to a temp file in the same directory, syncs it and renames
// it over the previous version.
func (s *FileStore) Save(ctx context.Context, doc *Document) error {
	if err := ValidateStage(doc.Stage); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	doc.Header.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+doc.Stage+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp ledger: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close ledger: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set ledger permissions: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path(doc.Stage)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename ledger: %w", err)
	}
	return nil
}

// Stages lists the stages that have a document on disk.
func (s *FileStore) Stages(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+fileSuffix))
	if err != nil {
		return nil, err
	}
	stages := make([]string, 0, len(matches))
	for _, m := range matches {
		stages = append(stages, strings.TrimSuffix(filepath.Base(m), fileSuffix))
	}
	sort.Strings(stages)
	return stages, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}
