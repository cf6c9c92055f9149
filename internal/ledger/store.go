package ledger

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// DefaultSQLiteFile is the database name used inside a run directory.
const DefaultSQLiteFile = "ledger.db"

// Options selects and configures a store backend.
type Options struct {
	Backend    string
	Dir        string
	SQLiteFile string
}

// Open returns the store described by opts.
func Open(opts Options, logger *zap.Logger) (Store, error) {
	switch opts.Backend {
	case "", BackendFile:
		return NewFileStore(opts.Dir, logger)
	case BackendSQLite:
		name := opts.SQLiteFile
		if name == "" {
			name = DefaultSQLiteFile
		}
		if !filepath.IsAbs(name) {
			name = filepath.Join(opts.Dir, name)
		}
		return NewSQLiteStore(name, logger)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", opts.Backend)
	}
}
