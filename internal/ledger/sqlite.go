package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/ontoledger/internal/signature"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
    stage      TEXT PRIMARY KEY,
    version    INTEGER NOT NULL,
    header     TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS entries (
    stage      TEXT NOT NULL,
    position   INTEGER NOT NULL,
    unit_key   TEXT NOT NULL,
    unit_group TEXT NOT NULL,
    content    TEXT NOT NULL,
    signature  TEXT,
    marker     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (stage, position)
);

CREATE INDEX IF NOT EXISTS idx_entries_group ON entries(stage, unit_group);
`

// SQLiteStore keeps all stage documents in a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:"
// for a throwaway store.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer; also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Load reads the document for stage; unknown stages yield an empty document.
func (s *SQLiteStore) Load(ctx context.Context, stage string) (*Document, error) {
	if err := ValidateStage(stage); err != nil {
		return nil, err
	}

	doc := NewDocument(stage)
	var header string
	err := s.db.QueryRowContext(ctx,
		`SELECT version, header FROM documents WHERE stage = ?`, stage,
	).Scan(&doc.Version, &header)
	if err == sql.ErrNoRows {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", stage, err)
	}
	if err := json.Unmarshal([]byte(header), &doc.Header); err != nil {
		return nil, fmt.Errorf("failed to decode header %s: %w", stage, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT unit_key, unit_group, content, signature, marker
		   FROM entries WHERE stage = ? ORDER BY position`, stage)
	if err != nil {
		return nil, fmt.Errorf("failed to read entries %s: %w", stage, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e      Entry
			sigRaw sql.NullString
			marker int
		)
		if err := rows.Scan(&e.Key, &e.Group, &e.Content, &sigRaw, &marker); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Marker = marker != 0
		if sigRaw.Valid && sigRaw.String != "" {
			sig, err := signature.ParseString(sigRaw.String)
			if err != nil {
				return nil, fmt.Errorf("ledger %s entry %s: %w", stage, e.Key, err)
			}
			e.Signature = &sig
		}
		doc.Entries = append(doc.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entries: %w", err)
	}

	s.logger.Debug("ledger loaded",
		zap.String("stage", stage),
		zap.Int("entries", len(doc.Entries)))
	return doc, nil
}

// Save replaces the stored document in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, doc *Document) (err error) {
	if err := ValidateStage(doc.Stage); err != nil {
		return err
	}

	doc.Header.UpdatedAt = time.Now().UTC()
	header, err := json.Marshal(doc.Header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO documents (stage, version, header, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(stage) DO UPDATE SET version = excluded.version,
		     header = excluded.header, updated_at = excluded.updated_at`,
		doc.Stage, doc.Version, string(header), doc.Header.UpdatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM entries WHERE stage = ?`, doc.Stage); err != nil {
		return fmt.Errorf("failed to clear entries: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entries (stage, position, unit_key, unit_group, content, signature, marker)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, e := range doc.Entries {
		var sigRaw sql.NullString
		if e.Signature != nil {
			data, mErr := json.Marshal(e.Signature)
			if mErr != nil {
				err = fmt.Errorf("failed to marshal signature %s: %w", e.Key, mErr)
				return err
			}
			sigRaw = sql.NullString{String: string(data), Valid: true}
		}
		marker := 0
		if e.Marker {
			marker = 1
		}
		if _, err = stmt.ExecContext(ctx, doc.Stage, i, e.Key, e.Group, e.Content, sigRaw, marker); err != nil {
			return fmt.Errorf("failed to insert entry %s: %w", e.Key, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Stages lists stored stages.
func (s *SQLiteStore) Stages(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stage FROM documents ORDER BY stage`)
	if err != nil {
		return nil, fmt.Errorf("failed to list stages: %w", err)
	}
	defer rows.Close()

	var stages []string
	for rows.Next() {
		var stage string
		if err := rows.Scan(&stage); err != nil {
			return nil, err
		}
		stages = append(stages, stage)
	}
	return stages, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
