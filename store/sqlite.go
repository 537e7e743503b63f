// Package store persists per-cell completion metadata so resumed sessions
// do not re-observe surfaces that were already confirmed complete.
package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"

	_ "modernc.org/sqlite"
)

// CompletionRecord is the persisted observation bookkeeping of one cell.
type CompletionRecord struct {
	CellKey       int64
	Observations  int
	DirectionMask uint8
	Completed     bool
}

type CompletionStore struct {
	db *sql.DB
}

func Open(path string) (*CompletionStore, error) {
	if path == "" {
		return nil, errors.New("empty completion store path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.New("creating completion store directory failed").Wrap(err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.New("opening completion store failed").Wrap(err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &CompletionStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS completions (
			app_key      TEXT    NOT NULL,
			cell_key     INTEGER NOT NULL,
			observations INTEGER NOT NULL,
			dir_mask     INTEGER NOT NULL,
			completed    INTEGER NOT NULL,
			updated_at   TEXT    NOT NULL,
			PRIMARY KEY (app_key, cell_key)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.New("initializing completion store schema failed").Wrap(err)
		}
	}
	return nil
}

// Save upserts a cell's completion metadata.
func (s *CompletionStore) Save(ctx context.Context, appKey string, rec CompletionRecord) error {
	completed := 0
	if rec.Completed {
		completed = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO completions (app_key, cell_key, observations, dir_mask, completed, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (app_key, cell_key) DO UPDATE SET
			observations = excluded.observations,
			dir_mask     = excluded.dir_mask,
			completed    = excluded.completed,
			updated_at   = excluded.updated_at;`,
		appKey,
		rec.CellKey,
		rec.Observations,
		rec.DirectionMask,
		completed,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return errors.New("saving completion failed").
			WithTag("app_key", appKey).
			WithTag("cell_key", rec.CellKey).
			Wrap(err)
	}
	return nil
}

// Completions returns every persisted record for the given app key.
func (s *CompletionStore) Completions(ctx context.Context, appKey string) ([]CompletionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cell_key, observations, dir_mask, completed
		 FROM completions WHERE app_key = ?;`,
		appKey,
	)
	if err != nil {
		return nil, errors.New("querying completions failed").
			WithTag("app_key", appKey).
			Wrap(err)
	}
	defer rows.Close()

	var records []CompletionRecord
	for rows.Next() {
		var rec CompletionRecord
		var completed int
		if err := rows.Scan(&rec.CellKey, &rec.Observations, &rec.DirectionMask, &completed); err != nil {
			return nil, errors.New("scanning completion failed").Wrap(err)
		}
		rec.Completed = completed != 0
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New("iterating completions failed").Wrap(err)
	}
	return records, nil
}

// Delete drops every persisted record for the given app key, used when a
// session volume is cleared.
func (s *CompletionStore) Delete(ctx context.Context, appKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM completions WHERE app_key = ?;`, appKey)
	if err != nil {
		return errors.New("deleting completions failed").
			WithTag("app_key", appKey).
			Wrap(err)
	}
	return nil
}

func (s *CompletionStore) Close() error {
	return s.db.Close()
}
