// Package sqlite persists key→value and key→multivalue regions in SQLite.
//
// The database runs in WAL mode: one writer transaction at a time, readers see
// a consistent snapshot and never block on the writer. Write transactions may
// nest sub-transactions (savepoints) so a failing helper rolls back only its
// own writes.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Region names a logical index inside the store.
type Region string

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	region TEXT NOT NULL,
	k BLOB NOT NULL,
	v BLOB NOT NULL,
	PRIMARY KEY (region, k)
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS kv_multi (
	region TEXT NOT NULL,
	k BLOB NOT NULL,
	v BLOB NOT NULL,
	PRIMARY KEY (region, k, v)
) WITHOUT ROWID;`

// Store is a region store backed by one SQLite file.
type Store struct {
	writer *sql.DB
	reader *sql.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	writer, err := sql.Open("sqlite", dsn(path, "immediate"))
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// A single connection serialises writers inside this process; the
	// immediate lock does the same across processes.
	writer.SetMaxOpenConns(1)

	if _, err := writer.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("set store journal mode: %w", err)
	}
	if _, err := writer.Exec(schema); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("initialize store schema: %w", err)
	}

	reader, err := sql.Open("sqlite", dsn(path, "deferred"))
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open store reader: %w", err)
	}

	return &Store{writer: writer, reader: reader}, nil
}

func dsn(path, txlock string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Set("_txlock", txlock)
	return "file:" + path + "?" + q.Encode()
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return errors.Join(s.reader.Close(), s.writer.Close())
}

// Update runs fn inside a write transaction. The transaction commits only if
// fn returns nil; any error rolls back every write fn made.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write transaction: %w", err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	tx := &Tx{ctx: ctx, tx: sqlTx, writable: true}
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit write transaction: %w", err)
	}
	return nil
}

// View runs fn against a read-only snapshot.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.reader.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin read transaction: %w", err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	return fn(&Tx{ctx: ctx, tx: sqlTx})
}
