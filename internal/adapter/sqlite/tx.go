package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"wiremesh"
)

var errReadOnly = errors.New("write in read-only transaction")

// Tx is an open store transaction.
type Tx struct {
	ctx      context.Context
	tx       *sql.Tx
	writable bool
	depth    int
}

// Nested runs fn in a savepoint. If fn fails, only the writes made inside fn
// are undone; the enclosing transaction stays usable.
func (t *Tx) Nested(fn func(tx *Tx) error) error {
	if !t.writable {
		return fn(t)
	}
	t.depth++
	name := fmt.Sprintf("sp%d", t.depth)
	defer func() { t.depth-- }()

	if _, err := t.tx.ExecContext(t.ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("open savepoint: %w", err)
	}
	if err := fn(t); err != nil {
		if _, rbErr := t.tx.ExecContext(t.ctx, "ROLLBACK TO "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("roll back savepoint: %w", rbErr))
		}
		if _, relErr := t.tx.ExecContext(t.ctx, "RELEASE "+name); relErr != nil {
			return errors.Join(err, fmt.Errorf("release savepoint: %w", relErr))
		}
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// Get returns the value stored under key, or wiremesh.ErrNotFound.
func (t *Tx) Get(r Region, key []byte) ([]byte, error) {
	var v []byte
	err := t.tx.QueryRowContext(t.ctx, `SELECT v FROM kv WHERE region = ? AND k = ?`, string(r), key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s/%x: %w", r, key, wiremesh.ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", r, err)
	}
	return v, nil
}

// Has reports whether key is present in r.
func (t *Tx) Has(r Region, key []byte) (bool, error) {
	_, err := t.Get(r, key)
	if errors.Is(err, wiremesh.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Insert stores val under key without overwriting. An existing key fails
// with wiremesh.ErrKeyExists.
func (t *Tx) Insert(r Region, key, val []byte) error {
	if !t.writable {
		return errReadOnly
	}
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO kv (region, k, v) VALUES (?, ?, ?) ON CONFLICT (region, k) DO NOTHING`,
		string(r), key, val)
	if err != nil {
		return fmt.Errorf("insert %s: %w", r, err)
	}
	return expectOneRow(res, r, key, wiremesh.ErrKeyExists)
}

// Put stores val under key, replacing any previous value.
func (t *Tx) Put(r Region, key, val []byte) error {
	if !t.writable {
		return errReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO kv (region, k, v) VALUES (?, ?, ?) ON CONFLICT (region, k) DO UPDATE SET v = excluded.v`,
		string(r), key, val)
	if err != nil {
		return fmt.Errorf("put %s: %w", r, err)
	}
	return nil
}

// Delete removes key. A missing key fails with wiremesh.ErrNotFound.
func (t *Tx) Delete(r Region, key []byte) error {
	if !t.writable {
		return errReadOnly
	}
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM kv WHERE region = ? AND k = ?`, string(r), key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", r, err)
	}
	return expectOneRow(res, r, key, wiremesh.ErrNotFound)
}

// Keys returns every key in r in byte order.
func (t *Tx) Keys(r Region) ([][]byte, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT k FROM kv WHERE region = ? ORDER BY k`, string(r))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r, err)
	}
	return scanColumn(rows, r)
}

// AddValue adds val to the multivalue set under key. A duplicate pair fails
// with wiremesh.ErrKeyExists.
func (t *Tx) AddValue(r Region, key, val []byte) error {
	if !t.writable {
		return errReadOnly
	}
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO kv_multi (region, k, v) VALUES (?, ?, ?) ON CONFLICT (region, k, v) DO NOTHING`,
		string(r), key, val)
	if err != nil {
		return fmt.Errorf("insert %s value: %w", r, err)
	}
	return expectOneRow(res, r, key, wiremesh.ErrKeyExists)
}

// RemoveValue removes one value from the multivalue set under key.
func (t *Tx) RemoveValue(r Region, key, val []byte) error {
	if !t.writable {
		return errReadOnly
	}
	res, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM kv_multi WHERE region = ? AND k = ? AND v = ?`, string(r), key, val)
	if err != nil {
		return fmt.Errorf("delete %s value: %w", r, err)
	}
	return expectOneRow(res, r, key, wiremesh.ErrNotFound)
}

// HasValue reports whether the multivalue set under key contains val.
func (t *Tx) HasValue(r Region, key, val []byte) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT 1 FROM kv_multi WHERE region = ? AND k = ? AND v = ?`, string(r), key, val).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe %s value: %w", r, err)
	}
	return true, nil
}

// Values returns the multivalue set under key in byte order.
func (t *Tx) Values(r Region, key []byte) ([][]byte, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT v FROM kv_multi WHERE region = ? AND k = ? ORDER BY v`, string(r), key)
	if err != nil {
		return nil, fmt.Errorf("list %s values: %w", r, err)
	}
	return scanColumn(rows, r)
}

// DropValues removes the whole multivalue set under key and returns how many
// values it held.
func (t *Tx) DropValues(r Region, key []byte) (int64, error) {
	if !t.writable {
		return 0, errReadOnly
	}
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM kv_multi WHERE region = ? AND k = ?`, string(r), key)
	if err != nil {
		return 0, fmt.Errorf("drop %s values: %w", r, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("drop %s values: %w", r, err)
	}
	return n, nil
}

func expectOneRow(res sql.Result, r Region, key []byte, sentinel error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", r, err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%x: %w", r, key, sentinel)
	}
	return nil
}

func scanColumn(rows *sql.Rows, r Region) ([][]byte, error) {
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", r, err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", r, err)
	}
	return out, nil
}
