// Package tabular provides a small row-oriented table persisted as a CSV
// file. A Table is loaded once, mutated in memory with Append, and written
// back in full with Persist.
package tabular

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/woundcare/woundcare/internal/platform/apierr"
)

var (
	ErrColumnMismatch = errors.New("csv header does not match table schema")
	ErrUnknownColumn  = errors.New("row contains a column that is not in the schema")
)

// Row is a single record keyed by column name. Missing columns are written
// as empty strings.
type Row map[string]string

// Clone returns a copy of r.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Table is a named, fixed-schema set of rows kept in insertion order.
// It is safe for concurrent use; callers that need read-modify-write
// atomicity across several calls must serialize those calls themselves.
type Table struct {
	mu      sync.RWMutex
	path    string
	columns []string
	index   map[string]int
	rows    [][]string
	durable int // number of rows known to be on disk
}

// Open loads the table stored at path. A missing file yields an empty
// table; the file is created on the first Persist.
func Open(path string, columns []string) (*Table, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("open %s: schema has no columns", path)
	}
	t := &Table{
		path:    path,
		columns: append([]string(nil), columns...),
		index:   make(map[string]int, len(columns)),
	}
	for i, c := range columns {
		t.index[c] = i
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(columns)

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	for i, c := range header {
		if c != columns[i] {
			return nil, fmt.Errorf("%s: column %d is %q, want %q: %w", path, i, c, columns[i], ErrColumnMismatch)
		}
	}

	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		t.rows = append(t.rows, rec)
	}
	t.durable = len(t.rows)
	return t, nil
}

// Path returns the backing file path.
func (t *Table) Path() string { return t.path }

// Columns returns the schema column names in order.
func (t *Table) Columns() []string {
	return append([]string(nil), t.columns...)
}

// Len returns the number of rows currently held in memory.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// LoadAll returns every row in insertion order.
func (t *Table) LoadAll() []Row {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Row, len(t.rows))
	for i, rec := range t.rows {
		out[i] = t.toRow(rec)
	}
	return out
}

// Last returns the most recently appended row.
func (t *Table) Last() (Row, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.rows) == 0 {
		return nil, false
	}
	return t.toRow(t.rows[len(t.rows)-1]), true
}

// Find returns the first row whose column equals value.
func (t *Table) Find(column, value string) (Row, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i, ok := t.index[column]
	if !ok {
		return nil, false
	}
	for _, rec := range t.rows {
		if rec[i] == value {
			return t.toRow(rec), true
		}
	}
	return nil, false
}

// Filter returns every row whose column equals value, in insertion order.
func (t *Table) Filter(column, value string) []Row {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i, ok := t.index[column]
	if !ok {
		return nil
	}
	var out []Row
	for _, rec := range t.rows {
		if rec[i] == value {
			out = append(out, t.toRow(rec))
		}
	}
	return out
}

// Append adds rows to the in-memory table. It does not touch the disk.
func (t *Table) Append(rows ...Row) error {
	recs := make([][]string, 0, len(rows))
	for _, row := range rows {
		rec, err := t.toRecord(row)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}

	t.mu.Lock()
	t.rows = append(t.rows, recs...)
	t.mu.Unlock()
	return nil
}

// Persist rewrites the whole backing file with the current in-memory rows.
// The write goes to a temporary file that replaces the target only after it
// has been synced, so a failed Persist leaves the previous file intact. Any
// failure is reported as apierr.ErrStorageWrite.
func (t *Table) Persist() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.writeLocked(); err != nil {
		return fmt.Errorf("persist %s: %w: %w", t.path, apierr.ErrStorageWrite, err)
	}
	t.durable = len(t.rows)
	return nil
}

// Revert discards rows appended since the last successful Persist (or Open).
// It returns the number of rows dropped.
func (t *Table) Revert() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.rows) - t.durable
	t.rows = t.rows[:t.durable]
	return n
}

func (t *Table) writeLocked() error {
	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(t.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := csv.NewWriter(tmp)
	if err := w.Write(t.columns); err != nil {
		tmp.Close()
		return err
	}
	if err := w.WriteAll(t.rows); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, t.path)
}

func (t *Table) toRow(rec []string) Row {
	row := make(Row, len(t.columns))
	for i, c := range t.columns {
		row[c] = rec[i]
	}
	return row
}

func (t *Table) toRecord(row Row) ([]string, error) {
	rec := make([]string, len(t.columns))
	for k, v := range row {
		i, ok := t.index[k]
		if !ok {
			return nil, fmt.Errorf("%s: column %q: %w", t.path, k, ErrUnknownColumn)
		}
		rec[i] = v
	}
	return rec, nil
}
