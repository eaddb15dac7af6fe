package patient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/woundcare/woundcare/internal/platform/apierr"
	"github.com/woundcare/woundcare/internal/platform/tabular"
	"github.com/woundcare/woundcare/pkg/pagination"
)

type patientRepoCSV struct {
	// mu covers allocate, append and persist as one unit.
	mu    sync.Mutex
	table *tabular.Table
}

// NewCSVRepo opens (or prepares to create) the registry file at path.
func NewCSVRepo(path string) (Repository, error) {
	tbl, err := tabular.Open(path, Columns)
	if err != nil {
		return nil, fmt.Errorf("open patient registry: %w", err)
	}
	return &patientRepoCSV{table: tbl}, nil
}

func (r *patientRepoCSV) Register(ctx context.Context, p *Patient, now time.Time) (Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	alloc, err := r.allocateLocked(now)
	if err != nil {
		return alloc, err
	}

	p.PatientID = alloc.ID
	if err := r.table.Append(p.toRow()); err != nil {
		return alloc, err
	}
	// The caller may have given up while we waited on the lock.
	if err := ctx.Err(); err != nil {
		r.table.Revert()
		return alloc, fmt.Errorf("register patient: %w", err)
	}
	if err := r.table.Persist(); err != nil {
		r.table.Revert()
		return alloc, err
	}
	return alloc, nil
}

func (r *patientRepoCSV) allocateLocked(now time.Time) (Allocation, error) {
	var last string
	if row, ok := r.table.Last(); ok {
		last = row["patient_id"]
	}
	alloc, err := NextID(last, now)
	if err != nil {
		return alloc, err
	}
	return nextFree(alloc, now, func(id string) (bool, error) {
		_, ok := r.table.Find("patient_id", id)
		return ok, nil
	})
}

func (r *patientRepoCSV) GetByID(_ context.Context, id string) (*Patient, error) {
	row, ok := r.table.Find("patient_id", id)
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", id, apierr.ErrNotFound)
	}
	return fromRow(row), nil
}

func (r *patientRepoCSV) List(_ context.Context, limit, offset int) ([]*Patient, int, error) {
	rows := r.table.LoadAll()
	total := len(rows)
	start, end := pagination.Params{Limit: limit, Offset: offset}.Window(total)
	out := make([]*Patient, 0, end-start)
	for _, row := range rows[start:end] {
		out = append(out, fromRow(row))
	}
	return out, total, nil
}

func (r *patientRepoCSV) PeekNextID(_ context.Context, now time.Time) (Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocateLocked(now)
}
