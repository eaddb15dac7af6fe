package patient

import (
	"context"
	"time"
)

// Repository is the patient registry. Register must serialize identifier
// allocation with the write so that concurrent callers never receive the
// same id.
type Repository interface {
	Register(ctx context.Context, p *Patient, now time.Time) (Allocation, error)
	GetByID(ctx context.Context, id string) (*Patient, error)
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
	// PeekNextID reports the id the next registration would receive
	// without reserving it.
	PeekNextID(ctx context.Context, now time.Time) (Allocation, error)
}

// nextFree advances alloc past ids that already exist. It only moves when
// the malformed-id fallback lands on an id issued earlier in the month.
func nextFree(alloc Allocation, now time.Time, exists func(string) (bool, error)) (Allocation, error) {
	for {
		taken, err := exists(alloc.ID)
		if err != nil {
			return alloc, err
		}
		if !taken {
			return alloc, nil
		}
		next, err := NextID(alloc.ID, now)
		if err != nil {
			return alloc, err
		}
		alloc.ID = next.ID
	}
}
