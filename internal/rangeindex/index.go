// Package rangeindex maps wall-clock ranges onto war log id ranges.
//
// War log ids are assigned in creation order by a single append path, so the first id created
// at or after a time can be found by binary search over ids. When creation times are out of
// order (clock skew between writers), the boundary is an approximation.
package rangeindex

import (
	"context"
	"fmt"
	"time"

	"github.com/warlog-ledger/internal/domain"
	"github.com/warlog-ledger/internal/storage"
)

// Index resolves time boundaries against a war timeline.
type Index struct {
	timeline storage.WarTimeline
}

// New creates a new range index
func New(timeline storage.WarTimeline) *Index {
	return &Index{timeline: timeline}
}

// Boundary returns the smallest war log id created at or after t, or one past the last id
// when every war was created before t.
func (x *Index) Boundary(ctx context.Context, t time.Time) (int64, error) {
	first, last, err := x.timeline.WarLogIDBounds(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading war log bounds: %w", err)
	}
	return x.search(ctx, t, first, last+1)
}

// search finds the smallest candidate p in [lo, hi] whose next existing id was created at or
// after t and returns that id. hi is the past-the-end sentinel.
func (x *Index) search(ctx context.Context, t time.Time, lo, hi int64) (int64, error) {
	end := hi
	for lo < hi {
		mid := lo + (hi-lo)/2
		_, createdAt, ok, err := x.timeline.WarLogAtOrAfter(ctx, mid)
		if err != nil {
			return 0, fmt.Errorf("probing war log %d: %w", mid, err)
		}
		if !ok || !createdAt.Before(t) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo >= end {
		return end, nil
	}
	found, _, ok, err := x.timeline.WarLogAtOrAfter(ctx, lo)
	if err != nil {
		return 0, fmt.Errorf("probing war log %d: %w", lo, err)
	}
	if !ok {
		return end, nil
	}
	return found, nil
}

// Resolve converts [r.Start, r.End) into [Boundary(r.Start), Boundary(r.End)).
// A zero End resolves to one past the last id.
func (x *Index) Resolve(ctx context.Context, r domain.TimeRange) (domain.IDRange, error) {
	if err := r.Validate(); err != nil {
		return domain.IDRange{}, err
	}
	first, last, err := x.timeline.WarLogIDBounds(ctx)
	if err != nil {
		return domain.IDRange{}, fmt.Errorf("reading war log bounds: %w", err)
	}
	from, err := x.search(ctx, r.Start, first, last+1)
	if err != nil {
		return domain.IDRange{}, err
	}
	to := last + 1
	if !r.End.IsZero() {
		to, err = x.search(ctx, r.End, from, last+1)
		if err != nil {
			return domain.IDRange{}, err
		}
	}
	return domain.IDRange{From: from, To: to}, nil
}
