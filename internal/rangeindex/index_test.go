package rangeindex

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/warlog-ledger/internal/domain"
	"github.com/warlog-ledger/internal/memstore"
	"github.com/warlog-ledger/internal/testutil"
)

// seed creates wars at the given minute offsets from the epoch. A negative offset
// burns an id through a failed insert, leaving a gap in the sequence.
func seed(t *testing.T, offsets ...int) *memstore.Store {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	for _, m := range offsets {
		if m < 0 {
			store.SetFault(memstore.FaultWarHeader, func(int) error { return errors.New("boom") })
			_, _ = store.CreateWar(ctx, domain.WarLog{ServerName: "WC0"})
			store.SetFault(memstore.FaultWarHeader, nil)
			continue
		}
		at := testutil.Epoch.Add(time.Duration(m) * time.Minute)
		if _, err := store.CreateWar(ctx, domain.WarLog{ServerName: "WC1", CreatedAt: at, LastUpdatedAt: at}); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func at(m int) time.Time {
	return testutil.Epoch.Add(time.Duration(m) * time.Minute)
}

func TestBoundary(t *testing.T) {
	// ids: 1@0 2@10 3=gap 4@20 5@20 6@30
	store := seed(t, 0, 10, -1, 20, 20, 30)
	x := New(store)

	tests := []struct {
		name string
		t    time.Time
		want int64
	}{
		{"before everything", at(-5), 1},
		{"exact first", at(0), 1},
		{"between", at(5), 2},
		{"across gap", at(15), 4},
		{"duplicate times", at(20), 4},
		{"last", at(30), 6},
		{"after everything", at(31), 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := x.Boundary(context.Background(), tt.t)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Boundary(%s) = %d, want %d", tt.t.Format(time.Kitchen), got, tt.want)
			}
		})
	}
}

func TestBoundaryEmptyLog(t *testing.T) {
	x := New(memstore.New())
	got, err := x.Boundary(context.Background(), at(0))
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Fatalf("Boundary on empty log = %d, want 1", got)
	}
}

func TestResolve(t *testing.T) {
	store := seed(t, 0, 10, 20, 30)
	x := New(store)
	ctx := context.Background()

	r, err := x.Resolve(ctx, domain.TimeRange{Start: at(10), End: at(30)})
	if err != nil {
		t.Fatal(err)
	}
	if r != (domain.IDRange{From: 2, To: 4}) {
		t.Fatalf("Resolve = %+v, want [2,4)", r)
	}

	again, err := x.Resolve(ctx, domain.TimeRange{Start: at(10), End: at(30)})
	if err != nil {
		t.Fatal(err)
	}
	if again != r {
		t.Fatalf("second Resolve = %+v, want %+v", again, r)
	}

	open, err := x.Resolve(ctx, domain.TimeRange{Start: at(25)})
	if err != nil {
		t.Fatal(err)
	}
	if open != (domain.IDRange{From: 4, To: 5}) {
		t.Fatalf("open-ended Resolve = %+v, want [4,5)", open)
	}

	if _, err := x.Resolve(ctx, domain.TimeRange{Start: at(30), End: at(10)}); !errors.Is(err, domain.ErrInvalidRange) {
		t.Fatalf("inverted range err = %v", err)
	}
}

func TestResolveStorageFailure(t *testing.T) {
	store := seed(t, 0)
	store.SetFault(memstore.FaultRead, func(int) error { return errors.New("pool exhausted") })
	_, err := New(store).Resolve(context.Background(), domain.TimeRange{Start: at(0)})
	if !domain.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}
