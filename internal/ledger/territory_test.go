package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/warlog-ledger/internal/domain"
	"github.com/warlog-ledger/internal/memstore"
	"github.com/warlog-ledger/internal/testutil"
)

func TestRecordSnapshotCountsTrueChanges(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	l := NewTerritoryLedger(store, testutil.Logger())
	t0 := testutil.Epoch

	snapshots := []struct {
		owners map[string]string
		want   int
	}{
		{map[string]string{"Ragni": "Avos", "Detlas": "Titans"}, 2},
		{map[string]string{"Ragni": "Avos", "Detlas": "Titans"}, 0},
		{map[string]string{"Ragni": "Titans", "Detlas": "Titans"}, 1},
		{map[string]string{"Ragni": "Titans", "Detlas": "Titans", "Almuj": ""}, 0},
		{map[string]string{"Ragni": "Avos", "Detlas": "Avos", "Almuj": "Avos"}, 3},
		{map[string]string{"Ragni": "Avos", "Detlas": "Avos", "Almuj": "Avos"}, 0},
	}

	total := 0
	for i, snap := range snapshots {
		events, err := l.RecordSnapshot(ctx, snap.owners, t0.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("snapshot %d: %v", i, err)
		}
		if len(events) != snap.want {
			t.Fatalf("snapshot %d: got %d events, want %d", i, len(events), snap.want)
		}
		total += snap.want
	}

	stored, err := store.UncorrelatedTerritoryEvents(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != total {
		t.Fatalf("stored %d events, want %d", len(stored), total)
	}
}

func TestRecordSnapshotEventFields(t *testing.T) {
	ctx := context.Background()
	l := NewTerritoryLedger(memstore.New(), testutil.Logger())
	t0 := testutil.Epoch

	if _, err := l.RecordSnapshot(ctx, map[string]string{"Ragni": "Avos", "Detlas": "Avos"}, t0); err != nil {
		t.Fatal(err)
	}
	events, err := l.RecordSnapshot(ctx, map[string]string{"Ragni": "Titans", "Detlas": "Avos"}, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.OldGuildName != "Avos" || ev.NewGuildName != "Titans" {
		t.Errorf("owners = %s -> %s", ev.OldGuildName, ev.NewGuildName)
	}
	if ev.HeldDuration != 2*time.Hour {
		t.Errorf("held = %s, want 2h", ev.HeldDuration)
	}
	if ev.OldGuildTerritories != 1 || ev.NewGuildTerritories != 1 {
		t.Errorf("territory counts = %d/%d, want 1/1", ev.OldGuildTerritories, ev.NewGuildTerritories)
	}
	if ev.ID == 0 {
		t.Error("event id not assigned")
	}
}

func TestRecordSnapshotStorageFailureRetries(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	l := NewTerritoryLedger(store, testutil.Logger())
	owners := map[string]string{"Ragni": "Avos"}

	store.SetFault(memstore.FaultTerritoryAppend, func(int) error { return errors.New("connection reset") })
	_, err := l.RecordSnapshot(ctx, owners, testutil.Epoch)
	if !domain.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if _, ok := l.Owner("Ragni"); ok {
		t.Fatal("owner table updated despite failed append")
	}

	store.SetFault(memstore.FaultTerritoryAppend, nil)
	events, err := l.RecordSnapshot(ctx, owners, testutil.Epoch.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("retry produced %d events, want 1", len(events))
	}
}

func TestRecordSnapshotRejectsStale(t *testing.T) {
	ctx := context.Background()
	l := NewTerritoryLedger(memstore.New(), testutil.Logger())

	if _, err := l.RecordSnapshot(ctx, map[string]string{"Ragni": "Avos"}, testutil.Epoch); err != nil {
		t.Fatal(err)
	}
	_, err := l.RecordSnapshot(ctx, map[string]string{"Ragni": "Titans"}, testutil.Epoch.Add(-time.Minute))
	if !errors.Is(err, domain.ErrStaleSnapshot) {
		t.Fatalf("err = %v, want ErrStaleSnapshot", err)
	}
}

func TestTerritoryLedgerSeedsFromStorage(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	first := NewTerritoryLedger(store, testutil.Logger())
	if _, err := first.RecordSnapshot(ctx, map[string]string{"Ragni": "Avos"}, testutil.Epoch); err != nil {
		t.Fatal(err)
	}

	restarted := NewTerritoryLedger(store, testutil.Logger())
	events, err := restarted.RecordSnapshot(ctx, map[string]string{"Ragni": "Avos"}, testutil.Epoch.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("restarted ledger appended %d events for an unchanged owner", len(events))
	}
}
