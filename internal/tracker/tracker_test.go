package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/warlog-ledger/internal/domain"
	"github.com/warlog-ledger/internal/leaderboard"
	"github.com/warlog-ledger/internal/ledger"
	"github.com/warlog-ledger/internal/memstore"
	"github.com/warlog-ledger/internal/testutil"
)

type fixture struct {
	store   *memstore.Store
	clock   *testutil.Clock
	wars    *ledger.WarLedger
	tracker *Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	clock := testutil.NewClock(testutil.Epoch)
	logger := testutil.Logger()
	wars := ledger.NewWarLedger(store, clock, logger)
	snapshots := leaderboard.NewSnapshotRefresher(store, nil, time.Hour, leaderboard.Config{DefaultLimit: 10, MaxLimit: 100}, logger)
	tr, err := New(ledger.NewTerritoryLedger(store, logger), wars, snapshots,
		Config{WarServerPattern: `^(WAR|WC)\d+$`, GraceWindow: 90 * time.Second}, logger)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{store: store, clock: clock, wars: wars, tracker: tr}
}

func roster(guild string, names ...string) []domain.RosterEntry {
	out := make([]domain.RosterEntry, len(names))
	for i, n := range names {
		out[i] = domain.RosterEntry{PlayerName: n, GuildName: guild}
	}
	return out
}

func TestApplyWarServersLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.tracker.ApplyWarServers(ctx, map[string][]domain.RosterEntry{
		"WC1":   roster("Avos", "A", "B"),
		"WC2":   nil,
		"EU3":   roster("Avos", "C"),
		"WAR10": roster("Titans", "T1"),
	}, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Opened) != 2 || len(res.Updated) != 0 || len(res.Closed) != 0 {
		t.Fatalf("first poll = %+v", res)
	}
	open := f.tracker.OpenWars()
	if _, ok := open["EU3"]; ok {
		t.Error("non-war server tracked")
	}
	wc1 := open["WC1"]
	war, err := f.wars.Get(ctx, wc1)
	if err != nil {
		t.Fatal(err)
	}
	if war.GuildNameGuess != "Avos" || len(war.Players) != 2 {
		t.Fatalf("WC1 war = %+v", war)
	}

	// WC1 loses B; WAR10 disappears
	f.clock.Advance(time.Minute)
	res, err = f.tracker.ApplyWarServers(ctx, map[string][]domain.RosterEntry{
		"WC1": roster("Avos", "A"),
	}, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Updated) != 1 || len(res.Closed) != 1 || res.Closed[0] != open["WAR10"] {
		t.Fatalf("second poll = %+v", res)
	}
	war, _ = f.wars.Get(ctx, wc1)
	if p, _ := war.Player("B"); !p.Exited {
		t.Error("B not marked exited")
	}

	// empty roster closes WC1
	f.clock.Advance(time.Minute)
	res, err = f.tracker.ApplyWarServers(ctx, map[string][]domain.RosterEntry{"WC1": {}}, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Closed) != 1 || res.Closed[0] != wc1 {
		t.Fatalf("third poll = %+v", res)
	}
	war, _ = f.wars.Get(ctx, wc1)
	if war.State() != domain.WarStateEnded {
		t.Errorf("WC1 state = %s", war.State())
	}

	// a new roster on WC1 opens a fresh war
	res, err = f.tracker.ApplyWarServers(ctx, map[string][]domain.RosterEntry{"WC1": roster("Kingdom", "K")}, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Opened) != 1 || res.Opened[0] == wc1 {
		t.Fatalf("fourth poll = %+v", res)
	}
}

func TestCaptureEndsGuildWar(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.tracker.ApplyTerritorySnapshot(ctx, map[string]string{"Detlas": "Kingdom"}, f.clock.Now()); err != nil {
		t.Fatal(err)
	}
	res, err := f.tracker.ApplyWarServers(ctx, map[string][]domain.RosterEntry{
		"WAR1": roster("HackForums", "TheDarkSoul", "BisexualDog"),
		"WAR2": roster("Titans", "T1"),
	}, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	open := f.tracker.OpenWars()

	f.clock.Advance(2 * time.Minute)
	res, err = f.tracker.ApplyWarServers(ctx, map[string][]domain.RosterEntry{
		"WAR1": roster("HackForums", "TheDarkSoul", "BisexualDog"),
		"WAR2": roster("Titans", "T1"),
	}, f.clock.Now())
	if err != nil || len(res.Updated) != 2 {
		t.Fatalf("second poll = %+v, %v", res, err)
	}

	f.clock.Advance(30 * time.Second)
	acquired := f.clock.Now()
	events, err := f.tracker.ApplyTerritorySnapshot(ctx, map[string]string{"Detlas": "HackForums"}, acquired)
	if err != nil || len(events) != 1 {
		t.Fatalf("capture = %+v, %v", events, err)
	}

	war, _ := f.wars.Get(ctx, open["WAR1"])
	if war.State() != domain.WarStateEnded || !war.LastUpdatedAt.Equal(acquired) {
		t.Fatalf("captured war = %s at %s, want ended at %s", war.State(), war.LastUpdatedAt, acquired)
	}
	if other, _ := f.wars.Get(ctx, open["WAR2"]); other.State() != domain.WarStateOpen {
		t.Errorf("other guild's war state = %s", other.State())
	}

	// players still on the server do not reopen the war or move its close time
	f.clock.Advance(10 * time.Second)
	res, err = f.tracker.ApplyWarServers(ctx, map[string][]domain.RosterEntry{
		"WAR1": roster("HackForums", "TheDarkSoul"),
		"WAR2": roster("Titans", "T1"),
	}, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Opened) != 0 || len(res.Closed) != 0 || len(res.Updated) != 1 {
		t.Fatalf("poll after capture = %+v", res)
	}
	war, _ = f.wars.Get(ctx, open["WAR1"])
	if !war.LastUpdatedAt.Equal(acquired) {
		t.Errorf("close time moved to %s", war.LastUpdatedAt)
	}

	// the server empties without another close
	res, err = f.tracker.ApplyWarServers(ctx, map[string][]domain.RosterEntry{"WAR2": roster("Titans", "T1")}, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Closed) != 0 {
		t.Fatalf("closed after capture = %+v", res)
	}
	if _, ok := f.tracker.OpenWars()["WAR1"]; ok {
		t.Error("WAR1 still tracked")
	}
}

func TestTrackerSeedsFromActiveWars(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	war, err := f.wars.Open(ctx, "WC4", "Avos", roster("Avos", "A"))
	if err != nil {
		t.Fatal(err)
	}

	res, err := f.tracker.ApplyWarServers(ctx, map[string][]domain.RosterEntry{"WC4": roster("Avos", "A", "B")}, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Opened) != 0 || len(res.Updated) != 1 || res.Updated[0] != war.ID {
		t.Fatalf("result = %+v", res)
	}
}

func TestApplyWarServersReportsStorageFailure(t *testing.T) {
	f := newFixture(t)
	f.store.SetFault(memstore.FaultWarHeader, func(int) error { return errors.New("connection reset") })

	res, err := f.tracker.ApplyWarServers(context.Background(), map[string][]domain.RosterEntry{
		"WC1": roster("Avos", "A"),
	}, f.clock.Now())
	if !domain.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if len(res.Opened) != 0 || len(f.tracker.OpenWars()) != 0 {
		t.Fatalf("failed open tracked: %+v", res)
	}
	if wars, players := f.store.Counts(); wars != 0 || players != 0 {
		t.Errorf("rows left behind: %d wars, %d players", wars, players)
	}
}

func TestFreezeEndedWaitsForGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	war, err := f.wars.Open(ctx, "WC1", "Avos", roster("Avos", "A"))
	if err != nil {
		t.Fatal(err)
	}
	open, err := f.wars.Open(ctx, "WC2", "Avos", roster("Avos", "B"))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.wars.Close(ctx, war.ID); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(60 * time.Second)
	n, err := f.tracker.FreezeEnded(ctx, f.clock.Now())
	if err != nil || n != 0 {
		t.Fatalf("froze %d before grace, err=%v", n, err)
	}

	f.clock.Advance(30 * time.Second)
	n, err = f.tracker.FreezeEnded(ctx, f.clock.Now())
	if err != nil || n != 1 {
		t.Fatalf("froze %d at grace, err=%v", n, err)
	}
	got, _ := f.wars.Get(ctx, war.ID)
	if got.State() != domain.WarStateLogEnded {
		t.Errorf("state = %s", got.State())
	}
	if still, _ := f.wars.Get(ctx, open.ID); still.State() != domain.WarStateOpen {
		t.Errorf("open war state = %s", still.State())
	}
}

func TestNewRejectsBadPattern(t *testing.T) {
	if _, err := New(nil, nil, nil, Config{WarServerPattern: "("}, testutil.Logger()); err == nil {
		t.Fatal("expected error")
	}
}
