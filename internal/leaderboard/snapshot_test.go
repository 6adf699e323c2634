package leaderboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/warlog-ledger/internal/domain"
	"github.com/warlog-ledger/internal/memstore"
	"github.com/warlog-ledger/internal/testutil"
)

type fakeCache struct {
	rank    []domain.LevelRankEntry
	xp      []domain.GuildXPGain
	fail    bool
	reads   int
	publish int
}

func (c *fakeCache) PublishLevelRank(ctx context.Context, entries []domain.LevelRankEntry) error {
	if c.fail {
		return errors.New("redis down")
	}
	c.publish++
	c.rank = entries
	return nil
}

func (c *fakeCache) PublishXPLeaderboard(ctx context.Context, rows []domain.GuildXPGain) error {
	if c.fail {
		return errors.New("redis down")
	}
	c.xp = rows
	return nil
}

func (c *fakeCache) LevelRank(ctx context.Context, limit, offset int) ([]domain.LevelRankEntry, bool, error) {
	c.reads++
	if c.fail {
		return nil, false, errors.New("redis down")
	}
	if c.rank == nil {
		return nil, false, nil
	}
	return domain.Page(c.rank, limit, offset), true, nil
}

func (c *fakeCache) XPLeaderboard(ctx context.Context, limit, offset int) ([]domain.GuildXPGain, bool, error) {
	c.reads++
	if c.fail {
		return nil, false, errors.New("redis down")
	}
	if c.xp == nil {
		return nil, false, nil
	}
	return domain.Page(c.xp, limit, offset), true, nil
}

func snapshot(entries ...domain.GuildSnapshotEntry) []domain.GuildSnapshotEntry {
	return entries
}

func TestRefreshComputesXPGains(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	cache := &fakeCache{}
	r := NewSnapshotRefresher(store, cache, 24*time.Hour, testConfig, testutil.Logger())
	t0 := testutil.Epoch

	first := snapshot(
		domain.GuildSnapshotEntry{GuildName: "Avos", Level: 80, XP: 1000, Territories: 5},
		domain.GuildSnapshotEntry{GuildName: "Titans", Level: 75, XP: 500},
	)
	if _, err := r.Refresh(ctx, first, t0); err != nil {
		t.Fatal(err)
	}

	second := snapshot(
		domain.GuildSnapshotEntry{GuildName: "Avos", Level: 80, XP: 1200, Territories: 5},
		domain.GuildSnapshotEntry{GuildName: "Titans", Level: 76, XP: 900},
		domain.GuildSnapshotEntry{GuildName: "Newcomer", Level: 90, XP: 10},
	)
	res, err := r.Refresh(ctx, second, t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped || res.XPGuilds != 2 {
		t.Fatalf("result = %+v", res)
	}

	rows, err := store.XPLeaderboard(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].GuildName != "Titans" || rows[0].XPGained != 400 || rows[1].XPGained != 200 {
		t.Fatalf("xp rows = %+v", rows)
	}
	if !rows[0].From.Equal(t0) || !rows[0].To.Equal(t0.Add(time.Hour)) {
		t.Errorf("window = [%s, %s)", rows[0].From, rows[0].To)
	}

	if len(cache.rank) != 3 || cache.rank[0].GuildName != "Newcomer" || cache.rank[2].GuildName != "Titans" {
		t.Fatalf("published rank = %+v", cache.rank)
	}
}

func TestRefreshSkipsUnchangedAndRejectsRegression(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	cache := &fakeCache{}
	r := NewSnapshotRefresher(store, cache, 24*time.Hour, testConfig, testutil.Logger())
	t0 := testutil.Epoch

	base := snapshot(domain.GuildSnapshotEntry{GuildName: "Avos", Level: 80, XP: 1000})
	if _, err := r.Refresh(ctx, base, t0); err != nil {
		t.Fatal(err)
	}
	res, err := r.Refresh(ctx, base, t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped || cache.publish != 1 {
		t.Fatalf("unchanged snapshot not skipped: %+v, publishes %d", res, cache.publish)
	}

	lower := snapshot(domain.GuildSnapshotEntry{GuildName: "Avos", Level: 80, XP: 999})
	if _, err := r.Refresh(ctx, lower, t0.Add(2*time.Minute)); !errors.Is(err, domain.ErrSnapshotRegressed) {
		t.Fatalf("regressed snapshot err = %v", err)
	}
	latest, _ := store.LatestGuildSnapshot(ctx)
	if latest.Entries[0].XP != 1000 {
		t.Fatalf("regressed snapshot was stored")
	}
}

func TestRefreshPrunesHistory(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	r := NewSnapshotRefresher(store, nil, time.Hour, testConfig, testutil.Logger())
	t0 := testutil.Epoch

	for i, xp := range []int64{100, 200, 300} {
		s := snapshot(domain.GuildSnapshotEntry{GuildName: "Avos", Level: 1, XP: xp})
		if _, err := r.Refresh(ctx, s, t0.Add(time.Duration(i)*45*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}

	// at t0+90m the window starts at t0+30m, so the baseline is the t0+45m snapshot
	rows, err := r.XPLeaderboard(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].XPGained != 100 || rows[0].Rank != 1 {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestCurrentLevelRankFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	cache := &fakeCache{}
	r := NewSnapshotRefresher(store, cache, 24*time.Hour, testConfig, testutil.Logger())

	empty, err := r.CurrentLevelRank(ctx, 0, 0)
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty = %+v, %v", empty, err)
	}

	s := snapshot(
		domain.GuildSnapshotEntry{GuildName: "Low", Level: 5, Territories: 3},
		domain.GuildSnapshotEntry{GuildName: "Mid", Level: 20},
		domain.GuildSnapshotEntry{GuildName: "High", Level: 40},
	)
	if _, err := r.Refresh(ctx, s, testutil.Epoch); err != nil {
		t.Fatal(err)
	}

	cache.fail = true
	rank, err := r.CurrentLevelRank(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rank) != 2 || rank[0].GuildName != "High" || rank[1].GuildName != "Mid" {
		t.Fatalf("fallback rank = %+v", rank)
	}
}
