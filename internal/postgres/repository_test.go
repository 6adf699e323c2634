package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/warlog-ledger/internal/domain"
	"github.com/warlog-ledger/internal/storage"
	"github.com/warlog-ledger/internal/testutil"
)

// newTestRepository connects to TEST_DATABASE_URL, migrates and empties every table.
func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	repo, err := NewRepositoryFromURL(ctx, url, testutil.Logger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(repo.Close)

	if err := repo.RunMigrations(ctx); err != nil {
		t.Fatal(err)
	}
	_, err = repo.pool.Exec(ctx, `TRUNCATE guild_xp_leaderboard, guild_leaderboard, player_war_leaderboard,
		guild_war_leaderboard, guild_war_log, territory_log, territory, war_player, war_log RESTART IDENTITY`)
	if err != nil {
		t.Fatal(err)
	}
	return repo
}

func count(t *testing.T, repo *Repository, table string) int {
	t.Helper()
	var n int
	if err := repo.pool.QueryRow(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestCreateWarRollsBackOnPlayerFailure(t *testing.T) {
	repo := newTestRepository(t)
	at := testutil.Epoch

	_, err := repo.CreateWar(context.Background(), domain.WarLog{
		ServerName:    "WC1",
		CreatedAt:     at,
		LastUpdatedAt: at,
		Players: []domain.WarPlayer{
			{PlayerName: "Alice"},
			{PlayerName: "Bob"},
			{PlayerName: "Alice"},
		},
	})
	if !errors.Is(err, domain.ErrDataIntegrity) {
		t.Fatalf("err = %v, want integrity error", err)
	}
	if n := count(t, repo, "war_log"); n != 0 {
		t.Errorf("war_log rows = %d, want 0", n)
	}
	if n := count(t, repo, "war_player"); n != 0 {
		t.Errorf("war_player rows = %d, want 0", n)
	}
}

func TestWarLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	at := testutil.Epoch

	war, err := repo.CreateWar(ctx, domain.WarLog{
		ServerName:    "WC2",
		CreatedAt:     at,
		LastUpdatedAt: at,
		Players:       []domain.WarPlayer{{PlayerName: "Alice", PlayerUUID: "u-a"}, {PlayerName: "Bob"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	err = repo.ApplyRosterChange(ctx, domain.RosterChange{
		WarLogID:       war.ID,
		UpdatedAt:      at.Add(time.Minute),
		GuildNameGuess: "Avos",
		Added:          []domain.WarPlayer{{PlayerName: "Carol"}},
		Exited:         []string{"Alice"},
		ResolvedUUIDs:  map[string]string{"Bob": "u-b"},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetWar(ctx, war.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.GuildNameGuess != "Avos" || len(got.Players) != 3 || got.Players[2].PlayerName != "Carol" {
		t.Fatalf("war = %+v", got)
	}
	if !got.Players[0].Exited || got.Players[1].PlayerUUID != "u-b" {
		t.Errorf("players = %+v", got.Players)
	}

	if err := repo.EndWarLog(ctx, war.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("freeze open war err = %v", err)
	}
	if err := repo.EndWar(ctx, war.ID, at.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := repo.EndWar(ctx, war.ID, at.Add(3*time.Minute)); err != nil {
		t.Errorf("second close err = %v", err)
	}
	err = repo.ApplyRosterChange(ctx, domain.RosterChange{
		WarLogID:  war.ID,
		UpdatedAt: at.Add(3 * time.Minute),
		Added:     []domain.WarPlayer{{PlayerName: "Dave"}},
	})
	if !errors.Is(err, domain.ErrWarEnded) {
		t.Errorf("roster change on ended war err = %v", err)
	}
	if err := repo.EndWarLog(ctx, war.ID); err != nil {
		t.Fatal(err)
	}
	if err := repo.EndWar(ctx, war.ID, at.Add(4*time.Minute)); !errors.Is(err, domain.ErrWarFrozen) {
		t.Errorf("close frozen war err = %v", err)
	}

	got, err = repo.GetWar(ctx, war.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastUpdatedAt.Equal(at.Add(2 * time.Minute)) {
		t.Errorf("close time moved to %s", got.LastUpdatedAt)
	}
	if _, err := repo.GetWar(ctx, war.ID+100); !errors.Is(err, domain.ErrWarNotFound) {
		t.Errorf("unknown war err = %v", err)
	}
}

func TestWarTimelineToleratesGaps(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	first, last, err := repo.WarLogIDBounds(ctx)
	if err != nil || first != 1 || last != 0 {
		t.Fatalf("empty bounds = %d, %d, %v", first, last, err)
	}

	for i := 0; i < 3; i++ {
		at := testutil.Epoch.Add(time.Duration(i) * time.Minute)
		if _, err := repo.CreateWar(ctx, domain.WarLog{ServerName: "WC1", CreatedAt: at, LastUpdatedAt: at}); err != nil {
			t.Fatal(err)
		}
		// a failed insert burns a sequence value
		repo.CreateWar(ctx, domain.WarLog{
			ServerName: "WC1", CreatedAt: at, LastUpdatedAt: at,
			Players: []domain.WarPlayer{{PlayerName: "dup"}, {PlayerName: "dup"}},
		})
	}

	found, createdAt, ok, err := repo.WarLogAtOrAfter(ctx, 2)
	if err != nil || !ok {
		t.Fatalf("lookup = %v, ok=%v", err, ok)
	}
	if found != 3 || !createdAt.Equal(testutil.Epoch.Add(time.Minute)) {
		t.Errorf("lookup found %d at %s", found, createdAt)
	}
	if _, _, ok, _ := repo.WarLogAtOrAfter(ctx, 100); ok {
		t.Error("lookup past the end found a row")
	}
}

func TestAppendOutcomesMaintainsLeaderboards(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	at := testutil.Epoch

	var ids []int64
	for i, guild := range []string{"guildB", "guildA", "guildA"} {
		created := at.Add(time.Duration(i) * time.Minute)
		war, err := repo.CreateWar(ctx, domain.WarLog{
			ServerName: "WC1", GuildNameGuess: guild, CreatedAt: created, LastUpdatedAt: created, Ended: true,
			Players: []domain.WarPlayer{{PlayerName: "P1", PlayerUUID: "u1"}},
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, war.ID)
	}

	records := []domain.GuildOutcomeRecord{
		{GuildName: "guildB", WarLogID: &ids[0], Outcome: domain.OutcomeWarSucceeded, CreatedAt: at},
		{GuildName: "guildA", WarLogID: &ids[1], Outcome: domain.OutcomeWarSucceeded, CreatedAt: at},
		{GuildName: "guildA", WarLogID: &ids[2], Outcome: domain.OutcomeWarLost, CreatedAt: at},
	}
	guilds := []domain.GuildWarDelta{{GuildName: "guildB", Total: 1, Success: 1}, {GuildName: "guildA", Total: 2, Success: 1}}
	players := []domain.PlayerWarDelta{{UUID: "u1", LastName: "P1", LastWarLogID: ids[2], Total: 3, Success: 2, Survived: 2}}
	appended, err := repo.AppendOutcomes(ctx, records, guilds, players)
	if err != nil {
		t.Fatal(err)
	}
	if appended[0].ID == 0 {
		t.Fatal("ids not assigned")
	}

	// success ties; guild name descending puts guildB first
	rows, err := repo.GuildStandings(ctx, storage.GuildStandingQuery{SortKey: domain.GuildSortSuccess, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].GuildName != "guildB" || rows[1].TotalWar != 2 {
		t.Fatalf("standings = %+v", rows)
	}

	ranged, err := repo.GuildStandings(ctx, storage.GuildStandingQuery{
		SortKey: domain.GuildSortTotal, Range: &domain.IDRange{From: ids[1], To: ids[2] + 1}, Limit: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ranged) != 1 || ranged[0].GuildName != "guildA" || ranged[0].TotalWar != 2 || ranged[0].SuccessWar != 1 {
		t.Fatalf("ranged = %+v", ranged)
	}

	filtered, err := repo.PlayerStandings(ctx, storage.PlayerStandingQuery{GuildName: "GUILDA", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 1 || filtered[0].TotalWar != 2 || filtered[0].SurvivedWar != 1 {
		t.Fatalf("filtered = %+v", filtered)
	}

	_, err = repo.AppendOutcomes(ctx, records[:1], nil, nil)
	if !errors.Is(err, domain.ErrDataIntegrity) {
		t.Fatalf("duplicate append err = %v", err)
	}

	if err := repo.RebuildPlayerStandings(ctx); err != nil {
		t.Fatal(err)
	}
	all, err := repo.PlayerStandings(ctx, storage.PlayerStandingQuery{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].TotalWar != 3 || all[0].SuccessWar != 2 {
		t.Fatalf("rebuilt = %+v", all)
	}
}

func TestGuildSnapshotsAndXPLeaderboard(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	t0 := testutil.Epoch

	for i, xp := range []int64{100, 200, 300} {
		snap := domain.GuildSnapshot{
			ObservedAt: t0.Add(time.Duration(i) * time.Hour),
			Entries:    []domain.GuildSnapshotEntry{{GuildName: "Avos", Level: 10, XP: xp}},
		}
		if err := repo.AppendGuildSnapshot(ctx, snap, snap.ObservedAt.Add(-90*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}

	latest, err := repo.LatestGuildSnapshot(ctx)
	if err != nil || latest == nil || latest.Entries[0].XP != 300 {
		t.Fatalf("latest = %+v, %v", latest, err)
	}
	oldest, err := repo.OldestGuildSnapshotSince(ctx, t0)
	if err != nil || oldest == nil || oldest.Entries[0].XP != 200 {
		t.Fatalf("oldest after pruning = %+v, %v", oldest, err)
	}

	gains := []domain.GuildXPGain{
		{GuildName: "alpha", XPGained: 5, From: t0, To: t0.Add(time.Hour)},
		{GuildName: "bravo", XPGained: 5, From: t0, To: t0.Add(time.Hour)},
	}
	if err := repo.ReplaceXPLeaderboard(ctx, gains); err != nil {
		t.Fatal(err)
	}
	if err := repo.ReplaceXPLeaderboard(ctx, gains); err != nil {
		t.Fatal(err)
	}
	rows, err := repo.XPLeaderboard(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].GuildName != "bravo" {
		t.Fatalf("xp rows = %+v", rows)
	}
}
