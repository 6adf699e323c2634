package domain

import (
	"errors"
	"testing"
)

func TestSortGuildStandingsTieBreak(t *testing.T) {
	rows := []GuildWarStanding{
		{GuildName: "guildA", TotalWar: 5, SuccessWar: 4},
		{GuildName: "guildB", TotalWar: 3, SuccessWar: 3},
		{GuildName: "guildC", TotalWar: 5, SuccessWar: 1},
	}

	SortGuildStandings(rows, GuildSortSuccess)
	if rows[0].GuildName != "guildA" || rows[1].GuildName != "guildB" {
		t.Fatalf("success order = %v", names(rows))
	}

	SortGuildStandings(rows, GuildSortTotal)
	want := []string{"guildC", "guildA", "guildB"}
	for i, n := range names(rows) {
		if n != want[i] {
			t.Fatalf("total order = %v, want %v", names(rows), want)
		}
	}
}

func TestSortPlayerStandingsTieBreak(t *testing.T) {
	rows := []PlayerWarStanding{
		{UUID: "a", SurvivedWar: 2},
		{UUID: "c", SurvivedWar: 2},
		{UUID: "b", SurvivedWar: 3},
	}
	SortPlayerStandings(rows, PlayerSortSurvived)
	got := []string{rows[0].UUID, rows[1].UUID, rows[2].UUID}
	if got[0] != "b" || got[1] != "c" || got[2] != "a" {
		t.Fatalf("order = %v", got)
	}
}

func TestPage(t *testing.T) {
	rows := []int{1, 2, 3, 4, 5}
	if got := Page(rows, 2, 1); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("Page(2,1) = %v", got)
	}
	if got := Page(rows, 10, 3); len(got) != 2 {
		t.Errorf("Page(10,3) = %v", got)
	}
	if got := Page(rows, 2, 9); got == nil || len(got) != 0 {
		t.Errorf("Page past end = %v, want empty non-nil", got)
	}
}

func TestParseSortKeys(t *testing.T) {
	if k, err := ParseGuildSortKey(""); err != nil || k != GuildSortTotal {
		t.Errorf("empty guild key = %q, %v", k, err)
	}
	if _, err := ParseGuildSortKey("survived"); !errors.Is(err, ErrInvalidSortKey) {
		t.Errorf("guild survived key err = %v", err)
	}
	if k, err := ParsePlayerSortKey("survived"); err != nil || k != PlayerSortSurvived {
		t.Errorf("player survived key = %q, %v", k, err)
	}
}

func TestNormalizeRoster(t *testing.T) {
	got := NormalizeRoster([]RosterEntry{
		{PlayerName: "P1"},
		{PlayerName: ""},
		{PlayerName: "P2"},
		{PlayerName: "P1", Exited: true, PlayerUUID: "u1"},
	})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if !got[0].Exited || got[0].PlayerUUID != "u1" {
		t.Errorf("merged P1 = %+v", got[0])
	}
}

func TestTransientError(t *testing.T) {
	base := errors.New("conn refused")
	err := Transient("appending territory events", base)
	if !IsTransient(err) {
		t.Fatal("expected transient")
	}
	if !errors.Is(err, base) {
		t.Fatal("expected unwrap to base")
	}
	if Transient("noop", nil) != nil {
		t.Fatal("nil error should stay nil")
	}
	if IsTransient(ErrWarNotFound) {
		t.Fatal("not found is not transient")
	}
}

func names(rows []GuildWarStanding) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.GuildName
	}
	return out
}

func TestGuessGuild(t *testing.T) {
	roster := []RosterEntry{
		{PlayerName: "P1", GuildName: "Titans"},
		{PlayerName: "P2", GuildName: "Avos"},
		{PlayerName: "P3", GuildName: "Avos"},
		{PlayerName: "P4"},
	}
	if got := GuessGuild(roster); got != "Avos" {
		t.Errorf("GuessGuild() = %q, want Avos", got)
	}
	tie := []RosterEntry{{PlayerName: "A", GuildName: "Zeta"}, {PlayerName: "B", GuildName: "Alpha"}}
	if got := GuessGuild(tie); got != "Alpha" {
		t.Errorf("tie GuessGuild() = %q, want Alpha", got)
	}
	if got := GuessGuild(nil); got != "" {
		t.Errorf("empty GuessGuild() = %q", got)
	}
}
