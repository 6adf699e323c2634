package domain

import (
	"sort"
	"time"
)

// GuildSortKey selects the column a guild leaderboard is ranked by
type GuildSortKey string

const (
	GuildSortTotal   GuildSortKey = "total"
	GuildSortSuccess GuildSortKey = "success"
)

// PlayerSortKey selects the column a player leaderboard is ranked by
type PlayerSortKey string

const (
	PlayerSortTotal    PlayerSortKey = "total"
	PlayerSortSuccess  PlayerSortKey = "success"
	PlayerSortSurvived PlayerSortKey = "survived"
)

// ParseGuildSortKey validates a guild sort key. An empty key means total.
func ParseGuildSortKey(s string) (GuildSortKey, error) {
	switch GuildSortKey(s) {
	case "", GuildSortTotal:
		return GuildSortTotal, nil
	case GuildSortSuccess:
		return GuildSortSuccess, nil
	}
	return "", ErrInvalidSortKey
}

// ParsePlayerSortKey validates a player sort key. An empty key means total.
func ParsePlayerSortKey(s string) (PlayerSortKey, error) {
	switch PlayerSortKey(s) {
	case "", PlayerSortTotal:
		return PlayerSortTotal, nil
	case PlayerSortSuccess:
		return PlayerSortSuccess, nil
	case PlayerSortSurvived:
		return PlayerSortSurvived, nil
	}
	return "", ErrInvalidSortKey
}

// GuildWarStanding is one row of the guild war leaderboard
type GuildWarStanding struct {
	Rank       int64  `json:"rank"`
	GuildName  string `json:"guild_name"`
	TotalWar   int64  `json:"total_war"`
	SuccessWar int64  `json:"success_war"`
}

func (s GuildWarStanding) key(k GuildSortKey) int64 {
	if k == GuildSortSuccess {
		return s.SuccessWar
	}
	return s.TotalWar
}

// PlayerWarStanding is one row of the player war leaderboard
type PlayerWarStanding struct {
	Rank        int64  `json:"rank"`
	UUID        string `json:"uuid"`
	LastName    string `json:"last_name"`
	TotalWar    int64  `json:"total_war"`
	SuccessWar  int64  `json:"success_war"`
	SurvivedWar int64  `json:"survived_war"`
}

func (s PlayerWarStanding) key(k PlayerSortKey) int64 {
	switch k {
	case PlayerSortSuccess:
		return s.SuccessWar
	case PlayerSortSurvived:
		return s.SurvivedWar
	default:
		return s.TotalWar
	}
}

// SortGuildStandings orders rows descending by key, ties broken by guild name descending.
func SortGuildStandings(rows []GuildWarStanding, key GuildSortKey) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].key(key), rows[j].key(key)
		if a != b {
			return a > b
		}
		return rows[i].GuildName > rows[j].GuildName
	})
}

// SortPlayerStandings orders rows descending by key, ties broken by uuid descending.
func SortPlayerStandings(rows []PlayerWarStanding, key PlayerSortKey) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].key(key), rows[j].key(key)
		if a != b {
			return a > b
		}
		return rows[i].UUID > rows[j].UUID
	})
}

// Page slices rows to [offset, offset+limit) and never returns nil.
func Page[T any](rows []T, limit, offset int) []T {
	if offset >= len(rows) || limit <= 0 {
		return []T{}
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	out := make([]T, end-offset)
	copy(out, rows[offset:end])
	return out
}

// GuildWarDelta is the increment applied to a guild's incremental leaderboard row.
type GuildWarDelta struct {
	GuildName string
	Total     int64
	Success   int64
}

// PlayerWarDelta is the increment applied to a player's incremental leaderboard row.
// LastName replaces the stored name only when LastWarLogID is newer than the stored one.
type PlayerWarDelta struct {
	UUID         string
	LastName     string
	LastWarLogID int64
	Total        int64
	Success      int64
	Survived     int64
}

// GuildSnapshotEntry is one row of the externally sourced guild ranking.
type GuildSnapshotEntry struct {
	GuildName   string `json:"name"`
	Prefix      string `json:"prefix"`
	Level       int    `json:"level"`
	XP          int64  `json:"xp"`
	Territories int    `json:"territories"`
	MemberCount int    `json:"members"`
}

// GuildSnapshot is a guild ranking observed at one point in time.
type GuildSnapshot struct {
	ObservedAt time.Time            `json:"observed_at"`
	Entries    []GuildSnapshotEntry `json:"entries"`
}

// LevelRankEntry is one row of the level rank view.
type LevelRankEntry struct {
	Rank      int64  `json:"rank"`
	GuildName string `json:"guild_name"`
	Prefix    string `json:"prefix,omitempty"`
	Level     int    `json:"level"`
	XP        int64  `json:"xp"`
}

// GuildXPGain is a guild's xp gained over the window [From, To).
type GuildXPGain struct {
	Rank      int64     `json:"rank"`
	GuildName string    `json:"guild_name"`
	Prefix    string    `json:"prefix,omitempty"`
	Level     int       `json:"level"`
	XP        int64     `json:"xp"`
	XPGained  int64     `json:"xp_gained"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
}

// SortXPGains orders rows descending by xp gained, ties broken by guild name descending.
func SortXPGains(rows []GuildXPGain) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].XPGained != rows[j].XPGained {
			return rows[i].XPGained > rows[j].XPGained
		}
		return rows[i].GuildName > rows[j].GuildName
	})
}
