package leaderboard

import (
	"sort"

	"github.com/warlog-ledger/internal/domain"
)

// DeriveLevelRank trims and re-sorts a guild snapshot into a level ranking.
//
// The upstream ranking is ordered by territory count first, so low-level guilds holding
// territory sit among the leaders. The lowest (level, xp) among guilds holding no territory
// is the threshold: entries strictly below it are dropped and the rest are sorted by level
// then xp, descending. With no territory-less guild in the snapshot nothing is dropped.
func DeriveLevelRank(snapshot []domain.GuildSnapshotEntry) []domain.LevelRankEntry {
	var threshold *domain.GuildSnapshotEntry
	for i := range snapshot {
		e := &snapshot[i]
		if e.Territories != 0 {
			continue
		}
		if threshold == nil || below(*e, *threshold) {
			threshold = e
		}
	}

	out := make([]domain.LevelRankEntry, 0, len(snapshot))
	for _, e := range snapshot {
		if threshold != nil && below(e, *threshold) {
			continue
		}
		out = append(out, domain.LevelRankEntry{
			GuildName: e.GuildName,
			Prefix:    e.Prefix,
			Level:     e.Level,
			XP:        e.XP,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Level != b.Level {
			return a.Level > b.Level
		}
		if a.XP != b.XP {
			return a.XP > b.XP
		}
		return a.GuildName > b.GuildName
	})
	for i := range out {
		out[i].Rank = int64(i + 1)
	}
	return out
}

// below reports whether a ranks strictly lower than b by (level, xp).
func below(a, b domain.GuildSnapshotEntry) bool {
	if a.Level != b.Level {
		return a.Level < b.Level
	}
	return a.XP < b.XP
}
