package domain

// WarPlayer is a player who took part in a war.
// Exited only moves from false to true.
type WarPlayer struct {
	WarLogID   int64  `json:"war_log_id"`
	PlayerName string `json:"player_name"`
	PlayerUUID string `json:"player_uuid,omitempty"`
	Exited     bool   `json:"exited"`
}

// RosterEntry is a player observed on a war server at poll time.
type RosterEntry struct {
	PlayerName string `json:"name"`
	PlayerUUID string `json:"uuid,omitempty"`
	GuildName  string `json:"guild,omitempty"`
	Exited     bool   `json:"exited,omitempty"`
}

// NormalizeRoster drops unnamed entries and merges duplicates.
// The first occurrence wins except that an exited flag on any occurrence sticks,
// and a uuid from a later occurrence fills an empty one.
func NormalizeRoster(roster []RosterEntry) []RosterEntry {
	out := make([]RosterEntry, 0, len(roster))
	index := make(map[string]int, len(roster))
	for _, entry := range roster {
		if entry.PlayerName == "" {
			continue
		}
		if i, ok := index[entry.PlayerName]; ok {
			if entry.Exited {
				out[i].Exited = true
			}
			if out[i].PlayerUUID == "" {
				out[i].PlayerUUID = entry.PlayerUUID
			}
			continue
		}
		index[entry.PlayerName] = len(out)
		out = append(out, entry)
	}
	return out
}

// GuessGuild returns the guild most players on the roster belong to, ties broken by name
// ascending. It returns "" when no player carries a guild.
func GuessGuild(roster []RosterEntry) string {
	counts := make(map[string]int)
	for _, entry := range roster {
		if entry.GuildName != "" {
			counts[entry.GuildName]++
		}
	}
	best, bestCount := "", 0
	for guild, n := range counts {
		if n > bestCount || (n == bestCount && guild < best) {
			best, bestCount = guild, n
		}
	}
	return best
}
