package main

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/google/uuid"

	"github.com/warlog-ledger/internal/domain"
)

var playerPrefixes = []string{
	"Phoenix", "Shadow", "Thunder", "Storm", "Blaze", "Ninja", "Dragon", "Wolf", "Hawk", "Viper",
	"Ghost", "Titan", "Frost", "Cyber", "Nova", "Raven", "Omega", "Alpha", "Delta", "Sigma",
	"Ace", "Bolt", "Crash", "Dash", "Edge", "Flash", "Glitch", "Haze", "Ion", "Jade",
	"Knight", "Luna", "Mystic", "Neon", "Orion", "Pulse", "Quantum", "Rebel", "Spark", "Turbo",
}

func getPlayerName(idx int) string {
	prefixIdx := idx % len(playerPrefixes)
	suffix := idx/len(playerPrefixes) + 1
	return fmt.Sprintf("%s%d", playerPrefixes[prefixIdx], suffix)
}

// playerUUID is stable per name so replays resolve to the same player
func playerUUID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// world is a simulated game world the feeder observes
type world struct {
	rng         *rand.Rand
	guilds      []string
	territories []string
	servers     []string
	owners      map[string]string
	level       map[string]int
	xp          map[string]int64
	members     map[string][]string
}

func newWorld(seed int64, guilds, territories, servers, playersPerGuild int) *world {
	w := &world{
		rng:     rand.New(rand.NewSource(seed)),
		owners:  make(map[string]string, territories),
		level:   make(map[string]int, guilds),
		xp:      make(map[string]int64, guilds),
		members: make(map[string][]string, guilds),
	}
	player := 0
	for i := 0; i < guilds; i++ {
		name := fmt.Sprintf("Guild%02d", i+1)
		w.guilds = append(w.guilds, name)
		w.level[name] = 20 + w.rng.Intn(80)
		w.xp[name] = int64(w.rng.Intn(1_000_000))
		for j := 0; j < playersPerGuild; j++ {
			w.members[name] = append(w.members[name], getPlayerName(player))
			player++
		}
	}
	for i := 0; i < territories; i++ {
		t := fmt.Sprintf("Territory%03d", i+1)
		w.territories = append(w.territories, t)
		w.owners[t] = w.guilds[w.rng.Intn(len(w.guilds))]
	}
	for i := 0; i < servers; i++ {
		w.servers = append(w.servers, fmt.Sprintf("WC%d", i+1))
	}
	return w
}

// territorySnapshot hands one random territory to a random guild and returns every owner
func (w *world) territorySnapshot() map[string]string {
	t := w.territories[w.rng.Intn(len(w.territories))]
	w.owners[t] = w.guilds[w.rng.Intn(len(w.guilds))]

	out := make(map[string]string, len(w.owners))
	for k, v := range w.owners {
		out[k] = v
	}
	return out
}

// warServers fills about half the war servers with a party from one guild
func (w *world) warServers() map[string][]domain.RosterEntry {
	out := make(map[string][]domain.RosterEntry, len(w.servers))
	for _, server := range w.servers {
		if w.rng.Intn(2) == 0 {
			out[server] = []domain.RosterEntry{}
			continue
		}
		guild := w.guilds[w.rng.Intn(len(w.guilds))]
		members := w.members[guild]
		size := 1 + w.rng.Intn(min(5, len(members)))
		perm := w.rng.Perm(len(members))[:size]
		sort.Ints(perm)
		roster := make([]domain.RosterEntry, 0, size)
		for _, idx := range perm {
			name := members[idx]
			roster = append(roster, domain.RosterEntry{
				PlayerName: name,
				PlayerUUID: playerUUID(name),
				GuildName:  guild,
			})
		}
		out[server] = roster
	}
	return out
}

// guildSnapshot advances every guild's xp and returns the leaderboard
func (w *world) guildSnapshot() []domain.GuildSnapshotEntry {
	held := make(map[string]int, len(w.guilds))
	for _, g := range w.owners {
		held[g]++
	}

	out := make([]domain.GuildSnapshotEntry, 0, len(w.guilds))
	for _, g := range w.guilds {
		w.xp[g] += int64(w.rng.Intn(50_000))
		if w.rng.Intn(20) == 0 {
			w.level[g]++
		}
		out = append(out, domain.GuildSnapshotEntry{
			GuildName:   g,
			Prefix:      "G" + g[len(g)-2:],
			Level:       w.level[g],
			XP:          w.xp[g],
			Territories: held[g],
			MemberCount: len(w.members[g]),
		})
	}
	return out
}
