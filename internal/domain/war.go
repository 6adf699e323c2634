package domain

import "time"

// WarState is the lifecycle position of a war log.
type WarState string

const (
	WarStateOpen     WarState = "open"
	WarStateEnded    WarState = "ended"
	WarStateLogEnded WarState = "log_ended"
)

// WarLog is one recorded instance of a guild fighting on a server.
type WarLog struct {
	ID             int64       `json:"id"`
	ServerName     string      `json:"server_name"`
	GuildNameGuess string      `json:"guild_name_guess,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	LastUpdatedAt  time.Time   `json:"last_updated_at"`
	Ended          bool        `json:"ended"`
	LogEnded       bool        `json:"log_ended"`
	Players        []WarPlayer `json:"players"`
}

// State returns the lifecycle state derived from the ended flags.
func (w *WarLog) State() WarState {
	switch {
	case w.LogEnded:
		return WarStateLogEnded
	case w.Ended:
		return WarStateEnded
	default:
		return WarStateOpen
	}
}

// EndedFor returns how long ago the war was closed, or zero while it is open.
// A closed war's LastUpdatedAt is its close time.
func (w *WarLog) EndedFor(now time.Time) time.Duration {
	if !w.Ended {
		return 0
	}
	return now.Sub(w.LastUpdatedAt)
}

// Player returns the roster row for name.
func (w *WarLog) Player(name string) (WarPlayer, bool) {
	for _, p := range w.Players {
		if p.PlayerName == name {
			return p, true
		}
	}
	return WarPlayer{}, false
}

// RosterChange is the effect of one roster observation on a war, applied in a single transaction.
type RosterChange struct {
	WarLogID       int64
	UpdatedAt      time.Time
	GuildNameGuess string
	Added          []WarPlayer
	Exited         []string
	ResolvedUUIDs  map[string]string
}

// Empty reports whether the change touches nothing but the update time.
func (c RosterChange) Empty() bool {
	return c.GuildNameGuess == "" && len(c.Added) == 0 && len(c.Exited) == 0 && len(c.ResolvedUUIDs) == 0
}
