package domain

import "time"

// TerritoryChangeEvent is one recorded ownership transition of a territory.
type TerritoryChangeEvent struct {
	ID                  int64         `json:"id"`
	TerritoryName       string        `json:"territory_name"`
	OldGuildName        string        `json:"old_guild_name"`
	NewGuildName        string        `json:"new_guild_name"`
	OldGuildTerritories int           `json:"old_guild_territories"`
	NewGuildTerritories int           `json:"new_guild_territories"`
	AcquiredAt          time.Time     `json:"acquired_at"`
	HeldDuration        time.Duration `json:"held_duration"`
}

// Ownership is the last known owner of a territory.
type Ownership struct {
	GuildName  string    `json:"guild_name"`
	AcquiredAt time.Time `json:"acquired_at"`
}
