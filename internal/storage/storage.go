// Package storage declares the persistence contracts of the war and territory log.
//
// The log entities are append-only: their interfaces expose append and read operations
// and nothing that edits or deletes an appended row. War logs are the one exception,
// with narrowly scoped lifecycle writes.
package storage

import (
	"context"
	"time"

	"github.com/warlog-ledger/internal/domain"
)

// TerritoryLog stores territory ownership transitions and the last known owner per territory.
type TerritoryLog interface {
	// CurrentOwners returns the last known owner of every territory ever seen.
	CurrentOwners(ctx context.Context) (map[string]domain.Ownership, error)
	// AppendTerritoryEvents appends events in order, assigns their ids and updates the owner
	// table, all in one transaction.
	AppendTerritoryEvents(ctx context.Context, events []domain.TerritoryChangeEvent) ([]domain.TerritoryChangeEvent, error)
	// TerritoryEvents returns the events with the given ids. Missing ids are absent from the map.
	TerritoryEvents(ctx context.Context, ids []int64) (map[int64]domain.TerritoryChangeEvent, error)
	// UncorrelatedTerritoryEvents returns events no outcome record references, oldest first.
	UncorrelatedTerritoryEvents(ctx context.Context, limit int) ([]domain.TerritoryChangeEvent, error)
}

// WarLogs stores war logs and their player rosters.
type WarLogs interface {
	// CreateWar inserts the header and every player row in one transaction and returns the war with its id.
	CreateWar(ctx context.Context, war domain.WarLog) (*domain.WarLog, error)
	// GetWar returns domain.ErrWarNotFound for an unknown id.
	GetWar(ctx context.Context, id int64) (*domain.WarLog, error)
	Wars(ctx context.Context, ids []int64) (map[int64]*domain.WarLog, error)
	// ActiveWars returns wars that are not log-ended, oldest first.
	ActiveWars(ctx context.Context) ([]domain.WarLog, error)
	ApplyRosterChange(ctx context.Context, change domain.RosterChange) error
	EndWar(ctx context.Context, id int64, at time.Time) error
	EndWarLog(ctx context.Context, id int64) error
	// ResolvePlayerUUID fills the uuid on every unresolved row of the player and returns the rows touched.
	ResolvePlayerUUID(ctx context.Context, playerName, uuid string) (int64, error)
	// UncorrelatedWars returns wars created at or after since that no outcome record references, oldest first.
	UncorrelatedWars(ctx context.Context, since time.Time) ([]domain.WarLog, error)
}

// WarTimeline exposes the id/creation-time order of the war log.
type WarTimeline interface {
	// WarLogIDBounds returns the smallest and largest war log ids. An empty log returns (1, 0).
	WarLogIDBounds(ctx context.Context) (first, last int64, err error)
	// WarLogAtOrAfter returns the smallest existing id >= id with its creation time. ok is false past the end.
	WarLogAtOrAfter(ctx context.Context, id int64) (found int64, createdAt time.Time, ok bool, err error)
}

// OutcomeLog stores guild outcome records and maintains the incremental war leaderboards.
type OutcomeLog interface {
	// AppendOutcomes appends records and applies the leaderboard deltas in one transaction.
	AppendOutcomes(ctx context.Context, records []domain.GuildOutcomeRecord, guilds []domain.GuildWarDelta, players []domain.PlayerWarDelta) ([]domain.GuildOutcomeRecord, error)
	// GuildOutcomes returns a guild's records newest first.
	GuildOutcomes(ctx context.Context, q GuildOutcomeQuery) ([]domain.GuildOutcomeRecord, error)
}

// GuildOutcomeQuery selects a page of one guild's outcome history.
type GuildOutcomeQuery struct {
	GuildName string
	Range     *domain.IDRange
	Limit     int
	Offset    int
}

// WarLeaderboards answers ranked war aggregates.
type WarLeaderboards interface {
	GuildStandings(ctx context.Context, q GuildStandingQuery) ([]domain.GuildWarStanding, error)
	PlayerStandings(ctx context.Context, q PlayerStandingQuery) ([]domain.PlayerWarStanding, error)
	// RebuildPlayerStandings recomputes the incremental player table from the outcome log atomically.
	RebuildPlayerStandings(ctx context.Context) error
}

// GuildStandingQuery selects a page of the guild leaderboard. A nil Range reads the incremental table.
type GuildStandingQuery struct {
	SortKey domain.GuildSortKey
	Range   *domain.IDRange
	Limit   int
	Offset  int
}

// PlayerStandingQuery selects a page of the player leaderboard. A nil Range with an empty
// GuildName reads the incremental table; anything else aggregates the outcome log.
type PlayerStandingQuery struct {
	SortKey   domain.PlayerSortKey
	Range     *domain.IDRange
	GuildName string
	Limit     int
	Offset    int
}

// GuildSnapshots stores the externally sourced guild rankings.
type GuildSnapshots interface {
	// LatestGuildSnapshot returns nil when no snapshot was stored.
	LatestGuildSnapshot(ctx context.Context) (*domain.GuildSnapshot, error)
	// OldestGuildSnapshotSince returns the oldest snapshot observed at or after since, nil when none.
	OldestGuildSnapshotSince(ctx context.Context, since time.Time) (*domain.GuildSnapshot, error)
	// AppendGuildSnapshot stores snap and drops snapshots observed before pruneBefore in one transaction.
	AppendGuildSnapshot(ctx context.Context, snap domain.GuildSnapshot, pruneBefore time.Time) error
	// ReplaceXPLeaderboard swaps the whole xp leaderboard; readers see the old or the new rows, never a mix.
	ReplaceXPLeaderboard(ctx context.Context, rows []domain.GuildXPGain) error
	XPLeaderboard(ctx context.Context, limit, offset int) ([]domain.GuildXPGain, error)
}

// Store is the full persistence layer.
type Store interface {
	TerritoryLog
	WarLogs
	WarTimeline
	OutcomeLog
	WarLeaderboards
	GuildSnapshots
	Ping(ctx context.Context) error
	Close()
}
