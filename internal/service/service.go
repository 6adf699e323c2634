// Package service exposes the ledger operations to the transport layers.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warlog-ledger/internal/correlator"
	"github.com/warlog-ledger/internal/domain"
	"github.com/warlog-ledger/internal/leaderboard"
	"github.com/warlog-ledger/internal/ledger"
	"github.com/warlog-ledger/internal/tracker"
)

// Pinger reports whether a backend is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Components are the collaborators a Service delegates to
type Components struct {
	Territories *ledger.TerritoryLedger
	Wars        *ledger.WarLedger
	Correlator  *correlator.Correlator
	Engine      *leaderboard.Engine
	Snapshots   *leaderboard.SnapshotRefresher
	Tracker     *tracker.Tracker
	Clock       domain.Clock
	Store       Pinger
	// Cache is optional.
	Cache Pinger
}

// Service provides the business operations of the war ledger
type Service struct {
	territories *ledger.TerritoryLedger
	wars        *ledger.WarLedger
	correlator  *correlator.Correlator
	engine      *leaderboard.Engine
	snapshots   *leaderboard.SnapshotRefresher
	tracker     *tracker.Tracker
	clock       domain.Clock
	store       Pinger
	cache       Pinger
	logger      *slog.Logger
}

// New creates a new service
func New(c Components, logger *slog.Logger) *Service {
	clock := c.Clock
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Service{
		territories: c.Territories,
		wars:        c.Wars,
		correlator:  c.Correlator,
		engine:      c.Engine,
		snapshots:   c.Snapshots,
		tracker:     c.Tracker,
		clock:       clock,
		store:       c.Store,
		cache:       c.Cache,
		logger:      logger,
	}
}

// RecordTerritorySnapshot records a territory ownership snapshot and returns the changes it caused.
// A capture ends the open war of the capturing guild.
func (s *Service) RecordTerritorySnapshot(ctx context.Context, owners map[string]string, observedAt time.Time) ([]domain.TerritoryChangeEvent, error) {
	if observedAt.IsZero() {
		observedAt = s.clock.Now()
	}
	if s.tracker != nil {
		return s.tracker.ApplyTerritorySnapshot(ctx, owners, observedAt)
	}
	return s.territories.RecordSnapshot(ctx, owners, observedAt)
}

// OpenWar records a new war on a war server
func (s *Service) OpenWar(ctx context.Context, serverName, guildNameGuess string, roster []domain.RosterEntry) (*domain.WarLog, error) {
	if serverName == "" {
		return nil, fmt.Errorf("%w: server name is required", domain.ErrInvalidRequest)
	}
	return s.wars.Open(ctx, serverName, guildNameGuess, roster)
}

// UpdateWarRoster applies a roster observation to an open war
func (s *Service) UpdateWarRoster(ctx context.Context, id int64, roster []domain.RosterEntry) (*domain.WarLog, error) {
	return s.wars.UpdateRoster(ctx, id, roster)
}

// CloseWar marks a war ended
func (s *Service) CloseWar(ctx context.Context, id int64) error {
	return s.wars.Close(ctx, id)
}

// MarkLogEnded freezes an ended war
func (s *Service) MarkLogEnded(ctx context.Context, id int64) error {
	return s.wars.MarkLogEnded(ctx, id)
}

// GetWar returns a war with its roster
func (s *Service) GetWar(ctx context.Context, id int64) (*domain.WarLog, error) {
	return s.wars.Get(ctx, id)
}

// ResolvePlayerUUID fills in a player's uuid on every roster row still missing it
func (s *Service) ResolvePlayerUUID(ctx context.Context, playerName, uuid string) (int64, error) {
	if playerName == "" || uuid == "" {
		return 0, fmt.Errorf("%w: player name and uuid are required", domain.ErrInvalidRequest)
	}
	return s.wars.ResolvePlayerUUID(ctx, playerName, uuid)
}

// RunCorrelation runs one correlation pass. The result holds the records appended by this
// pass followed by the provisional records of wars still awaiting an outcome.
func (s *Service) RunCorrelation(ctx context.Context) ([]domain.GuildOutcomeRecord, error) {
	records, err := s.correlator.Correlate(ctx)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []domain.GuildOutcomeRecord{}
	}
	return records, nil
}

// GuildLeaderboard returns a page of the guild war leaderboard
func (s *Service) GuildLeaderboard(ctx context.Context, q leaderboard.GuildQuery) ([]domain.GuildWarStanding, error) {
	return s.engine.GuildLeaderboard(ctx, q)
}

// PlayerLeaderboard returns a page of the player war leaderboard
func (s *Service) PlayerLeaderboard(ctx context.Context, q leaderboard.PlayerQuery) ([]domain.PlayerWarStanding, error) {
	return s.engine.PlayerLeaderboard(ctx, q)
}

// GuildOutcomes returns a guild's recorded outcomes, newest first
func (s *Service) GuildOutcomes(ctx context.Context, guild string, r *domain.TimeRange, limit, offset int) ([]domain.GuildOutcomeRecord, error) {
	return s.engine.GuildOutcomes(ctx, guild, r, limit, offset)
}

// RebuildPlayerLeaderboard recomputes the player leaderboard from the outcome log
func (s *Service) RebuildPlayerLeaderboard(ctx context.Context) error {
	return s.engine.RebuildPlayerLeaderboard(ctx)
}

// LevelRank derives the level rank of a guild snapshot
func (s *Service) LevelRank(snapshot []domain.GuildSnapshotEntry) []domain.LevelRankEntry {
	return leaderboard.DeriveLevelRank(snapshot)
}

// RefreshGuildSnapshot stores a guild snapshot and republishes the snapshot leaderboards
func (s *Service) RefreshGuildSnapshot(ctx context.Context, entries []domain.GuildSnapshotEntry, observedAt time.Time) (*leaderboard.RefreshResult, error) {
	if observedAt.IsZero() {
		observedAt = s.clock.Now()
	}
	return s.snapshots.Refresh(ctx, entries, observedAt)
}

// CurrentLevelRank returns a page of the level rank of the latest guild snapshot
func (s *Service) CurrentLevelRank(ctx context.Context, limit, offset int) ([]domain.LevelRankEntry, error) {
	return s.snapshots.CurrentLevelRank(ctx, limit, offset)
}

// XPLeaderboard returns a page of the xp gained leaderboard
func (s *Service) XPLeaderboard(ctx context.Context, limit, offset int) ([]domain.GuildXPGain, error) {
	return s.snapshots.XPLeaderboard(ctx, limit, offset)
}

// ApplyWarServers reconciles one observation of every war server
func (s *Service) ApplyWarServers(ctx context.Context, servers map[string][]domain.RosterEntry, observedAt time.Time) (*tracker.WarServerResult, error) {
	if observedAt.IsZero() {
		observedAt = s.clock.Now()
	}
	return s.tracker.ApplyWarServers(ctx, servers, observedAt)
}

// FreezeEnded freezes every war whose grace window has passed
func (s *Service) FreezeEnded(ctx context.Context) (int, error) {
	return s.tracker.FreezeEnded(ctx, s.clock.Now())
}

// Ready checks the store and, when configured, the cache
func (s *Service) Ready(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return domain.Transient("pinging store", err)
	}
	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			return domain.Transient("pinging cache", err)
		}
	}
	return nil
}
