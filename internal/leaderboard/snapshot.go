package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/warlog-ledger/internal/domain"
	"github.com/warlog-ledger/internal/storage"
)

// SnapshotCache serves the snapshot leaderboards. Each publish replaces the previous view atomically.
type SnapshotCache interface {
	PublishLevelRank(ctx context.Context, entries []domain.LevelRankEntry) error
	PublishXPLeaderboard(ctx context.Context, rows []domain.GuildXPGain) error
	// LevelRank returns ok=false when nothing was published yet.
	LevelRank(ctx context.Context, limit, offset int) (entries []domain.LevelRankEntry, ok bool, err error)
	XPLeaderboard(ctx context.Context, limit, offset int) (rows []domain.GuildXPGain, ok bool, err error)
}

// RefreshResult describes what a snapshot refresh did.
type RefreshResult struct {
	Skipped  bool `json:"skipped"`
	Guilds   int  `json:"guilds"`
	XPGuilds int  `json:"xp_guilds"`
}

// SnapshotRefresher maintains the externally sourced guild leaderboards.
type SnapshotRefresher struct {
	store     storage.GuildSnapshots
	cache     SnapshotCache
	retention time.Duration
	config    Config
	logger    *slog.Logger
}

// NewSnapshotRefresher creates a new snapshot refresher. cache may be nil.
func NewSnapshotRefresher(store storage.GuildSnapshots, cache SnapshotCache, retention time.Duration, cfg Config, logger *slog.Logger) *SnapshotRefresher {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &SnapshotRefresher{
		store:     store,
		cache:     cache,
		retention: retention,
		config:    cfg,
		logger:    logger,
	}
}

// Refresh stores a new guild snapshot, recomputes the xp leaderboard over the retention
// window and republishes both snapshot views.
func (r *SnapshotRefresher) Refresh(ctx context.Context, entries []domain.GuildSnapshotEntry, observedAt time.Time) (*RefreshResult, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: guild snapshot is empty", domain.ErrInvalidRequest)
	}
	if observedAt.IsZero() {
		return nil, fmt.Errorf("%w: guild snapshot has no observation time", domain.ErrInvalidRequest)
	}
	latest, err := r.store.LatestGuildSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading latest guild snapshot: %w", err)
	}
	if latest != nil {
		if sameEntries(latest.Entries, entries) {
			r.logger.Debug("guild snapshot unchanged, skipping")
			return &RefreshResult{Skipped: true}, nil
		}
		if !observedAt.After(latest.ObservedAt) {
			return nil, fmt.Errorf("%w: observed at %s, latest at %s", domain.ErrSnapshotRegressed,
				observedAt.Format(time.RFC3339), latest.ObservedAt.Format(time.RFC3339))
		}
		if guild, ok := regressed(latest.Entries, entries); ok {
			return nil, fmt.Errorf("%w: level or xp of %s decreased", domain.ErrSnapshotRegressed, guild)
		}
	}

	snap := domain.GuildSnapshot{ObservedAt: observedAt, Entries: entries}
	windowStart := observedAt.Add(-r.retention)
	if err := r.store.AppendGuildSnapshot(ctx, snap, windowStart); err != nil {
		return nil, fmt.Errorf("storing guild snapshot: %w", err)
	}

	oldest, err := r.store.OldestGuildSnapshotSince(ctx, windowStart)
	if err != nil {
		return nil, fmt.Errorf("loading oldest guild snapshot: %w", err)
	}
	if oldest == nil {
		oldest = &snap
	}
	gains := ComputeXPGains(*oldest, snap)
	if err := r.store.ReplaceXPLeaderboard(ctx, gains); err != nil {
		return nil, fmt.Errorf("replacing xp leaderboard: %w", err)
	}

	r.publish(ctx, DeriveLevelRank(entries), gains)

	r.logger.Info("guild snapshot refreshed",
		"guilds", len(entries),
		"xp_guilds", len(gains),
		"window_from", oldest.ObservedAt,
	)
	return &RefreshResult{Guilds: len(entries), XPGuilds: len(gains)}, nil
}

// publish pushes the views to the cache. The store stays authoritative, so cache failures only warn.
func (r *SnapshotRefresher) publish(ctx context.Context, rank []domain.LevelRankEntry, gains []domain.GuildXPGain) {
	if r.cache == nil {
		return
	}
	if err := r.cache.PublishLevelRank(ctx, rank); err != nil {
		r.logger.Warn("failed to publish level rank", "error", err)
	}
	if err := r.cache.PublishXPLeaderboard(ctx, gains); err != nil {
		r.logger.Warn("failed to publish xp leaderboard", "error", err)
	}
}

// CurrentLevelRank returns a page of the level rank derived from the latest snapshot.
func (r *SnapshotRefresher) CurrentLevelRank(ctx context.Context, limit, offset int) ([]domain.LevelRankEntry, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", domain.ErrInvalidRequest)
	}
	limit = ClampLimit(limit, r.config)

	if r.cache != nil {
		entries, ok, err := r.cache.LevelRank(ctx, limit, offset)
		if err == nil && ok {
			return entries, nil
		}
		if err != nil {
			r.logger.Warn("level rank cache read failed, using store", "error", err)
		}
	}

	latest, err := r.store.LatestGuildSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading latest guild snapshot: %w", err)
	}
	if latest == nil {
		return []domain.LevelRankEntry{}, nil
	}
	return domain.Page(DeriveLevelRank(latest.Entries), limit, offset), nil
}

// XPLeaderboard returns a page of the xp gained leaderboard.
func (r *SnapshotRefresher) XPLeaderboard(ctx context.Context, limit, offset int) ([]domain.GuildXPGain, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", domain.ErrInvalidRequest)
	}
	limit = ClampLimit(limit, r.config)

	if r.cache != nil {
		rows, ok, err := r.cache.XPLeaderboard(ctx, limit, offset)
		if err == nil && ok {
			return rows, nil
		}
		if err != nil {
			r.logger.Warn("xp leaderboard cache read failed, using store", "error", err)
		}
	}

	rows, err := r.store.XPLeaderboard(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying xp leaderboard: %w", err)
	}
	for i := range rows {
		rows[i].Rank = int64(offset + i + 1)
	}
	return nonNil(rows), nil
}

// ComputeXPGains returns the xp each guild gained between two snapshots, ranked descending.
// Guilds absent from the older snapshot have no baseline and are left out.
func ComputeXPGains(from, to domain.GuildSnapshot) []domain.GuildXPGain {
	base := make(map[string]int64, len(from.Entries))
	for _, e := range from.Entries {
		base[e.GuildName] = e.XP
	}

	gains := make([]domain.GuildXPGain, 0, len(to.Entries))
	for _, e := range to.Entries {
		xp, ok := base[e.GuildName]
		if !ok {
			continue
		}
		gains = append(gains, domain.GuildXPGain{
			GuildName: e.GuildName,
			Prefix:    e.Prefix,
			Level:     e.Level,
			XP:        e.XP,
			XPGained:  e.XP - xp,
			From:      from.ObservedAt,
			To:        to.ObservedAt,
		})
	}
	domain.SortXPGains(gains)
	for i := range gains {
		gains[i].Rank = int64(i + 1)
	}
	return gains
}

func sameEntries(a, b []domain.GuildSnapshotEntry) bool {
	if len(a) != len(b) {
		return false
	}
	x := sortedByName(a)
	y := sortedByName(b)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

func sortedByName(entries []domain.GuildSnapshotEntry) []domain.GuildSnapshotEntry {
	out := append([]domain.GuildSnapshotEntry(nil), entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].GuildName < out[j].GuildName })
	return out
}

// regressed reports the first guild whose (level, xp) went down between snapshots.
func regressed(prev, next []domain.GuildSnapshotEntry) (string, bool) {
	old := make(map[string]domain.GuildSnapshotEntry, len(prev))
	for _, e := range prev {
		old[e.GuildName] = e
	}
	for _, e := range sortedByName(next) {
		if p, ok := old[e.GuildName]; ok && below(e, p) {
			return e.GuildName, true
		}
	}
	return "", false
}
