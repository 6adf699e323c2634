package leaderboard

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/warlog-ledger/internal/domain"
	"github.com/warlog-ledger/internal/storage"
)

// Store is the storage the engine reads.
type Store interface {
	storage.WarLeaderboards
	GuildOutcomes(ctx context.Context, q storage.GuildOutcomeQuery) ([]domain.GuildOutcomeRecord, error)
}

// RangeResolver maps wall-clock ranges to war log id ranges.
type RangeResolver interface {
	Resolve(ctx context.Context, r domain.TimeRange) (domain.IDRange, error)
}

// Config holds paging limits.
type Config struct {
	DefaultLimit int
	MaxLimit     int
}

// GuildQuery selects a page of the guild war leaderboard.
type GuildQuery struct {
	SortKey domain.GuildSortKey
	Range   *domain.TimeRange
	Limit   int
	Offset  int
}

// PlayerQuery selects a page of the player war leaderboard.
type PlayerQuery struct {
	SortKey     domain.PlayerSortKey
	Range       *domain.TimeRange
	GuildFilter string
	Limit       int
	Offset      int
}

// Engine answers ranked, paginated war leaderboards.
type Engine struct {
	store  Store
	ranges RangeResolver
	config Config
	logger *slog.Logger
}

// NewEngine creates a new leaderboard engine
func NewEngine(store Store, ranges RangeResolver, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		ranges: ranges,
		config: cfg,
		logger: logger,
	}
}

// GuildLeaderboard returns guilds ranked by war count, ties broken by guild name descending.
// An empty page is not an error.
func (e *Engine) GuildLeaderboard(ctx context.Context, q GuildQuery) ([]domain.GuildWarStanding, error) {
	key, err := domain.ParseGuildSortKey(string(q.SortKey))
	if err != nil {
		return nil, err
	}
	limit, err := e.page(q.Limit, q.Offset)
	if err != nil {
		return nil, err
	}
	ids, err := e.resolve(ctx, q.Range)
	if err != nil {
		return nil, err
	}
	if ids != nil && ids.Empty() {
		return []domain.GuildWarStanding{}, nil
	}

	rows, err := e.store.GuildStandings(ctx, storage.GuildStandingQuery{
		SortKey: key,
		Range:   ids,
		Limit:   limit,
		Offset:  q.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("querying guild leaderboard: %w", err)
	}
	for i := range rows {
		rows[i].Rank = int64(q.Offset + i + 1)
	}
	return nonNil(rows), nil
}

// PlayerLeaderboard returns players ranked by war count, ties broken by uuid descending.
func (e *Engine) PlayerLeaderboard(ctx context.Context, q PlayerQuery) ([]domain.PlayerWarStanding, error) {
	key, err := domain.ParsePlayerSortKey(string(q.SortKey))
	if err != nil {
		return nil, err
	}
	limit, err := e.page(q.Limit, q.Offset)
	if err != nil {
		return nil, err
	}
	ids, err := e.resolve(ctx, q.Range)
	if err != nil {
		return nil, err
	}
	if ids != nil && ids.Empty() {
		return []domain.PlayerWarStanding{}, nil
	}

	rows, err := e.store.PlayerStandings(ctx, storage.PlayerStandingQuery{
		SortKey:   key,
		Range:     ids,
		GuildName: q.GuildFilter,
		Limit:     limit,
		Offset:    q.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("querying player leaderboard: %w", err)
	}
	for i := range rows {
		rows[i].Rank = int64(q.Offset + i + 1)
	}
	return nonNil(rows), nil
}

// GuildOutcomes returns a guild's outcome history, newest first.
func (e *Engine) GuildOutcomes(ctx context.Context, guild string, r *domain.TimeRange, limit, offset int) ([]domain.GuildOutcomeRecord, error) {
	if guild == "" {
		return nil, fmt.Errorf("%w: guild name is required", domain.ErrInvalidRequest)
	}
	limit, err := e.page(limit, offset)
	if err != nil {
		return nil, err
	}
	ids, err := e.resolve(ctx, r)
	if err != nil {
		return nil, err
	}
	rows, err := e.store.GuildOutcomes(ctx, storage.GuildOutcomeQuery{
		GuildName: guild,
		Range:     ids,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		return nil, fmt.Errorf("querying outcomes of %s: %w", guild, err)
	}
	return nonNil(rows), nil
}

// RebuildPlayerLeaderboard recomputes the player leaderboard from the outcome log, picking up
// players whose uuid was resolved after their wars were correlated.
func (e *Engine) RebuildPlayerLeaderboard(ctx context.Context) error {
	if err := e.store.RebuildPlayerStandings(ctx); err != nil {
		return fmt.Errorf("rebuilding player leaderboard: %w", err)
	}
	e.logger.Info("player leaderboard rebuilt")
	return nil
}

// page validates paging and clamps the limit to the configured bounds.
func (e *Engine) page(limit, offset int) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("%w: offset must not be negative", domain.ErrInvalidRequest)
	}
	return ClampLimit(limit, e.config), nil
}

// ClampLimit applies the default and maximum page size.
func ClampLimit(limit int, cfg Config) int {
	if limit <= 0 {
		limit = cfg.DefaultLimit
	}
	if cfg.MaxLimit > 0 && limit > cfg.MaxLimit {
		limit = cfg.MaxLimit
	}
	return limit
}

func (e *Engine) resolve(ctx context.Context, r *domain.TimeRange) (*domain.IDRange, error) {
	if r == nil {
		return nil, nil
	}
	ids, err := e.ranges.Resolve(ctx, *r)
	if err != nil {
		return nil, fmt.Errorf("resolving time range: %w", err)
	}
	return &ids, nil
}

func nonNil[T any](rows []T) []T {
	if rows == nil {
		return []T{}
	}
	return rows
}
