package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/warlog-ledger/internal/domain"
)

// LatestGuildSnapshot returns the newest stored guild snapshot, nil when none
func (r *Repository) LatestGuildSnapshot(ctx context.Context) (*domain.GuildSnapshot, error) {
	return r.querySnapshot(ctx, `
		WHERE updated_at = (SELECT MAX(updated_at) FROM guild_leaderboard)
	`)
}

// OldestGuildSnapshotSince returns the oldest snapshot observed at or after since, nil when none
func (r *Repository) OldestGuildSnapshotSince(ctx context.Context, since time.Time) (*domain.GuildSnapshot, error) {
	return r.querySnapshot(ctx, `
		WHERE updated_at = (SELECT MIN(updated_at) FROM guild_leaderboard WHERE updated_at >= $1)
	`, since)
}

func (r *Repository) querySnapshot(ctx context.Context, where string, args ...any) (*domain.GuildSnapshot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT updated_at, guild_name, prefix, level, xp, territories, member_count
		FROM guild_leaderboard `+where+`
		ORDER BY guild_name`, args...)
	if err != nil {
		return nil, wrap("querying guild snapshot", err)
	}
	defer rows.Close()

	var snap *domain.GuildSnapshot
	for rows.Next() {
		var observedAt time.Time
		var e domain.GuildSnapshotEntry
		if err := rows.Scan(&observedAt, &e.GuildName, &e.Prefix, &e.Level, &e.XP, &e.Territories, &e.MemberCount); err != nil {
			return nil, wrap("scanning guild snapshot", err)
		}
		if snap == nil {
			snap = &domain.GuildSnapshot{ObservedAt: observedAt.UTC()}
		}
		snap.Entries = append(snap.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("querying guild snapshot", err)
	}
	return snap, nil
}

// AppendGuildSnapshot stores snap and prunes older history in one transaction
func (r *Repository) AppendGuildSnapshot(ctx context.Context, snap domain.GuildSnapshot, pruneBefore time.Time) error {
	return r.inTx(ctx, "appending guild snapshot", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM guild_leaderboard WHERE updated_at < $1`, pruneBefore); err != nil {
			return wrap("pruning guild snapshots", err)
		}

		rows := make([][]any, len(snap.Entries))
		for i, e := range snap.Entries {
			rows[i] = []any{snap.ObservedAt, e.GuildName, e.Prefix, e.Level, e.XP, e.Territories, e.MemberCount}
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"guild_leaderboard"},
			[]string{"updated_at", "guild_name", "prefix", "level", "xp", "territories", "member_count"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return wrap("copying guild snapshot", err)
		}
		return nil
	})
}

// ReplaceXPLeaderboard swaps the xp leaderboard in one transaction. Readers keep seeing the
// old rows until commit.
func (r *Repository) ReplaceXPLeaderboard(ctx context.Context, gains []domain.GuildXPGain) error {
	return r.inTx(ctx, "replacing xp leaderboard", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM guild_xp_leaderboard`); err != nil {
			return wrap("clearing xp leaderboard", err)
		}

		rows := make([][]any, len(gains))
		for i, g := range gains {
			rows[i] = []any{g.GuildName, g.Prefix, g.Level, g.XP, g.XPGained, g.From, g.To}
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"guild_xp_leaderboard"},
			[]string{"guild_name", "prefix", "level", "xp", "xp_gained", "from_time", "to_time"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return wrap("copying xp leaderboard", err)
		}
		return nil
	})
}

// XPLeaderboard returns a page of the xp leaderboard by xp gained, ties by guild name descending
func (r *Repository) XPLeaderboard(ctx context.Context, limit, offset int) ([]domain.GuildXPGain, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT guild_name, prefix, level, xp, xp_gained, from_time, to_time
		FROM guild_xp_leaderboard
		ORDER BY xp_gained DESC, guild_name COLLATE "C" DESC
		LIMIT $1 OFFSET $2
	`, nullLimit(limit), offset)
	if err != nil {
		return nil, wrap("querying xp leaderboard", err)
	}
	defer rows.Close()

	gains := []domain.GuildXPGain{}
	for rows.Next() {
		var g domain.GuildXPGain
		if err := rows.Scan(&g.GuildName, &g.Prefix, &g.Level, &g.XP, &g.XPGained, &g.From, &g.To); err != nil {
			return nil, wrap("scanning xp row", err)
		}
		g.From = g.From.UTC()
		g.To = g.To.UTC()
		gains = append(gains, g)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("querying xp leaderboard", err)
	}
	return gains, nil
}
