package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/warlog-ledger/internal/domain"
	"github.com/warlog-ledger/internal/storage"
)

// playerAggregate folds outcome records and rosters into per-player counts. $1/$2 bound the
// war log id range (NULL for all) and $3 filters by guild (empty for all).
const playerAggregate = `
	WITH played AS (
		SELECT p.player_uuid AS uuid,
			p.player_name,
			p.war_log_id,
			p.exited,
			g.outcome = 'war_succeeded' AS succeeded
		FROM guild_war_log g
		JOIN war_player p ON p.war_log_id = g.war_log_id
		WHERE g.war_log_id IS NOT NULL
			AND p.player_uuid <> ''
			AND ($1::bigint IS NULL OR (g.war_log_id >= $1 AND g.war_log_id < $2::bigint))
			AND ($3::text = '' OR lower(g.guild_name) = lower($3::text))
	)
	SELECT uuid,
		(array_agg(player_name ORDER BY war_log_id DESC))[1] AS last_name,
		MAX(war_log_id) AS last_war_log_id,
		COUNT(*) AS total_war,
		COUNT(*) FILTER (WHERE succeeded) AS success_war,
		COUNT(*) FILTER (WHERE succeeded AND NOT exited) AS survived_war
	FROM played
	GROUP BY uuid
`

// AppendOutcomes appends records and applies the incremental leaderboard deltas in one transaction
func (r *Repository) AppendOutcomes(ctx context.Context, records []domain.GuildOutcomeRecord, guilds []domain.GuildWarDelta, players []domain.PlayerWarDelta) ([]domain.GuildOutcomeRecord, error) {
	for _, rec := range records {
		if rec.WarLogID == nil && rec.TerritoryLogID == nil {
			return nil, fmt.Errorf("outcome for %s references nothing: %w", rec.GuildName, domain.ErrDataIntegrity)
		}
	}

	out := make([]domain.GuildOutcomeRecord, len(records))
	copy(out, records)

	err := r.inTx(ctx, "appending outcomes", func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, rec := range records {
			batch.Queue(`
				INSERT INTO guild_war_log (guild_name, war_log_id, territory_log_id, outcome, created_at)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING id
			`, rec.GuildName, rec.WarLogID, rec.TerritoryLogID, string(rec.Outcome), rec.CreatedAt)
		}
		for _, d := range guilds {
			batch.Queue(`
				INSERT INTO guild_war_leaderboard (guild_name, total_war, success_war)
				VALUES ($1, $2, $3)
				ON CONFLICT (guild_name) DO UPDATE SET
					total_war = guild_war_leaderboard.total_war + $2,
					success_war = guild_war_leaderboard.success_war + $3
			`, d.GuildName, d.Total, d.Success)
		}
		for _, d := range players {
			batch.Queue(`
				INSERT INTO player_war_leaderboard (uuid, last_name, last_war_log_id, total_war, success_war, survived_war)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (uuid) DO UPDATE SET
					last_name = CASE WHEN $3 >= player_war_leaderboard.last_war_log_id
						THEN $2 ELSE player_war_leaderboard.last_name END,
					last_war_log_id = GREATEST(player_war_leaderboard.last_war_log_id, $3),
					total_war = player_war_leaderboard.total_war + $4,
					success_war = player_war_leaderboard.success_war + $5,
					survived_war = player_war_leaderboard.survived_war + $6
			`, d.UUID, d.LastName, d.LastWarLogID, d.Total, d.Success, d.Survived)
		}

		br := tx.SendBatch(ctx, batch)
		for i := range out {
			if err := br.QueryRow().Scan(&out[i].ID); err != nil {
				br.Close()
				return wrap("inserting outcome record", err)
			}
		}
		for n := 0; n < len(guilds)+len(players); n++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return wrap("updating war leaderboard", err)
			}
		}
		if err := br.Close(); err != nil {
			return wrap("appending outcomes", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GuildOutcomes returns a guild's records newest first
func (r *Repository) GuildOutcomes(ctx context.Context, q storage.GuildOutcomeQuery) ([]domain.GuildOutcomeRecord, error) {
	from, to := idBounds(q.Range)
	rows, err := r.pool.Query(ctx, `
		SELECT id, guild_name, war_log_id, territory_log_id, outcome, created_at
		FROM guild_war_log
		WHERE lower(guild_name) = lower($1)
			AND ($2::bigint IS NULL OR (war_log_id >= $2 AND war_log_id < $3::bigint))
		ORDER BY id DESC
		LIMIT $4 OFFSET $5
	`, q.GuildName, from, to, nullLimit(q.Limit), q.Offset)
	if err != nil {
		return nil, wrap("querying guild outcomes", err)
	}
	defer rows.Close()

	records := []domain.GuildOutcomeRecord{}
	for rows.Next() {
		var rec domain.GuildOutcomeRecord
		var outcome string
		if err := rows.Scan(&rec.ID, &rec.GuildName, &rec.WarLogID, &rec.TerritoryLogID, &outcome, &rec.CreatedAt); err != nil {
			return nil, wrap("scanning guild outcome", err)
		}
		rec.Outcome = domain.Outcome(outcome)
		rec.CreatedAt = rec.CreatedAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("querying guild outcomes", err)
	}
	return records, nil
}

// GuildStandings returns a page of the guild leaderboard
func (r *Repository) GuildStandings(ctx context.Context, q storage.GuildStandingQuery) ([]domain.GuildWarStanding, error) {
	order := "total_war"
	if q.SortKey == domain.GuildSortSuccess {
		order = "success_war"
	}

	var query string
	var args []any
	if q.Range == nil {
		query = fmt.Sprintf(`
			SELECT guild_name, total_war, success_war
			FROM guild_war_leaderboard
			ORDER BY %s DESC, guild_name COLLATE "C" DESC
			LIMIT $1 OFFSET $2
		`, order)
		args = []any{nullLimit(q.Limit), q.Offset}
	} else {
		query = fmt.Sprintf(`
			SELECT guild_name,
				COUNT(*) AS total_war,
				COUNT(*) FILTER (WHERE outcome = 'war_succeeded') AS success_war
			FROM guild_war_log
			WHERE war_log_id >= $1 AND war_log_id < $2
			GROUP BY guild_name
			ORDER BY %s DESC, guild_name COLLATE "C" DESC
			LIMIT $3 OFFSET $4
		`, order)
		args = []any{q.Range.From, q.Range.To, nullLimit(q.Limit), q.Offset}
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("querying guild standings", err)
	}
	defer rows.Close()

	standings := []domain.GuildWarStanding{}
	for rows.Next() {
		var s domain.GuildWarStanding
		if err := rows.Scan(&s.GuildName, &s.TotalWar, &s.SuccessWar); err != nil {
			return nil, wrap("scanning guild standing", err)
		}
		standings = append(standings, s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("querying guild standings", err)
	}
	return standings, nil
}

// PlayerStandings returns a page of the player leaderboard
func (r *Repository) PlayerStandings(ctx context.Context, q storage.PlayerStandingQuery) ([]domain.PlayerWarStanding, error) {
	order := "total_war"
	switch q.SortKey {
	case domain.PlayerSortSuccess:
		order = "success_war"
	case domain.PlayerSortSurvived:
		order = "survived_war"
	}

	var query string
	var args []any
	if q.Range == nil && q.GuildName == "" {
		query = fmt.Sprintf(`
			SELECT uuid, last_name, total_war, success_war, survived_war
			FROM player_war_leaderboard
			ORDER BY %s DESC, uuid COLLATE "C" DESC
			LIMIT $1 OFFSET $2
		`, order)
		args = []any{nullLimit(q.Limit), q.Offset}
	} else {
		from, to := idBounds(q.Range)
		query = fmt.Sprintf(`
			SELECT uuid, last_name, total_war, success_war, survived_war
			FROM (%s) agg
			ORDER BY %s DESC, uuid COLLATE "C" DESC
			LIMIT $4 OFFSET $5
		`, playerAggregate, order)
		args = []any{from, to, q.GuildName, nullLimit(q.Limit), q.Offset}
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("querying player standings", err)
	}
	defer rows.Close()

	standings := []domain.PlayerWarStanding{}
	for rows.Next() {
		var s domain.PlayerWarStanding
		if err := rows.Scan(&s.UUID, &s.LastName, &s.TotalWar, &s.SuccessWar, &s.SurvivedWar); err != nil {
			return nil, wrap("scanning player standing", err)
		}
		standings = append(standings, s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("querying player standings", err)
	}
	return standings, nil
}

// RebuildPlayerStandings recomputes player_war_leaderboard from the outcome log in one transaction
func (r *Repository) RebuildPlayerStandings(ctx context.Context) error {
	return r.inTx(ctx, "rebuilding player standings", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM player_war_leaderboard`); err != nil {
			return wrap("clearing player standings", err)
		}
		query := fmt.Sprintf(`
			INSERT INTO player_war_leaderboard (uuid, last_name, last_war_log_id, total_war, success_war, survived_war)
			SELECT uuid, last_name, last_war_log_id, total_war, success_war, survived_war
			FROM (%s) agg
		`, playerAggregate)
		if _, err := tx.Exec(ctx, query, nil, nil, ""); err != nil {
			return wrap("recomputing player standings", err)
		}
		return nil
	})
}
