package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/warlog-ledger/internal/domain"
)

const warLogColumns = `id, server_name, guild_name_guess, created_at, last_updated_at, ended, log_ended`

// CreateWar inserts the header and its players in one transaction
func (r *Repository) CreateWar(ctx context.Context, war domain.WarLog) (*domain.WarLog, error) {
	created := war
	created.Players = make([]domain.WarPlayer, len(war.Players))
	copy(created.Players, war.Players)

	err := r.inTx(ctx, "creating war log", func(tx pgx.Tx) error {
		query := `
			INSERT INTO war_log (server_name, guild_name_guess, created_at, last_updated_at, ended, log_ended)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`
		err := tx.QueryRow(ctx, query,
			war.ServerName,
			war.GuildNameGuess,
			war.CreatedAt,
			war.LastUpdatedAt,
			war.Ended,
			war.LogEnded,
		).Scan(&created.ID)
		if err != nil {
			return wrap("inserting war log", err)
		}

		for i := range created.Players {
			created.Players[i].WarLogID = created.ID
		}
		return insertPlayers(ctx, tx, created.Players, 0)
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// insertPlayers queues one insert per player, numbering rows from ordinal
func insertPlayers(ctx context.Context, tx pgx.Tx, players []domain.WarPlayer, ordinal int) error {
	if len(players) == 0 {
		return nil
	}
	query := `
		INSERT INTO war_player (war_log_id, player_name, player_uuid, exited, ordinal)
		VALUES ($1, $2, $3, $4, $5)
	`
	batch := &pgx.Batch{}
	for i, p := range players {
		batch.Queue(query, p.WarLogID, p.PlayerName, p.PlayerUUID, p.Exited, ordinal+i)
	}

	br := tx.SendBatch(ctx, batch)
	for range players {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return wrap("inserting war player", err)
		}
	}
	if err := br.Close(); err != nil {
		return wrap("inserting war players", err)
	}
	return nil
}

// GetWar retrieves a war log with its roster
func (r *Repository) GetWar(ctx context.Context, id int64) (*domain.WarLog, error) {
	wars, err := r.queryWars(ctx, `WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(wars) == 0 {
		return nil, domain.ErrWarNotFound
	}
	return &wars[0], nil
}

// Wars retrieves the war logs with the given ids
func (r *Repository) Wars(ctx context.Context, ids []int64) (map[int64]*domain.WarLog, error) {
	wars, err := r.queryWars(ctx, `WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]*domain.WarLog, len(wars))
	for i := range wars {
		out[wars[i].ID] = &wars[i]
	}
	return out, nil
}

// ActiveWars returns wars that are not log-ended, oldest first
func (r *Repository) ActiveWars(ctx context.Context) ([]domain.WarLog, error) {
	return r.queryWars(ctx, `WHERE NOT log_ended`)
}

// UncorrelatedWars returns wars created at or after since that no outcome record references
func (r *Repository) UncorrelatedWars(ctx context.Context, since time.Time) ([]domain.WarLog, error) {
	return r.queryWars(ctx, `
		WHERE created_at >= $1
		AND NOT EXISTS (SELECT 1 FROM guild_war_log g WHERE g.war_log_id = war_log.id)
	`, since)
}

// queryWars loads headers matching where, then their players in one more query
func (r *Repository) queryWars(ctx context.Context, where string, args ...any) ([]domain.WarLog, error) {
	query := fmt.Sprintf(`SELECT %s FROM war_log %s ORDER BY id`, warLogColumns, where)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("querying war logs", err)
	}
	defer rows.Close()

	wars := []domain.WarLog{}
	index := make(map[int64]int)
	for rows.Next() {
		var w domain.WarLog
		err := rows.Scan(
			&w.ID,
			&w.ServerName,
			&w.GuildNameGuess,
			&w.CreatedAt,
			&w.LastUpdatedAt,
			&w.Ended,
			&w.LogEnded,
		)
		if err != nil {
			return nil, wrap("scanning war log", err)
		}
		w.CreatedAt = w.CreatedAt.UTC()
		w.LastUpdatedAt = w.LastUpdatedAt.UTC()
		w.Players = []domain.WarPlayer{}
		index[w.ID] = len(wars)
		wars = append(wars, w)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("querying war logs", err)
	}
	if len(wars) == 0 {
		return wars, nil
	}

	ids := make([]int64, len(wars))
	for i, w := range wars {
		ids[i] = w.ID
	}
	playerRows, err := r.pool.Query(ctx, `
		SELECT war_log_id, player_name, player_uuid, exited
		FROM war_player
		WHERE war_log_id = ANY($1)
		ORDER BY war_log_id, ordinal
	`, ids)
	if err != nil {
		return nil, wrap("querying war players", err)
	}
	defer playerRows.Close()

	for playerRows.Next() {
		var p domain.WarPlayer
		if err := playerRows.Scan(&p.WarLogID, &p.PlayerName, &p.PlayerUUID, &p.Exited); err != nil {
			return nil, wrap("scanning war player", err)
		}
		w := &wars[index[p.WarLogID]]
		w.Players = append(w.Players, p)
	}
	if err := playerRows.Err(); err != nil {
		return nil, wrap("querying war players", err)
	}
	return wars, nil
}

// ApplyRosterChange applies one roster observation in a single transaction
func (r *Repository) ApplyRosterChange(ctx context.Context, change domain.RosterChange) error {
	return r.inTx(ctx, "applying roster change", func(tx pgx.Tx) error {
		var ended, logEnded bool
		err := tx.QueryRow(ctx, `SELECT ended, log_ended FROM war_log WHERE id = $1 FOR UPDATE`, change.WarLogID).Scan(&ended, &logEnded)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrWarNotFound
			}
			return wrap("locking war log", err)
		}
		if logEnded {
			return domain.ErrWarFrozen
		}
		if ended {
			return domain.ErrWarEnded
		}

		_, err = tx.Exec(ctx, `
			UPDATE war_log
			SET last_updated_at = $2,
				guild_name_guess = CASE WHEN guild_name_guess = '' THEN $3 ELSE guild_name_guess END
			WHERE id = $1
		`, change.WarLogID, change.UpdatedAt, change.GuildNameGuess)
		if err != nil {
			return wrap("updating war log", err)
		}

		if len(change.Exited) > 0 {
			_, err = tx.Exec(ctx, `
				UPDATE war_player SET exited = TRUE
				WHERE war_log_id = $1 AND player_name = ANY($2) AND NOT exited
			`, change.WarLogID, change.Exited)
			if err != nil {
				return wrap("marking exited players", err)
			}
		}

		for name, uuid := range change.ResolvedUUIDs {
			_, err = tx.Exec(ctx, `
				UPDATE war_player SET player_uuid = $3
				WHERE war_log_id = $1 AND player_name = $2 AND player_uuid = ''
			`, change.WarLogID, name, uuid)
			if err != nil {
				return wrap("resolving player uuid", err)
			}
		}

		if len(change.Added) == 0 {
			return nil
		}
		var next int
		err = tx.QueryRow(ctx, `SELECT COALESCE(MAX(ordinal) + 1, 0) FROM war_player WHERE war_log_id = $1`, change.WarLogID).Scan(&next)
		if err != nil {
			return wrap("reading roster size", err)
		}
		added := make([]domain.WarPlayer, len(change.Added))
		for i, p := range change.Added {
			p.WarLogID = change.WarLogID
			added[i] = p
		}
		return insertPlayers(ctx, tx, added, next)
	})
}

// EndWar closes an open war. Closing an ended war is a no-op.
func (r *Repository) EndWar(ctx context.Context, id int64, at time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE war_log SET ended = TRUE, last_updated_at = $2
		WHERE id = $1 AND NOT ended
	`, id, at)
	if err != nil {
		return wrap("ending war", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var ended, logEnded bool
	err = r.pool.QueryRow(ctx, `SELECT ended, log_ended FROM war_log WHERE id = $1`, id).Scan(&ended, &logEnded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrWarNotFound
		}
		return wrap("reading war state", err)
	}
	if logEnded {
		return domain.ErrWarFrozen
	}
	return nil
}

// EndWarLog freezes an ended war
func (r *Repository) EndWarLog(ctx context.Context, id int64) error {
	result, err := r.pool.Exec(ctx, `UPDATE war_log SET log_ended = TRUE WHERE id = $1 AND ended`, id)
	if err != nil {
		return wrap("freezing war log", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM war_log WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return wrap("checking war existence", err)
	}
	if !exists {
		return domain.ErrWarNotFound
	}
	return domain.ErrInvalidTransition
}

// ResolvePlayerUUID fills the uuid on every unresolved row of the player
func (r *Repository) ResolvePlayerUUID(ctx context.Context, playerName, uuid string) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE war_player SET player_uuid = $2
		WHERE player_name = $1 AND player_uuid = ''
	`, playerName, uuid)
	if err != nil {
		return 0, wrap("resolving player uuid", err)
	}
	return result.RowsAffected(), nil
}

// WarLogIDBounds returns the smallest and largest war log ids
func (r *Repository) WarLogIDBounds(ctx context.Context) (int64, int64, error) {
	var first, last int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MIN(id), 1), COALESCE(MAX(id), 0) FROM war_log`).Scan(&first, &last)
	if err != nil {
		return 0, 0, wrap("reading war log bounds", err)
	}
	return first, last, nil
}

// WarLogAtOrAfter returns the nearest existing id at or after id
func (r *Repository) WarLogAtOrAfter(ctx context.Context, id int64) (int64, time.Time, bool, error) {
	var found int64
	var createdAt time.Time
	err := r.pool.QueryRow(ctx, `SELECT id, created_at FROM war_log WHERE id >= $1 ORDER BY id LIMIT 1`, id).Scan(&found, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, time.Time{}, false, nil
		}
		return 0, time.Time{}, false, wrap("probing war log", err)
	}
	return found, createdAt.UTC(), true, nil
}
