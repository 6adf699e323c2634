package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/warlog-ledger/internal/domain"
)

const territoryLogColumns = `id, territory_name, old_guild_name, new_guild_name,
	old_guild_territories, new_guild_territories, acquired_at, held_ms`

// CurrentOwners returns the last known owner of every territory
func (r *Repository) CurrentOwners(ctx context.Context) (map[string]domain.Ownership, error) {
	rows, err := r.pool.Query(ctx, `SELECT name, guild_name, acquired_at FROM territory`)
	if err != nil {
		return nil, wrap("loading territory owners", err)
	}
	defer rows.Close()

	owners := make(map[string]domain.Ownership)
	for rows.Next() {
		var name string
		var o domain.Ownership
		if err := rows.Scan(&name, &o.GuildName, &o.AcquiredAt); err != nil {
			return nil, wrap("scanning territory owner", err)
		}
		o.AcquiredAt = o.AcquiredAt.UTC()
		owners[name] = o
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("loading territory owners", err)
	}
	return owners, nil
}

// AppendTerritoryEvents appends events and moves the owner table in one transaction
func (r *Repository) AppendTerritoryEvents(ctx context.Context, events []domain.TerritoryChangeEvent) ([]domain.TerritoryChangeEvent, error) {
	if len(events) == 0 {
		return []domain.TerritoryChangeEvent{}, nil
	}

	insert := `
		INSERT INTO territory_log (territory_name, old_guild_name, new_guild_name,
			old_guild_territories, new_guild_territories, acquired_at, held_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	upsert := `
		INSERT INTO territory (name, guild_name, acquired_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET guild_name = $2, acquired_at = $3
	`

	out := make([]domain.TerritoryChangeEvent, len(events))
	copy(out, events)

	err := r.inTx(ctx, "appending territory events", func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, ev := range events {
			batch.Queue(insert,
				ev.TerritoryName,
				ev.OldGuildName,
				ev.NewGuildName,
				ev.OldGuildTerritories,
				ev.NewGuildTerritories,
				ev.AcquiredAt,
				ev.HeldDuration.Milliseconds(),
			)
			batch.Queue(upsert, ev.TerritoryName, ev.NewGuildName, ev.AcquiredAt)
		}

		br := tx.SendBatch(ctx, batch)
		for i := range out {
			if err := br.QueryRow().Scan(&out[i].ID); err != nil {
				br.Close()
				return wrap("inserting territory event", err)
			}
			if _, err := br.Exec(); err != nil {
				br.Close()
				return wrap("updating territory owner", err)
			}
		}
		if err := br.Close(); err != nil {
			return wrap("appending territory events", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TerritoryEvents returns the events with the given ids
func (r *Repository) TerritoryEvents(ctx context.Context, ids []int64) (map[int64]domain.TerritoryChangeEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM territory_log WHERE id = ANY($1)`, territoryLogColumns)
	events, err := r.queryTerritoryEvents(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]domain.TerritoryChangeEvent, len(events))
	for _, ev := range events {
		out[ev.ID] = ev
	}
	return out, nil
}

// UncorrelatedTerritoryEvents returns events no outcome record references, oldest first
func (r *Repository) UncorrelatedTerritoryEvents(ctx context.Context, limit int) ([]domain.TerritoryChangeEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM territory_log t
		WHERE NOT EXISTS (SELECT 1 FROM guild_war_log g WHERE g.territory_log_id = t.id)
		ORDER BY id
		LIMIT $1
	`, territoryLogColumns)
	return r.queryTerritoryEvents(ctx, query, nullLimit(limit))
}

func (r *Repository) queryTerritoryEvents(ctx context.Context, query string, args ...any) ([]domain.TerritoryChangeEvent, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("querying territory events", err)
	}
	defer rows.Close()

	events := []domain.TerritoryChangeEvent{}
	for rows.Next() {
		var ev domain.TerritoryChangeEvent
		var heldMS int64
		err := rows.Scan(
			&ev.ID,
			&ev.TerritoryName,
			&ev.OldGuildName,
			&ev.NewGuildName,
			&ev.OldGuildTerritories,
			&ev.NewGuildTerritories,
			&ev.AcquiredAt,
			&heldMS,
		)
		if err != nil {
			return nil, wrap("scanning territory event", err)
		}
		ev.AcquiredAt = ev.AcquiredAt.UTC()
		ev.HeldDuration = time.Duration(heldMS) * time.Millisecond
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("querying territory events", err)
	}
	return events, nil
}
