package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/warlog-ledger/internal/domain"
	"github.com/warlog-ledger/internal/storage"
)

// TerritoryLedger turns polled ownership snapshots into territory change events.
type TerritoryLedger struct {
	store  storage.TerritoryLog
	logger *slog.Logger

	mu     sync.Mutex
	loaded bool
	owners map[string]domain.Ownership
	latest time.Time
}

// NewTerritoryLedger creates a new territory ledger
func NewTerritoryLedger(store storage.TerritoryLog, logger *slog.Logger) *TerritoryLedger {
	return &TerritoryLedger{
		store:  store,
		logger: logger,
		owners: make(map[string]domain.Ownership),
	}
}

// RecordSnapshot diffs owners against the last known owner of each territory and appends one
// event per actual change. Re-recording an identical snapshot appends nothing.
func (l *TerritoryLedger) RecordSnapshot(ctx context.Context, owners map[string]string, observedAt time.Time) ([]domain.TerritoryChangeEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.load(ctx); err != nil {
		return nil, err
	}
	if observedAt.Before(l.latest) {
		return nil, fmt.Errorf("%w: observed at %s, last change at %s",
			domain.ErrStaleSnapshot, observedAt.Format(time.RFC3339), l.latest.Format(time.RFC3339))
	}

	events := l.diff(owners, observedAt)
	if len(events) == 0 {
		return []domain.TerritoryChangeEvent{}, nil
	}

	appended, err := l.store.AppendTerritoryEvents(ctx, events)
	if err != nil {
		if !domain.IsTransient(err) {
			err = domain.Transient("appending territory events", err)
		}
		return nil, err
	}

	for _, ev := range appended {
		l.owners[ev.TerritoryName] = domain.Ownership{GuildName: ev.NewGuildName, AcquiredAt: ev.AcquiredAt}
	}
	l.latest = observedAt

	l.logger.Info("recorded territory changes", "count", len(appended), "observed_at", observedAt)
	return appended, nil
}

// Owner returns the last known owner of a territory.
func (l *TerritoryLedger) Owner(territory string) (domain.Ownership, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.owners[territory]
	return o, ok
}

// load seeds the owner table from storage once. Callers hold l.mu.
func (l *TerritoryLedger) load(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	owners, err := l.store.CurrentOwners(ctx)
	if err != nil {
		if !domain.IsTransient(err) {
			err = domain.Transient("loading territory owners", err)
		}
		return err
	}
	for name, o := range owners {
		l.owners[name] = o
		if o.AcquiredAt.After(l.latest) {
			l.latest = o.AcquiredAt
		}
	}
	l.loaded = true
	l.logger.Debug("loaded territory owners", "count", len(owners))
	return nil
}

// diff builds the events for a snapshot without touching the owner table. Callers hold l.mu.
func (l *TerritoryLedger) diff(owners map[string]string, observedAt time.Time) []domain.TerritoryChangeEvent {
	held := make(map[string]int)
	names := make([]string, 0, len(owners))
	for territory, guild := range owners {
		if guild == "" {
			continue
		}
		held[guild]++
		names = append(names, territory)
	}
	sort.Strings(names)

	var events []domain.TerritoryChangeEvent
	for _, territory := range names {
		guild := owners[territory]
		prev, seen := l.owners[territory]
		if seen && prev.GuildName == guild {
			continue
		}
		ev := domain.TerritoryChangeEvent{
			TerritoryName:       territory,
			NewGuildName:        guild,
			NewGuildTerritories: held[guild],
			AcquiredAt:          observedAt,
		}
		if seen {
			ev.OldGuildName = prev.GuildName
			ev.OldGuildTerritories = held[prev.GuildName]
			ev.HeldDuration = observedAt.Sub(prev.AcquiredAt)
		}
		events = append(events, ev)
	}
	return events
}
