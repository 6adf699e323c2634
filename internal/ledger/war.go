package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/warlog-ledger/internal/domain"
	"github.com/warlog-ledger/internal/storage"
)

// WarLedger manages the lifecycle of war logs.
//
// Open, UpdateRoster and Close are not safe to retry blindly: a retried Open after an
// ambiguous failure may create a second war log. Callers apply them at most once per poll.
// Writes are serialized so a state check and the write it guards see the same war.
type WarLedger struct {
	store  storage.WarLogs
	clock  domain.Clock
	logger *slog.Logger
	mu     sync.Mutex
}

// NewWarLedger creates a new war ledger
func NewWarLedger(store storage.WarLogs, clock domain.Clock, logger *slog.Logger) *WarLedger {
	return &WarLedger{
		store:  store,
		clock:  clock,
		logger: logger,
	}
}

// Open records a new war with its initial roster. The header and every player row
// commit together or not at all.
func (l *WarLedger) Open(ctx context.Context, serverName, guildNameGuess string, roster []domain.RosterEntry) (*domain.WarLog, error) {
	if serverName == "" {
		return nil, fmt.Errorf("%w: server name is required", domain.ErrInvalidRequest)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	roster = domain.NormalizeRoster(roster)
	if guildNameGuess == "" {
		guildNameGuess = domain.GuessGuild(roster)
	}

	players := make([]domain.WarPlayer, len(roster))
	for i, entry := range roster {
		players[i] = domain.WarPlayer{
			PlayerName: entry.PlayerName,
			PlayerUUID: entry.PlayerUUID,
			Exited:     entry.Exited,
		}
	}

	war, err := l.store.CreateWar(ctx, domain.WarLog{
		ServerName:     serverName,
		GuildNameGuess: guildNameGuess,
		CreatedAt:      now,
		LastUpdatedAt:  now,
		Players:        players,
	})
	if err != nil {
		return nil, fmt.Errorf("opening war on %s: %w", serverName, err)
	}

	l.logger.Info("war opened",
		"war_log_id", war.ID,
		"server", serverName,
		"guild", guildNameGuess,
		"players", len(players),
	)
	return war, nil
}

// UpdateRoster applies a roster observation to an open war: new players are added, players
// missing from the roster or flagged exited are marked exited, and resolved uuids are filled in.
func (l *WarLedger) UpdateRoster(ctx context.Context, id int64, roster []domain.RosterEntry) (*domain.WarLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	war, err := l.store.GetWar(ctx, id)
	if err != nil {
		return nil, err
	}
	switch war.State() {
	case domain.WarStateLogEnded:
		return nil, domain.ErrWarFrozen
	case domain.WarStateEnded:
		return nil, domain.ErrWarEnded
	}

	change := planRosterChange(war, domain.NormalizeRoster(roster))
	change.UpdatedAt = l.clock.Now()
	if err := l.store.ApplyRosterChange(ctx, change); err != nil {
		return nil, fmt.Errorf("updating roster of war %d: %w", id, err)
	}

	if !change.Empty() {
		l.logger.Debug("war roster updated",
			"war_log_id", id,
			"added", len(change.Added),
			"exited", len(change.Exited),
			"resolved", len(change.ResolvedUUIDs),
		)
	}
	return l.store.GetWar(ctx, id)
}

// planRosterChange computes the effect of roster on war.
func planRosterChange(war *domain.WarLog, roster []domain.RosterEntry) domain.RosterChange {
	change := domain.RosterChange{WarLogID: war.ID}
	if war.GuildNameGuess == "" {
		change.GuildNameGuess = domain.GuessGuild(roster)
	}

	present := make(map[string]bool, len(roster))
	for _, entry := range roster {
		present[entry.PlayerName] = true
		p, ok := war.Player(entry.PlayerName)
		if !ok {
			change.Added = append(change.Added, domain.WarPlayer{
				WarLogID:   war.ID,
				PlayerName: entry.PlayerName,
				PlayerUUID: entry.PlayerUUID,
				Exited:     entry.Exited,
			})
			continue
		}
		if entry.Exited && !p.Exited {
			change.Exited = append(change.Exited, p.PlayerName)
		}
		if p.PlayerUUID == "" && entry.PlayerUUID != "" {
			if change.ResolvedUUIDs == nil {
				change.ResolvedUUIDs = make(map[string]string)
			}
			change.ResolvedUUIDs[p.PlayerName] = entry.PlayerUUID
		}
	}
	for _, p := range war.Players {
		if !present[p.PlayerName] && !p.Exited {
			change.Exited = append(change.Exited, p.PlayerName)
		}
	}
	return change
}

// Close marks the war ended. Closing an ended war again changes nothing.
func (l *WarLedger) Close(ctx context.Context, id int64) error {
	return l.CloseAt(ctx, id, l.clock.Now())
}

// CloseAt marks the war ended at the given time. The close time never precedes the war's
// last recorded activity.
func (l *WarLedger) CloseAt(ctx context.Context, id int64, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	war, err := l.store.GetWar(ctx, id)
	if err != nil {
		return err
	}
	switch war.State() {
	case domain.WarStateLogEnded:
		return domain.ErrWarFrozen
	case domain.WarStateEnded:
		return nil
	}

	if at.Before(war.LastUpdatedAt) {
		at = war.LastUpdatedAt
	}
	if err := l.store.EndWar(ctx, id, at); err != nil {
		return fmt.Errorf("closing war %d: %w", id, err)
	}
	l.logger.Info("war closed", "war_log_id", id, "server", war.ServerName, "guild", war.GuildNameGuess)
	return nil
}

// MarkLogEnded freezes an ended war. Freezing a frozen war changes nothing.
func (l *WarLedger) MarkLogEnded(ctx context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	war, err := l.store.GetWar(ctx, id)
	if err != nil {
		return err
	}
	switch war.State() {
	case domain.WarStateLogEnded:
		return nil
	case domain.WarStateOpen:
		return domain.ErrInvalidTransition
	}

	if err := l.store.EndWarLog(ctx, id); err != nil {
		return fmt.Errorf("freezing war %d: %w", id, err)
	}
	l.logger.Debug("war log ended", "war_log_id", id)
	return nil
}

// Get returns a war log with its players.
func (l *WarLedger) Get(ctx context.Context, id int64) (*domain.WarLog, error) {
	return l.store.GetWar(ctx, id)
}

// ListActive returns the wars that are not frozen yet.
func (l *WarLedger) ListActive(ctx context.Context) ([]domain.WarLog, error) {
	return l.store.ActiveWars(ctx)
}

// ResolvePlayerUUID fills a late-resolved uuid on every unresolved row of the player.
func (l *WarLedger) ResolvePlayerUUID(ctx context.Context, playerName, uuid string) (int64, error) {
	if playerName == "" || uuid == "" {
		return 0, fmt.Errorf("%w: player name and uuid are required", domain.ErrInvalidRequest)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	n, err := l.store.ResolvePlayerUUID(ctx, playerName, uuid)
	if err != nil {
		return 0, fmt.Errorf("resolving uuid of %s: %w", playerName, err)
	}
	if n > 0 {
		l.logger.Info("resolved player uuid", "player", playerName, "rows", n)
	}
	return n, nil
}
