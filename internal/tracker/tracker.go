// Package tracker reconciles poller observations into ledger calls.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warlog-ledger/internal/domain"
	"github.com/warlog-ledger/internal/leaderboard"
	"github.com/warlog-ledger/internal/ledger"
)

// Config holds tracker settings
type Config struct {
	WarServerPattern string
	GraceWindow      time.Duration
}

// WarServerResult lists the wars touched by one war server observation.
type WarServerResult struct {
	Opened  []int64 `json:"opened"`
	Updated []int64 `json:"updated"`
	Closed  []int64 `json:"closed"`
}

// Tracker turns whole-world observations into ledger transitions. It remembers which war is
// open on each war server, seeded from the ledger on first use.
type Tracker struct {
	territories *ledger.TerritoryLedger
	wars        *ledger.WarLedger
	snapshots   *leaderboard.SnapshotRefresher
	pattern     *regexp.Regexp
	grace       time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	seeded   bool
	servers  map[string]int64
	captured map[int64]bool
}

// New creates a new tracker
func New(territories *ledger.TerritoryLedger, wars *ledger.WarLedger, snapshots *leaderboard.SnapshotRefresher, cfg Config, logger *slog.Logger) (*Tracker, error) {
	pattern, err := regexp.Compile(cfg.WarServerPattern)
	if err != nil {
		return nil, fmt.Errorf("compiling war server pattern: %w", err)
	}
	grace := cfg.GraceWindow
	if grace <= 0 {
		grace = domain.DefaultGraceWindow
	}
	return &Tracker{
		territories: territories,
		wars:        wars,
		snapshots:   snapshots,
		pattern:     pattern,
		grace:       grace,
		logger:      logger,
		servers:     make(map[string]int64),
		captured:    make(map[int64]bool),
	}, nil
}

// ApplyTerritorySnapshot records a territory ownership snapshot. A capture by a guild with an
// open war ends that war at the capture time.
func (t *Tracker) ApplyTerritorySnapshot(ctx context.Context, owners map[string]string, observedAt time.Time) ([]domain.TerritoryChangeEvent, error) {
	events, err := t.territories.RecordSnapshot(ctx, owners, observedAt)
	if err != nil || len(events) == 0 {
		return events, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.closeCaptured(ctx, events); err != nil {
		// the server poll closes these wars later
		t.logger.Warn("failed to end captured wars", "error", err)
	}
	return events, nil
}

// closeCaptured ends the open war of every capturing guild. Callers hold t.mu.
func (t *Tracker) closeCaptured(ctx context.Context, events []domain.TerritoryChangeEvent) error {
	if err := t.seed(ctx); err != nil {
		return err
	}
	active, err := t.wars.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("loading active wars: %w", err)
	}

	ended := make(map[int64]bool)
	var errs []error
	for i := range events {
		ev := &events[i]
		war := capturingWar(active, ev, ended)
		if war == nil {
			continue
		}
		ended[war.ID] = true
		if err := t.wars.CloseAt(ctx, war.ID, ev.AcquiredAt); err != nil {
			if !errors.Is(err, domain.ErrWarFrozen) && !domain.IsNotFoundError(err) {
				errs = append(errs, fmt.Errorf("war %d: %w", war.ID, err))
			}
			continue
		}
		if t.servers[war.ServerName] == war.ID {
			t.captured[war.ID] = true
		}
		t.logger.Info("war ended by capture",
			"war_log_id", war.ID,
			"server", war.ServerName,
			"guild", ev.NewGuildName,
			"territory", ev.TerritoryName,
		)
	}
	return errors.Join(errs...)
}

// capturingWar returns the most recently created open war of the guild that took ev.
func capturingWar(active []domain.WarLog, ev *domain.TerritoryChangeEvent, ended map[int64]bool) *domain.WarLog {
	if ev.NewGuildName == "" {
		return nil
	}
	var best *domain.WarLog
	for i := range active {
		w := &active[i]
		if ended[w.ID] || w.State() != domain.WarStateOpen || w.CreatedAt.After(ev.AcquiredAt) {
			continue
		}
		if !strings.EqualFold(w.GuildNameGuess, ev.NewGuildName) {
			continue
		}
		if best == nil || w.CreatedAt.After(best.CreatedAt) ||
			(w.CreatedAt.Equal(best.CreatedAt) && w.ID > best.ID) {
			best = w
		}
	}
	return best
}

// ApplyGuildSnapshot refreshes the snapshot leaderboards.
func (t *Tracker) ApplyGuildSnapshot(ctx context.Context, entries []domain.GuildSnapshotEntry, observedAt time.Time) (*leaderboard.RefreshResult, error) {
	return t.snapshots.Refresh(ctx, entries, observedAt)
}

// ApplyWarServers reconciles the rosters of every war server seen in one poll.
//
// A war server with players opens a war or updates the open one. A server with an empty
// roster, or one missing from the observation, closes its war. Servers not matching the
// war server pattern are ignored. A failure on one server does not stop the others.
func (t *Tracker) ApplyWarServers(ctx context.Context, servers map[string][]domain.RosterEntry, observedAt time.Time) (*WarServerResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.seed(ctx); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(servers))
	for name := range servers {
		if t.pattern.MatchString(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	result := &WarServerResult{}
	var errs []error
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		seen[name] = true
		if err := t.applyServer(ctx, name, servers[name], result); err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", name, err))
		}
	}

	var gone []string
	for name := range t.servers {
		if !seen[name] {
			gone = append(gone, name)
		}
	}
	sort.Strings(gone)
	for _, name := range gone {
		if err := t.closeServer(ctx, name, result); err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", name, err))
		}
	}

	t.logger.Debug("war servers applied",
		"observed_at", observedAt,
		"servers", len(names),
		"opened", len(result.Opened),
		"updated", len(result.Updated),
		"closed", len(result.Closed),
	)
	return result, errors.Join(errs...)
}

func (t *Tracker) applyServer(ctx context.Context, name string, roster []domain.RosterEntry, result *WarServerResult) error {
	if len(roster) == 0 {
		return t.closeServer(ctx, name, result)
	}

	if id, ok := t.servers[name]; ok {
		_, err := t.wars.UpdateRoster(ctx, id, roster)
		switch {
		case err == nil:
			result.Updated = append(result.Updated, id)
			return nil
		case errors.Is(err, domain.ErrWarEnded) && t.captured[id]:
			// players linger on the server after their guild's capture
			return nil
		case errors.Is(err, domain.ErrWarEnded), errors.Is(err, domain.ErrWarFrozen), domain.IsNotFoundError(err):
			// closed elsewhere; the players on the server now belong to a new war
			delete(t.servers, name)
			delete(t.captured, id)
		default:
			return err
		}
	}

	war, err := t.wars.Open(ctx, name, "", roster)
	if err != nil {
		return err
	}
	t.servers[name] = war.ID
	result.Opened = append(result.Opened, war.ID)
	return nil
}

func (t *Tracker) closeServer(ctx context.Context, name string, result *WarServerResult) error {
	id, ok := t.servers[name]
	if !ok {
		return nil
	}
	if t.captured[id] {
		delete(t.captured, id)
		delete(t.servers, name)
		return nil
	}
	if err := t.wars.Close(ctx, id); err != nil && !errors.Is(err, domain.ErrWarFrozen) && !domain.IsNotFoundError(err) {
		return err
	}
	delete(t.servers, name)
	result.Closed = append(result.Closed, id)
	return nil
}

// seed loads the open wars once. Callers hold t.mu.
func (t *Tracker) seed(ctx context.Context) error {
	if t.seeded {
		return nil
	}
	active, err := t.wars.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("loading active wars: %w", err)
	}
	for _, w := range active {
		if w.State() == domain.WarStateOpen {
			t.servers[w.ServerName] = w.ID
		}
	}
	t.seeded = true
	return nil
}

// FreezeEnded marks log-ended every war closed at least the grace window before now.
func (t *Tracker) FreezeEnded(ctx context.Context, now time.Time) (int, error) {
	active, err := t.wars.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading active wars: %w", err)
	}

	frozen := 0
	var errs []error
	for i := range active {
		w := &active[i]
		if w.State() != domain.WarStateEnded || w.EndedFor(now) < t.grace {
			continue
		}
		if err := t.wars.MarkLogEnded(ctx, w.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		frozen++
	}
	if frozen > 0 {
		t.logger.Info("froze ended wars", "count", frozen)
	}
	return frozen, errors.Join(errs...)
}

// OpenWars returns the war id tracked per server.
func (t *Tracker) OpenWars() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.servers))
	for k, v := range t.servers {
		out[k] = v
	}
	return out
}
