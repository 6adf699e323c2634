package correlator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warlog-ledger/internal/domain"
	"github.com/warlog-ledger/internal/storage"
)

// Store is the storage the correlator reads from and appends to.
type Store interface {
	UncorrelatedTerritoryEvents(ctx context.Context, limit int) ([]domain.TerritoryChangeEvent, error)
	UncorrelatedWars(ctx context.Context, since time.Time) ([]domain.WarLog, error)
	AppendOutcomes(ctx context.Context, records []domain.GuildOutcomeRecord, guilds []domain.GuildWarDelta, players []domain.PlayerWarDelta) ([]domain.GuildOutcomeRecord, error)
}

var _ Store = (storage.Store)(nil)

// Config tunes correlation.
type Config struct {
	// GraceWindow is how long a closed war waits for its territory capture before it counts as lost.
	GraceWindow time.Duration
	// Lookback bounds how old an uncorrelated war may be and still be considered.
	Lookback time.Duration
	// BatchSize caps the territory events handled per run. Zero means no cap.
	BatchSize int
}

// Correlator links territory events and wars into guild outcome records.
type Correlator struct {
	store  Store
	clock  domain.Clock
	config Config
	logger *slog.Logger
	mu     sync.Mutex
}

// New creates a new correlator
func New(store Store, clock domain.Clock, cfg Config, logger *slog.Logger) *Correlator {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = domain.DefaultGraceWindow
	}
	return &Correlator{
		store:  store,
		clock:  clock,
		config: cfg,
		logger: logger,
	}
}

// GraceWindow returns the configured grace window.
func (c *Correlator) GraceWindow() time.Duration {
	return c.config.GraceWindow
}

// Correlate classifies every territory event and war not yet linked to an outcome.
// Final outcomes are appended to the outcome log; ongoing and just-ended wars are returned
// as provisional records (ID zero) and re-evaluated on a later run.
func (c *Correlator) Correlate(ctx context.Context) ([]domain.GuildOutcomeRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	runID := uuid.NewString()
	now := c.clock.Now()
	logger := c.logger.With("run_id", runID)

	events, err := c.store.UncorrelatedTerritoryEvents(ctx, c.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("loading territory events: %w", err)
	}
	var since time.Time
	if c.config.Lookback > 0 {
		since = now.Add(-c.config.Lookback)
	}
	wars, err := c.store.UncorrelatedWars(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("loading wars: %w", err)
	}

	// a full batch may leave captures unread; wars they could match stay provisional
	var horizon time.Time
	if c.config.BatchSize > 0 && len(events) == c.config.BatchSize {
		for _, ev := range events {
			if ev.AcquiredAt.After(horizon) {
				horizon = ev.AcquiredAt
			}
		}
	}

	plan := c.plan(events, wars, now, horizon)

	for _, v := range plan.violations {
		logger.Warn("data integrity violation",
			"guild", v.GuildName,
			"war_log_id", derefID(v.WarLogID),
			"territory_log_id", derefID(v.TerritoryLogID),
		)
	}

	var appended []domain.GuildOutcomeRecord
	if len(plan.final) > 0 {
		guilds, players := Deltas(plan.final, plan.wars)
		appended, err = c.store.AppendOutcomes(ctx, plan.final, guilds, players)
		if err != nil {
			return nil, fmt.Errorf("appending outcomes: %w", err)
		}
	}

	logger.Info("correlation completed",
		"territory_events", len(events),
		"wars", len(wars),
		"recorded", len(appended),
		"pending", len(plan.provisional),
		"violations", len(plan.violations),
	)
	return append(appended, plan.provisional...), nil
}

type plan struct {
	final       []domain.GuildOutcomeRecord
	provisional []domain.GuildOutcomeRecord
	violations  []domain.GuildOutcomeRecord
	wars        map[int64]*domain.WarLog
}

// plan pairs events with wars and classifies the resulting records. A non-zero horizon is the
// newest capture read so far; an unclaimed war that a later capture could still match is not
// finalized.
func (c *Correlator) plan(events []domain.TerritoryChangeEvent, wars []domain.WarLog, now, horizon time.Time) plan {
	p := plan{wars: make(map[int64]*domain.WarLog, len(wars))}
	for i := range wars {
		p.wars[wars[i].ID] = &wars[i]
	}
	claimed := make(map[int64]bool)

	add := func(rec domain.GuildOutcomeRecord, war *domain.WarLog, terr *domain.TerritoryChangeEvent) {
		rec.Outcome = domain.Classify(rec, war, terr, now, c.config.GraceWindow)
		rec.CreatedAt = now
		if rec.Outcome == domain.OutcomeIntegrityViolation {
			p.violations = append(p.violations, rec)
		}
		if rec.Outcome.Final() {
			p.final = append(p.final, rec)
		} else {
			p.provisional = append(p.provisional, rec)
		}
	}

	for i := range events {
		ev := &events[i]
		if ev.NewGuildName != "" {
			if war := c.match(ev, wars, claimed); war != nil {
				claimed[war.ID] = true
				add(domain.GuildOutcomeRecord{
					GuildName:      war.GuildNameGuess,
					WarLogID:       domain.Int64Ptr(war.ID),
					TerritoryLogID: domain.Int64Ptr(ev.ID),
				}, war, ev)
			} else {
				add(domain.GuildOutcomeRecord{
					GuildName:      ev.NewGuildName,
					TerritoryLogID: domain.Int64Ptr(ev.ID),
				}, nil, ev)
			}
		}
		if ev.OldGuildName != "" && ev.OldGuildName != ev.NewGuildName {
			add(domain.GuildOutcomeRecord{
				GuildName:      ev.OldGuildName,
				TerritoryLogID: domain.Int64Ptr(ev.ID),
			}, nil, ev)
		}
	}

	for i := range wars {
		war := &wars[i]
		if claimed[war.ID] || war.GuildNameGuess == "" {
			continue
		}
		rec := domain.GuildOutcomeRecord{
			GuildName: war.GuildNameGuess,
			WarLogID:  domain.Int64Ptr(war.ID),
		}
		if !horizon.IsZero() && war.Ended && !war.LastUpdatedAt.Add(c.config.GraceWindow).Before(horizon) {
			rec.Outcome = domain.OutcomeWarEnded
			rec.CreatedAt = now
			p.provisional = append(p.provisional, rec)
			continue
		}
		add(rec, war, nil)
	}
	return p
}

// match returns the most recently created unclaimed war that could have captured ev.
func (c *Correlator) match(ev *domain.TerritoryChangeEvent, wars []domain.WarLog, claimed map[int64]bool) *domain.WarLog {
	var best *domain.WarLog
	for i := range wars {
		war := &wars[i]
		if claimed[war.ID] || !strings.EqualFold(war.GuildNameGuess, ev.NewGuildName) {
			continue
		}
		if war.CreatedAt.After(ev.AcquiredAt) {
			continue
		}
		if war.Ended && ev.AcquiredAt.Sub(war.LastUpdatedAt) > c.config.GraceWindow {
			continue
		}
		if best == nil || war.CreatedAt.After(best.CreatedAt) ||
			(war.CreatedAt.Equal(best.CreatedAt) && war.ID > best.ID) {
			best = war
		}
	}
	return best
}

// Deltas computes the incremental leaderboard increments for appended records.
// Only records referencing a war count; success requires a succeeded outcome, and a
// player survives a succeeded war they did not exit. Players without a uuid are skipped.
func Deltas(records []domain.GuildOutcomeRecord, wars map[int64]*domain.WarLog) ([]domain.GuildWarDelta, []domain.PlayerWarDelta) {
	guildIdx := make(map[string]int)
	playerIdx := make(map[string]int)
	var guilds []domain.GuildWarDelta
	var players []domain.PlayerWarDelta

	for _, rec := range records {
		if rec.WarLogID == nil {
			continue
		}
		succeeded := rec.Outcome == domain.OutcomeWarSucceeded

		i, ok := guildIdx[rec.GuildName]
		if !ok {
			i = len(guilds)
			guildIdx[rec.GuildName] = i
			guilds = append(guilds, domain.GuildWarDelta{GuildName: rec.GuildName})
		}
		guilds[i].Total++
		if succeeded {
			guilds[i].Success++
		}

		war, ok := wars[*rec.WarLogID]
		if !ok {
			continue
		}
		for _, p := range war.Players {
			if p.PlayerUUID == "" {
				continue
			}
			j, ok := playerIdx[p.PlayerUUID]
			if !ok {
				j = len(players)
				playerIdx[p.PlayerUUID] = j
				players = append(players, domain.PlayerWarDelta{UUID: p.PlayerUUID})
			}
			d := &players[j]
			if war.ID >= d.LastWarLogID {
				d.LastWarLogID = war.ID
				d.LastName = p.PlayerName
			}
			d.Total++
			if succeeded {
				d.Success++
				if !p.Exited {
					d.Survived++
				}
			}
		}
	}
	return guilds, players
}

func derefID(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}
