package service

import (
	"fmt"
	"log/slog"

	"github.com/warlog-ledger/internal/config"
	"github.com/warlog-ledger/internal/correlator"
	"github.com/warlog-ledger/internal/domain"
	"github.com/warlog-ledger/internal/leaderboard"
	"github.com/warlog-ledger/internal/ledger"
	"github.com/warlog-ledger/internal/rangeindex"
	"github.com/warlog-ledger/internal/storage"
	"github.com/warlog-ledger/internal/tracker"
)

// Cache is the snapshot leaderboard cache as the service sees it
type Cache interface {
	leaderboard.SnapshotCache
	Pinger
}

// Build wires the ledgers, correlator, leaderboards and tracker over store. cache may be nil.
func Build(store storage.Store, cache Cache, clock domain.Clock, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	lbConfig := leaderboard.Config{
		DefaultLimit: cfg.Leaderboard.DefaultLimit,
		MaxLimit:     cfg.Leaderboard.MaxLimit,
	}

	territories := ledger.NewTerritoryLedger(store, logger.With("component", "territory_ledger"))
	wars := ledger.NewWarLedger(store, clock, logger.With("component", "war_ledger"))

	var snapshotCache leaderboard.SnapshotCache
	if cache != nil {
		snapshotCache = cache
	}
	snapshots := leaderboard.NewSnapshotRefresher(store, snapshotCache, cfg.Snapshot.HistoryRetention, lbConfig,
		logger.With("component", "snapshots"))

	tr, err := tracker.New(territories, wars, snapshots, tracker.Config{
		WarServerPattern: cfg.Tracker.WarServerPattern,
		GraceWindow:      cfg.Ledger.GraceWindow,
	}, logger.With("component", "tracker"))
	if err != nil {
		return nil, fmt.Errorf("creating tracker: %w", err)
	}

	c := Components{
		Territories: territories,
		Wars:        wars,
		Correlator: correlator.New(store, clock, correlator.Config{
			GraceWindow: cfg.Ledger.GraceWindow,
			Lookback:    cfg.Ledger.CorrelationLookback,
			BatchSize:   cfg.Ledger.BatchSize,
		}, logger.With("component", "correlator")),
		Engine:    leaderboard.NewEngine(store, rangeindex.New(store), lbConfig, logger.With("component", "leaderboard")),
		Snapshots: snapshots,
		Tracker:   tr,
		Clock:     clock,
		Store:     store,
	}
	if cache != nil {
		c.Cache = cache
	}
	return New(c, logger), nil
}

// Tracker returns the poller reconciliation entrypoint
func (s *Service) Tracker() *tracker.Tracker {
	return s.tracker
}
