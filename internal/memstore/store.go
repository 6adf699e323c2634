// Package memstore is an in-memory storage.Store used by tests and by the memory storage driver.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warlog-ledger/internal/domain"
	"github.com/warlog-ledger/internal/storage"
)

// Fault points that tests can arm with SetFault.
const (
	FaultWarHeader       = "war.header"
	FaultWarPlayer       = "war.player"
	FaultRosterChange    = "war.roster"
	FaultTerritoryAppend = "territory.append"
	FaultOutcomeAppend   = "outcome.append"
	FaultRead            = "read"
)

var _ storage.Store = (*Store)(nil)

type playerRow struct {
	standing  domain.PlayerWarStanding
	lastWarID int64
}

// Store keeps every table in memory behind one lock.
type Store struct {
	mu     sync.RWMutex
	faults map[string]func(n int) error

	owners          map[string]domain.Ownership
	territoryEvents []domain.TerritoryChangeEvent
	nextTerritoryID int64

	wars      map[int64]*domain.WarLog
	warOrder  []int64
	nextWarID int64

	outcomes          []domain.GuildOutcomeRecord
	nextOutcomeID     int64
	linkedWars        map[int64]bool
	linkedTerritories map[int64]bool

	guildBoard  map[string]*domain.GuildWarStanding
	playerBoard map[string]*playerRow

	snapshots []domain.GuildSnapshot
	xpBoard   []domain.GuildXPGain
}

// New creates an empty store.
func New() *Store {
	return &Store{
		faults:            make(map[string]func(int) error),
		owners:            make(map[string]domain.Ownership),
		wars:              make(map[int64]*domain.WarLog),
		linkedWars:        make(map[int64]bool),
		linkedTerritories: make(map[int64]bool),
		guildBoard:        make(map[string]*domain.GuildWarStanding),
		playerBoard:       make(map[string]*playerRow),
	}
}

// SetFault arms a fault point. fn receives the call index within the operation
// (the player index for FaultWarPlayer, zero elsewhere); a non-nil return aborts the operation.
// A nil fn disarms the point.
func (s *Store) SetFault(point string, fn func(n int) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.faults, point)
		return
	}
	s.faults[point] = fn
}

// check runs an armed fault. Callers hold s.mu.
func (s *Store) check(point string, n int) error {
	if fn, ok := s.faults[point]; ok {
		if err := fn(n); err != nil {
			return domain.Transient(point, err)
		}
	}
	return nil
}

// checkRead runs the read fault under a read lock.
func (s *Store) checkRead() error {
	return s.check(FaultRead, 0)
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Store) Close() {}

// Counts returns the number of war headers and player rows, for tests that assert atomicity.
func (s *Store) Counts() (wars, players int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.wars {
		wars++
		players += len(w.Players)
	}
	return wars, players
}

func cloneWar(w *domain.WarLog) *domain.WarLog {
	c := *w
	c.Players = append([]domain.WarPlayer(nil), w.Players...)
	return &c
}

func (s *Store) CurrentOwners(ctx context.Context) (map[string]domain.Ownership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkRead(); err != nil {
		return nil, err
	}
	out := make(map[string]domain.Ownership, len(s.owners))
	for k, v := range s.owners {
		out[k] = v
	}
	return out, nil
}

func (s *Store) AppendTerritoryEvents(ctx context.Context, events []domain.TerritoryChangeEvent) ([]domain.TerritoryChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(FaultTerritoryAppend, 0); err != nil {
		return nil, err
	}
	out := make([]domain.TerritoryChangeEvent, len(events))
	for i, ev := range events {
		s.nextTerritoryID++
		ev.ID = s.nextTerritoryID
		s.territoryEvents = append(s.territoryEvents, ev)
		s.owners[ev.TerritoryName] = domain.Ownership{GuildName: ev.NewGuildName, AcquiredAt: ev.AcquiredAt}
		out[i] = ev
	}
	return out, nil
}

func (s *Store) TerritoryEvents(ctx context.Context, ids []int64) (map[int64]domain.TerritoryChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkRead(); err != nil {
		return nil, err
	}
	out := make(map[int64]domain.TerritoryChangeEvent, len(ids))
	for _, id := range ids {
		if ev, ok := s.territoryEvent(id); ok {
			out[id] = ev
		}
	}
	return out, nil
}

func (s *Store) territoryEvent(id int64) (domain.TerritoryChangeEvent, bool) {
	i := sort.Search(len(s.territoryEvents), func(i int) bool { return s.territoryEvents[i].ID >= id })
	if i < len(s.territoryEvents) && s.territoryEvents[i].ID == id {
		return s.territoryEvents[i], true
	}
	return domain.TerritoryChangeEvent{}, false
}

func (s *Store) UncorrelatedTerritoryEvents(ctx context.Context, limit int) ([]domain.TerritoryChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkRead(); err != nil {
		return nil, err
	}
	out := []domain.TerritoryChangeEvent{}
	for _, ev := range s.territoryEvents {
		if s.linkedTerritories[ev.ID] {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CreateWar(ctx context.Context, war domain.WarLog) (*domain.WarLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// ids are consumed even when the insert rolls back, like a database sequence
	s.nextWarID++
	id := s.nextWarID
	if err := s.check(FaultWarHeader, 0); err != nil {
		return nil, err
	}
	staged := cloneWar(&war)
	staged.ID = id
	for i := range staged.Players {
		if err := s.check(FaultWarPlayer, i); err != nil {
			return nil, err
		}
		staged.Players[i].WarLogID = id
	}

	s.wars[id] = staged
	s.warOrder = append(s.warOrder, id)
	return cloneWar(staged), nil
}

func (s *Store) GetWar(ctx context.Context, id int64) (*domain.WarLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkRead(); err != nil {
		return nil, err
	}
	w, ok := s.wars[id]
	if !ok {
		return nil, domain.ErrWarNotFound
	}
	return cloneWar(w), nil
}

func (s *Store) Wars(ctx context.Context, ids []int64) (map[int64]*domain.WarLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkRead(); err != nil {
		return nil, err
	}
	out := make(map[int64]*domain.WarLog, len(ids))
	for _, id := range ids {
		if w, ok := s.wars[id]; ok {
			out[id] = cloneWar(w)
		}
	}
	return out, nil
}

func (s *Store) ActiveWars(ctx context.Context) ([]domain.WarLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkRead(); err != nil {
		return nil, err
	}
	out := []domain.WarLog{}
	for _, id := range s.warOrder {
		if w := s.wars[id]; !w.LogEnded {
			out = append(out, *cloneWar(w))
		}
	}
	return out, nil
}

func (s *Store) ApplyRosterChange(ctx context.Context, change domain.RosterChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(FaultRosterChange, 0); err != nil {
		return err
	}
	w, ok := s.wars[change.WarLogID]
	if !ok {
		return domain.ErrWarNotFound
	}
	if w.LogEnded {
		return domain.ErrWarFrozen
	}
	if w.Ended {
		return domain.ErrWarEnded
	}

	staged := cloneWar(w)
	staged.LastUpdatedAt = change.UpdatedAt
	if staged.GuildNameGuess == "" {
		staged.GuildNameGuess = change.GuildNameGuess
	}
	exited := make(map[string]bool, len(change.Exited))
	for _, name := range change.Exited {
		exited[name] = true
	}
	for i := range staged.Players {
		p := &staged.Players[i]
		if exited[p.PlayerName] {
			p.Exited = true
		}
		if uuid, ok := change.ResolvedUUIDs[p.PlayerName]; ok && p.PlayerUUID == "" {
			p.PlayerUUID = uuid
		}
	}
	for _, p := range change.Added {
		if _, dup := staged.Player(p.PlayerName); dup {
			continue
		}
		p.WarLogID = staged.ID
		staged.Players = append(staged.Players, p)
	}
	s.wars[w.ID] = staged
	return nil
}

func (s *Store) EndWar(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wars[id]
	if !ok {
		return domain.ErrWarNotFound
	}
	if w.LogEnded {
		return domain.ErrWarFrozen
	}
	if w.Ended {
		return nil
	}
	w.Ended = true
	w.LastUpdatedAt = at
	return nil
}

func (s *Store) EndWarLog(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wars[id]
	if !ok {
		return domain.ErrWarNotFound
	}
	if !w.Ended {
		return domain.ErrInvalidTransition
	}
	w.LogEnded = true
	return nil
}

func (s *Store) ResolvePlayerUUID(ctx context.Context, playerName, uuid string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, w := range s.wars {
		for i := range w.Players {
			p := &w.Players[i]
			if p.PlayerName == playerName && p.PlayerUUID == "" {
				p.PlayerUUID = uuid
				n++
			}
		}
	}
	return n, nil
}

func (s *Store) UncorrelatedWars(ctx context.Context, since time.Time) ([]domain.WarLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkRead(); err != nil {
		return nil, err
	}
	out := []domain.WarLog{}
	for _, id := range s.warOrder {
		w := s.wars[id]
		if s.linkedWars[id] || w.CreatedAt.Before(since) {
			continue
		}
		out = append(out, *cloneWar(w))
	}
	return out, nil
}

func (s *Store) WarLogIDBounds(ctx context.Context) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkRead(); err != nil {
		return 0, 0, err
	}
	if len(s.warOrder) == 0 {
		return 1, 0, nil
	}
	return s.warOrder[0], s.warOrder[len(s.warOrder)-1], nil
}

func (s *Store) WarLogAtOrAfter(ctx context.Context, id int64) (int64, time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkRead(); err != nil {
		return 0, time.Time{}, false, err
	}
	i := sort.Search(len(s.warOrder), func(i int) bool { return s.warOrder[i] >= id })
	if i == len(s.warOrder) {
		return 0, time.Time{}, false, nil
	}
	found := s.warOrder[i]
	return found, s.wars[found].CreatedAt, true, nil
}

func (s *Store) AppendOutcomes(ctx context.Context, records []domain.GuildOutcomeRecord, guilds []domain.GuildWarDelta, players []domain.PlayerWarDelta) ([]domain.GuildOutcomeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(FaultOutcomeAppend, 0); err != nil {
		return nil, err
	}

	// uniqueness mirrors the partial unique indexes of the SQL schema
	type terrKey struct {
		guild string
		id    int64
	}
	seenWar := make(map[int64]bool)
	seenTerr := make(map[terrKey]bool)
	for _, rec := range records {
		if rec.WarLogID == nil && rec.TerritoryLogID == nil {
			return nil, domain.ErrDataIntegrity
		}
		if rec.WarLogID != nil {
			if s.linkedWars[*rec.WarLogID] || seenWar[*rec.WarLogID] {
				return nil, domain.ErrDataIntegrity
			}
			seenWar[*rec.WarLogID] = true
		}
		if rec.TerritoryLogID != nil {
			key := terrKey{rec.GuildName, *rec.TerritoryLogID}
			if seenTerr[key] || s.territoryLinkedFor(rec.GuildName, *rec.TerritoryLogID) {
				return nil, domain.ErrDataIntegrity
			}
			seenTerr[key] = true
		}
	}

	out := make([]domain.GuildOutcomeRecord, len(records))
	for i, rec := range records {
		s.nextOutcomeID++
		rec.ID = s.nextOutcomeID
		s.outcomes = append(s.outcomes, rec)
		if rec.WarLogID != nil {
			s.linkedWars[*rec.WarLogID] = true
		}
		if rec.TerritoryLogID != nil {
			s.linkedTerritories[*rec.TerritoryLogID] = true
		}
		out[i] = rec
	}

	for _, d := range guilds {
		row, ok := s.guildBoard[d.GuildName]
		if !ok {
			row = &domain.GuildWarStanding{GuildName: d.GuildName}
			s.guildBoard[d.GuildName] = row
		}
		row.TotalWar += d.Total
		row.SuccessWar += d.Success
	}
	for _, d := range players {
		s.applyPlayerDelta(d)
	}
	return out, nil
}

func (s *Store) territoryLinkedFor(guild string, terrID int64) bool {
	for _, rec := range s.outcomes {
		if rec.TerritoryLogID != nil && *rec.TerritoryLogID == terrID && rec.GuildName == guild {
			return true
		}
	}
	return false
}

func (s *Store) applyPlayerDelta(d domain.PlayerWarDelta) {
	row, ok := s.playerBoard[d.UUID]
	if !ok {
		row = &playerRow{standing: domain.PlayerWarStanding{UUID: d.UUID}}
		s.playerBoard[d.UUID] = row
	}
	if d.LastWarLogID >= row.lastWarID {
		row.lastWarID = d.LastWarLogID
		row.standing.LastName = d.LastName
	}
	row.standing.TotalWar += d.Total
	row.standing.SuccessWar += d.Success
	row.standing.SurvivedWar += d.Survived
}

func (s *Store) GuildOutcomes(ctx context.Context, q storage.GuildOutcomeQuery) ([]domain.GuildOutcomeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkRead(); err != nil {
		return nil, err
	}
	var rows []domain.GuildOutcomeRecord
	for i := len(s.outcomes) - 1; i >= 0; i-- {
		rec := s.outcomes[i]
		if !strings.EqualFold(rec.GuildName, q.GuildName) {
			continue
		}
		if q.Range != nil && (rec.WarLogID == nil || !q.Range.Contains(*rec.WarLogID)) {
			continue
		}
		rows = append(rows, rec)
	}
	return domain.Page(rows, q.Limit, q.Offset), nil
}

func (s *Store) GuildStandings(ctx context.Context, q storage.GuildStandingQuery) ([]domain.GuildWarStanding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkRead(); err != nil {
		return nil, err
	}
	var rows []domain.GuildWarStanding
	if q.Range == nil {
		rows = make([]domain.GuildWarStanding, 0, len(s.guildBoard))
		for _, row := range s.guildBoard {
			rows = append(rows, *row)
		}
	} else {
		agg := make(map[string]*domain.GuildWarStanding)
		for _, rec := range s.outcomes {
			if rec.WarLogID == nil || !q.Range.Contains(*rec.WarLogID) {
				continue
			}
			row, ok := agg[rec.GuildName]
			if !ok {
				row = &domain.GuildWarStanding{GuildName: rec.GuildName}
				agg[rec.GuildName] = row
			}
			row.TotalWar++
			if rec.Outcome == domain.OutcomeWarSucceeded {
				row.SuccessWar++
			}
		}
		rows = make([]domain.GuildWarStanding, 0, len(agg))
		for _, row := range agg {
			rows = append(rows, *row)
		}
	}
	domain.SortGuildStandings(rows, q.SortKey)
	return domain.Page(rows, q.Limit, q.Offset), nil
}

func (s *Store) PlayerStandings(ctx context.Context, q storage.PlayerStandingQuery) ([]domain.PlayerWarStanding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkRead(); err != nil {
		return nil, err
	}
	var rows []domain.PlayerWarStanding
	if q.Range == nil && q.GuildName == "" {
		rows = make([]domain.PlayerWarStanding, 0, len(s.playerBoard))
		for _, row := range s.playerBoard {
			rows = append(rows, row.standing)
		}
	} else {
		agg := s.aggregatePlayers(q.Range, q.GuildName)
		rows = make([]domain.PlayerWarStanding, 0, len(agg))
		for _, row := range agg {
			rows = append(rows, row.standing)
		}
	}
	domain.SortPlayerStandings(rows, q.SortKey)
	return domain.Page(rows, q.Limit, q.Offset), nil
}

// aggregatePlayers folds the outcome log into player standings. Callers hold s.mu.
func (s *Store) aggregatePlayers(r *domain.IDRange, guild string) map[string]*playerRow {
	agg := make(map[string]*playerRow)
	for _, rec := range s.outcomes {
		if rec.WarLogID == nil {
			continue
		}
		if r != nil && !r.Contains(*rec.WarLogID) {
			continue
		}
		if guild != "" && !strings.EqualFold(rec.GuildName, guild) {
			continue
		}
		w, ok := s.wars[*rec.WarLogID]
		if !ok {
			continue
		}
		succeeded := rec.Outcome == domain.OutcomeWarSucceeded
		for _, p := range w.Players {
			if p.PlayerUUID == "" {
				continue
			}
			row, ok := agg[p.PlayerUUID]
			if !ok {
				row = &playerRow{standing: domain.PlayerWarStanding{UUID: p.PlayerUUID}}
				agg[p.PlayerUUID] = row
			}
			if w.ID >= row.lastWarID {
				row.lastWarID = w.ID
				row.standing.LastName = p.PlayerName
			}
			row.standing.TotalWar++
			if succeeded {
				row.standing.SuccessWar++
				if !p.Exited {
					row.standing.SurvivedWar++
				}
			}
		}
	}
	return agg
}

func (s *Store) RebuildPlayerStandings(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	board := s.aggregatePlayers(nil, "")
	s.playerBoard = board
	return nil
}

func cloneSnapshot(snap domain.GuildSnapshot) *domain.GuildSnapshot {
	c := snap
	c.Entries = append([]domain.GuildSnapshotEntry(nil), snap.Entries...)
	return &c
}

func (s *Store) LatestGuildSnapshot(ctx context.Context) (*domain.GuildSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkRead(); err != nil {
		return nil, err
	}
	if len(s.snapshots) == 0 {
		return nil, nil
	}
	return cloneSnapshot(s.snapshots[len(s.snapshots)-1]), nil
}

func (s *Store) OldestGuildSnapshotSince(ctx context.Context, since time.Time) (*domain.GuildSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkRead(); err != nil {
		return nil, err
	}
	for _, snap := range s.snapshots {
		if !snap.ObservedAt.Before(since) {
			return cloneSnapshot(snap), nil
		}
	}
	return nil, nil
}

func (s *Store) AppendGuildSnapshot(ctx context.Context, snap domain.GuildSnapshot, pruneBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.snapshots[:0:0]
	for _, old := range s.snapshots {
		if !old.ObservedAt.Before(pruneBefore) {
			kept = append(kept, old)
		}
	}
	kept = append(kept, *cloneSnapshot(snap))
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].ObservedAt.Before(kept[j].ObservedAt) })
	s.snapshots = kept
	return nil
}

func (s *Store) ReplaceXPLeaderboard(ctx context.Context, rows []domain.GuildXPGain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	board := append([]domain.GuildXPGain(nil), rows...)
	domain.SortXPGains(board)
	s.xpBoard = board
	return nil
}

func (s *Store) XPLeaderboard(ctx context.Context, limit, offset int) ([]domain.GuildXPGain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkRead(); err != nil {
		return nil, err
	}
	return domain.Page(s.xpBoard, limit, offset), nil
}
