package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warlog-ledger/internal/domain"
	"github.com/warlog-ledger/internal/leaderboard"
)

// GuildSnapshotRequest is a guild leaderboard observation
type GuildSnapshotRequest struct {
	Guilds     []domain.GuildSnapshotEntry `json:"guilds"`
	ObservedAt time.Time                   `json:"observed_at"`
}

// GuildLeaderboard returns guilds ranked by war count
func (h *Handler) GuildLeaderboard(w http.ResponseWriter, r *http.Request) {
	key, err := domain.ParseGuildSortKey(r.URL.Query().Get("sort"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	tr, err := timeRange(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, offset, err := paging(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	rows, err := h.service.GuildLeaderboard(r.Context(), leaderboard.GuildQuery{
		SortKey: key,
		Range:   tr,
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		h.writeServiceError(w, r, "querying guild leaderboard", err)
		return
	}
	h.writeSuccess(w, rows)
}

// PlayerLeaderboard returns players ranked by war count, optionally within one guild
func (h *Handler) PlayerLeaderboard(w http.ResponseWriter, r *http.Request) {
	key, err := domain.ParsePlayerSortKey(r.URL.Query().Get("sort"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	tr, err := timeRange(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, offset, err := paging(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	rows, err := h.service.PlayerLeaderboard(r.Context(), leaderboard.PlayerQuery{
		SortKey:     key,
		Range:       tr,
		GuildFilter: r.URL.Query().Get("guild"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		h.writeServiceError(w, r, "querying player leaderboard", err)
		return
	}
	h.writeSuccess(w, rows)
}

// RebuildPlayerLeaderboard recomputes the player leaderboard from the outcome log
func (h *Handler) RebuildPlayerLeaderboard(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RebuildPlayerLeaderboard(r.Context()); err != nil {
		h.writeServiceError(w, r, "rebuilding player leaderboard", err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "rebuilt"})
}

// GuildOutcomes returns a guild's outcome history
func (h *Handler) GuildOutcomes(w http.ResponseWriter, r *http.Request) {
	guild := chi.URLParam(r, "guildName")
	tr, err := timeRange(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, offset, err := paging(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	records, err := h.service.GuildOutcomes(r.Context(), guild, tr, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, "querying guild outcomes", err)
		return
	}
	h.writeSuccess(w, records)
}

// DeriveLevelRank ranks the guild snapshot in the request body
func (h *Handler) DeriveLevelRank(w http.ResponseWriter, r *http.Request) {
	var req GuildSnapshotRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.writeSuccess(w, h.service.LevelRank(req.Guilds))
}

// CurrentLevelRank returns the level rank of the latest stored guild snapshot
func (h *Handler) CurrentLevelRank(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	rows, err := h.service.CurrentLevelRank(r.Context(), limit, offset)
	if err != nil {
		h.writeServiceError(w, r, "querying level rank", err)
		return
	}
	h.writeSuccess(w, rows)
}

// RefreshGuildSnapshot stores a guild snapshot and republishes the snapshot leaderboards
func (h *Handler) RefreshGuildSnapshot(w http.ResponseWriter, r *http.Request) {
	var req GuildSnapshotRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Guilds) == 0 {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: guilds is required", domain.ErrInvalidRequest))
		return
	}

	result, err := h.service.RefreshGuildSnapshot(r.Context(), req.Guilds, req.ObservedAt)
	if err != nil {
		h.writeServiceError(w, r, "refreshing guild snapshot", err)
		return
	}
	h.writeSuccess(w, result)
}

// XPLeaderboard returns guilds ranked by xp gained over the retention window
func (h *Handler) XPLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	rows, err := h.service.XPLeaderboard(r.Context(), limit, offset)
	if err != nil {
		h.writeServiceError(w, r, "querying xp leaderboard", err)
		return
	}
	h.writeSuccess(w, rows)
}
