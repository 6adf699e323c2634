package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warlog-ledger/internal/domain"
)

// TerritorySnapshotRequest is a full territory ownership observation
type TerritorySnapshotRequest struct {
	Owners     map[string]string `json:"owners"`
	ObservedAt time.Time         `json:"observed_at"`
}

// OpenWarRequest opens a war on a war server
type OpenWarRequest struct {
	ServerName     string               `json:"server_name"`
	GuildNameGuess string               `json:"guild_name_guess"`
	Players        []domain.RosterEntry `json:"players"`
}

// RosterRequest is one observation of a war roster
type RosterRequest struct {
	Players []domain.RosterEntry `json:"players"`
}

// WarServersRequest is one observation of every war server
type WarServersRequest struct {
	Servers    map[string][]domain.RosterEntry `json:"servers"`
	ObservedAt time.Time                       `json:"observed_at"`
}

// ResolveUUIDRequest carries a player's resolved uuid
type ResolveUUIDRequest struct {
	UUID string `json:"uuid"`
}

// RecordTerritorySnapshot handles territory ownership snapshots
func (h *Handler) RecordTerritorySnapshot(w http.ResponseWriter, r *http.Request) {
	var req TerritorySnapshotRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Owners == nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: owners is required", domain.ErrInvalidRequest))
		return
	}

	events, err := h.service.RecordTerritorySnapshot(r.Context(), req.Owners, req.ObservedAt)
	if err != nil {
		h.writeServiceError(w, r, "recording territory snapshot", err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{
		"changes": len(events),
		"events":  events,
	})
}

// OpenWar handles war creation
func (h *Handler) OpenWar(w http.ResponseWriter, r *http.Request) {
	var req OpenWarRequest
	if !h.decode(w, r, &req) {
		return
	}

	war, err := h.service.OpenWar(r.Context(), req.ServerName, req.GuildNameGuess, req.Players)
	if err != nil {
		h.writeServiceError(w, r, "opening war", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    war,
	})
}

// GetWar returns a war with its roster
func (h *Handler) GetWar(w http.ResponseWriter, r *http.Request) {
	id, err := warID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	war, err := h.service.GetWar(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "getting war", err)
		return
	}
	h.writeSuccess(w, war)
}

// UpdateWarRoster applies a roster observation to an open war
func (h *Handler) UpdateWarRoster(w http.ResponseWriter, r *http.Request) {
	id, err := warID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req RosterRequest
	if !h.decode(w, r, &req) {
		return
	}

	war, err := h.service.UpdateWarRoster(r.Context(), id, req.Players)
	if err != nil {
		h.writeServiceError(w, r, "updating war roster", err)
		return
	}
	h.writeSuccess(w, war)
}

// CloseWar marks a war ended
func (h *Handler) CloseWar(w http.ResponseWriter, r *http.Request) {
	id, err := warID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.service.CloseWar(r.Context(), id); err != nil {
		h.writeServiceError(w, r, "closing war", err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"id": id, "state": domain.WarStateEnded})
}

// MarkLogEnded freezes an ended war
func (h *Handler) MarkLogEnded(w http.ResponseWriter, r *http.Request) {
	id, err := warID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.service.MarkLogEnded(r.Context(), id); err != nil {
		h.writeServiceError(w, r, "freezing war", err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{"id": id, "state": domain.WarStateLogEnded})
}

// ApplyWarServers reconciles every war server roster at once
func (h *Handler) ApplyWarServers(w http.ResponseWriter, r *http.Request) {
	var req WarServersRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.ApplyWarServers(r.Context(), req.Servers, req.ObservedAt)
	if err != nil {
		h.writeServiceError(w, r, "applying war servers", err)
		return
	}
	h.writeSuccess(w, result)
}

// ResolvePlayerUUID records a player's uuid on their unresolved roster rows
func (h *Handler) ResolvePlayerUUID(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "playerName")
	var req ResolveUUIDRequest
	if !h.decode(w, r, &req) {
		return
	}

	updated, err := h.service.ResolvePlayerUUID(r.Context(), name, req.UUID)
	if err != nil {
		h.writeServiceError(w, r, "resolving player uuid", err)
		return
	}
	h.writeSuccess(w, map[string]interface{}{
		"player_name": name,
		"uuid":        req.UUID,
		"updated":     updated,
	})
}

// RunCorrelation runs one correlation pass on demand
func (h *Handler) RunCorrelation(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.RunCorrelation(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "running correlation", err)
		return
	}

	recorded := 0
	for _, rec := range records {
		if rec.Persisted() {
			recorded++
		}
	}
	h.writeSuccess(w, map[string]interface{}{
		"recorded": recorded,
		"pending":  len(records) - recorded,
		"records":  records,
	})
}
