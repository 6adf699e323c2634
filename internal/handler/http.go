package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/warlog-ledger/internal/domain"
	"github.com/warlog-ledger/internal/service"
)

var errUnavailable = errors.New("data temporarily unavailable")

// Handler provides HTTP handlers for the war ledger API
type Handler struct {
	service *service.Service
	logger  *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(service *service.Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/territories/snapshot", h.RecordTerritorySnapshot)

		r.Route("/wars", func(r chi.Router) {
			r.Post("/", h.OpenWar)
			r.Post("/servers", h.ApplyWarServers)

			r.Route("/{warID}", func(r chi.Router) {
				r.Get("/", h.GetWar)
				r.Put("/roster", h.UpdateWarRoster)
				r.Post("/close", h.CloseWar)
				r.Post("/log-ended", h.MarkLogEnded)
			})
		})

		r.Post("/players/{playerName}/uuid", h.ResolvePlayerUUID)
		r.Post("/correlation/run", h.RunCorrelation)

		r.Route("/leaderboards", func(r chi.Router) {
			r.Get("/guilds", h.GuildLeaderboard)
			r.Get("/players", h.PlayerLeaderboard)
			r.Post("/players/rebuild", h.RebuildPlayerLeaderboard)
			r.Get("/xp", h.XPLeaderboard)
		})

		r.Get("/guilds/{guildName}/outcomes", h.GuildOutcomes)

		r.Post("/level-rank", h.DeriveLevelRank)
		r.Get("/level-rank", h.CurrentLevelRank)
		r.Post("/snapshots/guilds", h.RefreshGuildSnapshot)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeServiceError maps a service error to its HTTP status
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case domain.IsTransient(err):
		h.logger.Warn(op+" failed", "error", err, "request_id", middleware.GetReqID(r.Context()))
		h.writeError(w, http.StatusServiceUnavailable, errUnavailable)
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err)
	case domain.IsValidationError(err):
		h.writeError(w, http.StatusBadRequest, err)
	case domain.IsConflictError(err):
		h.writeError(w, http.StatusConflict, err)
	default:
		h.logger.Error(op+" failed", "error", err, "request_id", middleware.GetReqID(r.Context()))
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// decode reads a JSON request body into v
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err))
		return false
	}
	return true
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ready(r.Context()); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// warID parses the {warID} path parameter
func warID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "warID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad war id", domain.ErrInvalidRequest)
	}
	return id, nil
}

// paging reads limit and offset query parameters. Missing values are zero.
func paging(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil {
			return 0, 0, fmt.Errorf("%w: bad limit %q", domain.ErrInvalidRequest, s)
		}
	}
	if s := q.Get("offset"); s != "" {
		if offset, err = strconv.Atoi(s); err != nil {
			return 0, 0, fmt.Errorf("%w: bad offset %q", domain.ErrInvalidRequest, s)
		}
	}
	return limit, offset, nil
}

// timeRange reads the from and to query parameters as RFC3339 times. It returns nil when
// neither is set.
func timeRange(r *http.Request) (*domain.TimeRange, error) {
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if from == "" && to == "" {
		return nil, nil
	}
	var tr domain.TimeRange
	var err error
	if from != "" {
		if tr.Start, err = time.Parse(time.RFC3339, from); err != nil {
			return nil, fmt.Errorf("%w: bad from %q", domain.ErrInvalidRange, from)
		}
	}
	if to != "" {
		if tr.End, err = time.Parse(time.RFC3339, to); err != nil {
			return nil, fmt.Errorf("%w: bad to %q", domain.ErrInvalidRange, to)
		}
	}
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	return &tr, nil
}
