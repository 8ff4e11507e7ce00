package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"leaderboard-engine/internal/model"
	"leaderboard-engine/internal/service"
)

const maxBodyBytes = 1 << 20

// HealthFunc reports whether the backing store is reachable.
type HealthFunc func(ctx context.Context) error

// Handler serves the leaderboard endpoints.
type Handler struct {
	leaderboard *service.LeaderboardService
	scopes      *service.ScopeService
	health      HealthFunc
	adminKey    string
}

// NewHandler creates a new Handler.
func NewHandler(leaderboard *service.LeaderboardService, scopes *service.ScopeService, health HealthFunc, adminKey string) *Handler {
	return &Handler{
		leaderboard: leaderboard,
		scopes:      scopes,
		health:      health,
		adminKey:    adminKey,
	}
}

type submitScoreRequest struct {
	UserID     int64      `json:"user_id"`
	ScopeID    string     `json:"scope_id"`
	Score      int64      `json:"score"`
	Verified   bool       `json:"verified"`
	PlayedAt   *time.Time `json:"played_at"`
	DurationMs int64      `json:"duration_ms"`
}

type updateScopeRequest struct {
	Active *bool `json:"active"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", model.ErrValidation, err)
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", model.ErrValidation, key)
	}
	return n, nil
}

func pathUserID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid user id", model.ErrValidation)
	}
	return id, nil
}

// SubmitScore handles POST /scores. Verified scores may only come from a
// caller holding the admin key.
func (h *Handler) SubmitScore(w http.ResponseWriter, r *http.Request) {
	var req submitScoreRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	if req.Verified && !isAdminRequest(h.adminKey, r) {
		respondWithError(w, http.StatusForbidden, "verified scores require the admin key")
		return
	}

	submit := service.SubmitRequest{
		UserID:   req.UserID,
		ScopeID:  req.ScopeID,
		Score:    req.Score,
		Verified: req.Verified,
		Duration: time.Duration(req.DurationMs) * time.Millisecond,
	}
	if req.PlayedAt != nil {
		submit.PlayedAt = *req.PlayedAt
	}

	result, err := h.leaderboard.SubmitScore(r.Context(), submit)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, result)
}

// GetLeaderboard handles GET /leaderboards/{scope}.
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	size, err := queryInt(r, "page_size")
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	result, err := h.leaderboard.GetPage(r.Context(), mux.Vars(r)["scope"], page, size)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

// GetUserEntry handles GET /leaderboards/{scope}/users/{id}.
func (h *Handler) GetUserEntry(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUserID(r)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	entry, err := h.leaderboard.GetUserEntry(r.Context(), userID, mux.Vars(r)["scope"])
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, entry)
}

// GetUserStats handles GET /leaderboards/{scope}/users/{id}/stats.
func (h *Handler) GetUserStats(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUserID(r)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	agg, err := h.leaderboard.GetAggregate(r.Context(), userID, mux.Vars(r)["scope"])
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, agg)
}

// GetUserHistory handles GET /leaderboards/{scope}/users/{id}/events.
func (h *Handler) GetUserHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := pathUserID(r)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	events, err := h.leaderboard.History(r.Context(), userID, mux.Vars(r)["scope"], limit)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []*model.ScoreEvent{}
	}

	respondWithJSON(w, http.StatusOK, map[string]any{"events": events})
}

// Recompute handles POST /leaderboards/{scope}/recompute. A run displaced
// by a newer one is reported as accepted.
func (h *Handler) Recompute(w http.ResponseWriter, r *http.Request) {
	scopeID := mux.Vars(r)["scope"]

	snap, err := h.leaderboard.Recompute(r.Context(), scopeID)
	if errors.Is(err, service.ErrSuperseded) {
		respondWithJSON(w, http.StatusAccepted, map[string]string{
			"scope_id": scopeID,
			"status":   "superseded by a newer run",
		})
		return
	}
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"scope_id":     snap.ScopeID,
		"version":      snap.Version,
		"computed_at":  snap.ComputedAt,
		"participants": len(snap.Entries),
	})
}

// ListScopes handles GET /scopes. Pass ?active=true for active scopes only.
func (h *Handler) ListScopes(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	scopes, err := h.scopes.List(r.Context(), activeOnly)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{"scopes": scopes})
}

// CreateScope handles POST /scopes.
func (h *Handler) CreateScope(w http.ResponseWriter, r *http.Request) {
	var req service.CreateScopeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	scope, err := h.scopes.Create(r.Context(), req)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, scope)
}

// GetScope handles GET /scopes/{scope}.
func (h *Handler) GetScope(w http.ResponseWriter, r *http.Request) {
	scope, err := h.scopes.Get(r.Context(), mux.Vars(r)["scope"])
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, scope)
}

// UpdateScope handles PATCH /scopes/{scope}. Only activation can change.
func (h *Handler) UpdateScope(w http.ResponseWriter, r *http.Request) {
	var req updateScopeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	if req.Active == nil {
		respondWithError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	scope, err := h.scopes.SetActive(r.Context(), mux.Vars(r)["scope"], *req.Active)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, scope)
}

// DeleteScope handles DELETE /scopes/{scope}.
func (h *Handler) DeleteScope(w http.ResponseWriter, r *http.Request) {
	if err := h.scopes.Delete(r.Context(), mux.Vars(r)["scope"]); err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}

	respondWithJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
