// Package api exposes the leaderboard engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"leaderboard-engine/internal/model"
	"leaderboard-engine/internal/pkg/lock"
	"leaderboard-engine/internal/repository"
)

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "Internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// errorStatus maps an error kind to its HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, repository.ErrScopeExists):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrStoreUnavailable),
		errors.Is(err, lock.ErrLockTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondWithServiceError writes err with its mapped status. Server-side
// failures are logged and their details kept out of the response.
func respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := errorStatus(err)
	if code < http.StatusInternalServerError {
		respondWithError(w, code, err.Error())
		return
	}

	log.Error().
		Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg("Request failed")

	if code == http.StatusServiceUnavailable {
		respondWithError(w, code, "Service temporarily unavailable")
		return
	}
	respondWithError(w, code, "Internal server error")
}
