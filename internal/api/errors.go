package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ash-run/ash/internal/bridge"
	"github.com/ash-run/ash/internal/pool"
	"github.com/ash-run/ash/internal/router"
	"github.com/ash-run/ash/internal/runner"
	"github.com/ash-run/ash/internal/store"
)

// ErrorBody is the structured error payload on every non-2xx response.
type ErrorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Debug("encoding response failed", "error", err)
		}
	}
}

// writeError maps domain sentinels onto their one HTTP status each.
func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, router.ErrInvalidState):
		status, code = http.StatusBadRequest, "invalid_state"
	case errors.Is(err, router.ErrSessionEnded):
		status, code = http.StatusGone, "session_ended"
	case errors.Is(err, pool.ErrCapacityReached):
		status, code = http.StatusServiceUnavailable, "capacity_reached"
	case errors.Is(err, runner.ErrNoRunnersAvailable):
		status, code = http.StatusServiceUnavailable, "no_runners_available"
	case errors.Is(err, bridge.ErrConnectTimeout):
		status, code = http.StatusInternalServerError, "connect_timeout"
	case errors.Is(err, bridge.ErrNotConnected):
		status, code = http.StatusInternalServerError, "not_connected"
	case errors.Is(err, router.ErrClientWriteTimeout):
		status, code = http.StatusRequestTimeout, "client_write_timeout"
	}
	writeJSON(w, status, ErrorBody{ErrorCode: code, Message: err.Error()})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorBody{ErrorCode: "bad_request", Message: msg})
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, ErrorBody{ErrorCode: "unauthorized", Message: "missing or invalid credentials"})
}
