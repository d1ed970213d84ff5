package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"reminders/internal/reminder"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto status codes. Anything unrecognised is
// logged and reported as a 500 without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, reminder.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, reminder.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, reminder.ErrInvalidTransition), errors.Is(err, reminder.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		http.Error(w, "server error", http.StatusInternalServerError)
	}
}
