package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"reminders/internal/reminder"
)

// FlagHandler lets other systems record the completion signals that
// db_check and api_check stop conditions read.
type FlagHandler struct {
	Svc *reminder.Service
}

type flagReq struct {
	Value *bool `json:"value"`
}

func (h *FlagHandler) Put(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req flagReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Value == nil {
		http.Error(w, "value required", http.StatusBadRequest)
		return
	}
	if err := h.Svc.SetFlag(r.Context(), key, *req.Value); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": *req.Value})
}

func (h *FlagHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, err := h.Svc.Flag(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": v})
}
