package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"reminders/internal/auth"
)

// AuthHandler exchanges the admin API key for a bearer token.
type AuthHandler struct {
	JWT        *auth.JWT
	APIKeyHash string
}

type tokenReq struct {
	APIKey string `json:"api_key"`
}

func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req tokenReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req.APIKey = strings.TrimSpace(req.APIKey)
	if req.APIKey == "" {
		http.Error(w, "invalid input", http.StatusBadRequest)
		return
	}
	if !auth.CompareAPIKey(h.APIKeyHash, req.APIKey) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := h.JWT.Sign("admin")
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
	})
}
