package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"taskpilot/internal/auth"
)

// TokenHandler exchanges the admin password for an observer token.
type TokenHandler struct {
	JWT          *auth.JWT
	PasswordHash string
	Logger       *slog.Logger
}

type tokenReq struct {
	Password string `json:"password"`
	Subject  string `json:"subject"`
}

func (h *TokenHandler) Token(w http.ResponseWriter, r *http.Request) {
	if h.JWT == nil || h.PasswordHash == "" {
		http.Error(w, "token exchange disabled", http.StatusNotFound)
		return
	}

	var req tokenReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Password == "" {
		http.Error(w, "invalid input", http.StatusBadRequest)
		return
	}
	if !auth.ComparePassword(h.PasswordHash, req.Password) {
		logger(h.Logger).Warn("token: invalid credentials", "remote_addr", r.RemoteAddr)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if req.Subject == "" {
		req.Subject = "observer"
	}

	token, err := h.JWT.Sign(req.Subject)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token": token,
	})
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
