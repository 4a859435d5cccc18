// Copyright (c) 2025, the dlwatch contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dlwatch/dlwatch/internal/sessions"
)

// AuthHandler issues and closes session tokens.
type AuthHandler struct {
	registry *sessions.Registry
	userPass string
	apiKey   string
	logger   zerolog.Logger
}

func NewAuthHandler(registry *sessions.Registry, userPass, apiKey string) *AuthHandler {
	return &AuthHandler{
		registry: registry,
		userPass: userPass,
		apiKey:   apiKey,
		logger:   log.Logger.With().Str("module", "auth").Logger(),
	}
}

func (h *AuthHandler) Routes(r chi.Router) {
	r.Post("/authenticate", h.Authenticate)
}

// SessionsEnabled reports whether session auth is configured at all.
func (h *AuthHandler) SessionsEnabled() bool {
	return h.userPass != ""
}

type authenticateRequest struct {
	UserPass string `json:"userpass"`
}

type authenticateResponse struct {
	Token string `json:"token"`
}

// Authenticate exchanges the configured user-pass for a per-address session
// token. The master key is accepted as well so clients can bootstrap either
// way.
func (h *AuthHandler) Authenticate(w http.ResponseWriter, r *http.Request) {
	if !h.SessionsEnabled() {
		RespondError(w, http.StatusGone, "session authentication is disabled")
		return
	}

	var req authenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserPass == "" {
		RespondError(w, http.StatusBadRequest, "userpass is required")
		return
	}

	if !h.credentialMatches(req.UserPass) {
		h.logger.Warn().Str("ip", clientIP(r)).Msg("Rejected authentication attempt")
		RespondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	ip := clientIP(r)
	token := h.registry.Create(ip)
	h.logger.Info().Str("ip", ip).Msg("Issued session token")

	RespondJSON(w, http.StatusOK, authenticateResponse{Token: token})
}

// Logout closes the session presented in the Authorization header.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.Header.Get("Authorization"))
	if after, ok := strings.CutPrefix(token, "Bearer "); ok {
		token = strings.TrimSpace(after)
	}

	if !h.registry.Close(clientIP(r), token) {
		RespondError(w, http.StatusGone, "no such session")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (h *AuthHandler) credentialMatches(userPass string) bool {
	if h.userPass != "" && subtle.ConstantTimeCompare([]byte(userPass), []byte(h.userPass)) == 1 {
		return true
	}
	return h.apiKey != "" && subtle.ConstantTimeCompare([]byte(userPass), []byte(h.apiKey)) == 1
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
