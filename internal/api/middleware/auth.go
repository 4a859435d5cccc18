// Copyright (c) 2025, the dlwatch contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/dlwatch/dlwatch/internal/api/handlers"
	"github.com/dlwatch/dlwatch/internal/sessions"
)

// IsAuthenticated checks the Authorization header against the session
// registry. The registry accepts the master key for any address and session
// tokens only for the address they were issued to.
func IsAuthenticated(registry *sessions.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				handlers.RespondError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			if !registry.Authenticate(ClientIP(r), token) {
				handlers.RespondError(w, http.StatusUnauthorized, "invalid or expired credentials")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// TokenFromRequest extracts the bare credential from the Authorization
// header, tolerating an optional Bearer prefix.
func TokenFromRequest(r *http.Request) string {
	token := strings.TrimSpace(r.Header.Get("Authorization"))
	if after, ok := strings.CutPrefix(token, "Bearer "); ok {
		token = strings.TrimSpace(after)
	}
	return token
}

// ClientIP returns the requester address without the port. RemoteAddr has
// already been rewritten by the RealIP middleware when the request came
// through a trusted proxy.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
