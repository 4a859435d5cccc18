// Copyright (c) 2025, the dlwatch contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import "net/http"

type HealthHandler struct{}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
