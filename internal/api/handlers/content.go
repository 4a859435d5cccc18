// Copyright (c) 2025, the dlwatch contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dlwatch/dlwatch/internal/debrid"
	"github.com/dlwatch/dlwatch/internal/models"
)

// Submitter sends a magnet to the debrid service and returns the job id.
type Submitter interface {
	Submit(ctx context.Context, magnet string) (string, error)
}

// PassTrigger runs a reconcile pass on demand.
type PassTrigger interface {
	TriggerNow(ctx context.Context) error
}

// ContentHandler manages the watch list.
type ContentHandler struct {
	store     *models.WatchedJobStore
	submitter Submitter
	trigger   PassTrigger
	logger    zerolog.Logger
}

func NewContentHandler(store *models.WatchedJobStore, submitter Submitter, trigger PassTrigger) *ContentHandler {
	return &ContentHandler{
		store:     store,
		submitter: submitter,
		trigger:   trigger,
		logger:    log.Logger.With().Str("module", "api").Logger(),
	}
}

func (h *ContentHandler) Routes(r chi.Router) {
	r.Route("/content", func(r chi.Router) {
		r.Post("/", h.Add)
		r.Delete("/", h.Remove)
		r.Get("/all", h.List)
		r.Delete("/all", h.RemoveAll)
		r.Get("/check", h.Check)
	})
}

type addContentRequest struct {
	MagnetURL string `json:"magnet_url"`
	ID        string `json:"id"`
	Path      string `json:"path"`
	Title     string `json:"title"`
}

// Add registers a job for watching. A magnet_url is first submitted to the
// debrid service; an id skips submission and is watched as-is.
func (h *ContentHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req addContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Path == "" {
		RespondError(w, http.StatusBadRequest, "path is required")
		return
	}
	if req.MagnetURL == "" && req.ID == "" {
		RespondError(w, http.StatusBadRequest, "magnet_url or id is required")
		return
	}

	id := req.ID
	if req.MagnetURL != "" {
		submitted, err := h.submitter.Submit(r.Context(), req.MagnetURL)
		if err != nil {
			var submitErr *debrid.SubmitError
			if errors.As(err, &submitErr) {
				h.logger.Error().Err(err).Str("phase", submitErr.Phase).Msg("Debrid service rejected magnet")
				RespondError(w, http.StatusExpectationFailed, submitErr.Error())
				return
			}
			h.logger.Error().Err(err).Msg("Failed to submit magnet")
			RespondError(w, http.StatusBadGateway, "failed to submit magnet")
			return
		}
		id = submitted
	}

	if err := h.store.Add(r.Context(), id, req.Path, req.Title); err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidJobID), errors.Is(err, models.ErrInvalidDest):
			RespondError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error().Err(err).Str("id", id).Msg("Failed to store watched job")
			RespondError(w, http.StatusInternalServerError, "failed to store watched job")
		}
		return
	}

	h.logger.Info().Str("id", id).Str("path", req.Path).Str("title", req.Title).Msg("Watching job")
	RespondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type removeContentRequest struct {
	ID string `json:"id"`
}

func (h *ContentHandler) Remove(w http.ResponseWriter, r *http.Request) {
	var req removeContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		RespondError(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := h.store.Remove(r.Context(), req.ID); err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			RespondError(w, http.StatusGone, "id not watched")
			return
		}
		h.logger.Error().Err(err).Str("id", req.ID).Msg("Failed to remove watched job")
		RespondError(w, http.StatusInternalServerError, "failed to remove watched job")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"id": req.ID})
}

func (h *ContentHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list watched jobs")
		RespondError(w, http.StatusInternalServerError, "failed to list watched jobs")
		return
	}

	RespondJSON(w, http.StatusOK, jobs)
}

func (h *ContentHandler) RemoveAll(w http.ResponseWriter, r *http.Request) {
	if err := h.store.RemoveAll(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("Failed to clear watch list")
		RespondError(w, http.StatusInternalServerError, "failed to clear watch list")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// Check runs a reconcile pass immediately instead of waiting for the next
// tick. Concurrent checks share a single pass.
func (h *ContentHandler) Check(w http.ResponseWriter, r *http.Request) {
	if err := h.trigger.TriggerNow(r.Context()); err != nil {
		RespondError(w, http.StatusBadGateway, "reconcile pass failed")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
