// Copyright (c) 2025, the dlwatch contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package reconciler drives the polling loop: it diffs the remote job
// listing against the watch list and applies each watched job's state
// transition exactly once.
package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dlwatch/dlwatch/internal/debrid"
	"github.com/dlwatch/dlwatch/internal/domain"
	"github.com/dlwatch/dlwatch/internal/metrics"
	"github.com/dlwatch/dlwatch/internal/models"
)

// StatusClient is the slice of the debrid API the engine needs.
type StatusClient interface {
	ListJobs(ctx context.Context) ([]debrid.JobStatus, error)
	FetchLinks(ctx context.Context, id string) []string
	ResolveDirectURL(ctx context.Context, link string) (string, bool)
	SelectAllFiles(ctx context.Context, id string)
}

// Dispatcher hands resolved URLs to the download device. An empty result map
// means the device was unavailable; Dispatch itself never fails.
type Dispatcher interface {
	Dispatch(ctx context.Context, urls []string, path string) map[string]any
}

// Config controls the polling cadence.
type Config struct {
	Interval time.Duration
}

func DefaultConfig() Config {
	// Debrid services will not finish a job in under a couple of minutes;
	// polling faster than this only burns their rate limit.
	return Config{Interval: 150 * time.Second}
}

// Service runs reconcile passes. At most one pass is in flight at any time:
// timer ticks skip while a pass runs, and manual triggers coalesce onto the
// in-flight pass.
type Service struct {
	cfg        Config
	store      *models.WatchedJobStore
	client     StatusClient
	dispatcher Dispatcher
	metrics    *metrics.Manager
	logger     zerolog.Logger

	group      singleflight.Group
	passing    chan struct{}      // 1-token semaphore, owned by whoever holds it
	intervalCh chan time.Duration // pending cadence change for the polling loop
}

func NewService(cfg Config, store *models.WatchedJobStore, client StatusClient, dispatcher Dispatcher, manager *metrics.Manager) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}

	s := &Service{
		cfg:        cfg,
		store:      store,
		client:     client,
		dispatcher: dispatcher,
		metrics:    manager,
		logger:     log.Logger.With().Str("module", "reconciler").Logger(),
		passing:    make(chan struct{}, 1),
		intervalCh: make(chan time.Duration, 1),
	}
	s.passing <- struct{}{}
	return s
}

// Start launches the polling loop. It returns immediately; the loop stops
// when ctx is canceled.
func (s *Service) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case d := <-s.intervalCh:
				ticker.Reset(d)
				s.logger.Info().Dur("interval", d).Msg("Polling interval updated")
			case <-ticker.C:
				s.runScheduled(ctx)
			}
		}
	}()
}

// SetInterval changes the polling cadence. Safe to call while the loop is
// running; a later call supersedes an unapplied earlier one.
func (s *Service) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}

	for {
		select {
		case s.intervalCh <- d:
			return
		default:
			select {
			case <-s.intervalCh:
			default:
			}
		}
	}
}

// runScheduled runs a pass unless one is already in flight, in which case
// the tick is dropped rather than queued.
func (s *Service) runScheduled(ctx context.Context) {
	select {
	case <-s.passing:
	default:
		s.logger.Debug().Msg("Previous pass still running, skipping tick")
		return
	}
	defer func() { s.passing <- struct{}{} }()

	if err := s.pass(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("Scheduled pass failed")
	}
}

// TriggerNow runs a pass synchronously. Concurrent triggers share a single
// pass and all receive its result.
func (s *Service) TriggerNow(ctx context.Context) error {
	_, err, _ := s.group.Do("pass", func() (any, error) {
		select {
		case <-s.passing:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		defer func() { s.passing <- struct{}{} }()

		return nil, s.pass(ctx)
	})
	return err
}

func (s *Service) pass(ctx context.Context) error {
	// Snapshot the watch list before the network round-trip. Ids added while
	// ListJobs is in flight are not in the snapshot and so can never become
	// sweep candidates; they are picked up by the next pass.
	watched, err := s.store.ListIDs(ctx)
	if err != nil {
		return err
	}
	if len(watched) == 0 {
		// Nothing watched; do not touch the remote at all.
		return nil
	}

	remote, err := s.client.ListJobs(ctx)
	if err != nil {
		s.metrics.PassesTotal.WithLabelValues("failure").Inc()
		switch {
		case errors.Is(err, domain.ErrUnauthorized):
			s.logger.Error().Err(err).Msg("Debrid service rejected credentials, aborting pass")
		case errors.Is(err, domain.ErrTransient):
			s.logger.Warn().Err(err).Msg("Debrid service unreachable, retrying next interval")
		default:
			s.logger.Error().Err(err).Msg("Failed to list remote jobs")
		}
		return err
	}

	seen := make(map[string]struct{}, len(remote))
	for _, job := range remote {
		seen[job.ID] = struct{}{}

		if _, ok := watched[job.ID]; !ok {
			continue
		}

		switch job.Status {
		case debrid.StatusDownloaded:
			s.handleDownloaded(ctx, job.ID)
		case debrid.StatusMagnetError, debrid.StatusVirus, debrid.StatusError, debrid.StatusDead:
			s.handleFailed(ctx, job.ID, job.Status)
		case debrid.StatusWaitingFilesSelection:
			s.handleWaitingSelection(ctx, job.ID)
		default:
			// Still converting/downloading remotely; keep watching.
		}
	}

	// Jobs the remote no longer reports were deleted out-of-band; stop
	// watching them. Uses the snapshot taken above so ids added while this
	// pass was running are never swept.
	for id := range watched {
		if _, ok := seen[id]; ok {
			continue
		}
		s.logger.Warn().Str("id", id).Msg("Job disappeared from remote listing, removing from watch list")
		s.removeWatched(ctx, id, "gone")
	}

	s.metrics.PassesTotal.WithLabelValues("success").Inc()
	if count, err := s.store.Count(ctx); err == nil {
		s.metrics.WatchedJobs.Set(float64(count))
	}

	return nil
}

// handleDownloaded resolves the job's direct URLs and hands them to the
// dispatcher, then removes the job. Removal happens regardless of dispatch
// outcome: a job is watched once, not retried.
func (s *Service) handleDownloaded(ctx context.Context, id string) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			// Raced with a concurrent remove; clean up and move on.
			s.removeWatched(ctx, id, "downloaded")
			return
		}
		s.logger.Error().Err(err).Str("id", id).Msg("Failed to load watched job")
		return
	}

	links := s.client.FetchLinks(ctx, id)
	resolved := make([]string, 0, len(links))
	for _, link := range links {
		direct, ok := s.client.ResolveDirectURL(ctx, link)
		if !ok {
			s.logger.Warn().Str("id", id).Str("link", link).Msg("Skipping link that failed to resolve")
			continue
		}
		resolved = append(resolved, direct)
	}

	if len(resolved) < len(links) {
		s.logger.Warn().Str("id", id).Int("resolved", len(resolved)).Int("links", len(links)).Msg("Dispatching partially resolved job")
	}

	result := s.dispatcher.Dispatch(ctx, resolved, job.Path)
	if len(result) == 0 && len(resolved) > 0 {
		s.metrics.DispatchUnavailableTotal.Inc()
		s.logger.Error().Str("id", id).Str("path", job.Path).Msg("Download device unavailable, job dropped without dispatch")
	} else {
		s.metrics.DispatchedURLsTotal.Add(float64(len(resolved)))
		s.logger.Info().Str("id", id).Str("path", job.Path).Str("title", job.Title).Int("urls", len(resolved)).Msg("Dispatched completed job")
	}

	s.removeWatched(ctx, id, "downloaded")
}

func (s *Service) handleFailed(ctx context.Context, id string, status debrid.Status) {
	path := ""
	if job, err := s.store.Get(ctx, id); err == nil {
		path = job.Path
	}

	s.logger.Error().Str("id", id).Str("path", path).Str("status", string(status)).Msg("Remote job failed, removing from watch list")
	s.removeWatched(ctx, id, string(status))
}

// handleWaitingSelection kicks off file selection and consumes the watch
// entry. The remote keeps the same id after selection, so callers that want
// to keep tracking it can simply re-register the id.
func (s *Service) handleWaitingSelection(ctx context.Context, id string) {
	s.client.SelectAllFiles(ctx, id)
	s.logger.Info().Str("id", id).Msg("Triggered file selection for waiting job")
	s.removeWatched(ctx, id, "waiting_files_selection")
}

func (s *Service) removeWatched(ctx context.Context, id, state string) {
	if err := s.store.Remove(ctx, id); err != nil && !errors.Is(err, models.ErrJobNotFound) {
		s.logger.Error().Err(err).Str("id", id).Msg("Failed to remove watched job")
		return
	}
	s.metrics.TransitionsTotal.WithLabelValues(state).Inc()
}
