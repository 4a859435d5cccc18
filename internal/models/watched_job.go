// Copyright (c) 2025, the dlwatch contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/dlwatch/dlwatch/internal/dbinterface"
)

var (
	ErrJobNotFound  = errors.New("watched job not found")
	ErrInvalidJobID = errors.New("job id must not be empty")
	ErrInvalidDest  = errors.New("destination path must not be empty")
)

// WatchedJob is one entry on the watch list: a debrid-assigned job id and
// where its files should end up once the job completes. Rows are immutable;
// they are only ever inserted and removed.
type WatchedJob struct {
	ID    string `json:"id"`
	Path  string `json:"path"`
	Title string `json:"title,omitempty"`
}

// WatchedJobStore is the durable watch list. Every mutation is a single
// committed statement, so a crash between calls never loses an
// already-acknowledged write.
type WatchedJobStore struct {
	db dbinterface.Querier
}

func NewWatchedJobStore(db dbinterface.Querier) *WatchedJobStore {
	return &WatchedJobStore{db: db}
}

// Add registers a job id. A duplicate id is a silent no-op: the first write
// wins, so a re-registered id can never redirect an in-flight download to a
// different destination.
func (s *WatchedJobStore) Add(ctx context.Context, id, path, title string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidJobID
	}
	if strings.TrimSpace(path) == "" {
		return ErrInvalidDest
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO watched_jobs (id, path, title) VALUES (?, ?, ?)",
		id, path, title)
	return err
}

// Remove deletes a job id. Removing an id that is not watched returns
// ErrJobNotFound so HTTP callers can distinguish the two.
func (s *WatchedJobStore) Remove(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM watched_jobs WHERE id = ?", id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *WatchedJobStore) RemoveAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM watched_jobs")
	return err
}

func (s *WatchedJobStore) Get(ctx context.Context, id string) (*WatchedJob, error) {
	var job WatchedJob
	err := s.db.QueryRowContext(ctx,
		"SELECT id, path, title FROM watched_jobs WHERE id = ?", id).
		Scan(&job.ID, &job.Path, &job.Title)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// ListIDs returns the set of watched ids.
func (s *WatchedJobStore) ListIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM watched_jobs")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}

	return ids, rows.Err()
}

func (s *WatchedJobStore) List(ctx context.Context) ([]*WatchedJob, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, path, title FROM watched_jobs ORDER BY created_at ASC, id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*WatchedJob
	for rows.Next() {
		var job WatchedJob
		if err := rows.Scan(&job.ID, &job.Path, &job.Title); err != nil {
			return nil, err
		}
		jobs = append(jobs, &job)
	}

	return jobs, rows.Err()
}

func (s *WatchedJobStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM watched_jobs").Scan(&count)
	return count, err
}
