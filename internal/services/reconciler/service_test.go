// Copyright (c) 2025, the dlwatch contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconciler

import (
	"bytes"
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dlwatch/dlwatch/internal/debrid"
	"github.com/dlwatch/dlwatch/internal/domain"
	"github.com/dlwatch/dlwatch/internal/metrics"
	"github.com/dlwatch/dlwatch/internal/models"
)

type fakeClient struct {
	mu        sync.Mutex
	jobs      []debrid.JobStatus
	listErr   error
	listCalls int
	onList    func(ctx context.Context)
	links     map[string][]string
	resolve   map[string]string
	selected  []string
}

func (f *fakeClient) ListJobs(ctx context.Context) ([]debrid.JobStatus, error) {
	f.mu.Lock()
	f.listCalls++
	hook, err, jobs := f.onList, f.listErr, f.jobs
	f.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (f *fakeClient) FetchLinks(ctx context.Context, id string) []string {
	return f.links[id]
}

func (f *fakeClient) ResolveDirectURL(ctx context.Context, link string) (string, bool) {
	direct, ok := f.resolve[link]
	return direct, ok
}

func (f *fakeClient) SelectAllFiles(ctx context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected = append(f.selected, id)
}

type dispatchCall struct {
	urls []string
	path string
}

type fakeDispatcher struct {
	mu          sync.Mutex
	calls       []dispatchCall
	unavailable bool
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, urls []string, path string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{urls: urls, path: path})
	if f.unavailable {
		return map[string]any{}
	}
	return map[string]any{"packageId": len(f.calls)}
}

func newTestStore(t *testing.T) *models.WatchedJobStore {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	_, err = sqlDB.ExecContext(context.Background(), `
		CREATE TABLE watched_jobs (
			id    TEXT PRIMARY KEY,
			path  TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	require.NoError(t, err)

	return models.NewWatchedJobStore(sqlDB)
}

func newTestService(t *testing.T, client *fakeClient, dispatcher *fakeDispatcher) (*Service, *models.WatchedJobStore, *bytes.Buffer) {
	t.Helper()

	store := newTestStore(t)
	svc := NewService(DefaultConfig(), store, client, dispatcher, metrics.NewManager())

	var buf bytes.Buffer
	svc.logger = zerolog.New(&buf)

	return svc, store, &buf
}

func TestEmptyStoreShortCircuits(t *testing.T) {
	client := &fakeClient{}
	svc, _, _ := newTestService(t, client, &fakeDispatcher{})

	require.NoError(t, svc.TriggerNow(context.Background()))
	assert.Zero(t, client.listCalls, "empty watch list must not hit the remote")
}

func TestDownloadedJobPartialResolution(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{
		jobs:    []debrid.JobStatus{{ID: "A", Status: debrid.StatusDownloaded}},
		links:   map[string][]string{"A": {"u1", "u2"}},
		resolve: map[string]string{"u1": "d1"},
	}
	dispatcher := &fakeDispatcher{}
	svc, store, _ := newTestService(t, client, dispatcher)

	require.NoError(t, store.Add(ctx, "A", "/m", "T"))
	require.NoError(t, svc.TriggerNow(ctx))

	require.Len(t, dispatcher.calls, 1)
	assert.Equal(t, []string{"d1"}, dispatcher.calls[0].urls, "unresolvable links are skipped, not fatal")
	assert.Equal(t, "/m", dispatcher.calls[0].path)

	_, err := store.Get(ctx, "A")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestAtMostOnceDispatch(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{
		jobs:    []debrid.JobStatus{{ID: "A", Status: debrid.StatusDownloaded}},
		links:   map[string][]string{"A": {"u1"}},
		resolve: map[string]string{"u1": "d1"},
	}
	dispatcher := &fakeDispatcher{}
	svc, store, _ := newTestService(t, client, dispatcher)

	require.NoError(t, store.Add(ctx, "A", "/m", ""))

	// The remote keeps reporting the job as downloaded on later passes.
	require.NoError(t, svc.TriggerNow(ctx))
	require.NoError(t, svc.TriggerNow(ctx))

	assert.Len(t, dispatcher.calls, 1, "a job must be dispatched at most once")
}

func TestFailedJobRemovedAndLogged(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{jobs: []debrid.JobStatus{{ID: "B", Status: debrid.StatusDead}}}
	svc, store, logs := newTestService(t, client, &fakeDispatcher{})

	require.NoError(t, store.Add(ctx, "B", "/n", ""))
	require.NoError(t, svc.TriggerNow(ctx))

	_, err := store.Get(ctx, "B")
	assert.ErrorIs(t, err, models.ErrJobNotFound)

	assert.Contains(t, logs.String(), `"level":"error"`)
	assert.Contains(t, logs.String(), `"id":"B"`)
	assert.Contains(t, logs.String(), `"path":"/n"`)
}

func TestGoneJobRemovedAndWarned(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{jobs: []debrid.JobStatus{}}
	dispatcher := &fakeDispatcher{}
	svc, store, logs := newTestService(t, client, dispatcher)

	require.NoError(t, store.Add(ctx, "C", "/o", ""))
	require.NoError(t, svc.TriggerNow(ctx))

	_, err := store.Get(ctx, "C")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
	assert.Empty(t, dispatcher.calls)

	assert.Contains(t, logs.String(), `"level":"warn"`)
	assert.Contains(t, logs.String(), `"id":"C"`)
}

func TestWaitingSelectionConsumesEntry(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{jobs: []debrid.JobStatus{{ID: "D", Status: debrid.StatusWaitingFilesSelection}}}
	svc, store, _ := newTestService(t, client, &fakeDispatcher{})

	require.NoError(t, store.Add(ctx, "D", "/p", ""))
	require.NoError(t, svc.TriggerNow(ctx))

	assert.Equal(t, []string{"D"}, client.selected)
	_, err := store.Get(ctx, "D")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestInProgressJobKeepsWatching(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{jobs: []debrid.JobStatus{{ID: "E", Status: "downloading"}}}
	dispatcher := &fakeDispatcher{}
	svc, store, _ := newTestService(t, client, dispatcher)

	require.NoError(t, store.Add(ctx, "E", "/q", ""))
	require.NoError(t, svc.TriggerNow(ctx))

	job, err := store.Get(ctx, "E")
	require.NoError(t, err)
	assert.Equal(t, "/q", job.Path)
	assert.Empty(t, dispatcher.calls)
}

func TestAuthErrorAbortsWithoutMutation(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{listErr: domain.ErrUnauthorized}
	svc, store, logs := newTestService(t, client, &fakeDispatcher{})

	require.NoError(t, store.Add(ctx, "A", "/m", ""))

	err := svc.TriggerNow(ctx)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "a failed pass must not touch the store")
	assert.Contains(t, logs.String(), `"level":"error"`)
}

func TestTransientErrorRetriedNextInterval(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{listErr: domain.ErrTransient}
	svc, store, logs := newTestService(t, client, &fakeDispatcher{})

	require.NoError(t, store.Add(ctx, "A", "/m", ""))

	err := svc.TriggerNow(ctx)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Contains(t, logs.String(), `"level":"warn"`)

	// Remote recovers; the next pass proceeds normally.
	client.mu.Lock()
	client.listErr = nil
	client.jobs = []debrid.JobStatus{{ID: "A", Status: "queued"}}
	client.mu.Unlock()

	require.NoError(t, svc.TriggerNow(ctx))
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDispatchUnavailableStillRemovesJob(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{
		jobs:    []debrid.JobStatus{{ID: "A", Status: debrid.StatusDownloaded}},
		links:   map[string][]string{"A": {"u1"}},
		resolve: map[string]string{"u1": "d1"},
	}
	dispatcher := &fakeDispatcher{unavailable: true}
	svc, store, logs := newTestService(t, client, dispatcher)

	require.NoError(t, store.Add(ctx, "A", "/m", ""))
	require.NoError(t, svc.TriggerNow(ctx))

	require.Len(t, dispatcher.calls, 1)
	_, err := store.Get(ctx, "A")
	assert.ErrorIs(t, err, models.ErrJobNotFound, "the job is consumed even when the device is down")
	assert.Contains(t, logs.String(), `"level":"error"`)
}

func TestOutcomesIndependentAcrossIDs(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{
		jobs: []debrid.JobStatus{
			{ID: "A", Status: debrid.StatusDownloaded},
			{ID: "B", Status: debrid.StatusDead},
			{ID: "E", Status: "downloading"},
		},
		links:   map[string][]string{"A": {"u1"}},
		resolve: map[string]string{"u1": "d1"},
	}
	dispatcher := &fakeDispatcher{}
	svc, store, _ := newTestService(t, client, dispatcher)

	require.NoError(t, store.Add(ctx, "A", "/a", ""))
	require.NoError(t, store.Add(ctx, "B", "/b", ""))
	require.NoError(t, store.Add(ctx, "E", "/e", ""))

	require.NoError(t, svc.TriggerNow(ctx))

	require.Len(t, dispatcher.calls, 1)
	assert.Equal(t, "/a", dispatcher.calls[0].path)

	ids, err := store.ListIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	assert.Contains(t, ids, "E")
}

func TestJobAddedDuringListingIsNotSwept(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{jobs: []debrid.JobStatus{{ID: "OLD", Status: "downloading"}}}
	svc, store, _ := newTestService(t, client, &fakeDispatcher{})

	require.NoError(t, store.Add(ctx, "OLD", "/old", ""))

	// Register a fresh id while the listing round-trip is in flight. The
	// listing does not know about it yet, so a sweep over the post-listing
	// watch list would destroy it.
	client.onList = func(ctx context.Context) {
		require.NoError(t, store.Add(ctx, "NEW", "/fresh", ""))
	}

	require.NoError(t, svc.TriggerNow(ctx))

	job, err := store.Get(ctx, "NEW")
	require.NoError(t, err, "an id added mid-pass must wait for the next pass, not be swept")
	assert.Equal(t, "/fresh", job.Path)

	old, err := store.Get(ctx, "OLD")
	require.NoError(t, err)
	assert.Equal(t, "/old", old.Path)
}

func TestSetIntervalReschedulesPolling(t *testing.T) {
	client := &fakeClient{jobs: []debrid.JobStatus{{ID: "E", Status: "downloading"}}}
	svc, store, _ := newTestService(t, client, &fakeDispatcher{})

	require.NoError(t, store.Add(context.Background(), "E", "/q", ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.cfg.Interval = time.Hour
	svc.Start(ctx)
	svc.SetInterval(5 * time.Millisecond)

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.listCalls > 0
	}, 2*time.Second, 5*time.Millisecond, "the loop must pick up the shortened interval")
}

func TestConcurrentTriggersCoalesce(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{jobs: []debrid.JobStatus{{ID: "E", Status: "downloading"}}}
	svc, store, _ := newTestService(t, client, &fakeDispatcher{})

	require.NoError(t, store.Add(ctx, "E", "/q", ""))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.TriggerNow(ctx))
		}()
	}
	wg.Wait()

	client.mu.Lock()
	calls := client.listCalls
	client.mu.Unlock()
	assert.LessOrEqual(t, calls, 8, "concurrent triggers must not stack extra passes")
	assert.Positive(t, calls)
}
