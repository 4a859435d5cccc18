// Copyright (c) 2025, the dlwatch contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package debrid implements a client for the debrid service's REST API.
// The endpoint layout follows Real-Debrid: job listing, per-job link info,
// link unrestriction, magnet submission and file selection.
package debrid

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dlwatch/dlwatch/internal/buildinfo"
	"github.com/dlwatch/dlwatch/internal/domain"
)

const maxResponseBytes int64 = 4 << 20 // cap on remote response bodies

// Status is the remote lifecycle state of a job as reported by the service.
type Status string

const (
	StatusDownloaded            Status = "downloaded"
	StatusWaitingFilesSelection Status = "waiting_files_selection"
	StatusMagnetError           Status = "magnet_error"
	StatusVirus                 Status = "virus"
	StatusError                 Status = "error"
	StatusDead                  Status = "dead"
)

// JobStatus is one entry from the remote job listing. It is produced fresh
// each poll and never persisted.
type JobStatus struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// SubmitError carries the HTTP status and response body of a failed job
// submission so operators can see what the service objected to.
type SubmitError struct {
	Phase      string // "add" or "select"
	StatusCode int
	Body       string
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("debrid %s rejected: status %d, body: %s", e.Phase, e.StatusCode, e.Body)
}

func (e *SubmitError) Is(target error) bool {
	_, ok := target.(*SubmitError)
	return ok
}

// Client talks to the debrid service. All methods are safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(baseURL, apiKey string, timeoutSeconds int) *Client {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
		logger:     log.Logger.With().Str("module", "debrid").Logger(),
	}
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return req, nil
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// ListJobs fetches the full remote job listing. It returns
// domain.ErrUnauthorized when the service rejects the API key and
// domain.ErrTransient on network or decoding failure; callers treat the
// former as "stop and complain", the latter as "try again next interval".
func (c *Client) ListJobs(ctx context.Context) ([]JobStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "torrents", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: list jobs: %s", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	if isAuthStatus(resp.StatusCode) {
		return nil, fmt.Errorf("%w: list jobs returned status %d", domain.ErrUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: list jobs returned status %d", domain.ErrTransient, resp.StatusCode)
	}

	var jobs []JobStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&jobs); err != nil {
		return nil, fmt.Errorf("%w: decode job listing: %s", domain.ErrTransient, err)
	}

	return jobs, nil
}

// FetchLinks returns the hoster links attached to a job. Auth failures and
// error-shaped bodies yield an empty slice: there is nothing to download,
// not something to crash over.
func (c *Client) FetchLinks(ctx context.Context, id string) []string {
	req, err := c.newRequest(ctx, http.MethodGet, "torrents/info/"+url.PathEscape(id), nil)
	if err != nil {
		c.logger.Error().Err(err).Str("id", id).Msg("Failed to build job info request")
		return nil
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("id", id).Msg("Failed to fetch job info")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn().Int("status", resp.StatusCode).Str("id", id).Msg("Job info request rejected")
		return nil
	}

	var info struct {
		Links []string `json:"links"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&info); err != nil {
		c.logger.Warn().Err(err).Str("id", id).Msg("Malformed job info response")
		return nil
	}

	return info.Links
}

// ResolveDirectURL unrestricts a hoster link into a direct-download URL.
// The second return is false when the link could not be resolved; callers
// skip such links rather than failing the whole job.
func (c *Client) ResolveDirectURL(ctx context.Context, link string) (string, bool) {
	form := url.Values{"link": {link}}
	req, err := c.newRequest(ctx, http.MethodPost, "unrestrict/link", strings.NewReader(form.Encode()))
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to build unrestrict request")
		return "", false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("link", link).Msg("Failed to unrestrict link")
		return "", false
	}
	defer resp.Body.Close()

	if isAuthStatus(resp.StatusCode) {
		c.logger.Warn().Int("status", resp.StatusCode).Str("link", link).Msg("Unrestrict request unauthorized")
		return "", false
	}

	var unrestricted struct {
		Download string `json:"download"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&unrestricted); err != nil {
		c.logger.Warn().Err(err).Str("link", link).Msg("Malformed unrestrict response")
		return "", false
	}
	if unrestricted.Download == "" {
		return "", false
	}

	return unrestricted.Download, true
}

// Submit registers a magnet (or hoster URL) with the service and immediately
// selects all of its files so the job starts downloading. Either phase
// failing surfaces a SubmitError with the raw status and body.
func (c *Client) Submit(ctx context.Context, magnet string) (string, error) {
	form := url.Values{"magnet": {magnet}}
	req, err := c.newRequest(ctx, http.MethodPost, "torrents/addMagnet", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: add magnet: %s", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode != http.StatusCreated {
		return "", &SubmitError{Phase: "add", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var added struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &added); err != nil || added.ID == "" {
		return "", &SubmitError{Phase: "add", StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := c.selectAllFiles(ctx, added.ID); err != nil {
		return "", err
	}

	return added.ID, nil
}

// SelectAllFiles marks every file of a job for download. It is idempotent on
// the remote side and best-effort here: failures are logged, never returned.
func (c *Client) SelectAllFiles(ctx context.Context, id string) {
	if err := c.selectAllFiles(ctx, id); err != nil {
		c.logger.Error().Err(err).Str("id", id).Msg("Failed to select files for job")
	}
}

func (c *Client) selectAllFiles(ctx context.Context, id string) error {
	form := url.Values{"files": {"all"}}
	req, err := c.newRequest(ctx, http.MethodPost, "torrents/selectFiles/"+url.PathEscape(id), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: select files: %s", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return &SubmitError{Phase: "select", StatusCode: resp.StatusCode, Body: string(body)}
	}

	return nil
}
