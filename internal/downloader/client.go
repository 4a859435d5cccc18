// Copyright (c) 2025, the dlwatch contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package downloader manages the connection to the remote download-manager
// device and hands it batches of resolved URLs.
package downloader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dlwatch/dlwatch/internal/buildinfo"
)

var ErrDeviceNotFound = errors.New("download device not found")

const (
	connectAttempts = 3
	connectDelay    = 2 * time.Second
)

// connState is the connection lifecycle. A dispatch always probes first and
// only re-authenticates when the probe fails, so a healthy session is reused
// across passes.
type connState int

const (
	stateDisconnected connState = iota
	stateConnected
)

// Client talks to the download device's connect API: authenticate, resolve
// the device by name, push link batches to its linkgrabber.
//
// Dispatch never returns an error. When the device is unreachable or missing
// the result map is empty and the client stays in the disconnected state
// until a later dispatch finds the device again.
type Client struct {
	baseURL    string
	username   string
	password   string
	deviceName string
	httpClient *http.Client
	logger     zerolog.Logger

	// mu guards the session fields below. The startup warm-up runs
	// concurrently with dispatches triggered over the API.
	mu       sync.Mutex
	state    connState
	token    string
	deviceID string
}

func NewClient(baseURL, username, password, deviceName string, timeoutSeconds int) *Client {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 60
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
		deviceName: deviceName,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
		logger:     log.Logger.With().Str("module", "downloader").Logger(),
	}
}

// Connect establishes the initial session. Called once at startup; a failure
// here is not fatal since Dispatch reconnects on demand.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnect(ctx)
}

// Connected reports whether the last probe or dispatch found a usable device.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// Dispatch sends urls to the device's linkgrabber with path as the
// destination folder. The device starts downloading immediately and ignores
// any conflicting auto-organization rules. On any failure the result map is
// empty; the caller decides whether that matters.
func (c *Client) Dispatch(ctx context.Context, urls []string, path string) map[string]any {
	if len(urls) == 0 {
		return map[string]any{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		c.logger.Error().Err(err).Str("device", c.deviceName).Msg("Download device unavailable, dropping dispatch")
		return map[string]any{}
	}

	result, err := c.addLinks(ctx, urls, path)
	if err != nil {
		// Session may have died mid-flight; next dispatch starts from scratch.
		c.state = stateDisconnected
		c.logger.Error().Err(err).Str("device", c.deviceName).Int("urls", len(urls)).Msg("Failed to dispatch links to device")
		return map[string]any{}
	}

	c.logger.Info().Str("device", c.deviceName).Str("path", path).Int("urls", len(urls)).Msg("Dispatched links to download device")
	return result
}

// ensureConnected revalidates an existing session with a lightweight probe
// and only falls back to full re-authentication when the probe fails.
// Callers hold c.mu.
func (c *Client) ensureConnected(ctx context.Context) error {
	if c.state == stateConnected {
		if err := c.probe(ctx); err == nil {
			return nil
		}
		c.logger.Debug().Str("device", c.deviceName).Msg("Session probe failed, re-authenticating")
		c.state = stateDisconnected
	}

	return c.reconnect(ctx)
}

func (c *Client) reconnect(ctx context.Context) error {
	err := retry.Do(
		func() error { return c.login(ctx) },
		retry.Attempts(connectAttempts),
		retry.Delay(connectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return errors.Wrap(err, "authenticate with download device server")
	}

	deviceID, err := c.findDevice(ctx)
	if err != nil {
		return err
	}

	c.deviceID = deviceID
	c.state = stateConnected
	c.logger.Debug().Str("device", c.deviceName).Msg("Connected to download device")
	return nil
}

func (c *Client) login(ctx context.Context) error {
	payload, _ := json.Marshal(map[string]string{
		"email":    c.username,
		"password": c.password,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/login", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login returned status %d", resp.StatusCode)
	}

	var session struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return errors.Wrap(err, "decode login response")
	}
	if session.Token == "" {
		return errors.New("login response missing token")
	}

	c.token = session.Token
	return nil
}

func (c *Client) findDevice(ctx context.Context) (string, error) {
	req, err := c.newAuthedRequest(ctx, http.MethodGet, "/api/devices", nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("device listing returned status %d", resp.StatusCode)
	}

	var listing struct {
		Devices []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"devices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return "", errors.Wrap(err, "decode device listing")
	}

	for _, device := range listing.Devices {
		if device.Name == c.deviceName {
			return device.ID, nil
		}
	}

	return "", errors.Wrapf(ErrDeviceNotFound, "%q not in device listing", c.deviceName)
}

// probe is a cheap session check; any failure means reconnect.
func (c *Client) probe(ctx context.Context) error {
	req, err := c.newAuthedRequest(ctx, http.MethodGet, "/api/ping", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) addLinks(ctx context.Context, urls []string, path string) (map[string]any, error) {
	payload, err := json.Marshal(map[string]any{
		"links":                    strings.Join(urls, "\n"),
		"destinationFolder":        path,
		"autostart":                true,
		"overwritePackagizerRules": true,
	})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("/api/devices/%s/linkgrabber/add", url.PathEscape(c.deviceID))
	req, err := c.newAuthedRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("linkgrabber add returned status %d: %s", resp.StatusCode, body)
	}

	// The device API has returned non-object bodies on success before. An
	// empty map means "device unavailable" to callers, so a 200 with no
	// usable body must still produce a non-empty result.
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || len(result) == 0 {
		return map[string]any{"accepted": true}, nil
	}

	return result, nil
}

func (c *Client) newAuthedRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	return req, nil
}
