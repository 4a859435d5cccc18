// Copyright (c) 2025, the dlwatch contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sessions issues and validates per-IP bearer tokens, the short-lived
// alternative to the master API key.
package sessions

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const tokenBytes = 32

// Session is one issued credential. Expiry has date granularity: a session
// stays valid through its expiry day and dies the day after, matching how
// operators reason about "a 3-day login".
type Session struct {
	IP     string
	Token  string
	Expiry time.Time
}

// Registry owns all sessions, keyed by client address. An address can hold
// several sessions at once (multiple browsers behind one NAT).
type Registry struct {
	expiryDays    int
	masterKey     string
	sweepInterval time.Duration
	logger        zerolog.Logger

	mu       sync.RWMutex
	sessions map[string][]Session

	now func() time.Time
}

func NewRegistry(expiryDays int, masterKey string, sweepInterval time.Duration) *Registry {
	if expiryDays <= 0 {
		expiryDays = 1
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Hour
	}

	return &Registry{
		expiryDays:    expiryDays,
		masterKey:     masterKey,
		sweepInterval: sweepInterval,
		logger:        log.Logger.With().Str("module", "sessions").Logger(),
		sessions:      make(map[string][]Session),
		now:           time.Now,
	}
}

// Start runs the periodic expiry sweep until ctx is canceled.
func (r *Registry) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.SweepExpired()
			}
		}
	}()
}

// Create issues a new token for ip.
func (r *Registry) Create(ip string) string {
	buf := make([]byte, tokenBytes)
	rand.Read(buf)
	token := base64.RawURLEncoding.EncodeToString(buf)

	session := Session{
		IP:     ip,
		Token:  token,
		Expiry: r.today().AddDate(0, 0, r.expiryDays),
	}

	r.mu.Lock()
	r.sessions[ip] = append(r.sessions[ip], session)
	r.mu.Unlock()

	r.logger.Debug().Str("ip", ip).Time("expiry", session.Expiry).Msg("Issued session token")
	return token
}

// Authenticate reports whether token is valid for ip. The configured master
// key always authenticates, regardless of session state or address.
func (r *Registry) Authenticate(ip, token string) bool {
	if r.masterKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(r.masterKey)) == 1 {
		return true
	}

	today := r.today()

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, session := range r.sessions[ip] {
		if session.Token == token {
			// Lazy expiry: an expired token fails auth even before the
			// sweeper has physically removed it.
			return !session.Expiry.Before(today)
		}
	}

	return false
}

// Close removes the session matching ip and token. Returns false when no
// such session exists.
func (r *Registry) Close(ip, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.sessions[ip]
	for i, session := range list {
		if session.Token == token {
			r.sessions[ip] = append(list[:i], list[i+1:]...)
			if len(r.sessions[ip]) == 0 {
				delete(r.sessions, ip)
			}
			return true
		}
	}

	return false
}

// SweepExpired drops every session whose expiry is strictly before today and
// removes address entries that end up empty.
func (r *Registry) SweepExpired() {
	today := r.today()
	removed := 0

	r.mu.Lock()
	for ip, list := range r.sessions {
		kept := list[:0]
		for _, session := range list {
			if session.Expiry.Before(today) {
				removed++
				continue
			}
			kept = append(kept, session)
		}
		if len(kept) == 0 {
			delete(r.sessions, ip)
		} else {
			r.sessions[ip] = kept
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		r.logger.Info().Int("removed", removed).Msg("Swept expired sessions")
	}
}

// Count returns the number of live session entries across all addresses.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, list := range r.sessions {
		count += len(list)
	}
	return count
}

func (r *Registry) today() time.Time {
	now := r.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
