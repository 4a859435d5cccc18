// Copyright (c) 2025, the dlwatch contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dlwatch/dlwatch/internal/api/handlers"
	"github.com/dlwatch/dlwatch/internal/api/middleware"
	"github.com/dlwatch/dlwatch/internal/config"
	"github.com/dlwatch/dlwatch/internal/models"
	"github.com/dlwatch/dlwatch/internal/sessions"
)

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	config  *config.AppConfig
	version string

	jobStore        *models.WatchedJobStore
	sessionRegistry *sessions.Registry
	submitter       handlers.Submitter
	passTrigger     handlers.PassTrigger
}

type Dependencies struct {
	Config          *config.AppConfig
	Version         string
	JobStore        *models.WatchedJobStore
	SessionRegistry *sessions.Registry
	Submitter       handlers.Submitter
	PassTrigger     handlers.PassTrigger
}

func NewServer(deps *Dependencies) *Server {
	return &Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       180 * time.Second,
		},
		logger:          log.Logger.With().Str("module", "api").Logger(),
		config:          deps.Config,
		version:         deps.Version,
		jobStore:        deps.JobStore,
		sessionRegistry: deps.SessionRegistry,
		submitter:       deps.Submitter,
		passTrigger:     deps.PassTrigger,
	}
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) open(ready chan<- struct{}) error {
	addr := fmt.Sprintf("%s:%d", s.config.Config.Host, s.config.Config.Port)

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msgf("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	// Replace 0.0.0.0 or :: with localhost for clickable links
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Str("base_url", s.config.Config.BaseURL).
		Msgf("Starting API server - http://%s%s", host, s.config.Config.BaseURL)

	s.server.Handler = s.Handler()

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)

	// Only compress responses >= 1KB, with fast gzip
	compressor, err := httpcompression.DefaultAdapter(
		httpcompression.MinSize(1024),
		httpcompression.GzipCompressionLevel(2),
		httpcompression.Prefer(httpcompression.PreferServer),
	)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create HTTP compression adapter")
	} else {
		r.Use(compressor)
	}

	corsMiddleware := cors.New(cors.Options{
		AllowCredentials: true,
		AllowedMethods:   []string{"HEAD", "OPTIONS", "GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowOriginFunc:  func(origin string) bool { return true },
		MaxAge:           300,
	})
	r.Use(corsMiddleware.Handler)

	healthHandler := handlers.NewHealthHandler()
	authHandler := handlers.NewAuthHandler(s.sessionRegistry, s.config.Config.UserPass, s.config.Config.APIKey)
	contentHandler := handlers.NewContentHandler(s.jobStore, s.submitter, s.passTrigger)

	apiRouter := chi.NewRouter()

	apiRouter.Group(func(r chi.Router) {
		r.Use(middleware.Logger(s.logger))

		// Public routes (no auth required)
		r.Group(func(r chi.Router) {
			// Rate limit credential guessing
			r.Use(chimiddleware.ThrottleBacklog(1, 1, time.Second))

			authHandler.Routes(r)
		})

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.IsAuthenticated(s.sessionRegistry))

			r.Post("/auth/logout", authHandler.Logout)

			contentHandler.Routes(r)
		})
	})

	r.Get("/healthz", healthHandler.HandleHealth)

	baseURL := s.config.Config.BaseURL
	if baseURL == "" {
		baseURL = "/"
	}

	r.Mount(baseURL+"api/v1", apiRouter)

	if baseURL != "/" {
		r.Get("/", func(w http.ResponseWriter, request *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("Must use baseUrl: " + s.config.Config.BaseURL + " instead of /"))
		})
	}

	return r
}
