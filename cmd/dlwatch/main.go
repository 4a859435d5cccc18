// Copyright (c) 2025, the dlwatch contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dlwatch/dlwatch/internal/api"
	"github.com/dlwatch/dlwatch/internal/buildinfo"
	"github.com/dlwatch/dlwatch/internal/config"
	"github.com/dlwatch/dlwatch/internal/database"
	"github.com/dlwatch/dlwatch/internal/debrid"
	"github.com/dlwatch/dlwatch/internal/domain"
	"github.com/dlwatch/dlwatch/internal/downloader"
	"github.com/dlwatch/dlwatch/internal/metrics"
	"github.com/dlwatch/dlwatch/internal/models"
	"github.com/dlwatch/dlwatch/internal/services/reconciler"
	"github.com/dlwatch/dlwatch/internal/sessions"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "dlwatch",
		Short: "Debrid download watcher",
		Long: `dlwatch - watches submitted jobs on a debrid service and hands
finished downloads to a download device.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
		pprofFlag bool
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/dlwatch/ or %APPDATA%\\dlwatch\\). For backward compatibility, can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for database and other files (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")
	command.Flags().BoolVar(&pprofFlag, "pprof", false, "enable pprof server on :6060")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath, pprofFlag)
		app.runServer()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dlwatch",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/dlwatch/config.toml
- Windows: %APPDATA%\dlwatch\config.toml

You can specify either a directory path or a direct file path:
- Directory: dlwatch generate-config --config-dir /path/to/config/
- File: dlwatch generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				configPath = filepath.Join(config.GetDefaultConfigDir(), "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
	pprofFlag bool
}

func NewApplication(configDir, dataDir, logPath string, pprofFlag bool) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
		pprofFlag: pprofFlag,
	}
}

func (app *Application) runServer() {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("DLWATCH__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("DLWATCH__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	if app.pprofFlag {
		cfg.Config.PprofEnabled = true
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting dlwatch")

	if cfg.Config.APIKey == "" {
		log.Fatal().Msg("apiKey must be configured")
	}
	if cfg.Config.DebridAPIKey == "" {
		log.Fatal().Msg("debridApiKey must be configured")
	}

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	jobStore := models.NewWatchedJobStore(db)

	debridClient := debrid.NewClient(cfg.Config.DebridURL, cfg.Config.DebridAPIKey, cfg.Config.DebridTimeout)
	downloaderClient := downloader.NewClient(
		cfg.Config.DownloaderURL,
		cfg.Config.DownloaderUser,
		cfg.Config.DownloaderPassword,
		cfg.Config.DownloaderDevice,
		cfg.Config.DownloaderTimeout,
	)

	metricsManager := metrics.NewManager()

	reconcilerCfg := reconciler.DefaultConfig()
	if cfg.Config.PollInterval > 0 {
		reconcilerCfg.Interval = time.Duration(cfg.Config.PollInterval) * time.Second
	}
	reconcilerService := reconciler.NewService(reconcilerCfg, jobStore, debridClient, downloaderClient, metricsManager)

	reconcileCtx, reconcileCancel := context.WithCancel(context.Background())
	defer reconcileCancel()
	reconcilerService.Start(reconcileCtx)

	// Pick up pollInterval edits from the config file without a restart.
	cfg.RegisterReloadListener(func(conf *domain.Config) {
		if conf.PollInterval > 0 {
			reconcilerService.SetInterval(time.Duration(conf.PollInterval) * time.Second)
		}
	})

	sessionRegistry := sessions.NewRegistry(
		cfg.Config.SessionExpiryDays,
		cfg.Config.APIKey,
		time.Duration(cfg.Config.SessionSweepInterval)*time.Second,
	)

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	sessionRegistry.Start(sweepCtx)

	// Warm up the device connection so the first dispatch does not pay the
	// login round trips. Dispatch reconnects on its own if this fails.
	go func() {
		connCtx, connCancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer connCancel()
		if err := downloaderClient.Connect(connCtx); err != nil {
			log.Warn().Err(err).Msg("Download device not reachable on startup")
		}
	}()

	httpServer := api.NewServer(&api.Dependencies{
		Config:          cfg,
		Version:         buildinfo.Version,
		JobStore:        jobStore,
		SessionRegistry: sessionRegistry,
		Submitter:       debridClient,
		PassTrigger:     reconcilerService,
	})

	errorChannel := make(chan error)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errorChannel:
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	if cfg.Config.MetricsEnabled {
		go func() {
			metricsServer := metrics.NewServer(
				metricsManager,
				cfg.Config.MetricsHost,
				cfg.Config.MetricsPort,
			)

			errorChannel <- metricsServer.ListenAndServe()
		}()
	}

	if cfg.Config.PprofEnabled {
		go func() {
			log.Info().Msg("Starting pprof server on :6060")
			if err := http.ListenAndServe(":6060", nil); err != nil {
				log.Error().Err(err).Msg("Profiling server failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")

		os.Exit(1)
	}

	os.Exit(0)
}
