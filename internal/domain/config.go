// Copyright (c) 2025, the dlwatch contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// Config is the unmarshaled application configuration.
type Config struct {
	Version string

	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	BaseURL string `mapstructure:"baseUrl"`

	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`

	DataDir string `mapstructure:"dataDir"`

	// APIKey is the long-lived master credential. It authenticates any
	// request directly and also acts as a fallback userpass for session
	// creation.
	APIKey string `mapstructure:"apiKey"`

	// UserPass enables session-based authentication when set. Clients
	// exchange it for a short-lived per-IP token.
	UserPass          string `mapstructure:"userPass"`
	SessionExpiryDays int    `mapstructure:"sessionExpiryDays"`

	// PollInterval is the reconcile cadence in seconds. Debrid services
	// rarely finish a job in under a couple of minutes, so anything below
	// ~30s just burns their rate limit.
	PollInterval         int `mapstructure:"pollInterval"`
	SessionSweepInterval int `mapstructure:"sessionSweepInterval"`

	DebridURL     string `mapstructure:"debridUrl"`
	DebridAPIKey  string `mapstructure:"debridApiKey"`
	DebridTimeout int    `mapstructure:"debridTimeout"`

	DownloaderURL      string `mapstructure:"downloaderUrl"`
	DownloaderUser     string `mapstructure:"downloaderUser"`
	DownloaderPassword string `mapstructure:"downloaderPassword"`
	DownloaderDevice   string `mapstructure:"downloaderDevice"`
	DownloaderTimeout  int    `mapstructure:"downloaderTimeout"`

	MetricsEnabled bool   `mapstructure:"metricsEnabled"`
	MetricsHost    string `mapstructure:"metricsHost"`
	MetricsPort    int    `mapstructure:"metricsPort"`

	PprofEnabled bool `mapstructure:"pprofEnabled"`
}
