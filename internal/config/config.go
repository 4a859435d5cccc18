// Copyright (c) 2025, the dlwatch contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dlwatch/dlwatch/internal/domain"
)

var envPrefix = "DLWATCH__"

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	dataDir string
	version string

	listenersMu sync.RWMutex
	listeners   []func(*domain.Config)
}

func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	version := "dev"
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		version = versions[0]
	}

	c := &AppConfig{
		viper:   viper.New(),
		Config:  &domain.Config{},
		version: version,
	}

	c.defaults()

	if err := c.load(configDirOrPath); err != nil {
		return nil, err
	}

	c.loadFromEnv()

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.Config.Version = c.version

	c.resolveDataDir()

	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	host := "localhost"
	if detectContainer() {
		host = "0.0.0.0"
	}

	c.viper.SetDefault("host", host)
	c.viper.SetDefault("port", 8282)
	c.viper.SetDefault("baseUrl", "/")
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("dataDir", "") // Empty means auto-detect (next to config file)

	c.viper.SetDefault("apiKey", "")
	c.viper.SetDefault("userPass", "")
	c.viper.SetDefault("sessionExpiryDays", 1)

	c.viper.SetDefault("pollInterval", 150)
	c.viper.SetDefault("sessionSweepInterval", 3600)

	c.viper.SetDefault("debridUrl", "https://api.real-debrid.com/rest/1.0/")
	c.viper.SetDefault("debridApiKey", "")
	c.viper.SetDefault("debridTimeout", 30)

	c.viper.SetDefault("downloaderUrl", "")
	c.viper.SetDefault("downloaderUser", "")
	c.viper.SetDefault("downloaderPassword", "")
	c.viper.SetDefault("downloaderDevice", "")
	c.viper.SetDefault("downloaderTimeout", 30)

	c.viper.SetDefault("pprofEnabled", false)
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", "127.0.0.1")
	c.viper.SetDefault("metricsPort", 9282)
}

func (c *AppConfig) load(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	if configDirOrPath != "" {
		configPath := c.resolveConfigPath(configDirOrPath)
		c.viper.SetConfigFile(configPath)

		if err := c.viper.ReadInConfig(); err != nil {
			// If file doesn't exist, create it
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				if err := c.writeDefaultConfig(configPath); err != nil {
					return err
				}
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		// Search for config in standard locations
		c.viper.SetConfigName("config")
		c.viper.AddConfigPath(".")
		c.viper.AddConfigPath(GetDefaultConfigDir())

		if err := c.viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				// No config found, create in OS-specific location
				defaultConfigPath := filepath.Join(GetDefaultConfigDir(), "config.toml")
				if err := c.writeDefaultConfig(defaultConfigPath); err != nil {
					return err
				}
				c.viper.SetConfigFile(defaultConfigPath)
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				c.dataDir = filepath.Dir(defaultConfigPath)
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	return nil
}

func (c *AppConfig) loadFromEnv() {
	// DO NOT use AutomaticEnv() - it reads ALL env vars and causes conflicts
	// with K8s deployment_PORT patterns. Bind only what we want, with a
	// double-underscore prefix.

	c.viper.BindEnv("host", envPrefix+"HOST")
	c.viper.BindEnv("port", envPrefix+"PORT")
	c.viper.BindEnv("baseUrl", envPrefix+"BASE_URL")
	c.viper.BindEnv("logLevel", envPrefix+"LOG_LEVEL")
	c.viper.BindEnv("logPath", envPrefix+"LOG_PATH")
	c.viper.BindEnv("logMaxSize", envPrefix+"LOG_MAX_SIZE")
	c.viper.BindEnv("logMaxBackups", envPrefix+"LOG_MAX_BACKUPS")
	c.viper.BindEnv("dataDir", envPrefix+"DATA_DIR")

	c.bindOrReadFromFile("apiKey", envPrefix+"API_KEY")
	c.bindOrReadFromFile("userPass", envPrefix+"USER_PASS")
	c.viper.BindEnv("sessionExpiryDays", envPrefix+"SESSION_EXPIRY_DAYS")

	c.viper.BindEnv("pollInterval", envPrefix+"POLL_INTERVAL")
	c.viper.BindEnv("sessionSweepInterval", envPrefix+"SESSION_SWEEP_INTERVAL")

	c.viper.BindEnv("debridUrl", envPrefix+"DEBRID_URL")
	c.bindOrReadFromFile("debridApiKey", envPrefix+"DEBRID_API_KEY")
	c.viper.BindEnv("debridTimeout", envPrefix+"DEBRID_TIMEOUT")

	c.viper.BindEnv("downloaderUrl", envPrefix+"DOWNLOADER_URL")
	c.viper.BindEnv("downloaderUser", envPrefix+"DOWNLOADER_USER")
	c.bindOrReadFromFile("downloaderPassword", envPrefix+"DOWNLOADER_PASSWORD")
	c.viper.BindEnv("downloaderDevice", envPrefix+"DOWNLOADER_DEVICE")
	c.viper.BindEnv("downloaderTimeout", envPrefix+"DOWNLOADER_TIMEOUT")

	c.viper.BindEnv("pprofEnabled", envPrefix+"PPROF_ENABLED")
	c.viper.BindEnv("metricsEnabled", envPrefix+"METRICS_ENABLED")
	c.viper.BindEnv("metricsHost", envPrefix+"METRICS_HOST")
	c.viper.BindEnv("metricsPort", envPrefix+"METRICS_PORT")
}

func (c *AppConfig) watchConfig() {
	c.viper.WatchConfig()
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s", e.Name)

		if err := c.viper.Unmarshal(c.Config); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}

		c.applyDynamicChanges()
	})
}

func (c *AppConfig) applyDynamicChanges() {
	c.Config.Version = c.version
	c.ApplyLogConfig()

	c.notifyListeners()
}

// RegisterReloadListener registers a callback that's invoked when the configuration file is reloaded.
func (c *AppConfig) RegisterReloadListener(fn func(*domain.Config)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *AppConfig) notifyListeners() {
	c.listenersMu.RLock()
	listeners := append([]func(*domain.Config){}, c.listeners...)
	c.listenersMu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	copied := *c.Config
	for _, listener := range listeners {
		listener(&copied)
	}
}

func (c *AppConfig) writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Debug().Msgf("Config file already exists at: %s", path)
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	log.Debug().Msgf("Created config directory: %s", dir)

	configTemplate := `# config.toml - Auto-generated on first run

# Hostname / IP
# Default: "localhost" (or "0.0.0.0" in containers)
host = "{{ .host }}"

# Port
# Default: 8282
port = {{ .port }}

# Base URL
# Set custom baseUrl eg /dlwatch/ to serve in subdirectory.
# Not needed for subdomain, or by accessing with :port directly.
# Optional
#baseUrl = "/dlwatch/"

# Master API key
# Authenticates any request via the Authorization header.
# Required
apiKey = ""

# Session password
# When set, clients can exchange it for a short-lived per-address token
# via POST /authenticate. Leave empty to disable session auth.
#userPass = ""

# Days a session token stays valid after creation
# Default: 1
#sessionExpiryDays = 1

# Seconds between reconcile passes against the debrid service
# Default: 150
#pollInterval = 150

# Debrid service API
# Default: "https://api.real-debrid.com/rest/1.0/"
#debridUrl = "https://api.real-debrid.com/rest/1.0/"

# Debrid API key
# Required
debridApiKey = ""

# Download device connect API
downloaderUrl = ""
downloaderUser = ""
downloaderPassword = ""

# Device name to dispatch resolved URLs to
downloaderDevice = ""

# Log file path
# If not defined, logs to stdout
# Optional
#logPath = "log/dlwatch.log"

# Log rotation
# Maximum log file size in megabytes before rotation
# Default: {{ .logMaxSize }}
#logMaxSize = {{ .logMaxSize }}

# Number of rotated log files to retain (0 keeps all)
# Default: {{ .logMaxBackups }}
#logMaxBackups = {{ .logMaxBackups }}

# Data directory (default: next to config file)
# Database file (dlwatch.db) will be created inside this directory
#dataDir = "/var/db/dlwatch"

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "{{ .logLevel }}"

# Prometheus Metrics
# Enable Prometheus metrics on separate port (no authentication required)
# Default: false
#metricsEnabled = false

# Metrics server host (bind address for metrics endpoint)
# Default: "127.0.0.1"
#metricsHost = "127.0.0.1"

# Metrics server port (separate from the API)
# Default: 9282
#metricsPort = 9282
`

	data := map[string]any{
		"host":          c.viper.GetString("host"),
		"port":          c.viper.GetInt("port"),
		"logLevel":      c.viper.GetString("logLevel"),
		"logMaxSize":    c.viper.GetInt("logMaxSize"),
		"logMaxBackups": c.viper.GetInt("logMaxBackups"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// GetDefaultConfigDir returns the OS-specific config directory
func GetDefaultConfigDir() string {
	// XDG_CONFIG_HOME is set to /config in Docker containers
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		if xdgConfig == "/config" {
			return xdgConfig
		}
		return filepath.Join(xdgConfig, "dlwatch")
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "dlwatch")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "dlwatch")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "dlwatch")
	}
}

func detectContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if _, err := os.Stat("/dev/.lxc-boot-id"); err == nil {
		return true
	}
	if os.Getpid() == 1 {
		return true
	}
	return false
}

func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	setLogLevel(c.Config.LogLevel)

	writer := c.baseLogWriter()

	if c.Config.LogPath != "" {
		multiWriter, err := setupLogFile(c.Config.LogPath, writer, c.Config.LogMaxSize, c.Config.LogMaxBackups)
		if err != nil {
			log.Error().Err(err).Msg("Failed to setup log file")
		} else {
			writer = multiWriter
		}
	}

	log.Logger = log.Logger.Output(writer)
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Logger.Level(lvl)
}

func setupLogFile(path string, base io.Writer, maxSize, maxBackups int) (io.Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if maxSize <= 0 {
		maxSize = 50
	}

	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	return io.MultiWriter(base, rotator), nil
}

func baseLogWriter(version string) io.Writer {
	if isDevBuild(version) {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		writer.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
		writer.FormatTimestamp = func(i any) string {
			if i == nil {
				return ""
			}
			return fmt.Sprint(i)
		}
		writer.FormatMessage = func(i any) string {
			if i == nil {
				return ""
			}
			msg := strings.TrimSpace(fmt.Sprint(i))
			if msg == "" {
				return ""
			}
			return msg
		}
		return writer
	}
	return os.Stderr
}

func (c *AppConfig) baseLogWriter() io.Writer {
	return baseLogWriter(c.version)
}

// DefaultLogWriter returns the base log writer for the provided version.
func DefaultLogWriter(version string) io.Writer {
	return baseLogWriter(version)
}

// InitDefaultLogger configures zerolog with the default writer for this version.
// This is used by CLI entry points before a configuration file is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(DefaultLogWriter(version))
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

// resolveConfigPath determines the actual config file path from the provided directory or file path
func (c *AppConfig) resolveConfigPath(configDirOrPath string) string {
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}

	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}

	return filepath.Join(configDirOrPath, "config.toml")
}

// resolveDataDir sets the data directory based on configuration
func (c *AppConfig) resolveDataDir() {
	switch {
	case c.Config.DataDir != "":
		c.dataDir = c.Config.DataDir
	case c.viper.ConfigFileUsed() != "":
		c.dataDir = filepath.Dir(c.viper.ConfigFileUsed())
	default:
		c.dataDir = "."
	}
}

// GetDatabasePath returns the path to the database file
func (c *AppConfig) GetDatabasePath() string {
	return filepath.Join(c.dataDir, "dlwatch.db")
}

// SetDataDir sets the data directory (used by CLI flags)
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}

func WriteDefaultConfig(path string) error {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.defaults()

	return c.writeDefaultConfig(path)
}

// Sets viper variable if environment variable with _FILE suffix is present
func (c *AppConfig) bindOrReadFromFile(viperVar string, envVar string) {
	envVarFile := envVar + "_FILE"
	if filePath := os.Getenv(envVarFile); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", filePath).Msg("Could not read " + envVarFile)
		}
		c.viper.Set(viperVar, strings.TrimSpace(string(content)))
	} else {
		c.viper.BindEnv(viperVar, envVar)
	}
}
