// Copyright (c) 2025, the dlwatch contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlwatch/dlwatch/internal/domain"
)

func TestDatabasePathResolution(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, tmpDir string) (configPath string, envDataDir string, expectedDBPath string)
	}{
		{
			name: "default_next_to_config",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configPath := filepath.Join(tmpDir, "config.toml")
				content := "host = \"localhost\"\nport = 8080\napiKey = \"test-key\"\n"
				require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
				return configPath, "", filepath.Join(tmpDir, "dlwatch.db")
			},
		},
		{
			name: "explicit_data_dir_in_config",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configPath := filepath.Join(tmpDir, "config.toml")
				dataDir := filepath.Join(tmpDir, "data")
				require.NoError(t, os.MkdirAll(dataDir, 0o755))
				content := fmt.Sprintf("host = \"localhost\"\nport = 8080\napiKey = \"test-key\"\ndataDir = %q\n", dataDir)
				require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
				return configPath, "", filepath.Join(dataDir, "dlwatch.db")
			},
		},
		{
			name: "env_var_override",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configPath := filepath.Join(tmpDir, "config.toml")
				configDataDir := filepath.Join(tmpDir, "config-data")
				envDataDir := filepath.Join(tmpDir, "env-data")
				require.NoError(t, os.MkdirAll(configDataDir, 0o755))
				require.NoError(t, os.MkdirAll(envDataDir, 0o755))
				content := fmt.Sprintf("host = \"localhost\"\nport = 8080\napiKey = \"test-key\"\ndataDir = %q\n", configDataDir)
				require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
				return configPath, envDataDir, filepath.Join(envDataDir, "dlwatch.db")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath, envValue, expectedDBPath := tt.prepare(t, tmpDir)
			if envValue != "" {
				t.Setenv(envPrefix+"DATA_DIR", envValue)
			}

			cfg, err := New(configPath)
			require.NoError(t, err)

			assert.Equal(t, filepath.Clean(expectedDBPath), filepath.Clean(cfg.GetDatabasePath()))
		})
	}
}

func TestConfigDirResolution(t *testing.T) {
	tests := []struct {
		name           string
		input          string
		setupFile      bool
		fileIsDir      bool
		expectedSuffix string
	}{
		{
			name:           "toml_file_extension",
			input:          "/path/to/custom.toml",
			expectedSuffix: "custom.toml",
		},
		{
			name:           "TOML_file_extension_uppercase",
			input:          "/path/to/CONFIG.TOML",
			expectedSuffix: "CONFIG.TOML",
		},
		{
			name:           "directory_path",
			input:          "/path/to/config",
			expectedSuffix: "config.toml",
		},
		{
			name:           "existing_file_without_toml",
			input:          "/path/to/configfile",
			setupFile:      true,
			fileIsDir:      false,
			expectedSuffix: "configfile",
		},
		{
			name:           "existing_directory",
			input:          "/path/to/configdir",
			setupFile:      true,
			fileIsDir:      true,
			expectedSuffix: "config.toml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			inputPath := filepath.Join(tmpDir, filepath.Base(tt.input))

			if tt.setupFile {
				if tt.fileIsDir {
					err := os.MkdirAll(inputPath, 0o755)
					require.NoError(t, err)
				} else {
					err := os.WriteFile(inputPath, []byte("test"), 0o644)
					require.NoError(t, err)
				}
			}

			c := &AppConfig{}
			result := c.resolveConfigPath(inputPath)
			assert.True(t, strings.HasSuffix(result, tt.expectedSuffix),
				"Expected result %s to end with %s", result, tt.expectedSuffix)
		})
	}
}

func TestNewLoadsConfigFromFileOrDirectory(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, tmpDir string) (inputPath string, expectedHost string, expectedPort int, expectedDBPath string)
	}{
		{
			name: "config_file_path",
			prepare: func(t *testing.T, tmpDir string) (string, string, int, string) {
				configPath := filepath.Join(tmpDir, "myconfig.toml")
				content := "host = \"localhost\"\nport = 8080\napiKey = \"test-key\"\n"
				require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
				return configPath, "localhost", 8080, filepath.Join(tmpDir, "dlwatch.db")
			},
		},
		{
			name: "config_directory_path",
			prepare: func(t *testing.T, tmpDir string) (string, string, int, string) {
				configDir := filepath.Join(tmpDir, "configdir")
				require.NoError(t, os.MkdirAll(configDir, 0o755))
				content := "host = \"0.0.0.0\"\nport = 9090\napiKey = \"dir-key\"\n"
				require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))
				return configDir, "0.0.0.0", 9090, filepath.Join(configDir, "dlwatch.db")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			inputPath, expectedHost, expectedPort, expectedDBPath := tt.prepare(t, tmpDir)

			cfg, err := New(inputPath)
			require.NoError(t, err)

			assert.Equal(t, expectedHost, cfg.Config.Host)
			assert.Equal(t, expectedPort, cfg.Config.Port)
			assert.Equal(t, filepath.Clean(expectedDBPath), filepath.Clean(cfg.GetDatabasePath()))
		})
	}
}

func TestDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("apiKey = \"test-key\"\n"), 0o644))

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.Equal(t, 150, cfg.Config.PollInterval)
	assert.Equal(t, 1, cfg.Config.SessionExpiryDays)
	assert.Equal(t, 3600, cfg.Config.SessionSweepInterval)
	assert.Equal(t, "https://api.real-debrid.com/rest/1.0/", cfg.Config.DebridURL)
	assert.False(t, cfg.Config.MetricsEnabled)
}

func TestCredentialFromFileEnvVar(t *testing.T) {
	tmpDir := t.TempDir()

	keyFile := filepath.Join(tmpDir, "api-key.txt")
	require.NoError(t, os.WriteFile(keyFile, []byte("key-from-file\n"), 0o600))
	t.Setenv(envPrefix+"API_KEY_FILE", keyFile)

	configPath := filepath.Join(tmpDir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("apiKey = \"key-from-config\"\n"), 0o644))

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.Equal(t, "key-from-file", cfg.Config.APIKey)
}

func TestReloadListenerSeesUpdatedValues(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("apiKey = \"test-key\"\n"), 0o644))

	cfg, err := New(configPath)
	require.NoError(t, err)

	var got []int
	cfg.RegisterReloadListener(func(conf *domain.Config) {
		got = append(got, conf.PollInterval)
		conf.PollInterval = -1 // listeners get a copy, not the live config
	})

	cfg.Config.PollInterval = 45
	cfg.applyDynamicChanges()

	require.Equal(t, []int{45}, got)
	assert.Equal(t, 45, cfg.Config.PollInterval)
}

func TestWriteDefaultConfigCreatesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "config.toml")

	require.NoError(t, WriteDefaultConfig(configPath))

	content, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "pollInterval")
	assert.Contains(t, string(content), "debridApiKey")

	// A second call must not clobber an existing file.
	require.NoError(t, os.WriteFile(configPath, []byte("port = 1\n"), 0o644))
	require.NoError(t, WriteDefaultConfig(configPath))
	content, err = os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, "port = 1\n", string(content))
}
