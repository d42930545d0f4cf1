package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigPrecedenceFlagOverEnv(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[store]
path = "/from/file.sqlite"
`)

	flagPath := "/from/flag.sqlite"
	cfg, _, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		Env: map[string]string{
			"CRYPTOSTORE_STORE_PATH": "/from/env.sqlite",
		},
		Flags: FlagOverrides{
			StorePath: &flagPath,
		},
	})
	require.NoError(t, err)
	require.Equal(t, "/from/flag.sqlite", cfg.Store.Path)
}

func TestLoadConfigPrecedenceEnvOverFile(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[store]
busy_timeout = "10s"
`)

	cfg, report, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		Env: map[string]string{
			"CRYPTOSTORE_STORE_BUSY_TIMEOUT": "20s",
			"CRYPTOSTORE_LOG_LEVEL":          "debug",
		},
	})
	require.NoError(t, err)
	require.Equal(t, 20*time.Second, cfg.Store.BusyTimeout)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, cfgPath, report.ConfigFile)
	require.Equal(t, []string{"CRYPTOSTORE_LOG_LEVEL", "CRYPTOSTORE_STORE_BUSY_TIMEOUT"}, report.EnvOverrides)
}

func TestLoadConfigPrecedenceFileOverDefault(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[store]
busy_timeout = "10s"
`)

	cfg, _, err := Load(LoadOptions{
		ConfigPath: cfgPath,
	})
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, cfg.Store.BusyTimeout)
	require.Equal(t, defaultMaxOpenConns, cfg.Store.MaxOpenConns)
}

func TestLoadConfigFromTOMLParsesAllSupportedFields(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[store]
path = "/var/lib/app/crypto.sqlite"
app_id = "im.example.app"
busy_timeout = "2s"
max_open_conns = 4

[logging]
level = "warn"
file = "/tmp/cryptostore.log"
max_size_mb = 42
max_files = 9
compress = true

[tracing]
enabled = true
endpoint = "http://collector:4318"
`)

	cfg, _, err := Load(LoadOptions{
		ConfigPath: cfgPath,
	})
	require.NoError(t, err)
	require.Equal(t, "/var/lib/app/crypto.sqlite", cfg.Store.Path)
	require.Equal(t, "im.example.app", cfg.Store.AppID)
	require.Equal(t, 2*time.Second, cfg.Store.BusyTimeout)
	require.Equal(t, 4, cfg.Store.MaxOpenConns)
	require.Equal(t, "warn", cfg.Logging.Level)
	require.Equal(t, "/tmp/cryptostore.log", cfg.Logging.File)
	require.Equal(t, 42, cfg.Logging.MaxSizeMB)
	require.Equal(t, 9, cfg.Logging.MaxFiles)
	require.True(t, cfg.Logging.Compress)
	require.True(t, cfg.Tracing.Enabled)
	require.Equal(t, "http://collector:4318", cfg.Tracing.Endpoint)
}

func TestLoadConfigEnvParsesAllSupportedFields(t *testing.T) {
	t.Parallel()

	cfg, _, err := Load(LoadOptions{
		ConfigPath: filepath.Join(t.TempDir(), "missing.toml"),
		Env: map[string]string{
			"CRYPTOSTORE_STORE_PATH":           "/env/crypto.sqlite",
			"CRYPTOSTORE_STORE_APP_ID":         "env-app",
			"CRYPTOSTORE_STORE_MAX_OPEN_CONNS": "2",
			"CRYPTOSTORE_LOG_FILE":             "/env/log.json",
			"CRYPTOSTORE_LOG_MAX_SIZE_MB":      "7",
			"CRYPTOSTORE_LOG_MAX_FILES":        "0",
			"CRYPTOSTORE_LOG_COMPRESS":         "true",
			"CRYPTOSTORE_TRACING_ENABLED":      "true",
			"CRYPTOSTORE_TRACING_ENDPOINT":     "https://otel.example.org",
		},
	})
	require.NoError(t, err)
	require.Equal(t, "/env/crypto.sqlite", cfg.Store.Path)
	require.Equal(t, "env-app", cfg.Store.AppID)
	require.Equal(t, 2, cfg.Store.MaxOpenConns)
	require.Equal(t, "/env/log.json", cfg.Logging.File)
	require.Equal(t, 7, cfg.Logging.MaxSizeMB)
	require.Equal(t, 0, cfg.Logging.MaxFiles)
	require.True(t, cfg.Logging.Compress)
	require.True(t, cfg.Tracing.Enabled)
	require.Equal(t, "https://otel.example.org", cfg.Tracing.Endpoint)
}

func TestLoadConfigRejectsMalformedEnv(t *testing.T) {
	t.Parallel()

	_, _, err := Load(LoadOptions{
		ConfigPath: filepath.Join(t.TempDir(), "missing.toml"),
		Env: map[string]string{
			"CRYPTOSTORE_STORE_MAX_OPEN_CONNS": "many",
		},
	})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadConfigValidationRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		toml string
	}{
		{name: "negative-busy-timeout", toml: "[store]\nbusy_timeout = \"-1s\"\n"},
		{name: "huge-busy-timeout", toml: "[store]\nbusy_timeout = \"1h\"\n"},
		{name: "zero-conns", toml: "[store]\nmax_open_conns = 0\n"},
		{name: "app-id-with-slash", toml: "[store]\napp_id = \"a/b\"\n"},
		{name: "unknown-level", toml: "[logging]\nlevel = \"trace\"\n"},
		{name: "bad-toml", toml: "[store\n"},
		{name: "endpoint-without-scheme", toml: "[tracing]\nendpoint = \"collector:4318\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfgPath := writeConfigFile(t, tt.toml)
			_, _, err := Load(LoadOptions{
				ConfigPath: cfgPath,
			})
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestMissingConfigFileIsNotAnError(t *testing.T) {
	t.Parallel()

	cfg, report, err := Load(LoadOptions{
		ConfigPath: filepath.Join(t.TempDir(), "missing.toml"),
		Env:        map[string]string{"CRYPTOSTORE_STORE_PATH": "/tmp/x.sqlite"},
	})
	require.NoError(t, err)
	require.Empty(t, report.ConfigFile)
	require.Equal(t, DefaultConfig().Store.BusyTimeout, cfg.Store.BusyTimeout)
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[logging]
level = "error"
`)

	cfg, _, err := Load(LoadOptions{
		Env: map[string]string{
			"CRYPTOSTORE_CONFIG_PATH": cfgPath,
		},
	})
	require.NoError(t, err)
	require.Equal(t, "error", cfg.Logging.Level)
}

func TestDefaultStorePathUsesAppIDAndDataHome(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "darwin" {
		t.Skip("darwin resolves under Library/Application Support")
	}

	dataHome := t.TempDir()
	cfg, _, err := Load(LoadOptions{
		ConfigPath: filepath.Join(t.TempDir(), "missing.toml"),
		Env: map[string]string{
			"XDG_DATA_HOME":            dataHome,
			"CRYPTOSTORE_STORE_APP_ID": "im.example.app",
		},
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dataHome, "im.example.app", "CryptoStore", "crypto.sqlite"), cfg.Store.Path)

	path, err := defaultStorePath("", map[string]string{"XDG_DATA_HOME": dataHome})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dataHome, "cryptostore", "CryptoStore", "crypto.sqlite"), path)
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o600))
	return p
}
