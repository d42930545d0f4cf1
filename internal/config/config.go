package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultAppID        = "cryptostore"
	defaultBusyTimeout  = 5 * time.Second
	defaultMaxOpenConns = 8
	defaultLogLevel     = "info"
	defaultLogMaxSizeMB = 10
	defaultLogMaxFiles  = 5

	envPrefix = "CRYPTOSTORE_"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Store   StoreConfig   `toml:"store"`
	Logging LoggingConfig `toml:"logging"`
	Tracing TracingConfig `toml:"tracing"`
}

type StoreConfig struct {
	// Path is the store file. Empty means DefaultStorePath(AppID).
	Path         string        `toml:"path"`
	AppID        string        `toml:"app_id"`
	BusyTimeout  time.Duration `toml:"busy_timeout"`
	MaxOpenConns int           `toml:"max_open_conns"`
}

type LoggingConfig struct {
	Level     string `toml:"level"`
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
	MaxFiles  int    `toml:"max_files"`
	Compress  bool   `toml:"compress"`
}

type TracingConfig struct {
	Enabled bool `toml:"enabled"`
	// Endpoint is an OTLP/HTTP collector URL, e.g. http://localhost:4318.
	Endpoint string `toml:"endpoint"`
}

type LoadOptions struct {
	ConfigPath string
	// Env overlays the process environment; tests use it instead of
	// mutating os.Environ.
	Env   map[string]string
	Flags FlagOverrides
}

type FlagOverrides struct {
	StorePath *string
	LogLevel  *string
}

// LoadReport tells which sources contributed to the loaded config.
type LoadReport struct {
	ConfigFile   string   `json:"config_file,omitempty"`
	EnvOverrides []string `json:"env_overrides"`
}

func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			AppID:        defaultAppID,
			BusyTimeout:  defaultBusyTimeout,
			MaxOpenConns: defaultMaxOpenConns,
		},
		Logging: LoggingConfig{
			Level:     defaultLogLevel,
			MaxSizeMB: defaultLogMaxSizeMB,
			MaxFiles:  defaultLogMaxFiles,
		},
	}
}

// Load layers defaults, the TOML file, CRYPTOSTORE_* environment variables
// and flags, in that order, then validates the result. A store path left
// empty by every layer is resolved with DefaultStorePath.
func Load(opts LoadOptions) (Config, LoadReport, error) {
	cfg := DefaultConfig()
	report := LoadReport{EnvOverrides: []string{}}
	environ := environment(opts)

	configPath, err := resolveConfigPath(opts, environ)
	if err != nil {
		return Config{}, report, fmt.Errorf("resolve config path: %w", err)
	}
	loaded, err := loadAndApplyFile(configPath, &cfg)
	if err != nil {
		return Config{}, report, err
	}
	if loaded {
		report.ConfigFile = configPath
	}

	if err := applyEnvOverrides(&cfg, environ, &report.EnvOverrides); err != nil {
		return Config{}, report, err
	}
	applyFlagOverrides(&cfg, opts.Flags)

	if cfg.Store.Path == "" {
		path, err := defaultStorePath(cfg.Store.AppID, environ)
		if err != nil {
			return Config{}, report, fmt.Errorf("resolve store path: %w", err)
		}
		cfg.Store.Path = path
	}

	if err := validate(cfg); err != nil {
		return Config{}, report, err
	}
	return cfg, report, nil
}

type rawConfig struct {
	Store   *rawStore   `toml:"store"`
	Logging *rawLogging `toml:"logging"`
	Tracing *rawTracing `toml:"tracing"`
}

type rawStore struct {
	Path         *string `toml:"path"`
	AppID        *string `toml:"app_id"`
	BusyTimeout  *string `toml:"busy_timeout"`
	MaxOpenConns *int    `toml:"max_open_conns"`
}

type rawLogging struct {
	Level     *string `toml:"level"`
	File      *string `toml:"file"`
	MaxSizeMB *int    `toml:"max_size_mb"`
	MaxFiles  *int    `toml:"max_files"`
	Compress  *bool   `toml:"compress"`
}

type rawTracing struct {
	Enabled  *bool   `toml:"enabled"`
	Endpoint *string `toml:"endpoint"`
}

// envOverrides is decoded from CRYPTOSTORE_* variables. Nil fields were
// not set.
type envOverrides struct {
	StorePath         *string        `env:"STORE_PATH"`
	StoreAppID        *string        `env:"STORE_APP_ID"`
	StoreBusyTimeout  *time.Duration `env:"STORE_BUSY_TIMEOUT"`
	StoreMaxOpenConns *int           `env:"STORE_MAX_OPEN_CONNS"`
	LogLevel          *string        `env:"LOG_LEVEL"`
	LogFile           *string        `env:"LOG_FILE"`
	LogMaxSizeMB      *int           `env:"LOG_MAX_SIZE_MB"`
	LogMaxFiles       *int           `env:"LOG_MAX_FILES"`
	LogCompress       *bool          `env:"LOG_COMPRESS"`
	TracingEnabled    *bool          `env:"TRACING_ENABLED"`
	TracingEndpoint   *string        `env:"TRACING_ENDPOINT"`
}

func loadAndApplyFile(path string, cfg *Config) (bool, error) {
	if path == "" {
		return false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read config file %q: %w", path, err)
	}

	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return false, fmt.Errorf("%w: parse TOML file %q: %v", ErrInvalidConfig, path, err)
	}
	if err := applyRawConfig(cfg, raw); err != nil {
		return false, err
	}
	return true, nil
}

func applyRawConfig(cfg *Config, raw rawConfig) error {
	if raw.Store != nil {
		setValue(raw.Store.Path, &cfg.Store.Path)
		setValue(raw.Store.AppID, &cfg.Store.AppID)
		setValue(raw.Store.MaxOpenConns, &cfg.Store.MaxOpenConns)
		if raw.Store.BusyTimeout != nil {
			d, err := time.ParseDuration(*raw.Store.BusyTimeout)
			if err != nil {
				return fmt.Errorf("%w: parse store.busy_timeout: %v", ErrInvalidConfig, err)
			}
			cfg.Store.BusyTimeout = d
		}
	}

	if raw.Logging != nil {
		setValue(raw.Logging.Level, &cfg.Logging.Level)
		setValue(raw.Logging.File, &cfg.Logging.File)
		setValue(raw.Logging.MaxSizeMB, &cfg.Logging.MaxSizeMB)
		setValue(raw.Logging.MaxFiles, &cfg.Logging.MaxFiles)
		setValue(raw.Logging.Compress, &cfg.Logging.Compress)
	}

	if raw.Tracing != nil {
		setValue(raw.Tracing.Enabled, &cfg.Tracing.Enabled)
		setValue(raw.Tracing.Endpoint, &cfg.Tracing.Endpoint)
	}
	return nil
}

func applyEnvOverrides(cfg *Config, environ map[string]string, applied *[]string) error {
	var raw envOverrides
	if err := env.ParseWithOptions(&raw, env.Options{Environment: environ, Prefix: envPrefix}); err != nil {
		return fmt.Errorf("%w: parse environment: %v", ErrInvalidConfig, err)
	}

	track := func(name string, set bool) {
		if set {
			*applied = append(*applied, envPrefix+name)
		}
	}
	track("STORE_PATH", setValue(raw.StorePath, &cfg.Store.Path))
	track("STORE_APP_ID", setValue(raw.StoreAppID, &cfg.Store.AppID))
	track("STORE_BUSY_TIMEOUT", setValue(raw.StoreBusyTimeout, &cfg.Store.BusyTimeout))
	track("STORE_MAX_OPEN_CONNS", setValue(raw.StoreMaxOpenConns, &cfg.Store.MaxOpenConns))
	track("LOG_LEVEL", setValue(raw.LogLevel, &cfg.Logging.Level))
	track("LOG_FILE", setValue(raw.LogFile, &cfg.Logging.File))
	track("LOG_MAX_SIZE_MB", setValue(raw.LogMaxSizeMB, &cfg.Logging.MaxSizeMB))
	track("LOG_MAX_FILES", setValue(raw.LogMaxFiles, &cfg.Logging.MaxFiles))
	track("LOG_COMPRESS", setValue(raw.LogCompress, &cfg.Logging.Compress))
	track("TRACING_ENABLED", setValue(raw.TracingEnabled, &cfg.Tracing.Enabled))
	track("TRACING_ENDPOINT", setValue(raw.TracingEndpoint, &cfg.Tracing.Endpoint))
	sort.Strings(*applied)
	return nil
}

func applyFlagOverrides(cfg *Config, flags FlagOverrides) {
	setValue(flags.StorePath, &cfg.Store.Path)
	setValue(flags.LogLevel, &cfg.Logging.Level)
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Store.AppID) == "" {
		return fmt.Errorf("%w: store.app_id must not be empty", ErrInvalidConfig)
	}
	if strings.ContainsAny(cfg.Store.AppID, `/\`) {
		return fmt.Errorf("%w: store.app_id must not contain path separators", ErrInvalidConfig)
	}
	if cfg.Store.BusyTimeout <= 0 || cfg.Store.BusyTimeout > 5*time.Minute {
		return fmt.Errorf("%w: store.busy_timeout must be > 0 and <= 5m", ErrInvalidConfig)
	}
	if cfg.Store.MaxOpenConns < 1 {
		return fmt.Errorf("%w: store.max_open_conns must be >= 1", ErrInvalidConfig)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: logging.level must be one of debug, info, warn, error", ErrInvalidConfig)
	}
	if cfg.Logging.MaxSizeMB < 1 || cfg.Logging.MaxFiles < 0 {
		return fmt.Errorf("%w: logging.max_size_mb must be >= 1 and logging.max_files >= 0", ErrInvalidConfig)
	}
	if cfg.Tracing.Endpoint != "" {
		u, err := url.Parse(cfg.Tracing.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: tracing.endpoint must be an http(s) URL", ErrInvalidConfig)
		}
	}
	return nil
}

func setValue[T any](raw *T, target *T) bool {
	if raw == nil {
		return false
	}
	*target = *raw
	return true
}

// DefaultStorePath resolves where the store for appID lives when no path
// is configured, using the process environment.
func DefaultStorePath(appID string) (string, error) {
	return defaultStorePath(appID, env.ToMap(os.Environ()))
}

func defaultStorePath(appID string, environ map[string]string) (string, error) {
	if appID == "" {
		appID = defaultAppID
	}
	dataHome, err := dataHome(environ)
	if err != nil {
		return "", err
	}
	return filepath.Join(dataHome, appID, "CryptoStore", "crypto.sqlite"), nil
}

func environment(opts LoadOptions) map[string]string {
	environ := env.ToMap(os.Environ())
	for key, value := range opts.Env {
		environ[key] = value
	}
	return environ
}

func resolveConfigPath(opts LoadOptions, environ map[string]string) (string, error) {
	if opts.ConfigPath != "" {
		return opts.ConfigPath, nil
	}
	if value, ok := environ[envPrefix+"CONFIG_PATH"]; ok && value != "" {
		return value, nil
	}
	return defaultConfigPath(environ)
}

func dataHome(environ map[string]string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support"), nil
	}
	if xdg := environ["XDG_DATA_HOME"]; xdg != "" {
		return xdg, nil
	}
	return filepath.Join(home, ".local", "share"), nil
}

func defaultConfigPath(environ map[string]string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "cryptostore", "config.toml"), nil
	}

	configHome := filepath.Join(home, ".config")
	if xdg := environ["XDG_CONFIG_HOME"]; xdg != "" {
		configHome = xdg
	}
	return filepath.Join(configHome, "cryptostore", "config.toml"), nil
}
