// ABOUTME: Configuration loading and parsing for coven-history
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverSQLite3  = "sqlite3"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Defaults applied by Load for values the file leaves unset.
const (
	DefaultDriver           = DriverSQLite
	DefaultPageSize         = 100
	MaxPageSize             = 1000
	DefaultOperationTimeout = 10 * time.Second
)

// Format is a configuration file syntax.
type Format string

// Supported formats
const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// Config represents the complete coven-history configuration
type Config struct {
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Store    StoreConfig    `yaml:"store" toml:"store"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// DatabaseConfig selects and locates the datastore
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"` // sqlite, sqlite3
	DSN    string `yaml:"dsn" toml:"dsn"`   // postgres
}

// StoreConfig tunes the conversation service
type StoreConfig struct {
	PageSize         int           `yaml:"page_size" toml:"page_size"`
	OperationTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string value for unmarshaling
	OperationTimeoutRaw string `yaml:"operation_timeout" toml:"operation_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = FormatTOML
	}

	return Parse(data, format)
}

// Parse decodes configuration data. Environment variables in the format
// ${VAR_NAME} are expanded, durations parsed and defaults applied before
// validation.
func Parse(data []byte, format Format) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case FormatTOML:
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file exists: a SQLite
// database under the XDG data directory.
func Default() *Config {
	cfg := &Config{
		Database: DatabaseConfig{
			Driver: DefaultDriver,
			Path:   filepath.Join(DataDir(), "history.db"),
		},
	}
	cfg.applyDefaults()
	return cfg
}

// DefaultPath returns the path to the config file.
// Priority: COVEN_HISTORY_CONFIG env var > XDG_CONFIG_HOME/coven/history.yaml > ~/.config/coven/history.yaml
func DefaultPath() string {
	if envPath := os.Getenv("COVEN_HISTORY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "history.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "history.yaml")
}

// DataDir returns the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// expandHome replaces a leading ~/ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	c.Database.Path = expandHome(c.Database.Path)
	if c.Store.PageSize == 0 {
		c.Store.PageSize = DefaultPageSize
	}
	if c.Store.OperationTimeoutRaw == "" {
		c.Store.OperationTimeout = DefaultOperationTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverSQLite3:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for driver %q", c.Database.Driver)
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver must be one of sqlite, sqlite3, postgres, memory (got %q)", c.Database.Driver)
	}

	if c.Store.PageSize < 1 || c.Store.PageSize > MaxPageSize {
		return fmt.Errorf("store.page_size must be between 1 and %d (got %d)", MaxPageSize, c.Store.PageSize)
	}
	if c.Store.OperationTimeout < 0 {
		return fmt.Errorf("store.operation_timeout must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Store.OperationTimeoutRaw != "" {
		d, err := time.ParseDuration(cfg.Store.OperationTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing operation_timeout %q: %w", cfg.Store.OperationTimeoutRaw, err)
		}
		cfg.Store.OperationTimeout = d
	}
	return nil
}
