// Package config loads the runtime configuration of the escrow service.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file, then environment variables. The environment wins so that container
// deployments can override a checked-in file without editing it.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bountyescrow/principal"
)

// Config is the configuration of cmd/api and cmd/deploy.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string `yaml:"database_url"`

	// ListenAddr is the HTTP listen address of the API.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Auth     AuthConfig     `yaml:"auth"`
	Deploy   DeployConfig   `yaml:"deploy"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Database DatabaseConfig `yaml:"database"`
}

type AuthConfig struct {
	// JWTSecret signs bearer tokens.
	JWTSecret string `yaml:"jwt_secret"`
	// TokenTTL is how long a login token stays valid.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// DeployConfig names the principals set up at deployment time.
type DeployConfig struct {
	// GenesisAdmin becomes the first administrator.
	GenesisAdmin string `yaml:"genesis_admin"`
	// Curator receives the curator capability. Empty means the genesis
	// administrator.
	Curator string `yaml:"curator"`
	// GenesisPassword is the login password provisioned for GenesisAdmin.
	GenesisPassword string `yaml:"genesis_password"`
	// CuratorPassword is provisioned for Curator when set.
	CuratorPassword string `yaml:"curator_password"`
	// OutputPath is where cmd/deploy writes its deployment record.
	OutputPath string `yaml:"output_path"`
}

type OutboxConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// ArchiveConfig configures the compressed event archive. An empty Dir
// disables archiving.
type ArchiveConfig struct {
	Dir    string `yaml:"dir"`
	Prefix string `yaml:"prefix"`
}

type DatabaseConfig struct {
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

// Default returns the configuration used before any file or environment
// variable is applied.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Deploy: DeployConfig{
			OutputPath: "deployment.json",
		},
		Outbox: OutboxConfig{
			PollInterval: time.Second,
			BatchSize:    50,
			MaxAttempts:  10,
		},
		Archive: ArchiveConfig{
			Prefix: "events",
		},
		Database: DatabaseConfig{
			MaxConns:        10,
			MaxConnLifetime: 30 * time.Minute,
		},
	}
}

// Load resolves the configuration. path may be empty, in which case only
// defaults and the environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), c)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("DATABASE_URL", &c.DatabaseURL)
	set("LISTEN_ADDR", &c.ListenAddr)
	set("LOG_LEVEL", &c.LogLevel)
	set("JWT_SECRET", &c.Auth.JWTSecret)
	set("GENESIS_ADMIN", &c.Deploy.GenesisAdmin)
	set("CURATOR_ADDRESS", &c.Deploy.Curator)
	set("GENESIS_PASSWORD", &c.Deploy.GenesisPassword)
	set("CURATOR_PASSWORD", &c.Deploy.CuratorPassword)
	set("ARCHIVE_DIR", &c.Archive.Dir)
}

// Validate checks the settings cmd/api needs.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("database_url is required (DATABASE_URL)"))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 characters (JWT_SECRET)"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Outbox.PollInterval <= 0 {
		errs = append(errs, errors.New("outbox.poll_interval must be positive"))
	}
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("outbox.batch_size must be positive"))
	}
	if c.Outbox.MaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox.max_attempts must be positive"))
	}
	if c.Deploy.GenesisAdmin != "" {
		if _, err := principal.ParseAddress(c.Deploy.GenesisAdmin); err != nil {
			errs = append(errs, fmt.Errorf("deploy.genesis_admin: %w", err))
		}
	}
	if c.Deploy.Curator != "" {
		if _, err := principal.ParseAddress(c.Deploy.Curator); err != nil {
			errs = append(errs, fmt.Errorf("deploy.curator: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ValidateDeploy checks the settings cmd/deploy needs.
func (c *Config) ValidateDeploy() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("database_url is required (DATABASE_URL)"))
	}
	if c.Deploy.GenesisAdmin == "" {
		errs = append(errs, errors.New("deploy.genesis_admin is required (GENESIS_ADMIN)"))
	} else if a, err := principal.ParseAddress(c.Deploy.GenesisAdmin); err != nil || a.IsZero() {
		errs = append(errs, fmt.Errorf("deploy.genesis_admin: %w", principal.ErrInvalidAddress))
	}
	if c.Deploy.Curator != "" {
		if a, err := principal.ParseAddress(c.Deploy.Curator); err != nil || a.IsZero() {
			errs = append(errs, fmt.Errorf("deploy.curator: %w", principal.ErrInvalidAddress))
		}
	}
	if len(c.Deploy.GenesisPassword) < 8 {
		errs = append(errs, errors.New("deploy.genesis_password must be at least 8 characters (GENESIS_PASSWORD)"))
	}
	if c.Deploy.CuratorPassword != "" {
		if c.Deploy.Curator == "" {
			errs = append(errs, errors.New("deploy.curator_password requires deploy.curator"))
		} else if len(c.Deploy.CuratorPassword) < 8 {
			errs = append(errs, errors.New("deploy.curator_password must be at least 8 characters (CURATOR_PASSWORD)"))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SlogLevel maps LogLevel onto slog.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log_level %q must be one of debug, info, warn, error", c.LogLevel)
	}
}
