package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Feed      FeedConfig      `yaml:"feed"`
	Engine    EngineConfig    `yaml:"engine"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig selects the gateway. Driver "postgres" uses the
// connection fields; driver "sqlite" uses Path.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	Path     string `yaml:"path"`
}

type TailscaleConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Hostname string `yaml:"hostname"`
	StateDir string `yaml:"state_dir"`
}

// FeedConfig enables the Redis relay that carries changes between processes
// sharing a SQLite gateway.
type FeedConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	ChannelPrefix string `yaml:"redis_channel_prefix"`
}

type EngineConfig struct {
	CompletionThreshold float64 `yaml:"completion_threshold"`
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DSN returns a PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, sslmode)
}

// Load reads config from a YAML file, then applies environment variable overrides.
// Env vars use the prefix LIFTSYNC_ and underscore-separated paths:
//
//	LIFTSYNC_SERVER_HOST, LIFTSYNC_SERVER_PORT,
//	LIFTSYNC_DB_DRIVER, LIFTSYNC_DB_HOST, LIFTSYNC_DB_PORT, LIFTSYNC_DB_NAME,
//	LIFTSYNC_DB_USER, LIFTSYNC_DB_PASSWORD, LIFTSYNC_DB_SSLMODE, LIFTSYNC_DB_PATH,
//	LIFTSYNC_TAILSCALE_ENABLED, LIFTSYNC_TAILSCALE_HOSTNAME, LIFTSYNC_TAILSCALE_STATE_DIR,
//	LIFTSYNC_FEED_REDIS_ADDR, LIFTSYNC_ENGINE_COMPLETION_THRESHOLD
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("LIFTSYNC_SERVER_HOST", &cfg.Server.Host)
	num("LIFTSYNC_SERVER_PORT", &cfg.Server.Port)
	str("LIFTSYNC_DB_DRIVER", &cfg.Database.Driver)
	str("LIFTSYNC_DB_HOST", &cfg.Database.Host)
	num("LIFTSYNC_DB_PORT", &cfg.Database.Port)
	str("LIFTSYNC_DB_NAME", &cfg.Database.Name)
	str("LIFTSYNC_DB_USER", &cfg.Database.User)
	str("LIFTSYNC_DB_PASSWORD", &cfg.Database.Password)
	str("LIFTSYNC_DB_SSLMODE", &cfg.Database.SSLMode)
	str("LIFTSYNC_DB_PATH", &cfg.Database.Path)
	if v := os.Getenv("LIFTSYNC_TAILSCALE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tailscale.Enabled = b
		}
	}
	str("LIFTSYNC_TAILSCALE_HOSTNAME", &cfg.Tailscale.Hostname)
	str("LIFTSYNC_TAILSCALE_STATE_DIR", &cfg.Tailscale.StateDir)
	str("LIFTSYNC_FEED_REDIS_ADDR", &cfg.Feed.RedisAddr)
	if v := os.Getenv("LIFTSYNC_ENGINE_COMPLETION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.CompletionThreshold = f
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverPostgres
	}
	if cfg.Tailscale.Hostname == "" {
		cfg.Tailscale.Hostname = "liftsync"
	}
}

func (c *Config) validate() error {
	if c.Server.Port == 0 && !c.Tailscale.Enabled {
		return fmt.Errorf("server.port is required")
	}
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required")
		}
		if c.Database.Port == 0 {
			return fmt.Errorf("database.port is required")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required")
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if t := c.Engine.CompletionThreshold; t < 0 || t > 1 {
		return fmt.Errorf("engine.completion_threshold must be between 0 and 1, got %v", t)
	}
	return nil
}
