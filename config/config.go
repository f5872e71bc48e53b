// Package config loads the rowsyncd daemon configuration.
//
// Config is stored at $XDG_CONFIG_HOME/rowsync/config.yaml (defaults to
// ~/.config/rowsync/config.yaml). Every field has a working default; an
// absent file configures a local SQLite daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can carry values like "15m".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"15m\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Database selects the backing store family.
type Database struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// Path is the SQLite database file.
	Path string `yaml:"path,omitempty"`
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn,omitempty"`
}

// Snapshot bounds the bootstrap chunk cache.
type Snapshot struct {
	TTL Duration `yaml:"ttl,omitempty"`
	// BlobDir offloads chunk bodies larger than InlineLimit to files. Empty
	// keeps every body inline in the database.
	BlobDir     string `yaml:"blob_dir,omitempty"`
	InlineLimit int64  `yaml:"inline_limit,omitempty"`
}

// Maintenance bounds the background loops.
type Maintenance struct {
	MinInterval       Duration `yaml:"min_interval,omitempty"`
	ActiveWindow      Duration `yaml:"active_window,omitempty"`
	KeepNewestCommits int      `yaml:"keep_newest_commits,omitempty"`
	FallbackMaxAge    Duration `yaml:"fallback_max_age,omitempty"`
	CompactHorizon    Duration `yaml:"compact_horizon,omitempty"`
	AuditMaxAge       Duration `yaml:"audit_max_age,omitempty"`
	AuditMaxRows      int64    `yaml:"audit_max_rows,omitempty"`
	// NTPPool guards age-based pruning against clock skew. "off" disables
	// the guard.
	NTPPool string `yaml:"ntp_pool,omitempty"`
}

// Table declares one synced document collection served by the generic
// document handler.
type Table struct {
	Name string `yaml:"name"`
	// Scope is the scope pattern, e.g. "user:{user_id}". Its variables name
	// the payload fields carrying the row's scopes.
	Scope string `yaml:"scope"`
}

// Config is the full daemon configuration.
type Config struct {
	// Listen is the HTTP address the daemon serves sync requests on.
	Listen string `yaml:"listen,omitempty"`

	Database    Database    `yaml:"database"`
	Snapshot    Snapshot    `yaml:"snapshot,omitempty"`
	Maintenance Maintenance `yaml:"maintenance,omitempty"`

	// Tables lists the synced collections. Empty defaults to a single
	// "notes" collection scoped per user.
	Tables []Table `yaml:"tables,omitempty"`

	// Telemetry is "console", "otel", or "off".
	Telemetry string `yaml:"telemetry,omitempty"`

	// Audit records request and operation events for every sync call.
	Audit bool `yaml:"audit,omitempty"`

	SchemaVersionMin int `yaml:"schema_version_min,omitempty"`
	SchemaVersionMax int `yaml:"schema_version_max,omitempty"`
}

// Path returns the config file location. It respects XDG_CONFIG_HOME,
// falling back to ~/.config/rowsync/config.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "rowsync", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "rowsync", "config.yaml")
}

// Default returns the configuration an absent file implies.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the config file at path, or the default location when path is
// empty. A missing file returns the defaults (not an error).
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to disk, creating directories as needed.
func (c *Config) Save(path string) error {
	if path == "" {
		path = Path()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:7450"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = defaultDataPath()
	}
	if c.Snapshot.TTL <= 0 {
		c.Snapshot.TTL = Duration(15 * time.Minute)
	}
	if c.Snapshot.InlineLimit <= 0 {
		c.Snapshot.InlineLimit = 256 * 1024
	}
	if c.Telemetry == "" {
		c.Telemetry = "console"
	}
	if len(c.Tables) == 0 {
		c.Tables = []Table{{Name: "notes", Scope: "user:{user_id}"}}
	}
	if c.SchemaVersionMin <= 0 {
		c.SchemaVersionMin = 1
	}
	if c.SchemaVersionMax < c.SchemaVersionMin {
		c.SchemaVersionMax = c.SchemaVersionMin
	}
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database driver %q requires a dsn", c.Database.Driver)
	}
	switch c.Telemetry {
	case "console", "otel", "off":
	default:
		return fmt.Errorf("unknown telemetry backend %q", c.Telemetry)
	}
	for _, tbl := range c.Tables {
		if tbl.Name == "" || tbl.Scope == "" {
			return fmt.Errorf("table entries require both name and scope, got %+v", tbl)
		}
	}
	return nil
}

// defaultDataPath follows XDG_STATE_HOME for the daemon's SQLite file.
func defaultDataPath() string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".local", "state", "rowsync", "sync.db")
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "rowsync", "sync.db")
}
