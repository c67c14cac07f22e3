// Package config loads batchpub configuration with viper from TOML files
// and BATCHPUB_ environment variables.
package config

import (
	"time"

	"github.com/teranos/batchpub/query"
)

// Config is the full batchpub configuration.
type Config struct {
	Database     DatabaseConfig      `mapstructure:"database"`
	Server       ServerConfig        `mapstructure:"server"`
	Feed         FeedConfig          `mapstructure:"feed"`
	Metrics      MetricsConfig       `mapstructure:"metrics"`
	Log          LogConfig           `mapstructure:"log"`
	Publications []PublicationConfig `mapstructure:"publications"`
}

// Database drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// DatabaseConfig selects the document store.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // memory or sqlite
	Path   string `mapstructure:"path"`   // sqlite file, ":memory:" allowed
}

// DefaultServerPort is used when server.port is omitted.
const DefaultServerPort = 8870

// ServerConfig configures the HTTP and WebSocket server.
type ServerConfig struct {
	Address        string   `mapstructure:"address"`
	Port           *int     `mapstructure:"port"` // nil = DefaultServerPort, 0 is invalid
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxSessions    int      `mapstructure:"max_sessions"` // 0 = unlimited
	SendBuffer     int      `mapstructure:"send_buffer"`  // queued messages per session
}

// ListenPort returns the configured port or the default.
func (s ServerConfig) ListenPort() int {
	if s.Port == nil {
		return DefaultServerPort
	}
	return *s.Port
}

// FeedConfig tunes polling feeds.
type FeedConfig struct {
	PollIntervalMS int `mapstructure:"poll_interval_ms"`
	PollThrottleMS int `mapstructure:"poll_throttle_ms"`
}

// PollInterval returns the re-poll interval.
func (f FeedConfig) PollInterval() time.Duration {
	return time.Duration(f.PollIntervalMS) * time.Millisecond
}

// PollThrottle returns the minimum gap between write-triggered polls.
func (f FeedConfig) PollThrottle() time.Duration {
	return time.Duration(f.PollThrottleMS) * time.Millisecond
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Path      string `mapstructure:"path"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// PublicationConfig declares a publication. A publication with children is
// composite: each child level selects documents whose foreign_field equals
// the parent's local_field. A publication with upstream relays a
// publication of another server.
type PublicationConfig struct {
	Name               string            `mapstructure:"name" toml:"name"`
	Collection         string            `mapstructure:"collection" toml:"collection"`
	Selector           map[string]any    `mapstructure:"selector" toml:"selector"`
	Sort               []query.SortField `mapstructure:"sort" toml:"sort"`
	Fields             map[string]bool   `mapstructure:"fields" toml:"fields"`
	Skip               int               `mapstructure:"skip" toml:"skip"`
	Limit              int               `mapstructure:"limit" toml:"limit"`
	DisableIncremental bool              `mapstructure:"disable_incremental" toml:"disable_incremental"`
	Redact             []string          `mapstructure:"redact" toml:"redact"`
	Upstream           *UpstreamConfig   `mapstructure:"upstream" toml:"upstream"`
	Children           []ChildConfig     `mapstructure:"children" toml:"children"`
}

// Query builds the query of the publication's root level.
func (p PublicationConfig) Query() query.Query {
	return query.Query{
		Collection:         p.Collection,
		Selector:           query.Selector(p.Selector),
		Sort:               p.Sort,
		Fields:             p.Fields,
		Skip:               p.Skip,
		Limit:              p.Limit,
		DisableIncremental: p.DisableIncremental,
	}
}

// UpstreamConfig names a publication on another server.
type UpstreamConfig struct {
	URL         string `mapstructure:"url" toml:"url"`
	Publication string `mapstructure:"publication" toml:"publication"`
	Params      []any  `mapstructure:"params" toml:"params"`
}

// ChildConfig is one derived level of a composite publication.
type ChildConfig struct {
	Collection   string         `mapstructure:"collection" toml:"collection"`
	LocalField   string         `mapstructure:"local_field" toml:"local_field"`     // parent field holding the reference
	ForeignField string         `mapstructure:"foreign_field" toml:"foreign_field"` // child field matched against it, "_id" allowed
	Selector     map[string]any `mapstructure:"selector" toml:"selector"`           // extra conditions
	DependsOn    []string       `mapstructure:"depends_on" toml:"depends_on"`       // defaults to [local_field]
	Children     []ChildConfig  `mapstructure:"children" toml:"children"`
}
