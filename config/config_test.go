package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/query"
)

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	if err != nil {
		t.Fatalf("LoadWithViper() failed: %v", err)
	}

	if cfg.Database.Driver != DriverMemory {
		t.Errorf("expected default driver %q, got %q", DriverMemory, cfg.Database.Driver)
	}
	if cfg.Server.ListenPort() != DefaultServerPort {
		t.Errorf("expected default port %d, got %d", DefaultServerPort, cfg.Server.ListenPort())
	}
	if cfg.Feed.PollInterval() != 10*time.Second {
		t.Errorf("expected 10s poll interval, got %s", cfg.Feed.PollInterval())
	}
	if cfg.Feed.PollThrottle() != 50*time.Millisecond {
		t.Errorf("expected 50ms poll throttle, got %s", cfg.Feed.PollThrottle())
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("expected metrics enabled at /metrics, got %+v", cfg.Metrics)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

const sampleConfig = `
[database]
driver = "sqlite"
path = "data/docs.db"

[server]
port = 9000
allowed_origins = ["http://localhost:5173"]

[feed]
poll_interval_ms = 2000

[log]
level = "debug"

[[publications]]
name = "openTasks"
collection = "tasks"
selector = { status = "open", ownerId = "u1" }
sort = [{ field = "priority", desc = true }]
limit = 50
redact = ["secret"]

[[publications]]
name = "postsWithAuthors"
collection = "posts"

  [[publications.children]]
  collection = "authors"
  local_field = "authorId"
  foreign_field = "_id"

    [[publications.children.children]]
    collection = "avatars"
    local_field = "_id"
    foreign_field = "authorId"

[[publications]]
name = "mirror"
collection = "tasks"
upstream = { url = "ws://upstream:8870/websocket", publication = "openTasks" }
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 9000, cfg.Server.ListenPort())
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 256, cfg.Server.SendBuffer, "unset keys keep defaults")
	assert.Equal(t, 2*time.Second, cfg.Feed.PollInterval())
	assert.Equal(t, "debug", cfg.Log.Level)

	require.Len(t, cfg.Publications, 3)
	open := cfg.Publications[0]
	q := open.Query()
	assert.Equal(t, "tasks", q.Collection)
	assert.Equal(t, "open", q.Selector["status"])
	assert.Equal(t, "u1", q.Selector["ownerId"], "selector keys keep their case")
	assert.Equal(t, []query.SortField{{Field: "priority", Desc: true}}, q.Sort)
	assert.Equal(t, 50, q.Limit)
	assert.Equal(t, []string{"secret"}, open.Redact)
	assert.NoError(t, q.Validate())

	tree := cfg.Publications[1]
	require.Len(t, tree.Children, 1)
	assert.Equal(t, "authorId", tree.Children[0].LocalField)
	require.Len(t, tree.Children[0].Children, 1)
	assert.Equal(t, "avatars", tree.Children[0].Children[0].Collection)

	mirror := cfg.Publications[2]
	require.NotNil(t, mirror.Upstream)
	assert.Equal(t, "openTasks", mirror.Upstream.Publication)
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

const projectFileContent = `
[server]
port = 9100

[log]
level = "warn"

[[publications]]
name = "mine"
collection = "tasks"
selector = { assigneeId = "me" }
`

func TestLoad_EnvOverridesProjectFile(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	dir := t.TempDir()
	t.Setenv("HOME", t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(projectFileContent), 0o644))
	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	t.Chdir(nested)
	t.Setenv("BATCHPUB_LOG_LEVEL", "error")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.ListenPort(), "project file found by walking up")
	assert.Equal(t, "error", cfg.Log.Level, "env beats files")
	require.Len(t, cfg.Publications, 1)
	assert.Equal(t, "me", cfg.Publications[0].Selector["assigneeId"])

	again, err := Load()
	require.NoError(t, err)
	assert.Same(t, cfg, again)
}

func TestValidate(t *testing.T) {
	port := func(p int) *int { return &p }
	valid := func() Config {
		return Config{
			Database: DatabaseConfig{Driver: DriverMemory},
			Server:   ServerConfig{SendBuffer: 8},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "mongo" }, wantErr: "database.driver"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Database.Driver = DriverSQLite }, wantErr: "database.path"},
		{name: "zero port", mutate: func(c *Config) { c.Server.Port = port(0) }, wantErr: "server.port cannot be 0"},
		{name: "negative port", mutate: func(c *Config) { c.Server.Port = port(-1) }, wantErr: "server.port"},
		{name: "zero send buffer", mutate: func(c *Config) { c.Server.SendBuffer = 0 }, wantErr: "server.send_buffer"},
		{name: "negative poll interval", mutate: func(c *Config) { c.Feed.PollIntervalMS = -1 }, wantErr: "feed.poll_interval_ms"},
		{name: "metrics without path", mutate: func(c *Config) { c.Metrics.Enabled = true }, wantErr: "metrics.path"},
		{
			name:    "nameless publication",
			mutate:  func(c *Config) { c.Publications = []PublicationConfig{{Collection: "tasks"}} },
			wantErr: "name cannot be empty",
		},
		{
			name:    "publication without collection",
			mutate:  func(c *Config) { c.Publications = []PublicationConfig{{Name: "x"}} },
			wantErr: "publication has no collection",
		},
		{
			name: "duplicate publication",
			mutate: func(c *Config) {
				c.Publications = []PublicationConfig{{Name: "x", Collection: "a"}, {Name: "x", Collection: "b"}}
			},
			wantErr: "publication already registered",
		},
		{
			name: "child without fields",
			mutate: func(c *Config) {
				c.Publications = []PublicationConfig{{Name: "x", Collection: "a", Children: []ChildConfig{{Collection: "b"}}}}
			},
			wantErr: "local_field and foreign_field",
		},
		{
			name: "upstream with children",
			mutate: func(c *Config) {
				c.Publications = []PublicationConfig{{
					Name: "x", Collection: "a",
					Upstream: &UpstreamConfig{URL: "ws://u", Publication: "p"},
					Children: []ChildConfig{{Collection: "b", LocalField: "l", ForeignField: "f"}},
				}}
			},
			wantErr: "cannot have children",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_DuplicateIsSentinel(t *testing.T) {
	cfg := Config{
		Database:     DatabaseConfig{Driver: DriverMemory},
		Server:       ServerConfig{SendBuffer: 1},
		Publications: []PublicationConfig{{Name: "x", Collection: "a"}, {Name: "x", Collection: "a"}},
	}
	assert.True(t, errors.Is(cfg.Validate(), errors.ErrDuplicatePublication))
}
