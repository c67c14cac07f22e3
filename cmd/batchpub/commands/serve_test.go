package commands

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/batchpub/config"
	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/logger"
	"github.com/teranos/batchpub/store"
)

const serveConfig = `
[database]
driver = "sqlite"
path = "%DB%"

[server]
port = 9200

[metrics]
enabled = true
namespace = "bp"

[[publications]]
name = "openTasks"
collection = "tasks"
selector = { status = "open" }
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, config.FileName)
	body := strings.ReplaceAll(serveConfig, "%DB%", filepath.Join(dir, "test.db"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func commandWithConfig(path string) *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "")
	cmd.Flags().Set("config", path)
	return cmd
}

func TestLoadConfigFromFlag(t *testing.T) {
	config.Reset()
	t.Cleanup(config.Reset)

	cfg, err := loadConfig(commandWithConfig(writeConfig(t)))
	require.NoError(t, err)
	assert.Equal(t, config.DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 9200, cfg.Server.ListenPort())
	require.Len(t, cfg.Publications, 1)
	assert.Equal(t, "openTasks", cfg.Publications[0].Name)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	config.Reset()
	t.Cleanup(config.Reset)

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[database]\ndriver = \"mongo\"\n"), 0o644))
	_, err := loadConfig(commandWithConfig(path))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestAppServesStoreAndMetrics(t *testing.T) {
	config.Reset()
	t.Cleanup(config.Reset)
	cfg, err := loadConfig(commandWithConfig(writeConfig(t)))
	require.NoError(t, err)

	a, err := newApp(cfg, zaptest.NewLogger(t).Sugar(), logger.VerbosityAll)
	require.NoError(t, err)
	_, isSQL := a.store.(*store.SQLStore)
	assert.True(t, isSQL)
	assert.Equal(t, []string{"openTasks"}, a.engine.Names())

	ts := httptest.NewServer(a.server.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/collections/tasks/t1", strings.NewReader(`{"status":"open"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	fields, err := a.store.Get(context.Background(), "tasks", document.NewID("t1"))
	require.NoError(t, err)
	assert.Equal(t, document.Fields{"status": "open"}, fields)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.shutdown(ctx))
	select {
	case <-a.loop.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop still running after shutdown")
	}
}

func TestNewAppRejectsBadPublication(t *testing.T) {
	cfg := &config.Config{
		Database: config.DatabaseConfig{Driver: config.DriverMemory},
		Publications: []config.PublicationConfig{
			{Name: "a", Collection: "x"},
			{Name: "a", Collection: "y"},
		},
	}
	_, err := newApp(cfg, zap.NewNop().Sugar(), 0)
	assert.Error(t, err)
}
