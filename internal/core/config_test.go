package core_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filedrop/internal/core"
	"filedrop/internal/request"

	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := core.NewConfig()
	require.Equal(t, ":80", cfg.ListenAddr)
	require.Equal(t, 32, cfg.MaxConnections)
	require.Equal(t, 24*time.Hour, cfg.FileLifetime)
	require.Equal(t, time.Second, cfg.SweepInterval)
	require.Equal(t, request.DefaultReadTimeout, cfg.ReadTimeout)
	require.True(t, cfg.CollectorEnabled)
	require.Equal(t, []string{"static"}, cfg.ReservedNames)
	require.Equal(t, 500, cfg.TranscriptLimit)

	cfg = core.NewConfig(core.WithMaxConnections(4), core.WithCollector(false))
	require.Equal(t, 4, cfg.MaxConnections)
	require.False(t, cfg.CollectorEnabled)
}

func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "filedrop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":8080"
root_dir: /srv/filedrop
max_connections: 8
file_lifetime: 2h
read_timeout: 250ms
collector_enabled: false
inbox:
  token: s3cret
replica:
  endpoint: localhost:9000
  bucket: drops
`), 0o644))

	cfg, err := core.LoadConfigFile(path, core.WithMaxConnections(16))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, "/srv/filedrop", cfg.RootDir)
	require.Equal(t, 16, cfg.MaxConnections, "options override the file")
	require.Equal(t, 2*time.Hour, cfg.FileLifetime)
	require.Equal(t, 250*time.Millisecond, cfg.ReadTimeout)
	require.Equal(t, time.Second, cfg.SweepInterval, "unset fields keep defaults")
	require.False(t, cfg.CollectorEnabled)
	require.Equal(t, "s3cret", cfg.Inbox.Token)
	require.True(t, cfg.Replica.Enabled())

	_, err = core.LoadConfigFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("file_lifetime: forever\n"), 0o644))
	_, err = core.LoadConfigFile(bad)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	require.NoError(t, core.NewConfig(core.WithRootDir(root)).Validate(), "default files dir is created later")

	err := core.NewConfig(core.WithRootDir(filepath.Join(root, "missing"))).Validate()
	require.ErrorContains(t, err, "root directory")

	err = core.NewConfig(core.WithRootDir(root), core.WithSiteDir(filepath.Join(root, "site"))).Validate()
	require.ErrorContains(t, err, "site directory")

	err = core.NewConfig(core.WithRootDir(root), core.WithFilesDir(filepath.Join(root, "elsewhere"))).Validate()
	require.ErrorContains(t, err, "files directory")

	file := filepath.Join(root, "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	err = core.NewConfig(core.WithRootDir(root), core.WithInboxDir(file)).Validate()
	require.ErrorContains(t, err, "not a directory")

	err = core.NewConfig(core.WithRootDir(root), core.WithLogLevel("loud")).Validate()
	require.ErrorContains(t, err, "invalid log level")
}

func TestLevel(t *testing.T) {
	t.Parallel()

	level, err := core.NewConfig(core.WithLogLevel("debug")).Level()
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, level)

	level, err = core.NewConfig(core.WithLogLevel("")).Level()
	require.NoError(t, err)
	require.Equal(t, slog.LevelInfo, level)
}

func TestParseToggle(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"on", "ON", "true", " yes ", "1"} {
		v, err := core.ParseToggle(s)
		require.NoErrorf(t, err, "toggle %q", s)
		require.Truef(t, v, "toggle %q", s)
	}
	for _, s := range []string{"off", "false", "no", "0"} {
		v, err := core.ParseToggle(s)
		require.NoErrorf(t, err, "toggle %q", s)
		require.Falsef(t, v, "toggle %q", s)
	}
	_, err := core.ParseToggle("maybe")
	require.Error(t, err)
}
