package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadOverlaysDefaults(t *testing.T) {
	p := write(t, t.TempDir(), "proxylite.yml", `
listen_port: 9999
plugin_timeout: 2s
auto_scan: true
upstream: http://localhost:3000
upstreams:
  - name: api
    prefix: /api
    target: http://localhost:8081
    strip_prefix: true
engine:
  custom: 1
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.ListenPort)
	assert.Equal(t, "127.0.0.1", cfg.ListenHost, "default kept")
	assert.Equal(t, DefaultWebPort, cfg.WebPort)
	assert.True(t, cfg.WatchPlugins, "default true survives a file that omits it")
	assert.Equal(t, 2*time.Second, cfg.PluginTimeout)
	assert.True(t, cfg.AutoScan)

	pc := cfg.ToProxyConfig()
	assert.Equal(t, "127.0.0.1:9999", pc.Addr())
	require.Len(t, pc.Options.Upstreams, 2)
	assert.Equal(t, "default", pc.Options.Upstreams[0].Name)
	assert.True(t, pc.Options.Upstreams[1].StripPrefix)
	assert.Equal(t, 1, pc.Options.Extra["custom"])
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)

	_, err = Load(write(t, dir, "bad.yml", "listen_port: [nope"))
	assert.Error(t, err)

	_, err = Load(write(t, dir, "range.yml", "web_port: 70000"))
	assert.ErrorContains(t, err, "web_port")

	_, err = Load(write(t, dir, "fmt.yml", "log_format: xml"))
	assert.ErrorContains(t, err, "log_format")
}

func TestFindDefault(t *testing.T) {
	dir := t.TempDir()
	assert.Empty(t, FindDefault(dir))

	write(t, dir, ".proxylite.yml", "")
	assert.Equal(t, filepath.Join(dir, ".proxylite.yml"), FindDefault(dir))

	write(t, dir, "proxylite.yml", "")
	assert.Equal(t, filepath.Join(dir, "proxylite.yml"), FindDefault(dir), "earlier names win")
}

func TestExampleParses(t *testing.T) {
	cfg := Default()
	require.NoError(t, yaml.Unmarshal([]byte(Example()), cfg))
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.ListenPort)
	assert.Equal(t, "./plugins", cfg.PluginDir)
	assert.False(t, cfg.ActiveScans)
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"
	cfg.LogFormat = "json"
	cfg.LogFile = filepath.Join(t.TempDir(), "proxylite.log")

	logger, closer, err := cfg.NewLogger(true)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.Level)
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
	logger.Info("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(cfg.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)

	cfg.LogFile = ""
	cfg.LogLevel = "bogus"
	logger, _, err = cfg.NewLogger(true)
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.Level)
}
