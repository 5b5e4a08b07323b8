package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonzalop/ftpnode"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_NoConfigFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ftpnode.DefaultHost, cfg.Connection.Host)
	assert.Equal(t, ftpnode.DefaultPort, cfg.Connection.Port)
	assert.Equal(t, ftpnode.SecureNone, cfg.Connection.Secure)
	assert.Equal(t, ftpnode.DefaultKeepalive, cfg.Connection.Keepalive)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 4, cfg.Parallel)
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
connection:
  host: ftp.example.com
  port: 2121
  secure: explicit
  user: alice
  conn_timeout: 3s
  keepalive: 1m
  tls:
    insecure_skip_verify: true
logging:
  level: debug
  format: json
bandwidth_limit: 65536
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ftp.example.com", cfg.Connection.Host)
	assert.Equal(t, 2121, cfg.Connection.Port)
	assert.Equal(t, ftpnode.SecureExplicit, cfg.Connection.Secure)
	assert.Equal(t, "alice", cfg.Connection.User)
	assert.Equal(t, 3*time.Second, cfg.Connection.ConnTimeout)
	assert.Equal(t, time.Minute, cfg.Connection.Keepalive)
	assert.True(t, cfg.Connection.TLS.InsecureSkipVerify)
	assert.Equal(t, ftpnode.DefaultPasvTimeout, cfg.Connection.PasvTimeout)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.EqualValues(t, 65536, cfg.BandwidthLimit)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
bandwidth_limit = 1024

[connection]
host = "10.0.0.5"
active_mode = true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.Connection.Host)
	assert.True(t, cfg.Connection.ActiveMode)
	assert.EqualValues(t, 1024, cfg.BandwidthLimit)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid.yaml", "connection:\n  host: x\n  invalid yaml here [[[\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"port", "connection:\n  port: 70000\n"},
		{"secure", "connection:\n  secure: sometimes\n"},
		{"format", "logging:\n  format: xml\n"},
		{"bandwidth", "bandwidth_limit: -1\n"},
		{"parallel", "parallel: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yaml", tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("FTPNODE_CONNECTION_HOST", "env.example.com")
	t.Setenv("FTPNODE_CONNECTION_PORT", "990")
	t.Setenv("FTPNODE_CONNECTION_SECURE", "implicit")
	t.Setenv("FTPNODE_PASSWORD", "s3cret")
	t.Setenv("FTPNODE_LOGGING_LEVEL", "ERROR")

	path := writeConfig(t, "config.yaml", "connection:\n  host: file.example.com\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env.example.com", cfg.Connection.Host)
	assert.Equal(t, 990, cfg.Connection.Port)
	assert.Equal(t, ftpnode.SecureImplicit, cfg.Connection.Secure)
	assert.Equal(t, "s3cret", cfg.Connection.Password)
	assert.Equal(t, "ERROR", cfg.Logging.Level)
}

func TestLoad_DefaultPassword(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ftpnode.DefaultPassword, cfg.Connection.Password)
}

func TestWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.Connection.Host = "written.example.com"
	cfg.Connection.Password = "never-on-disk"

	require.NoError(t, Write(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written.example.com")
	assert.NotContains(t, string(data), "never-on-disk")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "written.example.com", loaded.Connection.Host)
	assert.Equal(t, ftpnode.DefaultConnTimeout, loaded.Connection.ConnTimeout)

	assert.Error(t, Write(path, cfg), "existing file is not overwritten")
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	cfg.Connection.ApplyDefaults()
	assert.NoError(t, Validate(cfg))
}
