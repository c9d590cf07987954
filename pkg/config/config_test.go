package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moraydb/moray/pkg/consts"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "morayd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  data_dir: /var/lib/moray
`))
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.ListenAddresses)
	assert.Equal(t, 5454, cfg.Server.Port)
	assert.Equal(t, 100, cfg.Server.MaxBackends)
	assert.Equal(t, consts.LaunchDirect, cfg.Launch.Strategy)
	assert.Equal(t, "info", cfg.Observability.LogLevel)
	assert.False(t, cfg.TLSEnabled())
	assert.NotEmpty(t, cfg.Path, "source path is kept for reloads")
}

func TestLoadFull(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  listen_addresses: "* 10.0.0.5"
  port: 6000
  data_dir: /data
  max_backends: 16
launch:
  strategy: reexec
  extra_worker_options: "-S 4096"
  send_stop: true
services:
  archiving_enabled: true
  log_collector_enabled: true
observability:
  log_level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, consts.LaunchReexec, cfg.Launch.Strategy)
	assert.Equal(t, "* 10.0.0.5", cfg.Server.ListenAddresses)
	assert.True(t, cfg.Launch.SendStop)
	assert.True(t, cfg.Services.ArchivingEnabled)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing data_dir", `server: {port: 5454}`},
		{"bad port", `server: {data_dir: /d, port: 70000}`},
		{"bad strategy", "server:\n  data_dir: /d\nlaunch:\n  strategy: teleport\n"},
		{"tls half set", "server:\n  data_dir: /d\n  tls_cert_file: /c.pem\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
