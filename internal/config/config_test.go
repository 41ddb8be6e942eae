package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadModbusConfig(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
device:
  transport: modbus
  modbus:
    address: 192.168.1.50:502
    unit_id: 20
    timeout: 5s
  retry:
    max_attempts: 4
    base_delay: 250ms
polling:
  interval: 2m
  failure_threshold: 5
catalog:
  overlay_path: /etc/kronoterm/overlay.cue
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "192.168.1.50:502", cfg.Device.Modbus.Address)
	require.Equal(t, uint8(20), cfg.Device.Modbus.UnitID)
	require.Equal(t, 5*time.Second, cfg.Device.Modbus.Timeout.Duration)
	require.Equal(t, 4, cfg.Device.Retry.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.Device.Retry.BaseDelay.Duration)
	require.Equal(t, 2*time.Minute, cfg.PollInterval())
	require.Equal(t, 5, cfg.Polling.FailureThreshold)
	require.Equal(t, "/etc/kronoterm/overlay.cue", cfg.Catalog.OverlayPath)
}

func TestLoadCloudConfig(t *testing.T) {
	path := writeConfig(t, `
device:
  transport: cloud
  cloud:
    base_url: https://cloud.kronoterm.com/jsoncgi.php
    username: owner
    password: secret
server:
  enabled: true
  listen: :8080
history:
  enabled: true
  path: /var/lib/kronoterm/history.db
  retention: 720h
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://cloud.kronoterm.com/jsoncgi.php", cfg.Device.Cloud.BaseURL)
	require.True(t, cfg.Server.Enabled)
	require.True(t, cfg.History.Enabled)
	require.Equal(t, 720*time.Hour, cfg.History.Retention.Duration)
}

func TestPollIntervalDefaultsToOneMinute(t *testing.T) {
	cfg := &Config{}
	require.Equal(t, time.Minute, cfg.PollInterval())
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing transport", `
logging:
  level: info
`, "device.transport"},
		{"unknown transport", `
device:
  transport: serial
`, "unknown device.transport"},
		{"modbus without address", `
device:
  transport: modbus
`, "device.modbus.address"},
		{"cloud without credentials", `
device:
  transport: cloud
  cloud:
    base_url: https://cloud.kronoterm.com/jsoncgi.php
`, "credentials"},
		{"history without path", `
device:
  transport: modbus
  modbus:
    address: localhost:502
history:
  enabled: true
`, "history.path"},
		{"server without listen", `
device:
  transport: modbus
  modbus:
    address: localhost:502
server:
  enabled: true
`, "server.listen"},
		{"feature rule without expression", `
device:
  transport: modbus
  modbus:
    address: localhost:502
features:
  - flag: dhw_installed
`, "feature rules"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	_, err := Load(writeConfig(t, `
device:
  transport: modbus
  modbus:
    address: localhost:502
    timeout: soon
`))
	require.ErrorContains(t, err, "parse duration")
}
