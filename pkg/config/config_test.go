package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	p, err := cfg.LocalPrefix()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParsePrefix("10.8.0.2/24"), p)

	d, err := cfg.StatusInterval()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
	assert.True(t, cfg.Direct.Enabled)
}

func TestLoadFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wgtunnel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tunnel:
  configFile: /tmp/home.conf
  interfaceName: wgt7
  driver: water
  listenPort: 51820
direct:
  enabled: false
capture:
  pcapFile: /tmp/session.pcap
status:
  listen: ""
  interval: 1m
  format: json
logging:
  level: debug
  format: json
`), 0644))

	cfg := DefaultConfig()
	require.NoError(t, LoadFromFile(path, cfg))
	require.NoError(t, cfg.Validate())

	want := DefaultConfig()
	want.Tunnel.ConfigFile = "/tmp/home.conf"
	want.Tunnel.InterfaceName = "wgt7"
	want.Tunnel.Driver = "water"
	want.Tunnel.ListenPort = 51820
	want.Direct.Enabled = false
	want.Capture.PcapFile = "/tmp/session.pcap"
	want.Status = StatusConfig{Listen: "", Interval: "1m", Format: "json"}
	want.Logging.Level = "debug"
	want.Logging.Format = "json"

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()

	assert.Error(t, LoadFromFile(filepath.Join(dir, "missing.yaml"), cfg))

	txt := filepath.Join(dir, "config.txt")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0644))
	assert.ErrorContains(t, LoadFromFile(txt, cfg), "unsupported")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0644))
	assert.ErrorContains(t, LoadFromFile(bad, cfg), "JSON")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("WGT_CONFIG_FILE", "/run/wg.conf")
	t.Setenv("WGT_INTERFACE_NAME", "tun9")
	t.Setenv("WGT_LOCAL_ADDRESS", "10.9.0.2/24")
	t.Setenv("WGT_DRIVER", "mock")
	t.Setenv("WGT_LISTEN_PORT", "40000")
	t.Setenv("WGT_DIRECT_ENABLED", "off")
	t.Setenv("WGT_PCAP_FILE", "/tmp/x.pcap")
	t.Setenv("WGT_STATUS_LISTEN", ":9090")
	t.Setenv("WGT_STATUS_INTERVAL", "5s")
	t.Setenv("WGT_STATUS_FORMAT", "json")
	t.Setenv("WGT_LOG_LEVEL", "warn")
	t.Setenv("WGT_LOG_FORMAT", "json")
	t.Setenv("WGT_LOG_MAX_SIZE", "not-a-number")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/run/wg.conf", cfg.Tunnel.ConfigFile)
	assert.Equal(t, "tun9", cfg.Tunnel.InterfaceName)
	assert.Equal(t, "10.9.0.2/24", cfg.Tunnel.LocalAddress)
	assert.Equal(t, "mock", cfg.Tunnel.Driver)
	assert.Equal(t, 40000, cfg.Tunnel.ListenPort)
	assert.False(t, cfg.Direct.Enabled)
	assert.Equal(t, "/tmp/x.pcap", cfg.Capture.PcapFile)
	assert.Equal(t, ":9090", cfg.Status.Listen)
	assert.Equal(t, "json", cfg.Status.Format)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 10, cfg.Logging.MaxSize, "unparseable values keep the default")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty config file", func(c *Config) { c.Tunnel.ConfigFile = "" }},
		{"empty interface", func(c *Config) { c.Tunnel.InterfaceName = "" }},
		{"bad local address", func(c *Config) { c.Tunnel.LocalAddress = "10.8.0.2" }},
		{"ipv6 local address", func(c *Config) { c.Tunnel.LocalAddress = "fd00::2/64" }},
		{"unknown driver", func(c *Config) { c.Tunnel.Driver = "tap" }},
		{"port out of range", func(c *Config) { c.Tunnel.ListenPort = 70000 }},
		{"bad interval", func(c *Config) { c.Status.Interval = "soon" }},
		{"bad format", func(c *Config) { c.Status.Format = "xml" }},
		{"bad level", func(c *Config) { c.Logging.Level = "chatty" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStatusIntervalDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Status.Interval = "0"
	d, err := cfg.StatusInterval()
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestSaveToFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Tunnel.Driver = "mock"
	cfg.Capture.PcapFile = "/tmp/a.pcap"

	for _, name := range []string{"out.json", "nested/out.yaml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, cfg.SaveToFile(path))

		loaded := DefaultConfig()
		require.NoError(t, LoadFromFile(path, loaded))
		if diff := cmp.Diff(cfg, loaded); diff != "" {
			t.Errorf("%s round trip mismatch (-want +got):\n%s", name, diff)
		}
	}

	assert.Error(t, cfg.SaveToFile(filepath.Join(dir, "out.toml")))
}
