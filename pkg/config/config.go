// Package config provides the application configuration for wgtunnel: where
// the tunnel description lives, how the local interface is set up, and the
// ambient settings around it.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/irctrakz/wgtunnel/pkg/logging"
)

// Config represents the complete application configuration.
type Config struct {
	// Tunnel describes the tunnel and its local interface.
	Tunnel TunnelConfig `json:"tunnel" yaml:"tunnel"`

	// Direct controls the path for traffic outside the allowed ranges.
	Direct DirectConfig `json:"direct" yaml:"direct"`

	// Capture controls the plaintext packet capture.
	Capture CaptureConfig `json:"capture" yaml:"capture"`

	// Status controls the HTTP status server and periodic reporter.
	Status StatusConfig `json:"status" yaml:"status"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// TunnelConfig locates the wg-quick file and shapes the local interface.
type TunnelConfig struct {
	// ConfigFile is the wg-quick style tunnel description.
	ConfigFile string `json:"configFile" yaml:"configFile"`

	// InterfaceName is the requested TUN device name.
	InterfaceName string `json:"interfaceName" yaml:"interfaceName"`

	// LocalAddress is the tunnel-side address of this host in CIDR form.
	LocalAddress string `json:"localAddress" yaml:"localAddress"`

	// Driver selects the TUN implementation: wireguard, water or mock.
	Driver string `json:"driver" yaml:"driver"`

	// ListenPort is the local UDP port for the transport; 0 picks one.
	ListenPort int `json:"listenPort" yaml:"listenPort"`
}

// DirectConfig controls the direct-send path.
type DirectConfig struct {
	// Enabled opens a raw socket for non-tunnel traffic in split mode.
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// CaptureConfig controls the pcap tee.
type CaptureConfig struct {
	// PcapFile, when set, receives every forwarded plaintext packet.
	PcapFile string `json:"pcapFile" yaml:"pcapFile"`
}

// StatusConfig controls status reporting.
type StatusConfig struct {
	// Listen is the HTTP address; empty disables the server.
	Listen string `json:"listen" yaml:"listen"`

	// Interval between logged status snapshots; "0" disables the reporter.
	Interval string `json:"interval" yaml:"interval"`

	// Format of the logged snapshot: text or json.
	Format string `json:"format" yaml:"format"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// Format is the log line format (text, json).
	Format string `json:"format" yaml:"format"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Tunnel: TunnelConfig{
			ConfigFile:    "/etc/wgtunnel/wg0.conf",
			InterfaceName: "wgt0",
			LocalAddress:  "10.8.0.2/24",
			Driver:        "wireguard",
			ListenPort:    0,
		},
		Direct: DirectConfig{
			Enabled: true,
		},
		Status: StatusConfig{
			Listen:   "127.0.0.1:8080",
			Interval: "30s",
			Format:   "text",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a .json, .yaml or .yml file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

// LoadFromEnv overrides configuration from WGT_* environment variables.
func LoadFromEnv(config *Config) {
	// Tunnel config
	if val := os.Getenv("WGT_CONFIG_FILE"); val != "" {
		config.Tunnel.ConfigFile = val
	}
	if val := os.Getenv("WGT_INTERFACE_NAME"); val != "" {
		config.Tunnel.InterfaceName = val
	}
	if val := os.Getenv("WGT_LOCAL_ADDRESS"); val != "" {
		config.Tunnel.LocalAddress = val
	}
	if val := os.Getenv("WGT_DRIVER"); val != "" {
		config.Tunnel.Driver = val
	}
	if val := os.Getenv("WGT_LISTEN_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Tunnel.ListenPort = port
		}
	}

	if val := os.Getenv("WGT_DIRECT_ENABLED"); val != "" {
		config.Direct.Enabled = parseBool(val)
	}
	if val := os.Getenv("WGT_PCAP_FILE"); val != "" {
		config.Capture.PcapFile = val
	}

	// Status config
	if val := os.Getenv("WGT_STATUS_LISTEN"); val != "" {
		config.Status.Listen = val
	}
	if val := os.Getenv("WGT_STATUS_INTERVAL"); val != "" {
		config.Status.Interval = val
	}
	if val := os.Getenv("WGT_STATUS_FORMAT"); val != "" {
		config.Status.Format = val
	}

	// Logging config
	if val := os.Getenv("WGT_LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("WGT_LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("WGT_LOG_FILE"); val != "" {
		config.Logging.File = val
	}
	if val := os.Getenv("WGT_LOG_MAX_SIZE"); val != "" {
		if maxSize, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxSize = maxSize
		}
	}
	if val := os.Getenv("WGT_LOG_MAX_BACKUPS"); val != "" {
		if maxBackups, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxBackups = maxBackups
		}
	}
	if val := os.Getenv("WGT_LOG_MAX_AGE"); val != "" {
		if maxAge, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxAge = maxAge
		}
	}
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Tunnel.ConfigFile == "" {
		return fmt.Errorf("tunnel config file cannot be empty")
	}
	if c.Tunnel.InterfaceName == "" {
		return fmt.Errorf("interface name cannot be empty")
	}
	if _, err := c.LocalPrefix(); err != nil {
		return err
	}
	switch c.Tunnel.Driver {
	case "wireguard", "water", "mock":
	default:
		return fmt.Errorf("invalid tun driver: %s", c.Tunnel.Driver)
	}
	if c.Tunnel.ListenPort < 0 || c.Tunnel.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port: %d", c.Tunnel.ListenPort)
	}

	if _, err := c.StatusInterval(); err != nil {
		return err
	}
	switch c.Status.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid status format: %s", c.Status.Format)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	if _, err := logging.FormatterByName(c.Logging.Format); err != nil {
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	return nil
}

// LocalPrefix parses Tunnel.LocalAddress.
func (c *Config) LocalPrefix() (netip.Prefix, error) {
	p, err := netip.ParsePrefix(strings.TrimSpace(c.Tunnel.LocalAddress))
	if err != nil || !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("invalid local address (must be IPv4 CIDR, e.g. '10.8.0.2/24'): %s", c.Tunnel.LocalAddress)
	}
	return p, nil
}

// StatusInterval parses Status.Interval; zero disables the reporter.
func (c *Config) StatusInterval() (time.Duration, error) {
	s := strings.TrimSpace(c.Status.Interval)
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid status interval: %s", c.Status.Interval)
	}
	return d, nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.InfoLevel
	}
	logging.SetLevel(level)

	if f, err := logging.FormatterByName(c.Logging.Format); err == nil {
		logging.SetFormatter(f)
	}

	if c.Logging.File != "" {
		err := logging.EnableFileLogging(
			filepath.Dir(c.Logging.File),
			filepath.Base(c.Logging.File),
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// SaveToFile saves the configuration to a .json, .yaml or .yml file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
