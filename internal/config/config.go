// Package config holds courierd's runtime configuration, resolved from
// built-in defaults, an optional YAML file, environment variables, and flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	commoncfg "github.com/gaspardpetit/courierd/core/config"
)

const (
	DefaultEvent    = "remote.command.v1"
	DefaultAckEvent = "remote.command.ack.v1"
	DefaultGroup    = "courierd"

	defaultSocketDir  = ".courierd"
	defaultSocketName = "daemon.sock"
)

// Config holds all configuration for the courier daemon.
type Config struct {
	// RedisAddr is the bus address: host:port or a redis:// URL.
	RedisAddr string

	// DeviceID identifies this device; the default stream key is derived
	// from it as remote:{device_id}:commands.
	DeviceID string

	// Stream is the stream key to consume from; derived from DeviceID when
	// empty.
	Stream string

	// Event is the bus event name carrying commands.
	Event string

	// AckEvent is the bus event name for published command acks.
	AckEvent string

	// Group is the consumer group name under which deliveries are tracked.
	Group string

	// Consumer names this instance within the group; randomly suffixed when
	// empty.
	Consumer string

	// SocketPath is the unix socket of the local daemon.
	SocketPath string

	// DaemonTimeout bounds each daemon call before fail-open applies.
	DaemonTimeout time.Duration

	// StatusAddr enables the local status/metrics HTTP endpoint when set.
	StatusAddr string

	// AllowedOrigins enables CORS on the status endpoint when non-empty.
	AllowedOrigins []string

	ConfigFile string
	LogLevel   string
}

// SetDefaults initializes c with built-in defaults.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "127.0.0.1:6379"
	}
	if c.Event == "" {
		c.Event = DefaultEvent
	}
	if c.AckEvent == "" {
		c.AckEvent = DefaultAckEvent
	}
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Consumer == "" {
		c.Consumer = "courier-" + uuid.NewString()[:8]
	}
	if c.SocketPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.SocketPath = filepath.Join(home, defaultSocketDir, defaultSocketName)
		}
	}
	if c.DaemonTimeout == 0 {
		c.DaemonTimeout = 15 * time.Second
	}
	if c.ConfigFile == "" {
		c.ConfigFile = commoncfg.DefaultConfigPath("courierd.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *Config) ApplyEnv() {
	if v := commoncfg.GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := commoncfg.GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := commoncfg.GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := commoncfg.GetEnv("DEVICE_ID", ""); v != "" {
		c.DeviceID = v
	}
	if v := commoncfg.GetEnv("COMMAND_STREAM", ""); v != "" {
		c.Stream = v
	}
	if v := commoncfg.GetEnv("COMMAND_EVENT", ""); v != "" {
		c.Event = v
	}
	if v := commoncfg.GetEnv("ACK_EVENT", ""); v != "" {
		c.AckEvent = v
	}
	if v := commoncfg.GetEnv("CONSUMER_GROUP", ""); v != "" {
		c.Group = v
	}
	if v := commoncfg.GetEnv("CONSUMER_NAME", ""); v != "" {
		c.Consumer = v
	}
	if v := commoncfg.GetEnv("DAEMON_SOCKET", ""); v != "" {
		c.SocketPath = v
	}
	if v := commoncfg.GetEnv("DAEMON_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DaemonTimeout = d
		}
	}
	if v := commoncfg.GetEnv("STATUS_ADDR", ""); v != "" {
		if strings.Contains(v, ":") {
			c.StatusAddr = v
		} else {
			c.StatusAddr = ":" + v
		}
	}
	if v := commoncfg.GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
}

// BindFlagsFromCurrent binds command line flags using the current config
// values as defaults.
func (c *Config) BindFlagsFromCurrent() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection address or URL for the command bus")
	flag.StringVar(&c.DeviceID, "device-id", c.DeviceID, "device identifier; the command stream key is derived from it")
	flag.StringVar(&c.Stream, "stream", c.Stream, "command stream key; overrides the device-derived default")
	flag.StringVar(&c.Event, "event", c.Event, "bus event name carrying commands")
	flag.StringVar(&c.AckEvent, "ack-event", c.AckEvent, "bus event name for published command acks")
	flag.StringVar(&c.Group, "group", c.Group, "consumer group name")
	flag.StringVar(&c.Consumer, "consumer", c.Consumer, "consumer name within the group; randomly suffixed if omitted")
	flag.StringVar(&c.SocketPath, "daemon-socket", c.SocketPath, "unix socket path of the local daemon")
	flag.DurationVar(&c.DaemonTimeout, "daemon-timeout", c.DaemonTimeout, "time to wait for a daemon verdict before fail-open")
	flag.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "local status HTTP listen address (enables /status and /metrics; e.g. 127.0.0.1:4555)")
	flag.Func("allowed-origins", "comma separated list of allowed CORS origins for the status endpoint", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags so main can call flag.Parse().
func (c *Config) BindFlags() {
	c.SetDefaults()
	c.ApplyEnv()
	c.BindFlagsFromCurrent()
}

// fileConfig is the YAML schema of the config file. Durations are written as
// strings ("15s", "1m30s").
type fileConfig struct {
	RedisAddr      string   `yaml:"redis_addr"`
	DeviceID       string   `yaml:"device_id"`
	Stream         string   `yaml:"stream"`
	Event          string   `yaml:"event"`
	AckEvent       string   `yaml:"ack_event"`
	Group          string   `yaml:"group"`
	Consumer       string   `yaml:"consumer"`
	SocketPath     string   `yaml:"socket_path"`
	DaemonTimeout  string   `yaml:"daemon_timeout"`
	StatusAddr     string   `yaml:"status_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	LogLevel       string   `yaml:"log_level"`
}

// LoadFile overlays values from a YAML file. Fields already set remain unless
// overwritten by corresponding entries in the file.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f fileConfig
	if err := yaml.Unmarshal(b, &f); err != nil {
		return err
	}

	if f.RedisAddr != "" {
		c.RedisAddr = f.RedisAddr
	}
	if f.DeviceID != "" {
		c.DeviceID = f.DeviceID
	}
	if f.Stream != "" {
		c.Stream = f.Stream
	}
	if f.Event != "" {
		c.Event = f.Event
	}
	if f.AckEvent != "" {
		c.AckEvent = f.AckEvent
	}
	if f.Group != "" {
		c.Group = f.Group
	}
	if f.Consumer != "" {
		c.Consumer = f.Consumer
	}
	if f.SocketPath != "" {
		c.SocketPath = f.SocketPath
	}
	if f.DaemonTimeout != "" {
		d, err := time.ParseDuration(f.DaemonTimeout)
		if err != nil {
			return fmt.Errorf("config: invalid daemon_timeout: %w", err)
		}
		c.DaemonTimeout = d
	}
	if f.StatusAddr != "" {
		c.StatusAddr = f.StatusAddr
	}
	if len(f.AllowedOrigins) > 0 {
		c.AllowedOrigins = f.AllowedOrigins
	}
	if f.LogLevel != "" {
		c.LogLevel = f.LogLevel
	}
	return nil
}

// Validate checks that all required configuration is present and derives the
// stream key when only a device id was given.
func (c *Config) Validate() error {
	if c.Stream == "" {
		if c.DeviceID == "" {
			return errors.New("config: device-id or stream is required")
		}
		c.Stream = "remote:" + c.DeviceID + ":commands"
	}
	if c.RedisAddr == "" {
		return errors.New("config: redis-addr is required")
	}
	if c.SocketPath == "" {
		return errors.New("config: daemon-socket is required")
	}
	if c.Event == "" {
		return errors.New("config: event is required")
	}
	if c.DaemonTimeout <= 0 {
		return errors.New("config: daemon-timeout must be positive")
	}
	return nil
}

func splitComma(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
