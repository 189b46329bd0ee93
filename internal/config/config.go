// Package config loads the core's YAML-shaped configuration file, per the
// external interfaces section: sections accounts/services/cameras are
// passed through unused (they belong to out-of-scope adapters); the core
// only consumes its own core.* keys and the username/password of the
// redis-shaped services block, which it passes to the event bus's MQTT
// bridge as broker credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar is the environment variable that overrides the config file path.
const EnvVar = "PROP_CONFIG"

// DefaultPath is used when EnvVar is unset.
const DefaultPath = "./config.yaml"

// Config is the root of config.yaml.
type Config struct {
	// Out of scope for the core; retained verbatim so a full config.yaml
	// shared with the CLI/REST/camera adapters round-trips without loss.
	Accounts map[string]any `yaml:"accounts"`
	Cameras  []any          `yaml:"cameras"`

	Services struct {
		Redis     RedisConfig `yaml:"redis"`
		MediaMTX  any         `yaml:"mediamtx"`
	} `yaml:"services"`

	Core CoreConfig `yaml:"core"`
}

// RedisConfig names the {ip,port,username,password} block the wire spec
// documents. No redis client is wired: the core uses only Username and
// Password, as the MQTT bridge's credentials. The broker address comes from
// core.mqtt_broker; IP and Port are not read by the core.
type RedisConfig struct {
	IP       string `yaml:"ip"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// CoreConfig holds the keys specific to running the protocol core
// standalone; these are not in the distilled config shape but are required
// to stand the service up.
type CoreConfig struct {
	TCPAddr            string        `yaml:"tcp_addr"`
	MaxDevices         int           `yaml:"max_devices"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMissLimit int           `yaml:"heartbeat_miss_limit"`
	AckDeadline        time.Duration `yaml:"ack_deadline"`
	TimesyncInterval   time.Duration `yaml:"timesync_interval"`
	SyncDeadline       time.Duration `yaml:"sync_deadline"`
	DiscoveryInterval  time.Duration `yaml:"discovery_interval"` // 0 disables periodic bursts
	MQTTBroker         string        `yaml:"mqtt_broker"`        // blank disables the bridge
	MQTTTopicPrefix    string        `yaml:"mqtt_topic_prefix"`
	WebsocketAddr      string        `yaml:"websocket_addr"`
	LogLevel           string        `yaml:"log_level"`
	LogFile            string        `yaml:"log_file"`
}

// withDefaults fills the zero-value gaps Load would otherwise leave
// from a minimal or absent config.yaml.
func (c *Config) withDefaults() {
	if c.Core.TCPAddr == "" {
		c.Core.TCPAddr = "0.0.0.0:50000"
	}
	if c.Core.HeartbeatInterval <= 0 {
		c.Core.HeartbeatInterval = 5 * time.Second
	}
	if c.Core.HeartbeatMissLimit <= 0 {
		c.Core.HeartbeatMissLimit = 2
	}
	if c.Core.AckDeadline <= 0 {
		c.Core.AckDeadline = 2 * time.Second
	}
	if c.Core.TimesyncInterval <= 0 {
		c.Core.TimesyncInterval = 10 * time.Minute
	}
	if c.Core.SyncDeadline <= 0 {
		c.Core.SyncDeadline = 3 * time.Second
	}
	if c.Core.WebsocketAddr == "" {
		c.Core.WebsocketAddr = "0.0.0.0:8080"
	}
	if c.Core.LogLevel == "" {
		c.Core.LogLevel = "info"
	}
}

// Path resolves the config file location: PROP_CONFIG if set, else
// DefaultPath.
func Path() string {
	if p := os.Getenv(EnvVar); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads and parses the YAML file at path, applying defaults for the
// core.* keys that have one (see withDefaults); max_devices,
// discovery_interval, mqtt_broker, mqtt_topic_prefix and log_file stay at
// their zero values when unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.withDefaults()
	return &c, nil
}
