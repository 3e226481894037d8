package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the Aroma-Link core.
type Config struct {
	Cloud      CloudConfig      `yaml:"cloud"`
	Push       PushConfig       `yaml:"push"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// CloudConfig contains the vendor REST endpoint and account credentials.
type CloudConfig struct {
	BaseURL         string `yaml:"base_url"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	RequestTimeout  int    `yaml:"request_timeout"`
	RefreshInterval int    `yaml:"refresh_interval"`
}

// PushConfig contains push (WebSocket) connection settings.
type PushConfig struct {
	URL               string `yaml:"url"`
	HeartbeatInterval int    `yaml:"heartbeat_interval"`
	MissedHeartbeats  int    `yaml:"missed_heartbeats"`
	HandshakeTimeout  int    `yaml:"handshake_timeout"`
	BackoffInitial    int    `yaml:"backoff_initial"`
	BackoffMax        int    `yaml:"backoff_max"`
	// GiveUpAfter is the number of consecutive failures after which the
	// manager stops reporting "reconnecting". 0 means never.
	GiveUpAfter int `yaml:"give_up_after"`
}

// ReconcilerConfig contains countdown emulation settings.
type ReconcilerConfig struct {
	TickInterval int `yaml:"tick_interval"`
	// ConfirmTimeout is how long a device may wait at a zero countdown
	// for a server snapshot before the phase is flipped locally.
	ConfirmTimeout   int `yaml:"confirm_timeout"`
	QueryLead        int `yaml:"query_lead"`
	ExpiryQueryDelay int `yaml:"expiry_query_delay"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix string              `yaml:"topic_prefix"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains settings for the API's state stream.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load layers defaults, the YAML file at path and AROMALINK_SECTION_KEY
// environment variables, in that order, then validates the result. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Cloud: CloudConfig{
			BaseURL:         "https://www.aroma-link.com",
			RequestTimeout:  10,
			RefreshInterval: 600,
		},
		Push: PushConfig{
			URL:               "ws://www.aroma-link.com/ws/asset",
			HeartbeatInterval: 10,
			MissedHeartbeats:  3,
			HandshakeTimeout:  10,
			BackoffInitial:    5,
			BackoffMax:        300,
		},
		Reconciler: ReconcilerConfig{
			TickInterval:     1,
			ConfirmTimeout:   10,
			QueryLead:        1,
			ExpiryQueryDelay: 2,
		},
		Database: DatabaseConfig{
			Path:        "./data/aromalink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "aromalink-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			TopicPrefix: "aromalink",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8089,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: AROMALINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Cloud account
	if v := os.Getenv("AROMALINK_CLOUD_BASE_URL"); v != "" {
		cfg.Cloud.BaseURL = v
	}
	if v := os.Getenv("AROMALINK_CLOUD_USERNAME"); v != "" {
		cfg.Cloud.Username = v
	}
	if v := os.Getenv("AROMALINK_CLOUD_PASSWORD"); v != "" {
		cfg.Cloud.Password = v
	}

	// Push
	if v := os.Getenv("AROMALINK_PUSH_URL"); v != "" {
		cfg.Push.URL = v
	}

	// Database
	if v := os.Getenv("AROMALINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("AROMALINK_MQTT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MQTT.Enabled = b
		}
	}
	if v := os.Getenv("AROMALINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("AROMALINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("AROMALINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("AROMALINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("AROMALINK_API_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = p
		}
	}

	// Logging
	if v := os.Getenv("AROMALINK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate reports every invalid field in one error.
func (c *Config) Validate() error {
	var errs []string

	// Cloud validation
	if c.Cloud.BaseURL == "" {
		errs = append(errs, "cloud.base_url is required")
	}
	if c.Cloud.Username == "" {
		errs = append(errs, "cloud.username is required (set AROMALINK_CLOUD_USERNAME environment variable)")
	}
	if c.Cloud.Password == "" {
		errs = append(errs, "cloud.password is required (set AROMALINK_CLOUD_PASSWORD environment variable)")
	}
	if c.Cloud.RequestTimeout < 1 {
		errs = append(errs, "cloud.request_timeout must be at least 1 second")
	}

	// Push validation
	if c.Push.URL == "" {
		errs = append(errs, "push.url is required")
	}
	if c.Push.HeartbeatInterval < 1 {
		errs = append(errs, "push.heartbeat_interval must be at least 1 second")
	}
	if c.Push.MissedHeartbeats < 1 {
		errs = append(errs, "push.missed_heartbeats must be at least 1")
	}
	if c.Push.BackoffInitial < 1 || c.Push.BackoffMax < c.Push.BackoffInitial {
		errs = append(errs, "push.backoff_initial must be at least 1 and not exceed push.backoff_max")
	}
	if c.Push.GiveUpAfter < 0 {
		errs = append(errs, "push.give_up_after must not be negative")
	}

	// Reconciler validation
	if c.Reconciler.TickInterval < 1 {
		errs = append(errs, "reconciler.tick_interval must be at least 1 second")
	}
	if c.Reconciler.ConfirmTimeout < 1 {
		errs = append(errs, "reconciler.confirm_timeout must be at least 1 second")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required when mqtt is enabled")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// GetRequestTimeout returns the per-call REST timeout.
func (c *Config) GetRequestTimeout() time.Duration { return seconds(c.Cloud.RequestTimeout) }

// GetRefreshInterval returns the device directory refresh interval.
func (c *Config) GetRefreshInterval() time.Duration { return seconds(c.Cloud.RefreshInterval) }

// GetHeartbeatInterval returns the push keep-alive interval.
func (c *Config) GetHeartbeatInterval() time.Duration { return seconds(c.Push.HeartbeatInterval) }

// GetHandshakeTimeout returns how long to wait for a handshake acknowledgement.
func (c *Config) GetHandshakeTimeout() time.Duration { return seconds(c.Push.HandshakeTimeout) }

// GetBackoffInitial returns the first reconnect delay.
func (c *Config) GetBackoffInitial() time.Duration { return seconds(c.Push.BackoffInitial) }

// GetBackoffMax returns the reconnect delay cap.
func (c *Config) GetBackoffMax() time.Duration { return seconds(c.Push.BackoffMax) }

// GetTickInterval returns the countdown emulation interval.
func (c *Config) GetTickInterval() time.Duration { return seconds(c.Reconciler.TickInterval) }

// GetConfirmTimeout returns the bounded wait before a local phase flip.
func (c *Config) GetConfirmTimeout() time.Duration { return seconds(c.Reconciler.ConfirmTimeout) }

// GetExpiryQueryDelay returns the delay of the follow-up query sent once a countdown expires.
func (c *Config) GetExpiryQueryDelay() time.Duration {
	return seconds(c.Reconciler.ExpiryQueryDelay)
}

// ReadTimeout returns the API read timeout as a Duration.
func (a APIConfig) ReadTimeout() time.Duration { return seconds(a.Timeouts.Read) }

// WriteTimeout returns the API write timeout as a Duration.
func (a APIConfig) WriteTimeout() time.Duration { return seconds(a.Timeouts.Write) }

// IdleTimeout returns the API idle timeout as a Duration.
func (a APIConfig) IdleTimeout() time.Duration { return seconds(a.Timeouts.Idle) }
