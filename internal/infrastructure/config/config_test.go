package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
cloud:
  username: "user@example.com"
  password: "hunter2"
  request_timeout: 7
push:
  heartbeat_interval: 15
database:
  path: "/tmp/test.db"
mqtt:
  enabled: true
  broker:
    host: "broker.local"
    port: 1883
  qos: 1
api:
  port: 9000
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Cloud.Username != "user@example.com" {
		t.Errorf("Cloud.Username = %q, want %q", cfg.Cloud.Username, "user@example.com")
	}
	if cfg.GetRequestTimeout() != 7*time.Second {
		t.Errorf("GetRequestTimeout() = %v, want 7s", cfg.GetRequestTimeout())
	}
	if cfg.GetHeartbeatInterval() != 15*time.Second {
		t.Errorf("GetHeartbeatInterval() = %v, want 15s", cfg.GetHeartbeatInterval())
	}
	// Unset keys keep their defaults.
	if cfg.Push.URL != "ws://www.aroma-link.com/ws/asset" {
		t.Errorf("Push.URL = %q, want default", cfg.Push.URL)
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.local")
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port = %d, want 9000", cfg.API.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
cloud:
  username: ""
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected validation error for missing credentials, got nil")
	}
	if !strings.Contains(err.Error(), "cloud.username") {
		t.Errorf("error %q should mention cloud.username", err)
	}
}

func TestLoad_EmptyPathUsesEnvironment(t *testing.T) {
	t.Setenv("AROMALINK_CLOUD_USERNAME", "env-user")
	t.Setenv("AROMALINK_CLOUD_PASSWORD", "env-pass")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Cloud.BaseURL != "https://www.aroma-link.com" {
		t.Errorf("Cloud.BaseURL = %q, want default", cfg.Cloud.BaseURL)
	}
	if cfg.Cloud.Username != "env-user" {
		t.Errorf("Cloud.Username = %q, want env-user", cfg.Cloud.Username)
	}
}

func TestLoad_SampleConfig(t *testing.T) {
	t.Setenv("AROMALINK_CLOUD_USERNAME", "user@example.com")
	t.Setenv("AROMALINK_CLOUD_PASSWORD", "secret")

	cfg, err := Load(filepath.Join("..", "..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}

	want := defaultConfig()
	want.Cloud.Username = "user@example.com"
	want.Cloud.Password = "secret"
	if cfg.Push != want.Push || cfg.Reconciler != want.Reconciler || cfg.Database != want.Database {
		t.Errorf("sample config drifted from defaults:\n got %+v %+v %+v\nwant %+v %+v %+v",
			cfg.Push, cfg.Reconciler, cfg.Database, want.Push, want.Reconciler, want.Database)
	}
	if cfg.MQTT.Broker != want.MQTT.Broker || cfg.API.Port != want.API.Port {
		t.Errorf("sample mqtt/api = %+v %d", cfg.MQTT.Broker, cfg.API.Port)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Cloud.Username = "user"
		cfg.Cloud.Password = "pass"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}, wantErr: false},
		{name: "missing username", mutate: func(c *Config) { c.Cloud.Username = "" }, wantErr: true},
		{name: "missing password", mutate: func(c *Config) { c.Cloud.Password = "" }, wantErr: true},
		{name: "missing base url", mutate: func(c *Config) { c.Cloud.BaseURL = "" }, wantErr: true},
		{name: "zero request timeout", mutate: func(c *Config) { c.Cloud.RequestTimeout = 0 }, wantErr: true},
		{name: "missing push url", mutate: func(c *Config) { c.Push.URL = "" }, wantErr: true},
		{name: "zero heartbeat", mutate: func(c *Config) { c.Push.HeartbeatInterval = 0 }, wantErr: true},
		{name: "zero missed heartbeats", mutate: func(c *Config) { c.Push.MissedHeartbeats = 0 }, wantErr: true},
		{name: "backoff max below initial", mutate: func(c *Config) { c.Push.BackoffMax = 1 }, wantErr: true},
		{name: "negative give up", mutate: func(c *Config) { c.Push.GiveUpAfter = -1 }, wantErr: true},
		{name: "zero confirm timeout", mutate: func(c *Config) { c.Reconciler.ConfirmTimeout = 0 }, wantErr: true},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: true},
		{
			name: "mqtt enabled without prefix",
			mutate: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.TopicPrefix = ""
			},
			wantErr: true,
		},
		{name: "invalid port low", mutate: func(c *Config) { c.API.Port = 0 }, wantErr: true},
		{name: "invalid port high", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: true},
		{
			name: "port ignored when api disabled",
			mutate: func(c *Config) {
				c.API.Enabled = false
				c.API.Port = 0
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Validate_JoinsErrors(t *testing.T) {
	cfg := defaultConfig()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for missing credentials")
	}
	if !strings.Contains(err.Error(), "cloud.username") || !strings.Contains(err.Error(), "cloud.password") {
		t.Errorf("Validate() = %q, want both credential errors", err)
	}
	if !strings.Contains(err.Error(), "; ") {
		t.Errorf("Validate() = %q, want errors joined with \"; \"", err)
	}
}

func TestAPIConfig_Timeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.API.ReadTimeout(); got != 30*time.Second {
		t.Errorf("ReadTimeout() = %v, want 30s", got)
	}
	if got := cfg.API.WriteTimeout(); got != 45*time.Second {
		t.Errorf("WriteTimeout() = %v, want 45s", got)
	}
	if got := cfg.API.IdleTimeout(); got != time.Minute {
		t.Errorf("IdleTimeout() = %v, want 1m", got)
	}
}

func TestConfig_DurationGetters(t *testing.T) {
	cfg := defaultConfig()

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"backoff initial", cfg.GetBackoffInitial(), 5 * time.Second},
		{"backoff max", cfg.GetBackoffMax(), 300 * time.Second},
		{"heartbeat", cfg.GetHeartbeatInterval(), 10 * time.Second},
		{"tick", cfg.GetTickInterval(), time.Second},
		{"confirm", cfg.GetConfirmTimeout(), 10 * time.Second},
		{"expiry delay", cfg.GetExpiryQueryDelay(), 2 * time.Second},
		{"directory refresh", cfg.GetRefreshInterval(), 10 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("AROMALINK_CLOUD_USERNAME", "env-user")
	t.Setenv("AROMALINK_CLOUD_PASSWORD", "env-pass")
	t.Setenv("AROMALINK_PUSH_URL", "ws://localhost:9999/ws")
	t.Setenv("AROMALINK_DATABASE_PATH", "/custom/path.db")
	t.Setenv("AROMALINK_MQTT_ENABLED", "true")
	t.Setenv("AROMALINK_MQTT_HOST", "mqtt.example.com")
	t.Setenv("AROMALINK_MQTT_USERNAME", "testuser")
	t.Setenv("AROMALINK_MQTT_PASSWORD", "testpass")
	t.Setenv("AROMALINK_API_HOST", "192.168.1.1")
	t.Setenv("AROMALINK_API_PORT", "9100")
	t.Setenv("AROMALINK_LOG_LEVEL", "debug")

	applyEnvOverrides(cfg)

	if cfg.Cloud.Username != "env-user" {
		t.Errorf("Cloud.Username = %q, want %q", cfg.Cloud.Username, "env-user")
	}
	if cfg.Cloud.Password != "env-pass" {
		t.Errorf("Cloud.Password = %q, want %q", cfg.Cloud.Password, "env-pass")
	}
	if cfg.Push.URL != "ws://localhost:9999/ws" {
		t.Errorf("Push.URL = %q", cfg.Push.URL)
	}
	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if !cfg.MQTT.Enabled {
		t.Error("MQTT.Enabled = false, want true")
	}
	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}
	if cfg.MQTT.Auth.Username != "testuser" {
		t.Errorf("MQTT.Auth.Username = %q, want %q", cfg.MQTT.Auth.Username, "testuser")
	}
	if cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth.Password = %q, want %q", cfg.MQTT.Auth.Password, "testpass")
	}
	if cfg.API.Host != "192.168.1.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "192.168.1.1")
	}
	if cfg.API.Port != 9100 {
		t.Errorf("API.Port = %d, want 9100", cfg.API.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestApplyEnvOverrides_IgnoresGarbage(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("AROMALINK_API_PORT", "not-a-port")
	t.Setenv("AROMALINK_MQTT_ENABLED", "maybe")

	applyEnvOverrides(cfg)

	if cfg.API.Port != 8089 {
		t.Errorf("API.Port = %d, want default 8089", cfg.API.Port)
	}
	if cfg.MQTT.Enabled {
		t.Error("MQTT.Enabled should stay false for unparseable value")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.Push.MissedHeartbeats != 3 {
		t.Errorf("defaultConfig Push.MissedHeartbeats = %d, want 3", cfg.Push.MissedHeartbeats)
	}
	if cfg.MQTT.Enabled {
		t.Error("defaultConfig should leave MQTT disabled")
	}
}
