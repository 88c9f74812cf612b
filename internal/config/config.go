package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device DeviceConfig `yaml:"device"`
	Poll   PollConfig   `yaml:"poll"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	HTTP   HTTPConfig   `yaml:"http"`
	Log    LogConfig    `yaml:"log"`
}

// DeviceConfig holds BeagleCam device configuration.
type DeviceConfig struct {
	Host           string `yaml:"host"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	StreamWithAuth bool   `yaml:"stream_with_auth"`
}

// Timeout returns the HTTP timeout for device commands.
func (d DeviceConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// PollConfig holds polling coordinator configuration.
type PollConfig struct {
	IntervalSeconds        int  `yaml:"interval_seconds"`
	OfflineCooldownSeconds int  `yaml:"offline_cooldown_seconds"`
	FetchModelInfo         bool `yaml:"fetch_model_info"`
}

// Interval returns the poll interval.
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// OfflineCooldown returns the probing cool-down after an offline device.
func (p PollConfig) OfflineCooldown() time.Duration {
	return time.Duration(p.OfflineCooldownSeconds) * time.Second
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	DeviceID    string `yaml:"device_id"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Device: DeviceConfig{
			TimeoutSeconds: 10,
		},
		Poll: PollConfig{
			IntervalSeconds:        30,
			OfflineCooldownSeconds: 300,
			FetchModelInfo:         true,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "beaglecam",
			DeviceID:    "beaglecam_01",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays environment variables.
// If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if cfg.Device.Host == "" {
		return cfg, fmt.Errorf("config: device host is required")
	}
	return cfg, nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BEAGLECAM_HOST"); v != "" {
		cfg.Device.Host = v
	}
	if v := os.Getenv("BEAGLECAM_USERNAME"); v != "" {
		cfg.Device.Username = v
	}
	if v := os.Getenv("BEAGLECAM_PASSWORD"); v != "" {
		cfg.Device.Password = v
	}
	if v := os.Getenv("BEAGLECAM_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Device.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("BEAGLECAM_STREAM_WITH_AUTH"); v != "" {
		cfg.Device.StreamWithAuth = parseBool(v)
	}
	if v := os.Getenv("BEAGLECAM_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Poll.IntervalSeconds = n
		}
	}
	if v := os.Getenv("BEAGLECAM_OFFLINE_COOLDOWN_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Poll.OfflineCooldownSeconds = n
		}
	}
	if v := os.Getenv("BEAGLECAM_FETCH_MODEL_INFO"); v != "" {
		cfg.Poll.FetchModelInfo = parseBool(v)
	}
	if v := os.Getenv("BEAGLECAM_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("BEAGLECAM_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("BEAGLECAM_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("BEAGLECAM_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("BEAGLECAM_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("BEAGLECAM_MQTT_DEVICE_ID"); v != "" {
		cfg.MQTT.DeviceID = v
	}
	if v := os.Getenv("BEAGLECAM_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("BEAGLECAM_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("BEAGLECAM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("BEAGLECAM_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}
