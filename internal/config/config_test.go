package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Device.Timeout() != 10*time.Second {
		t.Fatalf("default timeout = %v", cfg.Device.Timeout())
	}
	if cfg.Poll.Interval() != 30*time.Second {
		t.Fatalf("default interval = %v", cfg.Poll.Interval())
	}
	if cfg.Poll.OfflineCooldown() != 300*time.Second {
		t.Fatalf("default cooldown = %v", cfg.Poll.OfflineCooldown())
	}
	if !cfg.Poll.FetchModelInfo {
		t.Fatal("model info fetch should default on")
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("default addr = %q", cfg.HTTP.Addr)
	}
}

func TestLoadRequiresHost(t *testing.T) {
	t.Setenv("BEAGLECAM_HOST", "")
	if _, err := Load(""); err == nil {
		t.Fatal("Load should fail without a device host")
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beaglecamd.yaml")
	data := []byte(`
device:
  host: 192.168.1.50
  username: admin
  password: secret
  timeout_seconds: 5
poll:
  interval_seconds: 15
  fetch_model_info: false
mqtt:
  enabled: true
  broker: tcp://localhost:1883
http:
  addr: ":9090"
log:
  level: debug
  format: json
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Device.Host != "192.168.1.50" || cfg.Device.Username != "admin" {
		t.Fatalf("device config = %+v", cfg.Device)
	}
	if cfg.Device.Timeout() != 5*time.Second {
		t.Fatalf("timeout = %v", cfg.Device.Timeout())
	}
	if cfg.Poll.Interval() != 15*time.Second {
		t.Fatalf("interval = %v", cfg.Poll.Interval())
	}
	if cfg.Poll.FetchModelInfo {
		t.Fatal("fetch_model_info should be off")
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "tcp://localhost:1883" {
		t.Fatalf("mqtt config = %+v", cfg.MQTT)
	}
	// Unset keys keep their defaults.
	if cfg.Poll.OfflineCooldown() != 300*time.Second {
		t.Fatalf("cooldown = %v", cfg.Poll.OfflineCooldown())
	}
	if cfg.HTTP.Addr != ":9090" || cfg.Log.Format != "json" {
		t.Fatalf("http/log config = %+v / %+v", cfg.HTTP, cfg.Log)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("BEAGLECAM_HOST", "10.0.0.7")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Device.Host != "10.0.0.7" {
		t.Fatalf("host = %q", cfg.Device.Host)
	}
	if cfg.Poll.Interval() != 30*time.Second {
		t.Fatalf("interval = %v", cfg.Poll.Interval())
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beaglecamd.yaml")
	data := []byte("device:\n  host: from-file\npoll:\n  interval_seconds: 15\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("BEAGLECAM_HOST", "from-env")
	t.Setenv("BEAGLECAM_POLL_INTERVAL_SECONDS", "60")
	t.Setenv("BEAGLECAM_MQTT_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Device.Host != "from-env" {
		t.Fatalf("host = %q, env should win", cfg.Device.Host)
	}
	if cfg.Poll.Interval() != 60*time.Second {
		t.Fatalf("interval = %v, env should win", cfg.Poll.Interval())
	}
	if !cfg.MQTT.Enabled {
		t.Fatal("mqtt should be enabled via env")
	}
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"true", "TRUE", " 1 ", "t"} {
		if !parseBool(v) {
			t.Errorf("parseBool(%q) = false", v)
		}
	}
	for _, v := range []string{"false", "0", "", "nope"} {
		if parseBool(v) {
			t.Errorf("parseBool(%q) = true", v)
		}
	}
}
