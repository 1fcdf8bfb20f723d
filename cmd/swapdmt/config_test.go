package main

import (
	"os"
	"path/filepath"
	"testing"

	"swapdmt/internal/gateway"
	"swapdmt/internal/store"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Serial.Port != gateway.DefaultSerialPort || cfg.Serial.Speed != gateway.DefaultSerialSpeed {
		t.Errorf("serial = %+v", cfg.Serial)
	}
	if cfg.Wireless.NetworkID != gateway.DefaultNetworkID || cfg.Wireless.Address != gateway.DefaultAddress {
		t.Errorf("wireless = %+v", cfg.Wireless)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" || cfg.MQTT.TopicPrefix != "swapdmt" || cfg.Log.Level != "info" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeFile(t, "config.yaml", `
serial:
  port: /dev/ttyACM0
  speed: 57600
wireless:
  channel: 2
  network_id: 0x1234
  address: 9
auto_connect: true
mqtt:
  enabled: true
  broker: tcp://localhost:1883
exec:
  allowlist: [/bin/echo]
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Serial.Port != "/dev/ttyACM0" || cfg.Serial.Speed != 57600 {
		t.Errorf("serial = %+v", cfg.Serial)
	}
	if cfg.Wireless.Channel != 2 || cfg.Wireless.NetworkID != 0x1234 || cfg.Wireless.Address != 9 {
		t.Errorf("wireless = %+v", cfg.Wireless)
	}
	if !cfg.AutoConnect || !cfg.MQTT.Enabled || len(cfg.Exec.Allowlist) != 1 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadConfigBadYAML(t *testing.T) {
	if _, err := loadConfig(writeFile(t, "config.yaml", "serial: [")); err == nil {
		t.Error("invalid YAML accepted")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SWAPDMT_SERIAL_PORT":       "/dev/ttyS1",
		"SWAPDMT_SERIAL_SPEED":      "115200",
		"SWAPDMT_MQTT_ENABLED":      "true",
		"SWAPDMT_INFLUX_TOKEN":      "secret",
		"SWAPDMT_TELEGRAM_CHAT_IDS": "1,2",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	var cfg Config
	if err := applyEnv(&cfg, lookup); err != nil {
		t.Fatal(err)
	}
	if cfg.Serial.Port != "/dev/ttyS1" || cfg.Serial.Speed != 115200 {
		t.Errorf("serial = %+v", cfg.Serial)
	}
	if !cfg.MQTT.Enabled || cfg.Telemetry.Token != "secret" {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Telegram.ChatIDs) != 2 || cfg.Telegram.ChatIDs[1] != "2" {
		t.Errorf("chat ids = %q", cfg.Telegram.ChatIDs)
	}

	env["SWAPDMT_SERIAL_SPEED"] = "fast"
	if err := applyEnv(&cfg, lookup); err == nil {
		t.Error("non-numeric speed accepted")
	}
	env["SWAPDMT_SERIAL_SPEED"] = "9600"
	env["SWAPDMT_AUTO_CONNECT"] = "maybe"
	if err := applyEnv(&cfg, lookup); err == nil {
		t.Error("non-boolean flag accepted")
	}
}

func TestLoadDotEnv(t *testing.T) {
	const key = "SWAPDMT_TEST_DOTENV_VALUE"
	t.Cleanup(func() { os.Unsetenv(key) })

	if err := loadDotEnv(filepath.Join(t.TempDir(), "none.env")); err != nil {
		t.Errorf("missing file: %v", err)
	}
	if err := loadDotEnv(writeFile(t, ".env", key+"=from-file\n")); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv(key); got != "from-file" {
		t.Errorf("%s = %q", key, got)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		var cfg Config
		applyDefaults(&cfg)
		return &cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad speed", func(c *Config) { c.Serial.Speed = 1234 }},
		{"security too high", func(c *Config) { c.Wireless.Security = 0x10 }},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }},
		{"telemetry without url", func(c *Config) { c.Telemetry.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	cfg := base()
	cfg.Wireless.Address = 0
	if err := cfg.validate(); err == nil {
		t.Error("address 0 accepted")
	}
}

func TestSeedStore(t *testing.T) {
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	var cfg Config
	applyDefaults(&cfg)
	cfg.Serial.Port = "/dev/ttyACM0"
	cfg.Wireless.Channel = 3

	if err := seedStore(st, &cfg); err != nil {
		t.Fatal(err)
	}
	sp, err := st.GetSerialParams()
	if err != nil || sp.Port != "/dev/ttyACM0" {
		t.Fatalf("serial = %+v, %v", sp, err)
	}
	wp, err := st.GetWirelessParams()
	if err != nil || wp.Channel != 3 || wp.DeviceAddress != gateway.DefaultAddress {
		t.Fatalf("wireless = %+v, %v", wp, err)
	}

	// Stored values win over the config on later starts.
	cfg.Serial.Port = "/dev/other"
	cfg.Wireless.Channel = 9
	if err := seedStore(st, &cfg); err != nil {
		t.Fatal(err)
	}
	if sp, _ := st.GetSerialParams(); sp.Port != "/dev/ttyACM0" {
		t.Errorf("serial overwritten: %+v", sp)
	}
	if wp, _ := st.GetWirelessParams(); wp.Channel != 3 {
		t.Errorf("wireless overwritten: %+v", wp)
	}
}
