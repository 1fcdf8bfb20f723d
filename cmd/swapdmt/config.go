package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"swapdmt/internal/gateway"
	"swapdmt/internal/store"
)

// envPrefix prefixes environment variables that override config values.
const envPrefix = "SWAPDMT_"

type Config struct {
	// Serial and Wireless seed the parameter store on first start. Once
	// saved, the stored values win; change them through the API.
	Serial struct {
		Port  string `yaml:"port"`
		Speed int    `yaml:"speed"`
	} `yaml:"serial"`
	Wireless struct {
		Channel   uint8  `yaml:"channel"`
		NetworkID uint16 `yaml:"network_id"`
		Address   uint8  `yaml:"address"`
		Security  uint8  `yaml:"security"`
	} `yaml:"wireless"`
	AutoConnect bool `yaml:"auto_connect"`
	Web         struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Telemetry struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		Token         string `yaml:"token"`
		Org           string `yaml:"org"`
		Bucket        string `yaml:"bucket"`
		BatchSize     uint   `yaml:"batch_size"`
		FlushInterval string `yaml:"flush_interval"`
	} `yaml:"telemetry"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	DevicesDir string `yaml:"devices_dir"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Serial.Speed != 0 && !gateway.ValidSerialSpeed(c.Serial.Speed) {
		return fmt.Errorf("serial.speed must be one of %v, got %d", gateway.SerialSpeeds, c.Serial.Speed)
	}
	if c.Wireless.Address == 0 {
		return fmt.Errorf("wireless.address must not be 0")
	}
	if c.Wireless.Security > 0x0F {
		return fmt.Errorf("wireless.security must be 0-15, got %d", c.Wireless.Security)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Telemetry.Enabled && (c.Telemetry.URL == "" || c.Telemetry.Bucket == "") {
		return fmt.Errorf("telemetry.url and telemetry.bucket are required when telemetry is enabled")
	}
	return nil
}

// loadConfig reads the YAML file at path, applies .env and SWAPDMT_*
// overrides, then fills in defaults. A missing file yields the defaults.
func loadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// loadDotEnv loads path into the environment if it exists. Variables already
// set are not overwritten.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

// applyEnv overrides config values from SWAPDMT_* variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"SERIAL_PORT":    &cfg.Serial.Port,
		"WEB_LISTEN":     &cfg.Web.Listen,
		"WEB_API_KEY":    &cfg.Web.APIKey,
		"STORE_PATH":     &cfg.Store.Path,
		"MQTT_BROKER":    &cfg.MQTT.Broker,
		"MQTT_USERNAME":  &cfg.MQTT.Username,
		"MQTT_PASSWORD":  &cfg.MQTT.Password,
		"INFLUX_URL":     &cfg.Telemetry.URL,
		"INFLUX_TOKEN":   &cfg.Telemetry.Token,
		"TELEGRAM_TOKEN": &cfg.Telegram.BotToken,
		"LOG_LEVEL":      &cfg.Log.Level,
		"LOG_FORMAT":     &cfg.Log.Format,
		"DEVICES_DIR":    &cfg.DevicesDir,
		"SCRIPTS_DIR":    &cfg.ScriptsDir,
		"INFLUX_ORG":     &cfg.Telemetry.Org,
		"INFLUX_BUCKET":  &cfg.Telemetry.Bucket,
	}
	for key, dst := range str {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}

	if v, ok := lookup(envPrefix + "SERIAL_SPEED"); ok {
		speed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sSERIAL_SPEED: %w", envPrefix, err)
		}
		cfg.Serial.Speed = speed
	}
	flags := map[string]*bool{
		"AUTO_CONNECT":      &cfg.AutoConnect,
		"MQTT_ENABLED":      &cfg.MQTT.Enabled,
		"TELEMETRY_ENABLED": &cfg.Telemetry.Enabled,
	}
	for key, dst := range flags {
		if v, ok := lookup(envPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = b
		}
	}
	if v, ok := lookup(envPrefix + "TELEGRAM_CHAT_IDS"); ok {
		cfg.Telegram.ChatIDs = strings.Split(v, ",")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Serial.Port == "" {
		cfg.Serial.Port = gateway.DefaultSerialPort
	}
	if cfg.Serial.Speed == 0 {
		cfg.Serial.Speed = gateway.DefaultSerialSpeed
	}
	if cfg.Wireless.NetworkID == 0 {
		cfg.Wireless.NetworkID = gateway.DefaultNetworkID
	}
	if cfg.Wireless.Address == 0 {
		cfg.Wireless.Address = gateway.DefaultAddress
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "swapdmt.db"
	}
	if cfg.DevicesDir == "" {
		cfg.DevicesDir = "devices"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "swapdmt"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// parseDuration parses a config duration, falling back to def when empty or
// invalid.
func parseDuration(value string, def time.Duration, key string, logger *slog.Logger) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		logger.Warn("invalid duration, using default", "key", key, "value", value, "default", def)
		return def
	}
	return d
}

// seedStore saves the configured serial and wireless parameters when the
// store holds none yet.
func seedStore(st store.Store, cfg *Config) error {
	if _, err := st.GetSerialParams(); errors.Is(err, store.ErrNotFound) {
		if err := st.SaveSerialParams(&store.SerialParams{Port: cfg.Serial.Port, Speed: cfg.Serial.Speed}); err != nil {
			return fmt.Errorf("seed serial params: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read serial params: %w", err)
	}

	if _, err := st.GetWirelessParams(); errors.Is(err, store.ErrNotFound) {
		if err := st.SaveWirelessParams(&store.WirelessParams{
			Channel:       cfg.Wireless.Channel,
			NetworkID:     cfg.Wireless.NetworkID,
			DeviceAddress: cfg.Wireless.Address,
			Security:      cfg.Wireless.Security,
		}); err != nil {
			return fmt.Errorf("seed wireless params: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read wireless params: %w", err)
	}
	return nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
