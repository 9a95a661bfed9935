package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level

	I2CBus  string
	NVSPath string

	TelemetryURL      string
	TelemetryToken    string
	TelemetryInterval time.Duration

	WifiIface   string
	APSSID      string
	APPassword  string
	PortalAddr  string
	RestartMode string

	// MQTTBroker empty disables the telemetry mirror.
	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string
	StationID    string
}

// Profile is the optional YAML device profile named by DEVICE_PROFILE.
// Environment variables take precedence over every field.
type Profile struct {
	LogLevel          string `yaml:"log_level"`
	I2CBus            string `yaml:"i2c_bus"`
	NVSPath           string `yaml:"nvs_path"`
	TelemetryURL      string `yaml:"telemetry_url"`
	TelemetryToken    string `yaml:"telemetry_token"`
	TelemetryInterval string `yaml:"telemetry_interval"`
	WifiIface         string `yaml:"wifi_iface"`
	APSSID            string `yaml:"ap_ssid"`
	APPassword        string `yaml:"ap_password"`
	PortalAddr        string `yaml:"portal_addr"`
	RestartMode       string `yaml:"restart_mode"`
	MQTTBroker        string `yaml:"mqtt_broker"`
	MQTTPort          string `yaml:"mqtt_port"`
	MQTTClientID      string `yaml:"mqtt_client_id"`
	StationID         string `yaml:"station_id"`
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	var p Profile
	if path := strings.TrimSpace(os.Getenv("DEVICE_PROFILE")); path != "" {
		var err error
		p, err = LoadProfile(path)
		if err != nil {
			return Config{}, err
		}
	}

	level, err := parseLogLevel(setting("LOG_LEVEL", p.LogLevel, "info"))
	if err != nil {
		return Config{}, err
	}

	intervalStr := setting("TELEMETRY_INTERVAL", p.TelemetryInterval, "60s")
	interval, err := time.ParseDuration(intervalStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid TELEMETRY_INTERVAL %q: %w", intervalStr, err)
	}
	if interval <= 0 {
		return Config{}, fmt.Errorf("TELEMETRY_INTERVAL must be positive, got %v", interval)
	}

	apSSID := setting("AP_SSID", p.APSSID, "thermometer config")
	if len(apSSID) > 32 {
		return Config{}, fmt.Errorf("AP_SSID %q is longer than 32 bytes", apSSID)
	}
	apPassword := setting("AP_PASSWORD", p.APPassword, "thermometer config")
	if n := len(apPassword); n < 8 || n > 63 {
		return Config{}, fmt.Errorf("AP_PASSWORD must be 8..63 bytes, got %d", n)
	}

	restartMode := setting("RESTART_MODE", p.RestartMode, "exec")
	switch restartMode {
	case "exec", "reboot":
	default:
		return Config{}, fmt.Errorf("invalid RESTART_MODE %q (allowed: exec, reboot)", restartMode)
	}

	mqttPortStr := setting("MQTT_PORT", p.MQTTPort, "1883")
	mqttPort, err := strconv.Atoi(mqttPortStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid MQTT_PORT %q: %w", mqttPortStr, err)
	}

	return Config{
		AppEnv:            appEnv,
		LogLevel:          level,
		I2CBus:            setting("I2C_BUS", p.I2CBus, ""),
		NVSPath:           setting("NVS_PATH", p.NVSPath, "/var/lib/thermonode/eeprom.db"),
		TelemetryURL:      setting("TELEMETRY_URL", p.TelemetryURL, "http://api.tago.io/data"),
		TelemetryToken:    setting("TELEMETRY_TOKEN", p.TelemetryToken, ""),
		TelemetryInterval: interval,
		WifiIface:         setting("WIFI_IFACE", p.WifiIface, "wlan0"),
		APSSID:            apSSID,
		APPassword:        apPassword,
		PortalAddr:        setting("PORTAL_ADDR", p.PortalAddr, ":80"),
		RestartMode:       restartMode,
		MQTTBroker:        setting("MQTT_BROKER", p.MQTTBroker, ""),
		MQTTPort:          mqttPort,
		MQTTClientID:      setting("MQTT_CLIENT_ID", p.MQTTClientID, "thermonode"),
		StationID:         setting("STATION_ID", p.StationID, "thermonode"),
	}, nil
}

// LoadProfile reads a YAML device profile. Unknown keys are rejected.
func LoadProfile(path string) (Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return Profile{}, fmt.Errorf("open device profile: %w", err)
	}
	defer f.Close()

	var p Profile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Profile{}, fmt.Errorf("parse device profile %s: %w", path, err)
	}
	return p, nil
}

// setting resolves one key: environment, then profile, then the default.
func setting(env, profile, def string) string {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		return v
	}
	if v := strings.TrimSpace(profile); v != "" {
		return v
	}
	return def
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
