package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var allKeys = []string{
	"APP_ENV", "LOG_LEVEL", "DEVICE_PROFILE",
	"I2C_BUS", "NVS_PATH",
	"TELEMETRY_URL", "TELEMETRY_TOKEN", "TELEMETRY_INTERVAL",
	"WIFI_IFACE", "AP_SSID", "AP_PASSWORD", "PORTAL_ADDR", "RESTART_MODE",
	"MQTT_BROKER", "MQTT_PORT", "MQTT_CLIENT_ID", "STATION_ID",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return path
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v, want nil", err)
	}

	if got.AppEnv != "dev" {
		t.Errorf("AppEnv = %q, want %q", got.AppEnv, "dev")
	}
	if got.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", got.LogLevel, slog.LevelInfo)
	}
	if got.TelemetryURL != "http://api.tago.io/data" {
		t.Errorf("TelemetryURL = %q", got.TelemetryURL)
	}
	if got.TelemetryInterval != 60*time.Second {
		t.Errorf("TelemetryInterval = %v, want 60s", got.TelemetryInterval)
	}
	if got.APSSID != "thermometer config" || got.APPassword != "thermometer config" {
		t.Errorf("AP = %q/%q", got.APSSID, got.APPassword)
	}
	if got.PortalAddr != ":80" {
		t.Errorf("PortalAddr = %q, want %q", got.PortalAddr, ":80")
	}
	if got.RestartMode != "exec" {
		t.Errorf("RestartMode = %q, want exec", got.RestartMode)
	}
	if got.MQTTBroker != "" {
		t.Errorf("MQTTBroker = %q, want mirror disabled", got.MQTTBroker)
	}
	if got.MQTTPort != 1883 {
		t.Errorf("MQTTPort = %d, want 1883", got.MQTTPort)
	}
}

func TestLoadFromEnv_AppEnv_Invalid(t *testing.T) {
	for _, v := range []string{"staging", "DEV", "qa"} {
		t.Run(v, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("APP_ENV", v)
			if _, err := LoadFromEnv(); err == nil {
				t.Fatalf("LoadFromEnv() error = nil, want non-nil")
			}
		})
	}
}

func TestLoadFromEnv_LogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: " INFO ", want: slog.LevelInfo},
		{in: "warning", want: slog.LevelWarn},
		{in: "Error", want: slog.LevelError},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("LOG_LEVEL", tt.in)
			got, err := LoadFromEnv()
			if err != nil {
				t.Fatalf("LoadFromEnv() error = %v", err)
			}
			if got.LogLevel != tt.want {
				t.Errorf("LogLevel = %v, want %v", got.LogLevel, tt.want)
			}
		})
	}
}

func TestLoadFromEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{name: "log level", key: "LOG_LEVEL", value: "verbose"},
		{name: "interval syntax", key: "TELEMETRY_INTERVAL", value: "soon"},
		{name: "interval zero", key: "TELEMETRY_INTERVAL", value: "0s"},
		{name: "ap password short", key: "AP_PASSWORD", value: "short"},
		{name: "ap ssid long", key: "AP_SSID", value: "0123456789012345678901234567890123"},
		{name: "restart mode", key: "RESTART_MODE", value: "halt"},
		{name: "mqtt port", key: "MQTT_PORT", value: "mqtt"},
		{name: "missing profile", key: "DEVICE_PROFILE", value: "/nonexistent/device.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := LoadFromEnv(); err == nil {
				t.Fatalf("LoadFromEnv() with %s=%q error = nil, want non-nil", tt.key, tt.value)
			}
		})
	}
}

func TestLoadFromEnv_ProfileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeProfile(t, `
i2c_bus: "/dev/i2c-3"
telemetry_token: profile-token
telemetry_interval: 15s
station_id: greenhouse
mqtt_broker: broker.local
mqtt_port: 8883
`)
	t.Setenv("DEVICE_PROFILE", path)
	t.Setenv("STATION_ID", "  attic  ")

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if got.I2CBus != "/dev/i2c-3" {
		t.Errorf("I2CBus = %q", got.I2CBus)
	}
	if got.TelemetryToken != "profile-token" {
		t.Errorf("TelemetryToken = %q", got.TelemetryToken)
	}
	if got.TelemetryInterval != 15*time.Second {
		t.Errorf("TelemetryInterval = %v", got.TelemetryInterval)
	}
	if got.MQTTBroker != "broker.local" || got.MQTTPort != 8883 {
		t.Errorf("MQTT = %s:%d", got.MQTTBroker, got.MQTTPort)
	}
	if got.StationID != "attic" {
		t.Errorf("StationID = %q, want env to win over profile", got.StationID)
	}
}

func TestLoadProfile_RejectsUnknownKeys(t *testing.T) {
	path := writeProfile(t, "stationid: typo\n")
	if _, err := LoadProfile(path); err == nil {
		t.Fatal("LoadProfile() error = nil, want unknown field error")
	}
}

func TestLoadProfile_Empty(t *testing.T) {
	path := writeProfile(t, "")
	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile() error = %v", err)
	}
	if p != (Profile{}) {
		t.Errorf("profile = %+v, want zero", p)
	}
}
