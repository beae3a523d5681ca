// Package config loads runtime configuration for the inspector agent
// from environment variables (prefixed INSPECTOR_) and an optional
// config file, the way the rest of this codebase's ancestors do with
// viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime-tunable knob the agent exposes.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Serializer SerializerConfig `mapstructure:"serializer"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig is the transport-level listening configuration. Host
// defaults to loopback-only; binding to a non-loopback address is
// allowed but the caller is warned, since this protocol carries no
// authentication of its own.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	NetworkPort     int           `mapstructure:"network_port"`
	USBPort         int           `mapstructure:"usb_port"`
	TransportMode   string        `mapstructure:"transport_mode"` // "network", "usb", or "both"
	ServiceName     string        `mapstructure:"service_name"`
	MaxMessageBytes int           `mapstructure:"max_message_bytes"`
	AcceptTimeout   time.Duration `mapstructure:"accept_timeout"`
}

// SerializerConfig bounds how deep and how wide a Value tree the wire
// codec will encode, so a pathological document can't produce an
// unbounded frame.
type SerializerConfig struct {
	MaxDepth     int `mapstructure:"max_depth"`
	MaxListItems int `mapstructure:"max_list_items"`
}

// LimitsConfig configures connection admission.
type LimitsConfig struct {
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxGoroutines    int           `mapstructure:"max_goroutines"`
	IPBurst          int           `mapstructure:"ip_burst"`
	IPRate           float64       `mapstructure:"ip_rate"`
	GlobalBurst      int           `mapstructure:"global_burst"`
	GlobalRate       float64       `mapstructure:"global_rate"`
	CPURejectPercent float64       `mapstructure:"cpu_reject_percent"`
	SampleInterval   time.Duration `mapstructure:"sample_interval"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// LoggingConfig controls the zap logger's level and development mode.
// The encoding is always JSON.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from environment variables (INSPECTOR_*)
// and an optional "inspector" config file in the working directory or
// ./config, applying defaults for anything unset.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.network_port", 9876)
	v.SetDefault("server.usb_port", 9877)
	v.SetDefault("server.transport_mode", "both")
	v.SetDefault("server.service_name", "inspector-agent")
	v.SetDefault("server.max_message_bytes", 10<<20)
	v.SetDefault("server.accept_timeout", 10*time.Second)

	v.SetDefault("serializer.max_depth", 3)
	v.SetDefault("serializer.max_list_items", 100)

	v.SetDefault("limits.max_connections", 1000)
	v.SetDefault("limits.max_goroutines", 50000)
	v.SetDefault("limits.ip_burst", 10)
	v.SetDefault("limits.ip_rate", 1.0)
	v.SetDefault("limits.global_burst", 300)
	v.SetDefault("limits.global_rate", 50.0)
	v.SetDefault("limits.cpu_reject_percent", 90.0)
	v.SetDefault("limits.sample_interval", 15*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9469")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("inspector")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("INSPECTOR")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	return cfg, nil
}
