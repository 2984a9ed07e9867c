package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fajax/backend/internal/network"
	"github.com/spf13/viper"
)

const (
	envPrefix             = "FAJAX"
	defaultDatabasePath   = "fajax.db"
	defaultDatabaseName   = "database"
	defaultLogLevel       = "info"
	defaultNetworkMode    = "neighbour"
	defaultAllowedOrigins = "*"
)

// AppConfig captures runtime configuration for the demo.
type AppConfig struct {
	LogLevel       string
	DatabasePath   string
	DatabaseName   string
	NetworkMode    network.Mode
	Latency        network.Latency
	Throughput     int
	ReturnTrip     bool
	AllowedOrigins []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.name", defaultDatabaseName)
	configViper.SetDefault("network.mode", defaultNetworkMode)
	configViper.SetDefault("network.min_latency_ms", 0)
	configViper.SetDefault("network.max_latency_ms", 0)
	configViper.SetDefault("network.throughput_bytes_per_sec", 0)
	configViper.SetDefault("network.return_trip", false)
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigins)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	mode, err := network.ParseMode(configViper.GetString("network.mode"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("network.mode: %w", err)
	}

	cfg := AppConfig{
		LogLevel:     configViper.GetString("log.level"),
		DatabasePath: configViper.GetString("database.path"),
		DatabaseName: configViper.GetString("database.name"),
		NetworkMode:  mode,
		Latency: network.Latency{
			Min: time.Duration(configViper.GetInt("network.min_latency_ms")) * time.Millisecond,
			Max: time.Duration(configViper.GetInt("network.max_latency_ms")) * time.Millisecond,
		},
		Throughput:     configViper.GetInt("network.throughput_bytes_per_sec"),
		ReturnTrip:     configViper.GetBool("network.return_trip"),
		AllowedOrigins: splitOrigins(configViper.GetStringSlice("http.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.DatabaseName) == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Latency.Min < 0 || c.Latency.Max < 0 {
		return fmt.Errorf("network latency must not be negative")
	}
	if c.Latency.Min > c.Latency.Max {
		return fmt.Errorf("network.min_latency_ms must not exceed network.max_latency_ms")
	}
	if c.Throughput < 0 {
		return fmt.Errorf("network.throughput_bytes_per_sec must not be negative")
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("http.allowed_origins is required")
	}
	return nil
}

// Env values arrive as one comma separated string.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
