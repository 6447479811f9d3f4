package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// AnySource disables data-datagram source filtering.
const AnySource = "any"

type Config struct {
	AppEnv string `env:"APP_ENV" default:"development"`
	Port   string `env:"PORT" default:"8080"`

	DataPort         int    `env:"DATA_PORT" default:"5000"`
	ControlPort      int    `env:"CONTROL_PORT" default:"5001"`
	BindAddress      string `env:"BIND_ADDRESS" default:"0.0.0.0"`
	SourceFilter     string `env:"SOURCE_FILTER" default:"any"`
	MulticastAddress string `env:"MULTICAST_ADDRESS" default:"239.255.42.99"`

	CacheSize         int           `env:"CACHE_SIZE" default:"100"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"1s"`
	OrphanChannelTTL  time.Duration `env:"ORPHAN_CHANNEL_TTL" default:"5m"`

	MaxViewerConnections int     `env:"MAX_VIEWER_CONNECTIONS" default:"1000"`
	MaxViewersPerIP      int     `env:"MAX_VIEWERS_PER_IP" default:"20"`
	MaxViewersPerChannel int     `env:"MAX_VIEWERS_PER_CHANNEL" default:"50"`
	ViewerConnectRate    float64 `env:"VIEWER_CONNECT_RATE" default:"5"`
	ViewerConnectBurst   int     `env:"VIEWER_CONNECT_BURST" default:"10"`

	RedisURL string `env:"REDIS_URL"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
	// LogFile enables a rotating copy of the log output.
	LogFile           string `env:"LOG_FILE"`
	LogFileMaxSizeMB  int    `env:"LOG_FILE_MAX_SIZE_MB" default:"100"`
	LogFileMaxBackups int    `env:"LOG_FILE_MAX_BACKUPS" default:"5"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// FilterSource reports whether data datagrams must come from SourceFilter.
func (c *Config) FilterSource() bool {
	return c.SourceFilter != "" && !strings.EqualFold(c.SourceFilter, AnySource)
}

func validate(cfg *Config) error {
	ports := []struct {
		name  string
		value int
	}{
		{"DATA_PORT", cfg.DataPort},
		{"CONTROL_PORT", cfg.ControlPort},
	}
	for _, p := range ports {
		if p.value < 1 || p.value > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", p.name, p.value)
		}
	}
	if cfg.DataPort == cfg.ControlPort {
		return errors.New("DATA_PORT and CONTROL_PORT must differ")
	}

	if cfg.CacheSize < 0 {
		return fmt.Errorf("CACHE_SIZE must not be negative, got %d", cfg.CacheSize)
	}
	if cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive, got %s", cfg.HeartbeatInterval)
	}

	if cfg.OrphanChannelTTL < 0 {
		return fmt.Errorf("ORPHAN_CHANNEL_TTL must not be negative, got %s", cfg.OrphanChannelTTL)
	}

	if net.ParseIP(cfg.BindAddress) == nil {
		return fmt.Errorf("BIND_ADDRESS must be an IP address, got %q", cfg.BindAddress)
	}
	if cfg.FilterSource() && net.ParseIP(cfg.SourceFilter) == nil {
		return fmt.Errorf("SOURCE_FILTER must be %q or an IP address, got %q", AnySource, cfg.SourceFilter)
	}
	if cfg.MulticastAddress != "" {
		ip := net.ParseIP(cfg.MulticastAddress)
		if ip == nil || !ip.IsMulticast() {
			return fmt.Errorf("MULTICAST_ADDRESS must be a multicast IP address, got %q", cfg.MulticastAddress)
		}
	}

	if cfg.MaxViewerConnections < 1 || cfg.MaxViewersPerIP < 1 || cfg.MaxViewersPerChannel < 1 {
		return errors.New("viewer connection limits must be at least 1")
	}
	if cfg.ViewerConnectRate <= 0 || cfg.ViewerConnectBurst < 1 {
		return errors.New("VIEWER_CONNECT_RATE must be positive and VIEWER_CONNECT_BURST at least 1")
	}

	if cfg.LogFile != "" && (cfg.LogFileMaxSizeMB < 1 || cfg.LogFileMaxBackups < 0) {
		return errors.New("LOG_FILE_MAX_SIZE_MB must be at least 1 and LOG_FILE_MAX_BACKUPS not negative")
	}

	return nil
}
