package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/logcast/internal/adapter/httpserver"
	"github.com/pscheid92/logcast/internal/adapter/metrics"
	"github.com/pscheid92/logcast/internal/adapter/redis"
	"github.com/pscheid92/logcast/internal/adapter/websocket"
	"github.com/pscheid92/logcast/internal/domain"
	"github.com/pscheid92/logcast/internal/platform/config"
	"github.com/pscheid92/logcast/internal/platform/logging"
	"github.com/pscheid92/logcast/internal/platform/version"
	"github.com/pscheid92/logcast/internal/registry"
	"github.com/pscheid92/logcast/internal/relay"
	goredis "github.com/redis/go-redis/v9"
)

const shutdownTimeout = 10 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// setupMirror connects to Redis when REDIS_URL is set. A nil mirror disables mirroring.
func setupMirror(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*redis.Mirror, *goredis.Client) {
	if cfg.RedisURL == "" {
		return nil, nil
	}

	mirrorMetrics := metrics.NewMirrorMetrics(reg)
	client, err := redis.NewClient(ctx, cfg.RedisURL, mirrorMetrics)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return redis.NewMirror(client, 0, mirrorMetrics), client
}

func registryOptions(cfg *config.Config, clock clockwork.Clock, m *metrics.RegistryMetrics, mirror *redis.Mirror) registry.Options {
	opts := registry.Options{
		Capacity:             cfg.CacheSize,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		MaxViewersPerChannel: cfg.MaxViewersPerChannel,
		OrphanTTL:            cfg.OrphanChannelTTL,
		Clock:                clock,
		Metrics:              m,
		OnRemove: func(key domain.ChannelKey, reason registry.RemoveReason) {
			logging.WithChannel(key).Info("Channel removed", "reason", string(reason))
		},
	}

	if mirror != nil {
		opts.OnHeartbeat = mirror.ChannelUp
		opts.OnPublish = mirror.Publish
		opts.OnRemove = func(key domain.ChannelKey, reason registry.RemoveReason) {
			logging.WithChannel(key).Info("Channel removed", "reason", string(reason))
			mirror.ChannelDown(key)
		}
	}
	return opts
}

func setupRelay(cfg *config.Config, sink relay.Sink, clock clockwork.Clock, m *metrics.RelayMetrics) *relay.Relay {
	opts := relay.Options{
		ControlPort: cfg.ControlPort,
		Group:       net.ParseIP(cfg.MulticastAddress),
		Clock:       clock,
		Metrics:     m,
	}
	if cfg.FilterSource() {
		opts.Source = net.ParseIP(cfg.SourceFilter)
	}

	addr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.DataPort))
	r, err := relay.Listen(addr, sink, opts)
	if err != nil {
		slog.Error("Failed to bind UDP relay", "addr", addr, "error", err)
		os.Exit(1)
	}
	return r
}

func runGracefulShutdown(cancel context.CancelFunc, srv *httpserver.Server, reg *registry.Registry, udp *relay.Relay) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		// Stop intake first so no new lines arrive while viewers are closed.
		if err := udp.Close(); err != nil {
			slog.Error("UDP relay close error", "error", err)
		}
		reg.Stop()

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		cancel()
		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logCloser := logging.InitLogger(cfg.LogLevel, cfg.LogFormat, logging.FileOptions{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogFileMaxSizeMB,
		MaxBackups: cfg.LogFileMaxBackups,
	})
	defer func() { _ = logCloser.Close() }()

	info := version.Get()
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "data_port", cfg.DataPort, "control_port", cfg.ControlPort, "version", info.Version, "commit", info.Commit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	promRegistry := metrics.NewRegistry(info)

	mirror, redisClient := setupMirror(ctx, cfg, promRegistry)
	mirrorDone := make(chan struct{})
	if mirror != nil {
		defer func() { _ = redisClient.Close() }()
		go func() {
			defer close(mirrorDone)
			mirror.Run(ctx)
		}()
	} else {
		close(mirrorDone)
	}

	reg := registry.New(registryOptions(cfg, clock, metrics.NewRegistryMetrics(promRegistry), mirror))
	slog.Info("Channel registry started", "cache_size", cfg.CacheSize, "expiry_window", reg.ExpiryWindow())

	udp := setupRelay(cfg, reg, clock, metrics.NewRelayMetrics(promRegistry))
	go func() {
		if err := udp.Run(ctx); err != nil {
			slog.Error("UDP relay stopped", "error", err)
		}
	}()
	if err := udp.Announce(); err != nil {
		slog.Warn("Relay announcement failed", "error", err)
	}

	limits := websocket.NewConnectionLimits(
		int64(cfg.MaxViewerConnections),
		cfg.MaxViewersPerIP,
		cfg.ViewerConnectRate,
		cfg.ViewerConnectBurst,
		clock,
	)
	gateway := websocket.NewGateway(reg, websocket.GatewayOptions{
		ReplayCapacity: cfg.CacheSize,
		Limits:         limits,
		CheckOrigin:    websocket.NewCheckOrigin(cfg.AppEnv == "development"),
		Clock:          clock,
		Metrics:        metrics.NewWebSocketMetrics(promRegistry),
	})

	healthChecks := []httpserver.HealthCheck{
		{Name: "udp_listener", Check: udp.Check},
		{Name: "registry", Check: func(context.Context) error { return reg.Ping() }},
		{Name: "viewer_capacity", Check: func(context.Context) error {
			if pct := limits.CapacityPct(); pct >= 100 {
				return fmt.Errorf("viewer capacity exhausted (%.0f%%)", pct)
			}
			return nil
		}},
	}
	if mirror != nil {
		healthChecks = append(healthChecks, httpserver.HealthCheck{Name: "redis", Check: mirror.Ping})
	}

	srv := httpserver.NewServer(cfg, reg, gateway.HandleViewer,
		httpserver.WithHealthChecks(healthChecks...),
		httpserver.WithMetrics(metrics.Handler(promRegistry), metrics.NewHTTPMetrics(promRegistry)),
		httpserver.WithClock(clock),
	)

	done := runGracefulShutdown(cancel, srv, reg, udp)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	<-mirrorDone
	slog.Info("Shutdown complete")
}
