// Command inspectoragent runs the in-process inspector's network
// server: it exposes an in-memory object database over the
// length-framed request/response protocol so a companion inspector
// client can browse, mutate, and subscribe to it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/realminspector/agent/internal/adapter"
	"github.com/realminspector/agent/internal/adapter/memory"
	"github.com/realminspector/agent/internal/config"
	"github.com/realminspector/agent/internal/limits"
	"github.com/realminspector/agent/internal/logging"
	"github.com/realminspector/agent/internal/metrics"
	"github.com/realminspector/agent/internal/server"
	"github.com/realminspector/agent/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging, cfg.Server.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	if !isLoopback(cfg.Server.Host) {
		logger.Warn("binding to a non-loopback address; this protocol carries no authentication of its own",
			zap.String("host", cfg.Server.Host))
	}

	metricsRegistry := metrics.NewRegistry()
	db := newSeededAdapter(logger)

	listeners, err := bindListeners(cfg.Server, logger)
	if err != nil {
		logger.Fatal("failed to bind listener", zap.Error(err))
	}

	var activeConns int64
	rateLimiter := limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
		IPBurst:     cfg.Limits.IPBurst,
		IPRate:      cfg.Limits.IPRate,
		GlobalBurst: cfg.Limits.GlobalBurst,
		GlobalRate:  cfg.Limits.GlobalRate,
	}, logger)
	resourceGuard := limits.NewResourceGuard(limits.ResourceGuardConfig{
		MaxConnections:   cfg.Limits.MaxConnections,
		MaxGoroutines:    cfg.Limits.MaxGoroutines,
		CPURejectPercent: cfg.Limits.CPURejectPercent,
		SampleInterval:   cfg.Limits.SampleInterval,
	}, logger, &activeConns)

	srv := server.New(server.Config{
		Listeners:          listeners,
		Adapter:            db,
		Logger:             logger,
		Metrics:            metricsRegistry,
		RateLimiter:        rateLimiter,
		ResourceGuard:      resourceGuard,
		MaxMessageBytes:    cfg.Server.MaxMessageBytes,
		SerializerMaxDepth: cfg.Serializer.MaxDepth,
		SerializerMaxItems: cfg.Serializer.MaxListItems,
	})

	if err := srv.Start(); err != nil {
		logger.Fatal("server start failed", zap.Error(err))
	}
	for _, l := range listeners {
		logger.Info("inspector agent listening", zap.String("addr", l.Addr().String()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpErrCh := make(chan error, 1)
	if cfg.Metrics.Enabled {
		go func() {
			httpErrCh <- runMetricsServer(ctx, cfg, metricsRegistry, logger)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("metrics http server error", zap.Error(err))
		}
		stop()
	}

	report := srv.Stop()
	logger.Info("server stopped",
		zap.Int("connectionsClosed", report.ConnectionsClosed),
		zap.Int("subscriptionsTornDown", report.SubscriptionsTornDown),
		zap.Duration("duration", report.Duration))
}

// bindListeners constructs the concrete transport.Listeners cfg's
// TransportMode calls for. USB-muxed transport has no concrete
// implementation in this build, so a mode that requests it only gets
// the warning below, never a fabricated Listener — the server simply
// runs with whatever real listeners it was given.
func bindListeners(cfg config.ServerConfig, logger *zap.Logger) ([]transport.Listener, error) {
	var listeners []transport.Listener

	if cfg.TransportMode == "network" || cfg.TransportMode == "both" {
		ln, err := transport.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.NetworkPort)))
		if err != nil {
			return nil, fmt.Errorf("network listener: %w", err)
		}
		listeners = append(listeners, ln)
	}

	if cfg.TransportMode == "usb" || cfg.TransportMode == "both" {
		logger.Warn("usb transport_mode requested but not implemented in this build; no USB listener will be bound",
			zap.Int("usbPort", cfg.USBPort))
	}

	if len(listeners) == 0 {
		return nil, fmt.Errorf("transport_mode %q yields no usable listener in this build", cfg.TransportMode)
	}

	return listeners, nil
}

// isLoopback reports whether host resolves to a loopback address.
// Empty strings and "0.0.0.0"/"::" bind every interface and are
// treated as non-loopback.
func isLoopback(host string) bool {
	if host == "" {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host == "localhost"
	}
	return ip.IsLoopback()
}

// newSeededAdapter builds the in-memory reference adapter with the
// handful of schemas a freshly started agent needs to be immediately
// browsable, before any client has created a document of its own.
func newSeededAdapter(logger *zap.Logger) adapter.DatabaseAdapter {
	db := memory.NewAdapter(memory.WithInMemory(true), memory.WithLogger(logger))

	db.RegisterSchema(adapter.SchemaInfo{
		Name:       "Person",
		PrimaryKey: "_id",
		Properties: []adapter.PropertyInfo{
			{Name: "_id", Type: adapter.PropertyTypeObjectID, IsPrimaryKey: true},
			{Name: "name", Type: adapter.PropertyTypeString},
			{Name: "age", Type: adapter.PropertyTypeInt, IsOptional: true},
		},
	})

	return db
}

func runMetricsServer(ctx context.Context, cfg config.Config, registry *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
	mux.Handle(cfg.Metrics.Endpoint, registry.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics http server starting", zap.String("addr", cfg.Metrics.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
