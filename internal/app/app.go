// Package app assembles the server: configuration, store, lobby, engines,
// gateway, operator surface, and the signal-driven drain.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	server "gathering/server"
	"gathering/server/internal/admission"
	"gathering/server/internal/drain"
	"gathering/server/internal/metrics"
	servernet "gathering/server/internal/net"
	"gathering/server/internal/net/ws"
	"gathering/server/internal/store"
	"gathering/server/logging"
)

// ErrForcedExit reports a drain that hit the hard limit before completing.
var ErrForcedExit = errors.New("drain forced by hard limit")

// Config is the process configuration, environment-driven with CLI
// overrides.
type Config struct {
	Addr          string
	RedisURL      string
	RedisPoolSize int

	ConnectionsPerIPPerMinute  int
	GlobalConnectionsPerSecond int
	MaxGlobalConnections       int64

	TickLeader        bool
	TrustForwardedFor bool

	LogLevel string
	LogJSON  bool
}

// ConfigFromEnv reads the documented environment variables, falling back to
// defaults.
func ConfigFromEnv() Config {
	return Config{
		Addr:                       envString("GATHER_ADDR", ":8080"),
		RedisURL:                   envString("REDIS_URL", "redis://localhost:6379"),
		RedisPoolSize:              envInt("REDIS_POOL_SIZE", 10),
		ConnectionsPerIPPerMinute:  envInt("CONNECTIONS_PER_IP_PER_MINUTE", 60),
		GlobalConnectionsPerSecond: envInt("GLOBAL_CONNECTIONS_PER_SECOND", 1000),
		MaxGlobalConnections:       envInt64("MAX_GLOBAL_CONNECTIONS", 10_000_000),
		TickLeader:                 envBool("TICK_LEADER", true),
		TrustForwardedFor:          envBool("TRUST_FORWARDED_FOR", false),
		LogLevel:                   envString("LOG_LEVEL", "info"),
		LogJSON:                    envBool("LOG_JSON", true),
	}
}

// Run starts the server and blocks until a clean drain or a fatal error.
// A nil return means a clean exit; ErrForcedExit means the drain hard limit
// fired first.
func Run(ctx context.Context, cfg Config) error {
	nodeID := uuid.NewString()
	logging.Init(logging.Config{Level: cfg.LogLevel, NodeID: nodeID, JSONOutput: cfg.LogJSON})
	logger := logging.WithComponent("app")

	st, err := store.New(store.Config{URL: cfg.RedisURL, PoolSize: cfg.RedisPoolSize},
		logging.WithComponent("store"))
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	if err := st.EnsureDefaults(ctx,
		server.KeyConcurrentConnections,
		server.KeyTotalConnectionSeconds,
		server.KeyPeakConnections,
	); err != nil {
		return fmt.Errorf("store defaults: %w", err)
	}

	metrics.Register()

	telemetry := server.NewTelemetryCounters()
	telemetry.SetDebugLogger(logging.WithComponent("telemetry"))

	hub := server.NewHub(nodeID, st, telemetry, logging.WithComponent("hub"))

	subCtx, cancelSub := context.WithCancel(ctx)
	defer cancelSub()
	st.Subscribe(subCtx, server.LobbyChannel, hub.HandleRemote)

	milestones := server.NewMilestoneEngine(st, hub, logging.WithComponent("milestones"), nil)

	tick := server.NewTimeEngine(st, hub, milestones, telemetry,
		logging.WithComponent("tick"), server.TickInterval(), cfg.TickLeader)
	tickStop := make(chan struct{})
	go tick.Run(tickStop)
	defer close(tickStop)

	adm := admission.NewController(admission.Config{
		MaxPerSourcePerMinute: cfg.ConnectionsPerIPPerMinute,
		MaxGlobalPerSecond:    cfg.GlobalConnectionsPerSecond,
		MaxGlobal:             cfg.MaxGlobalConnections,
	}, st, server.KeyConcurrentConnections, logging.WithComponent("admission"), nil)
	defer adm.Stop()

	drainCfg := drain.DefaultConfig()
	drainCfg.CounterKey = server.KeyConcurrentConnections
	warning, err := json.Marshal(server.NewShutdownWarning(drainCfg.WarningMessage, drainCfg.ReconnectDelayMs))
	if err != nil {
		return fmt.Errorf("shutdown warning: %w", err)
	}
	drainCfg.WarningPayload = warning
	coord := drain.NewCoordinator(drainCfg, hub, st, logging.WithComponent("drain"))

	var extract ws.SourceExtractor
	if cfg.TrustForwardedFor {
		extract = ws.ForwardedForExtractor
	}
	gateway := ws.NewHandler(ws.HandlerConfig{
		Hub:           hub,
		Admission:     adm,
		Drain:         coord,
		Store:         st,
		Milestones:    milestones,
		Telemetry:     telemetry,
		Logger:        logging.WithComponent("gateway"),
		ExtractSource: extract,
	})

	handler := servernet.NewHTTPHandler(servernet.HTTPHandlerConfig{
		Hub:       hub,
		Store:     st,
		Tick:      tick,
		Admission: adm,
		Drain:     coord,
		Telemetry: telemetry,
		Gateway:   gateway,
		Logger:    logging.WithComponent("http"),
	})

	srv := &nethttp.Server{Addr: cfg.Addr, Handler: handler}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	logger.Info().Str("addr", cfg.Addr).Bool("tickLeader", cfg.TickLeader).Msg("server listening")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case err := <-serveErr:
		// ListenAndServe only returns on bind failure or Shutdown.
		if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-signals:
		logger.Info().Str("signal", sig.String()).Msg("shutdown requested")
		coord.BeginDrain(ctx)
	case <-ctx.Done():
		coord.BeginDrain(context.Background())
	}

	<-coord.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	if coord.Forced() {
		return ErrForcedExit
	}
	logger.Info().Msg("clean exit")
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envInt64(key string, fallback int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}
