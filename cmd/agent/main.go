package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"netstats-agent/internal/config"
	"netstats-agent/internal/engine"
	"netstats-agent/internal/limiter"
	"netstats-agent/internal/recovery"
	"netstats-agent/internal/transport"
)

// Version 构建时通过 -ldflags 注入
var Version = "0.1.0"

func main() {
	cfg := config.Load()
	engine.InitLogger(cfg.LogLevel, cfg.LogFormat)
	recovery.Logger = engine.Logger

	if err := cfg.Validate(); err != nil {
		slog.Error("config_invalid", "err", err)
		os.Exit(1)
	}
	if cfg.InstanceName == "" {
		cfg.InstanceName, _ = os.Hostname()
	}

	recovery.OnPanic = func(name string, _ interface{}) {
		engine.GetMetrics().RecordPanic(name)
	}

	agent, sink := buildAgent(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := startHTTP(cfg.MetricsAddr, agent)
	agent.Start(ctx)

	exitCode := 0
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown_signal_received", "signal", sig.String())
	case err := <-agent.Fatal():
		slog.Error("agent_fatal", "err", err)
		exitCode = 1
	}

	agent.Stop()
	select {
	case <-sink.Done():
	case <-time.After(5 * time.Second):
		slog.Warn("sink_close_timeout")
	}
	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	slog.Info("shutdown_complete")
	os.Exit(exitCode)
}

func buildAgent(cfg *config.Config) (*engine.Agent, *transport.Client) {
	rl := limiter.NewRateLimiter(cfg.RPCRateLimit)
	source := engine.NewEthSource(cfg.RPCURL, cfg.RPCTimeout, rl)

	sink := transport.NewClient(transport.Options{
		URL:      cfg.SinkURL(),
		Retries:  cfg.SinkReconnectRetries,
		MinDelay: cfg.SinkReconnectMin,
		MaxDelay: cfg.SinkReconnectMax,
		Timeout:  cfg.SinkTimeout,
	})

	var metadata *engine.MetadataClient
	if cfg.MetadataURL != "" {
		metadata = engine.NewMetadataClient(cfg.MetadataURL, cfg.RPCHost, cfg.RPCTimeout)
	}

	slog.Info("agent_configured",
		"name", cfg.InstanceName,
		"rpc", cfg.RPCURL,
		"sink", cfg.SinkURL(),
		"metadata", cfg.MetadataURL,
		"rpc_rps", rl.RPS(),
		"rpc_burst", rl.Burst(),
		"version", Version,
	)

	agent := engine.NewAgent(engine.AgentConfig{
		Name:           cfg.InstanceName,
		Contact:        cfg.Contact,
		Secret:         cfg.WSSecret,
		Version:        Version,
		UpdateInterval: cfg.UpdateInterval,
		PingInterval:   cfg.PingInterval,
		RetryDelay:     cfg.ConnectionRetryDelay,
		MaxAttempts:    cfg.MaxConnectionAttempts,
	}, source, sink, metadata)
	return agent, sink
}

// startHTTP 启动 /healthz 与 /metrics；地址为空时不启动
func startHTTP(addr string, agent *engine.Agent) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	engine.NewHealthServer(agent).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	recovery.WithRecovery(func() {
		slog.Info("metrics_server_listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics_server_failed", "err", err)
		}
	}, "metrics_server")
	return srv
}
