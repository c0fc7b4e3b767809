// fleetwarden-agent - endpoint-side shell/command/snapshot agent
//
// Copyright (c) 2026 fleetwarden contributors
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/caarlos0/env/v11"

	"github.com/fleetwarden/fleetwarden/pkg/hub"
	"github.com/fleetwarden/fleetwarden/pkg/observability"
)

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("FLEETWARDEN_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func getStateDir() string {
	if dir := os.Getenv("FLEETWARDEN_AGENT_STATE_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".fleetwarden-agent")
}

// MetricsListen is optional: if set, the agent exposes /metrics and /healthz
// for an operator-side Prometheus scrape of this one device, separate from
// the aggregate fleet metrics the controller reports.
type agentObservabilityConfig struct {
	MetricsListen string `env:"FLEETWARDEN_AGENT_METRICS_LISTEN"`
}

func main() {
	logger := newLogger()

	var hubCfg hub.AgentConfig
	if err := env.Parse(&hubCfg); err != nil {
		fmt.Fprintf(os.Stderr, "load agent config: %v\n", err)
		os.Exit(1)
	}
	if hubCfg.ServerURL == "" {
		fmt.Fprintln(os.Stderr, "FLEETWARDEN_HUB_URL is required")
		os.Exit(1)
	}
	if hubCfg.NodeID == "" {
		hostname, _ := os.Hostname()
		hubCfg.NodeID = hostname
	}

	var obsCfg agentObservabilityConfig
	env.Parse(&obsCfg)
	metrics := observability.NewRegistry()

	stateDir := getStateDir()
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "create state dir: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent := newAgent(logger, hubCfg, stateDir, metrics)
	agent.registerHandlers()
	go agent.runGC(ctx)

	if obsCfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", observability.HealthHandler(map[string]observability.HealthChecker{
			"hub_connection": func(ctx context.Context) error {
				if !agent.client.IsConnected() {
					return fmt.Errorf("not connected to hub")
				}
				return nil
			},
		}))
		srv := &http.Server{Addr: obsCfg.MetricsListen, Handler: mux}
		go srv.ListenAndServe()
	}

	if err := agent.client.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}
