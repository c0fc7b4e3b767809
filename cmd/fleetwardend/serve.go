package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/fleetwarden/fleetwarden/pkg/audit"
	"github.com/fleetwarden/fleetwarden/pkg/controlapi"
	"github.com/fleetwarden/fleetwarden/pkg/fleet"
	"github.com/fleetwarden/fleetwarden/pkg/group"
	"github.com/fleetwarden/fleetwarden/pkg/hub"
	"github.com/fleetwarden/fleetwarden/pkg/observability"
	"github.com/fleetwarden/fleetwarden/pkg/rollback"
	"github.com/fleetwarden/fleetwarden/pkg/schedule"
)

// apiConfig holds the control API's own listener settings, loaded the same
// env-tagged way hub.ServerConfig/hub.AgentConfig already are.
type apiConfig struct {
	ListenAddr  string `env:"FLEETWARDEN_API_LISTEN" envDefault:":8080"`
	AuthToken   string `env:"FLEETWARDEN_HUB_TOKEN"`
	StoreBackend string `env:"FLEETWARDEN_STORE_BACKEND" envDefault:"memory"`
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hub (agent-facing) and control API (operator-facing) listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	logger := newLogger()
	stateDir := getStateDir()
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	var hubCfg hub.ServerConfig
	if err := env.Parse(&hubCfg); err != nil {
		return fmt.Errorf("load hub config: %w", err)
	}
	var apiCfg apiConfig
	if err := env.Parse(&apiCfg); err != nil {
		return fmt.Errorf("load api config: %w", err)
	}

	roster, err := fleet.NewStore(fleet.StoreConfig{Backend: apiCfg.StoreBackend, DataDir: stateDir}, logger)
	if err != nil {
		return fmt.Errorf("open fleet store: %w", err)
	}
	defer roster.Close()
	nodeMgr := fleet.NewNodeManager(roster, logger)

	auditStore := audit.NewFileStore(filepath.Join(stateDir, "audit"))
	auditLog := audit.NewLogger(auditStore, "fleetwardend")

	metrics := observability.NewRegistry()

	hubServer := hub.NewServer(hubCfg, apiCfg.AuthToken, logger)
	hubServer.OnConnect(func(nodeID string) { metrics.ConnectedAgents.Inc() })
	hubServer.OnDisconnect(func(nodeID string) { metrics.ConnectedAgents.Dec() })

	queue := group.NewMemoryQueue()
	groupExec := group.NewExecutor(logger, hubServer, queue, auditLog, 5*time.Minute)
	groupExec.SetMetrics(metrics)

	scheduleStore := schedule.NewMemoryStore()
	scheduler := schedule.NewScheduler(logger, scheduleStore, roster, groupExec, nil, auditLog)
	scheduler.SetMetrics(metrics)

	rollbackCoord := rollback.NewCoordinator(logger, hubServer, auditLog)
	rollbackCoord.SetMetrics(metrics)

	api := controlapi.New(controlapi.Deps{
		Logger:    logger,
		Roster:    roster,
		NodeMgr:   nodeMgr,
		GroupExec: groupExec,
		Rollback:  rollbackCoord,
		Scheduler: scheduler,
		Metrics:   metrics,
	})

	mux := api.Mux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", observability.HealthHandler(map[string]observability.HealthChecker{
		"fleet_store": func(ctx context.Context) error { _, err := roster.ListNodes(ctx); return err },
	}))

	apiSrv := &http.Server{Addr: apiCfg.ListenAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go nodeMgr.RunGC(ctx)
	go func() {
		if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("scheduler stopped", "error", err)
		}
	}()
	go func() {
		logger.Info("control api listening", "addr", apiCfg.ListenAddr)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control api listener failed", "error", err)
		}
	}()

	hubErrCh := make(chan error, 1)
	go func() { hubErrCh <- hubServer.Start(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-hubErrCh:
		if err != nil {
			logger.Error("hub listener failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	apiSrv.Shutdown(shutdownCtx)
	hubServer.Stop(shutdownCtx)
	return nil
}
