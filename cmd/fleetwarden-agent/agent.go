package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fleetwarden/fleetwarden/pkg/agentrun"
	"github.com/fleetwarden/fleetwarden/pkg/hub"
	"github.com/fleetwarden/fleetwarden/pkg/observability"
	"github.com/fleetwarden/fleetwarden/pkg/snapshot"
)

// agent wires a hub.AgentClient to this device's shell supervisor, command
// executor, and snapshot engine, translating controller→agent events into
// calls on those packages and their results back into agent→controller
// events.
type agent struct {
	logger    *slog.Logger
	client    *hub.AgentClient
	executor  *agentrun.Executor
	snapshots *snapshot.Engine
	metrics   *observability.Registry
}

func newAgent(logger *slog.Logger, cfg hub.AgentConfig, stateDir string, metrics *observability.Registry) *agent {
	client := hub.NewAgentClient(cfg, logger)
	client.OnReconnectAttempt(func() { metrics.HubReconnects.Inc() })

	snapEngine := snapshot.NewEngine(logger, filepath.Join(stateDir, "snapshots"))
	snapEngine.SetMetrics(metrics)
	if err := snapEngine.Recover(); err != nil {
		logger.Warn("snapshot recovery failed", "error", err)
	}

	a := &agent{
		logger:    logger,
		client:    client,
		snapshots: snapEngine,
		metrics:   metrics,
	}
	a.executor = agentrun.NewExecutor(logger, snapEngine, true, a.forwardOutput)
	return a
}

func (a *agent) forwardOutput(sessionID, chunk string) {
	ctx := context.Background()
	if err := a.client.Send(ctx, hub.EventCommandOutput, map[string]any{
		"session_id": sessionID,
		"output":     chunk,
	}); err != nil {
		a.logger.Debug("forward output failed", "session_id", sessionID, "error", err)
	}
}

// runGC starts the snapshot retention sweep in the background until ctx is
// cancelled. Uses the engine's documented default cadence (24h max age, 1h
// interval).
func (a *agent) runGC(ctx context.Context) {
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()
	a.snapshots.RunGC(stop, 0, 0)
}

func (a *agent) registerHandlers() {
	a.client.On(hub.EventStartShellRequest, a.handleStartShell)
	a.client.On(hub.EventStopShellRequest, a.handleStopShell)
	a.client.On(hub.EventCommandInput, a.handleCommandInput)
	a.client.On(hub.EventExecuteDeploymentCommand, a.handleExecuteDeploymentCommand)
	a.client.On(hub.EventRollbackCommand, a.handleRollbackCommand)
	a.client.On(hub.EventRollbackBatch, a.handleRollbackBatch)
}

type startShellPayload struct {
	SessionID string `json:"session_id"`
	Shell     string `json:"shell"`
}

func (a *agent) handleStartShell(peerID string, env hub.Envelope) {
	var p startShellPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		a.logger.Error("malformed start_shell_request", "error", err)
		return
	}
	ctx := context.Background()
	if _, err := a.executor.Supervisor().Start(p.SessionID, p.Shell); err != nil {
		a.client.Send(ctx, hub.EventShellStarted, map[string]any{
			"session_id": p.SessionID,
			"error":      err.Error(),
		})
		return
	}
	a.client.Send(ctx, hub.EventShellStarted, map[string]any{"session_id": p.SessionID})
}

type stopShellPayload struct {
	SessionID string `json:"session_id"`
}

func (a *agent) handleStopShell(peerID string, env hub.Envelope) {
	var p stopShellPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		a.logger.Error("malformed stop_shell_request", "error", err)
		return
	}
	ctx := context.Background()
	err := a.executor.Supervisor().Stop(p.SessionID)
	payload := map[string]any{"session_id": p.SessionID}
	if err != nil {
		payload["error"] = err.Error()
	}
	a.client.Send(ctx, hub.EventShellStopped, payload)
}

type commandInputPayload struct {
	SessionID string `json:"session_id"`
	Text      string `json:"command"`
}

func (a *agent) handleCommandInput(peerID string, env hub.Envelope) {
	var p commandInputPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		a.logger.Error("malformed command_input", "error", err)
		return
	}
	if err := a.executor.Supervisor().Execute(p.SessionID, p.Text); err != nil {
		a.logger.Warn("interactive input failed", "session_id", p.SessionID, "error", err)
	}
}

type executeDeploymentCommandPayload struct {
	CommandID  string `json:"command_id"`
	Command    string `json:"command"`
	Shell      string `json:"shell"`
	WorkingDir string `json:"working_dir"`
}

func (a *agent) handleExecuteDeploymentCommand(peerID string, env hub.Envelope) {
	var p executeDeploymentCommandPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		a.logger.Error("malformed execute_deployment_command", "error", err)
		return
	}

	sessionID := p.Shell
	if sessionID == "" {
		sessionID = "default"
	}
	if _, err := a.executor.Supervisor().Get(sessionID); err != nil {
		if _, startErr := a.executor.Supervisor().Start(sessionID, ""); startErr != nil {
			a.reportDeploymentFailure(p.CommandID, fmt.Sprintf("start session: %v", startErr))
			return
		}
	}

	result, err := a.executor.Execute(sessionID, p.CommandID, p.Command, p.WorkingDir)
	if err != nil {
		a.reportDeploymentFailure(p.CommandID, err.Error())
		return
	}
	if result.SnapshotID != "" {
		a.metrics.SnapshotsCreated.Inc()
	}
	outcome := "failure"
	if result.Success {
		outcome = "success"
	}
	a.metrics.CommandOutcomes.WithLabelValues(outcome).Inc()

	a.client.Send(context.Background(), hub.EventDeploymentCommandCompleted, result)
}

func (a *agent) reportDeploymentFailure(commandID, errMsg string) {
	a.metrics.CommandOutcomes.WithLabelValues("failure").Inc()
	a.client.Send(context.Background(), hub.EventDeploymentCommandCompleted, map[string]any{
		"command_id": commandID,
		"success":    false,
		"error":      errMsg,
	})
}

type rollbackCommandPayload struct {
	RequestID  string `json:"request_id"`
	SnapshotID string `json:"snapshot_id"`
}

func (a *agent) handleRollbackCommand(peerID string, env hub.Envelope) {
	var p rollbackCommandPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		a.logger.Error("malformed rollback_command", "error", err)
		return
	}
	result, err := a.snapshots.RollbackSnapshot(p.SnapshotID)
	if err != nil {
		result = snapshot.RollbackResult{SnapshotID: p.SnapshotID, OK: false, Errors: []string{err.Error()}}
	}
	outcome := "failure"
	if result.OK {
		outcome = "success"
	}
	a.metrics.RollbackOutcomes.WithLabelValues(outcome).Inc()

	a.client.Send(context.Background(), hub.EventRollbackResult, struct {
		RequestID string `json:"request_id"`
		snapshot.RollbackResult
	}{RequestID: p.RequestID, RollbackResult: result})
}

type rollbackBatchPayload struct {
	RequestID string `json:"request_id"`
	BatchID   string `json:"batch_id"`
}

func (a *agent) handleRollbackBatch(peerID string, env hub.Envelope) {
	var p rollbackBatchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		a.logger.Error("malformed rollback_batch", "error", err)
		return
	}
	result, err := a.snapshots.RollbackBatch(p.BatchID)
	if err != nil {
		result = snapshot.BatchRollbackResult{BatchID: p.BatchID, OK: false}
	}
	outcome := "failure"
	if result.OK {
		outcome = "success"
	}
	a.metrics.RollbackOutcomes.WithLabelValues(outcome).Inc()

	a.client.Send(context.Background(), hub.EventBatchRollbackResult, struct {
		RequestID string `json:"request_id"`
		snapshot.BatchRollbackResult
	}{RequestID: p.RequestID, BatchRollbackResult: result})
}
