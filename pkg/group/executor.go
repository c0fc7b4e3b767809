// Package group fans a command, or an ordered sequence of commands, across
// every device in a target set, aggregates per-device outcomes into one
// execution record, and sequences batch steps only after the prior step
// reaches a terminal state on enough devices. It is the controller-side
// counterpart to pkg/agentrun's per-agent dispatch.
package group

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwarden/fleetwarden/pkg/audit"
	"github.com/fleetwarden/fleetwarden/pkg/fleet"
	"github.com/fleetwarden/fleetwarden/pkg/hub"
	"github.com/fleetwarden/fleetwarden/pkg/resilience"
)

// DefaultStepTimeout is the per-command step timeout in the batch executor
// (spec §5, configurable).
const DefaultStepTimeout = 300 * time.Second

// Dispatcher is the subset of *hub.Server the executor needs: addressing a
// specific agent's room, checking its live transport binding, and
// subscribing to agent→controller completion events. *hub.Server satisfies
// this directly; tests substitute a fake.
type Dispatcher interface {
	Send(ctx context.Context, nodeID string, eventType hub.EventType, payload any) error
	IsConnected(nodeID string) bool
	On(eventType hub.EventType, h hub.Handler)
}

// completedPayload mirrors the agent→controller deployment_command_completed
// event body (spec §6).
type completedPayload struct {
	CommandID  string `json:"command_id"`
	Success    bool   `json:"success"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	SnapshotID string `json:"snapshot_id,omitempty"`
}

type commandRef struct {
	executionID string
	deviceID    fleet.NodeID
}

// Executor runs group command executions and sequential batches entirely in
// the controller process (C7), backed by a durable command queue (C8).
type Executor struct {
	logger      *slog.Logger
	bus         Dispatcher
	queue       Queue
	auditLog    *audit.Logger
	stepTimeout time.Duration

	mu         sync.Mutex
	executions map[string]*GroupExecution
	batches    map[string]*BatchExecution
	pending    map[string]commandRef // command_id -> owning execution/device

	breakersMu sync.Mutex
	breakers   map[fleet.NodeID]*resilience.CircuitBreaker

	metrics MetricsSink
}

// MetricsSink is the subset of *observability.Registry the executor and its
// batch runner report to. Kept as a narrow interface (rather than importing
// pkg/observability directly) so tests can leave it nil; every call site is
// nil-checked.
type MetricsSink interface {
	IncGroupExecutionStatus(status string)
	IncInFlightGroupExec()
	DecInFlightGroupExec()
	IncBatchStepsStopped()
	IncInFlightBatches()
	DecInFlightBatches()
}

// SetMetrics wires a metrics sink into the executor. Optional: nil (the
// default) means no metrics are reported.
func (ex *Executor) SetMetrics(m MetricsSink) { ex.metrics = m }

// breakerFor returns the per-device circuit breaker guarding hub dispatch to
// that agent, opening after repeated send failures so a single unreachable
// device stops eating dispatch latency on every fan-out that targets it.
func (ex *Executor) breakerFor(deviceID fleet.NodeID) *resilience.CircuitBreaker {
	ex.breakersMu.Lock()
	defer ex.breakersMu.Unlock()
	cb, ok := ex.breakers[deviceID]
	if !ok {
		cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "hub-dispatch-" + string(deviceID),
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
		})
		ex.breakers[deviceID] = cb
	}
	return cb
}

// NewExecutor builds a group command executor and subscribes it to
// deployment_command_completed events on bus.
func NewExecutor(logger *slog.Logger, bus Dispatcher, queue Queue, auditLog *audit.Logger, stepTimeout time.Duration) *Executor {
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	ex := &Executor{
		logger:      logger,
		bus:         bus,
		queue:       queue,
		auditLog:    auditLog,
		stepTimeout: stepTimeout,
		executions:  make(map[string]*GroupExecution),
		batches:     make(map[string]*BatchExecution),
		pending:     make(map[string]commandRef),
		breakers:    make(map[fleet.NodeID]*resilience.CircuitBreaker),
	}
	bus.On(hub.EventDeploymentCommandCompleted, ex.handleCompletion)
	return ex
}

// GroupCommandRequest is the input to ExecuteGroupCommand.
type GroupCommandRequest struct {
	GroupID   string
	GroupName string
	Devices   []*fleet.Node
	Command   string
	Shell     string
	Strategy  string
}

// ExecuteGroupCommand fans command out to every device, returning the newly
// allocated execution_id immediately; per-device outcomes arrive
// asynchronously via handleCompletion.
func (ex *Executor) ExecuteGroupCommand(ctx context.Context, req GroupCommandRequest) (string, error) {
	if len(req.Devices) == 0 {
		return "", fmt.Errorf("group: execute_group_command requires at least one device")
	}

	now := time.Now()
	execution := &GroupExecution{
		ExecutionID: uuid.NewString(),
		GroupID:     req.GroupID,
		GroupName:   req.GroupName,
		Command:     req.Command,
		Shell:       req.Shell,
		Strategy:    req.Strategy,
		Status:      StatusRunning,
		Total:       len(req.Devices),
		Devices:     make(map[fleet.NodeID]*DeviceResult, len(req.Devices)),
		StartedAt:   now,
	}
	for _, d := range req.Devices {
		execution.Devices[d.ID] = &DeviceResult{
			DeviceID:   d.ID,
			DeviceName: d.Hostname,
			Status:     StatusPending,
			StartedAt:  now,
		}
	}

	ex.mu.Lock()
	ex.executions[execution.ExecutionID] = execution
	ex.mu.Unlock()

	if ex.metrics != nil {
		ex.metrics.IncInFlightGroupExec()
	}

	ex.logger.Info("group execution started", "execution_id", execution.ExecutionID,
		"group_id", req.GroupID, "devices", len(req.Devices), "command", req.Command)

	for _, d := range req.Devices {
		go ex.dispatchToDevice(ctx, execution, d)
	}

	return execution.ExecutionID, nil
}

func (ex *Executor) dispatchToDevice(ctx context.Context, execution *GroupExecution, device *fleet.Node) {
	if !ex.bus.IsConnected(string(device.ID)) {
		ex.failDevice(execution, device.ID, "agent_not_connected")
		return
	}
	if ex.breakerFor(device.ID).State() == resilience.CircuitOpen {
		ex.failDevice(execution, device.ID, "circuit_open")
		return
	}

	commandID := uuid.NewString()
	inv := &CommandInvocation{
		CommandID:        commandID,
		AgentID:          device.ID,
		Shell:            execution.Shell,
		Command:          execution.Command,
		Strategy:         execution.Strategy,
		Status:           InvocationRunning,
		CreatedAt:        time.Now(),
		StartedAt:        time.Now(),
		GroupExecutionID: execution.ExecutionID,
	}
	if err := ex.queue.Create(ctx, inv); err != nil {
		ex.logger.Error("command queue create failed", "command_id", commandID, "error", err)
	}

	ex.mu.Lock()
	execution.Devices[device.ID].CommandID = commandID
	execution.Devices[device.ID].Status = StatusRunning
	ex.pending[commandID] = commandRef{executionID: execution.ExecutionID, deviceID: device.ID}
	ex.mu.Unlock()

	payload := map[string]any{
		"command_id":      commandID,
		"command":         execution.Command,
		"shell":           execution.Shell,
		"execution_id":    execution.ExecutionID,
		"group_execution": true,
	}
	err := ex.breakerFor(device.ID).Execute(func() error {
		return ex.bus.Send(ctx, string(device.ID), hub.EventExecuteDeploymentCommand, payload)
	})
	if err != nil {
		ex.logger.Warn("dispatch to device failed, marking unreachable", "device_id", device.ID, "error", err)
		ex.mu.Lock()
		delete(ex.pending, commandID)
		ex.mu.Unlock()
		inv.Status = InvocationFailed
		inv.Error = "agent_not_connected"
		inv.CompletedAt = time.Now()
		ex.queue.Update(ctx, inv)
		ex.failDevice(execution, device.ID, "agent_not_connected")
	}
}

// failDevice marks one device terminally failed (used for both connectivity
// failure at dispatch time and step-timeout in the batch executor) and
// re-evaluates the enclosing execution's termination.
func (ex *Executor) failDevice(execution *GroupExecution, deviceID fleet.NodeID, reason string) {
	ex.mu.Lock()
	dr := execution.Devices[deviceID]
	if dr.Status == StatusCompleted || dr.Status == StatusFailed {
		ex.mu.Unlock()
		return
	}
	dr.Status = StatusFailed
	dr.Error = reason
	dr.EndedAt = time.Now()
	execution.Failed++
	terminal := ex.maybeFinishLocked(execution)
	ex.mu.Unlock()

	var inv *CommandInvocation
	if dr.CommandID != "" {
		if got, err := ex.queue.Get(context.Background(), dr.CommandID); err == nil {
			inv = got
		}
	}
	if inv != nil {
		inv.Status = InvocationFailed
		inv.Error = reason
		inv.CompletedAt = time.Now()
		ex.queue.Update(context.Background(), inv)
	} else {
		// Mirror entry so the failure is visible even when no dispatch
		// attempt ever created a queue row (spec §4.6 step 3).
		mirror := &CommandInvocation{
			CommandID:        fmt.Sprintf("%s-%s", execution.ExecutionID, deviceID),
			AgentID:          deviceID,
			Shell:            execution.Shell,
			Command:          execution.Command,
			Status:           InvocationFailed,
			CreatedAt:        time.Now(),
			CompletedAt:      time.Now(),
			Error:            reason,
			GroupExecutionID: execution.ExecutionID,
		}
		ex.queue.Create(context.Background(), mirror)
	}

	if terminal {
		ex.onExecutionTerminal(execution)
	}
}

func (ex *Executor) handleCompletion(peerID string, env hub.Envelope) {
	var p completedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		ex.logger.Error("malformed deployment_command_completed payload", "peer", peerID, "error", err)
		return
	}

	ex.mu.Lock()
	ref, ok := ex.pending[p.CommandID]
	if ok {
		delete(ex.pending, p.CommandID)
	}
	ex.mu.Unlock()
	if !ok {
		ex.logger.Debug("completion for unknown or already-terminal command", "command_id", p.CommandID)
		return
	}

	ctx := context.Background()
	if inv, err := ex.queue.Get(ctx, p.CommandID); err == nil {
		inv.Output = p.Output
		inv.Error = p.Error
		inv.SnapshotID = p.SnapshotID
		inv.CompletedAt = time.Now()
		if p.Success {
			inv.Status = InvocationCompleted
		} else {
			inv.Status = InvocationFailed
		}
		ex.queue.Update(ctx, inv)
	}

	ex.mu.Lock()
	execution, ok := ex.executions[ref.executionID]
	if !ok {
		ex.mu.Unlock()
		return
	}
	dr := execution.Devices[ref.deviceID]
	if dr.Status == StatusCompleted || dr.Status == StatusFailed {
		ex.mu.Unlock()
		return
	}
	dr.Output = p.Output
	dr.Error = p.Error
	dr.SnapshotID = p.SnapshotID
	dr.EndedAt = time.Now()
	if p.Success {
		dr.Status = StatusCompleted
		execution.Successful++
	} else {
		dr.Status = StatusFailed
		execution.Failed++
	}
	terminal := ex.maybeFinishLocked(execution)
	ex.mu.Unlock()

	if terminal {
		ex.onExecutionTerminal(execution)
	}
}

// maybeFinishLocked evaluates the termination rule (spec §4.6) and, if the
// execution just reached a terminal aggregate, stamps it. Caller must hold
// ex.mu.
func (ex *Executor) maybeFinishLocked(execution *GroupExecution) bool {
	if execution.Successful+execution.Failed < execution.Total {
		return false
	}
	if execution.Status == StatusCompleted || execution.Status == StatusFailed || execution.Status == StatusPartialSuccess {
		return false // already finished
	}
	switch {
	case execution.Failed == 0:
		execution.Status = StatusCompleted
	case execution.Successful == 0:
		execution.Status = StatusFailed
	default:
		execution.Status = StatusPartialSuccess
	}
	execution.EndedAt = time.Now()
	return true
}

func (ex *Executor) onExecutionTerminal(execution *GroupExecution) {
	ex.logger.Info("group execution terminal", "execution_id", execution.ExecutionID,
		"status", execution.Status, "successful", execution.Successful, "failed", execution.Failed, "total", execution.Total)
	if ex.auditLog != nil {
		ex.auditLog.LogGroupExecutionCompleted(context.Background(), execution.ExecutionID, execution.GroupID, string(execution.Status),
			execution.Total, execution.Successful, execution.Failed)
	}
	if ex.metrics != nil {
		ex.metrics.IncGroupExecutionStatus(string(execution.Status))
		ex.metrics.DecInFlightGroupExec()
	}
}

// GetExecution returns a defensive copy of one execution's current state.
func (ex *Executor) GetExecution(executionID string) (*GroupExecution, bool) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	e, ok := ex.executions[executionID]
	if !ok {
		return nil, false
	}
	return cloneExecution(e), true
}

func cloneExecution(e *GroupExecution) *GroupExecution {
	cp := *e
	cp.Devices = make(map[fleet.NodeID]*DeviceResult, len(e.Devices))
	for id, dr := range e.Devices {
		drCopy := *dr
		cp.Devices[id] = &drCopy
	}
	return &cp
}
