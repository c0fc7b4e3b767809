package group

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwarden/fleetwarden/pkg/fleet"
)

// pollInterval is the batch executor's step-state polling cadence (spec §5:
// 1 Hz).
const pollInterval = time.Second

// BatchRequest is the input to ExecuteBatchSequential.
type BatchRequest struct {
	GroupID       string
	GroupName     string
	Devices       []*fleet.Node
	Commands      []string
	Shell         string
	StopOnFailure bool
}

// ExecuteBatchSequential runs Commands one after another across the same
// device set, returning the batch_id immediately. Step i+1 is not dispatched
// until step i reaches a terminal aggregate status or times out.
func (ex *Executor) ExecuteBatchSequential(ctx context.Context, req BatchRequest) (string, error) {
	batch := &BatchExecution{
		BatchID:       uuid.NewString(),
		GroupID:       req.GroupID,
		GroupName:     req.GroupName,
		Commands:      req.Commands,
		Shell:         req.Shell,
		StopOnFailure: req.StopOnFailure,
		CurrentIndex:  -1,
		Status:        StatusRunning,
		StartedAt:     time.Now(),
	}

	ex.mu.Lock()
	ex.batches[batch.BatchID] = batch
	ex.mu.Unlock()

	ex.logger.Info("batch execution started", "batch_id", batch.BatchID, "group_id", req.GroupID, "steps", len(req.Commands))
	if ex.metrics != nil {
		ex.metrics.IncInFlightBatches()
	}

	go ex.runBatch(ctx, batch, req.Devices)

	return batch.BatchID, nil
}

func (ex *Executor) runBatch(ctx context.Context, batch *BatchExecution, devices []*fleet.Node) {
	var lastStatus Status = StatusCompleted
	var worstStatus Status = StatusCompleted

	for i, cmd := range batch.Commands {
		ex.mu.Lock()
		cancelled := batch.Cancelled
		ex.mu.Unlock()
		if cancelled {
			break
		}

		ex.mu.Lock()
		batch.CurrentIndex = i
		ex.mu.Unlock()

		execID, err := ex.ExecuteGroupCommand(ctx, GroupCommandRequest{
			GroupID:   batch.GroupID,
			GroupName: batch.GroupName,
			Devices:   devices,
			Command:   cmd,
			Shell:     batch.Shell,
			Strategy:  "batch",
		})
		if err != nil {
			ex.logger.Error("batch step dispatch failed", "batch_id", batch.BatchID, "step", i, "error", err)
			lastStatus = StatusFailed
			worstStatus = mostSevere(worstStatus, StatusFailed)
			if batch.StopOnFailure {
				break
			}
			continue
		}

		ex.mu.Lock()
		batch.Steps = append(batch.Steps, execID)
		ex.mu.Unlock()

		lastStatus = ex.awaitTerminal(ctx, execID, ex.stepTimeout)
		worstStatus = mostSevere(worstStatus, lastStatus)

		if batch.StopOnFailure && lastStatus == StatusFailed {
			ex.logger.Info("batch stopping on total failure", "batch_id", batch.BatchID, "step", i)
			if ex.metrics != nil {
				ex.metrics.IncBatchStepsStopped()
			}
			break
		}
	}

	ex.mu.Lock()
	if lastStatus == StatusCompleted {
		batch.Status = StatusCompleted
	} else {
		batch.Status = worstStatus
	}
	batch.EndedAt = time.Now()
	ex.mu.Unlock()

	ex.logger.Info("batch execution terminal", "batch_id", batch.BatchID, "status", batch.Status, "steps_run", len(batch.Steps))
	if ex.auditLog != nil {
		ex.auditLog.LogBatchCompleted(context.Background(), batch.BatchID, batch.GroupID, string(batch.Status), len(batch.Steps))
	}
	if ex.metrics != nil {
		ex.metrics.DecInFlightBatches()
	}
}

// awaitTerminal polls executionID at 1 Hz until it reaches a terminal
// aggregate status or timeout elapses; a timeout forces every still-running
// device in that execution to failed ("agent_not_connected" if its agent is
// no longer connected, "timeout" otherwise) and returns StatusFailed.
func (ex *Executor) awaitTerminal(ctx context.Context, executionID string, timeout time.Duration) Status {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if exec, ok := ex.GetExecution(executionID); ok && isTerminalStatus(exec.Status) {
			return exec.Status
		}

		select {
		case <-ctx.Done():
			ex.timeoutExecution(executionID)
			return StatusFailed
		case <-ticker.C:
			if time.Now().After(deadline) {
				ex.timeoutExecution(executionID)
				return StatusFailed
			}
		}
	}
}

func (ex *Executor) timeoutExecution(executionID string) {
	ex.mu.Lock()
	execution, ok := ex.executions[executionID]
	if !ok {
		ex.mu.Unlock()
		return
	}
	var stillRunning []fleet.NodeID
	for id, dr := range execution.Devices {
		if dr.Status == StatusPending || dr.Status == StatusRunning {
			stillRunning = append(stillRunning, id)
		}
	}
	ex.mu.Unlock()

	for _, id := range stillRunning {
		reason := "timeout"
		if !ex.bus.IsConnected(string(id)) {
			reason = "agent_not_connected"
		}
		ex.failDevice(execution, id, reason)
	}
}

func isTerminalStatus(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPartialSuccess
}

// mostSevere orders terminal statuses failed > partial_success > completed,
// used to compute a batch's overall status when the last step wasn't the
// worst one observed.
func mostSevere(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusFailed:
			return 2
		case StatusPartialSuccess:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// CancelBatch flips the cancellation flag consulted between steps; already-
// started steps run to completion (spec §4.6/§5).
func (ex *Executor) CancelBatch(batchID string) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	b, ok := ex.batches[batchID]
	if !ok {
		return ErrBatchNotFound
	}
	b.Cancelled = true
	return nil
}

// GetBatch returns a defensive copy of one batch's current state.
func (ex *Executor) GetBatch(batchID string) (*BatchExecution, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	b, ok := ex.batches[batchID]
	if !ok {
		return nil, ErrBatchNotFound
	}
	cp := *b
	cp.Steps = append([]string{}, b.Steps...)
	cp.Commands = append([]string{}, b.Commands...)
	return &cp, nil
}
