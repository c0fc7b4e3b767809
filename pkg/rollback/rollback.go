// Package rollback is the controller-side counterpart to an agent's
// pkg/snapshot: it dispatches a rollback_command or rollback_batch event to
// the owning agent and correlates the eventual rollback_result /
// batch_rollback_result event back to the caller waiting on it. The
// correlation pattern (request-id keyed pending map, Dispatcher interface
// satisfied by *hub.Server) mirrors pkg/group's command-completion
// correlation, generalized to a request/response shape since a rollback has
// exactly one respondent rather than a per-device fan-out.
package rollback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwarden/fleetwarden/pkg/audit"
	"github.com/fleetwarden/fleetwarden/pkg/hub"
	"github.com/fleetwarden/fleetwarden/pkg/snapshot"
)

// DefaultTimeout bounds how long RollbackSnapshot/RollbackBatch wait for the
// agent's result event before giving up.
const DefaultTimeout = 60 * time.Second

// Dispatcher is the subset of *hub.Server the coordinator needs.
type Dispatcher interface {
	Send(ctx context.Context, nodeID string, eventType hub.EventType, payload any) error
	On(eventType hub.EventType, h hub.Handler)
}

type outcome struct {
	single *snapshot.RollbackResult
	batch  *snapshot.BatchRollbackResult
}

// Coordinator dispatches rollback requests to agents and waits for results.
type Coordinator struct {
	logger   *slog.Logger
	bus      Dispatcher
	auditLog *audit.Logger

	mu      sync.Mutex
	pending map[string]chan outcome

	metrics MetricsSink
}

// MetricsSink is the subset of *observability.Registry the coordinator
// reports to. Kept narrow, as in pkg/group, so tests can leave it nil.
type MetricsSink interface {
	IncRollbackOutcome(outcome string)
}

// SetMetrics wires a metrics sink into the coordinator. Optional: nil (the
// default) means no metrics are reported.
func (c *Coordinator) SetMetrics(m MetricsSink) { c.metrics = m }

// NewCoordinator builds a rollback coordinator and subscribes it to the
// agent→controller rollback result events.
func NewCoordinator(logger *slog.Logger, bus Dispatcher, auditLog *audit.Logger) *Coordinator {
	c := &Coordinator{
		logger:   logger,
		bus:      bus,
		auditLog: auditLog,
		pending:  make(map[string]chan outcome),
	}
	bus.On(hub.EventRollbackResult, c.handleSingleResult)
	bus.On(hub.EventBatchRollbackResult, c.handleBatchResult)
	return c
}

type singlePayload struct {
	RequestID string `json:"request_id"`
	snapshot.RollbackResult
}

type batchPayload struct {
	RequestID string `json:"request_id"`
	snapshot.BatchRollbackResult
}

func (c *Coordinator) handleSingleResult(peerID string, env hub.Envelope) {
	var p singlePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.logger.Error("malformed rollback_result payload", "peer", peerID, "error", err)
		return
	}
	c.deliver(p.RequestID, outcome{single: &p.RollbackResult})
}

func (c *Coordinator) handleBatchResult(peerID string, env hub.Envelope) {
	var p batchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.logger.Error("malformed batch_rollback_result payload", "peer", peerID, "error", err)
		return
	}
	c.deliver(p.RequestID, outcome{batch: &p.BatchRollbackResult})
}

func (c *Coordinator) deliver(requestID string, o outcome) {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("rollback result for unknown or already-resolved request", "request_id", requestID)
		return
	}
	ch <- o
}

func (c *Coordinator) register(requestID string) chan outcome {
	ch := make(chan outcome, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	return ch
}

func (c *Coordinator) unregister(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// RollbackSnapshot asks deviceID to restore one snapshot and waits up to
// timeout for the result. timeout <= 0 uses DefaultTimeout.
func (c *Coordinator) RollbackSnapshot(ctx context.Context, deviceID, snapshotID string, timeout time.Duration) (*snapshot.RollbackResult, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	requestID := uuid.NewString()
	ch := c.register(requestID)
	defer c.unregister(requestID)

	if c.auditLog != nil {
		c.auditLog.LogRollbackRequested(ctx, snapshotID, deviceID)
	}

	if err := c.bus.Send(ctx, deviceID, hub.EventRollbackCommand, map[string]any{
		"request_id":  requestID,
		"snapshot_id": snapshotID,
	}); err != nil {
		return nil, fmt.Errorf("rollback: dispatch to %s: %w", deviceID, err)
	}

	select {
	case o := <-ch:
		if o.single == nil {
			return nil, fmt.Errorf("rollback: device %s returned a batch result for a single-snapshot request", deviceID)
		}
		c.recordOutcome(ctx, snapshotID, deviceID, o.single.OK, o.single.Errors)
		return o.single, nil
	case <-time.After(timeout):
		c.recordOutcome(ctx, snapshotID, deviceID, false, []string{"timeout waiting for device"})
		return nil, fmt.Errorf("rollback: timed out waiting for device %s", deviceID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RollbackBatch asks deviceID to restore an entire snapshot batch, in
// reverse creation order, and waits up to timeout for the result.
func (c *Coordinator) RollbackBatch(ctx context.Context, deviceID, batchID string, timeout time.Duration) (*snapshot.BatchRollbackResult, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	requestID := uuid.NewString()
	ch := c.register(requestID)
	defer c.unregister(requestID)

	if c.auditLog != nil {
		c.auditLog.LogRollbackRequested(ctx, batchID, deviceID)
	}

	if err := c.bus.Send(ctx, deviceID, hub.EventRollbackBatch, map[string]any{
		"request_id": requestID,
		"batch_id":   batchID,
	}); err != nil {
		return nil, fmt.Errorf("rollback: dispatch to %s: %w", deviceID, err)
	}

	select {
	case o := <-ch:
		if o.batch == nil {
			return nil, fmt.Errorf("rollback: device %s returned a single result for a batch request", deviceID)
		}
		c.recordOutcome(ctx, batchID, deviceID, o.batch.OK, nil)
		return o.batch, nil
	case <-time.After(timeout):
		c.recordOutcome(ctx, batchID, deviceID, false, []string{"timeout waiting for device"})
		return nil, fmt.Errorf("rollback: timed out waiting for device %s", deviceID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) recordOutcome(ctx context.Context, id, deviceID string, ok bool, errs []string) {
	if c.metrics != nil {
		outcome := "failure"
		if ok {
			outcome = "success"
		}
		c.metrics.IncRollbackOutcome(outcome)
	}
	if c.auditLog == nil {
		return
	}
	msg := ""
	if len(errs) > 0 {
		msg = strings.Join(errs, "; ")
	}
	c.auditLog.LogRollbackCompleted(ctx, id, deviceID, ok, msg)
}
