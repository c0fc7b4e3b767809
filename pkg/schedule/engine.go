package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetwarden/fleetwarden/pkg/audit"
	"github.com/fleetwarden/fleetwarden/pkg/fleet"
	"github.com/fleetwarden/fleetwarden/pkg/group"
)

// maxConcurrentInstances caps how many firings of the same task may be
// in flight at once (mirrors APScheduler's job_defaults max_instances=3 in
// the original controller).
const maxConcurrentInstances = 3

// misfireGrace is how late a missed fire may still run rather than being
// coalesced into the next regular fire.
const misfireGrace = 5 * time.Minute

// pollCadence is how often the scheduler checks pending tasks for due fires.
const pollCadence = 15 * time.Second

// awaitPollCadence is how often a fired task's downstream execution/batch is
// polled for a terminal state.
const awaitPollCadence = 2 * time.Second

// singleCommandTimeout/batchTimeout bound how long a fire waits for its
// downstream execution/batch to reach a terminal state before the task
// itself is marked failed.
const (
	singleCommandTimeout = 300 * time.Second
	batchTimeout         = 600 * time.Second
)

// GroupRunner is the subset of *group.Executor the scheduler needs to fire
// command tasks. *group.Executor satisfies this directly.
type GroupRunner interface {
	ExecuteGroupCommand(ctx context.Context, req group.GroupCommandRequest) (string, error)
	ExecuteBatchSequential(ctx context.Context, req group.BatchRequest) (string, error)
	GetExecution(executionID string) (*group.GroupExecution, bool)
	GetBatch(batchID string) (*group.BatchExecution, error)
}

// DeploymentHandoff dispatches software/file deployment tasks to the
// (out-of-scope) deployment subsystem. The scheduler records only the
// returned deployment id and does not wait for deployment completion.
type DeploymentHandoff interface {
	DeploySoftware(ctx context.Context, devices []*fleet.Node, payload DeploymentPayload) (deploymentID string, err error)
	DeployFiles(ctx context.Context, devices []*fleet.Node, payload DeploymentPayload) (deploymentID string, err error)
}

// Scheduler triggers group command executions and deployment handoffs at
// future or recurring times (spec §4.9). It resolves each fire's target
// devices against the live fleet roster, so group/label membership changes
// between fires are always honored.
type Scheduler struct {
	logger   *slog.Logger
	store    Store
	roster   fleet.Store
	runner   GroupRunner
	deploy   DeploymentHandoff
	auditLog *audit.Logger

	mu       sync.Mutex
	inflight map[string]int // task_id -> concurrent firing count

	metrics ScheduleMetricsSink
}

// ScheduleMetricsSink is the subset of *observability.Registry the
// scheduler reports to. A narrow interface, as in pkg/group, so tests can
// leave it nil.
type ScheduleMetricsSink interface {
	IncScheduleFire(taskType string)
}

// SetMetrics wires a metrics sink into the scheduler. Optional: nil (the
// default) means no metrics are reported.
func (s *Scheduler) SetMetrics(m ScheduleMetricsSink) { s.metrics = m }

// NewScheduler builds a scheduler. deploy may be nil if no deployment
// subsystem is wired; software_deploy/file_deploy tasks then fail at fire
// time with a clear error.
func NewScheduler(logger *slog.Logger, store Store, roster fleet.Store, runner GroupRunner, deploy DeploymentHandoff, auditLog *audit.Logger) *Scheduler {
	return &Scheduler{
		logger:   logger,
		store:    store,
		roster:   roster,
		runner:   runner,
		deploy:   deploy,
		auditLog: auditLog,
		inflight: make(map[string]int),
	}
}

// CreateTask validates and persists a new task, computing its first
// NextExecution.
func (s *Scheduler) CreateTask(ctx context.Context, task *Task) error {
	if task.Recurrence.Kind == RecurrenceOnce && !task.Recurrence.At.After(time.Now()) {
		return ErrOnceInPast
	}
	next, err := nextFireTime(task.Recurrence, time.Now())
	if err != nil {
		return err
	}
	task.NextExecution = next
	if task.Status == "" {
		task.Status = TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	return s.store.Create(ctx, task)
}

// ListTasks returns every scheduled task.
func (s *Scheduler) ListTasks(ctx context.Context) ([]*Task, error) {
	return s.store.List(ctx)
}

// GetTask returns one scheduled task by id.
func (s *Scheduler) GetTask(ctx context.Context, taskID string) (*Task, error) {
	return s.store.Get(ctx, taskID)
}

// PauseTask stops a pending task from firing until resumed.
func (s *Scheduler) PauseTask(ctx context.Context, taskID string) error {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	task.Status = TaskPaused
	return s.store.Update(ctx, task)
}

// ResumeTask returns a paused task to pending, recomputing NextExecution
// from now so a long pause doesn't trigger an immediate burst of missed
// recurring fires.
func (s *Scheduler) ResumeTask(ctx context.Context, taskID string) error {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != TaskPaused {
		return ErrNotPaused
	}
	next, err := nextFireTime(task.Recurrence, time.Now())
	if err != nil {
		return err
	}
	task.Status = TaskPending
	task.NextExecution = next
	return s.store.Update(ctx, task)
}

// CancelTask permanently stops a task from firing again.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) error {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	task.Status = TaskCancelled
	task.NextExecution = time.Time{}
	return s.store.Update(ctx, task)
}

// RetryTask moves a failed task back to pending with a fresh NextExecution,
// for operator-triggered retry of a failed once-task or a recurring task
// parked because its next fire time could not be computed.
func (s *Scheduler) RetryTask(ctx context.Context, taskID string) error {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != TaskFailed {
		return fmt.Errorf("schedule: retry requires a failed task, got %s", task.Status)
	}
	next, err := nextFireTime(task.Recurrence, time.Now())
	if err != nil {
		return err
	}
	task.Status = TaskPending
	task.NextExecution = next
	return s.store.Update(ctx, task)
}

// Run polls for due tasks at pollCadence until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	tasks, err := s.store.List(ctx)
	if err != nil {
		s.logger.Error("schedule: list tasks failed", "error", err)
		return
	}

	now := time.Now()
	for _, task := range tasks {
		if task.Status != TaskPending {
			continue
		}
		if task.NextExecution.IsZero() || task.NextExecution.After(now) {
			continue
		}
		if missed := now.Sub(task.NextExecution); missed > misfireGrace {
			s.logger.Warn("schedule: misfire grace window exceeded, coalescing to next fire",
				"task_id", task.TaskID, "missed_by", missed)
			next, err := nextFireTime(task.Recurrence, now)
			if err != nil {
				s.logger.Error("schedule: recompute next fire after misfire failed", "task_id", task.TaskID, "error", err)
				continue
			}
			task.NextExecution = next
			s.store.Update(ctx, task)
			continue
		}

		if !s.tryAcquireInstance(task.TaskID) {
			s.logger.Warn("schedule: max concurrent instances reached, skipping fire", "task_id", task.TaskID)
			continue
		}

		go func(t *Task) {
			defer s.releaseInstance(t.TaskID)
			s.fire(context.Background(), t)
		}(task)
	}
}

func (s *Scheduler) tryAcquireInstance(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[taskID] >= maxConcurrentInstances {
		return false
	}
	s.inflight[taskID]++
	return true
}

func (s *Scheduler) releaseInstance(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[taskID]--
	if s.inflight[taskID] <= 0 {
		delete(s.inflight, taskID)
	}
}

// fire resolves the task's target devices, dispatches it, waits for a
// terminal downstream state (or times out), and records the outcome
// (spec §4.9, mirroring the original scheduler's _execute_task flow).
func (s *Scheduler) fire(ctx context.Context, task *Task) {
	if s.metrics != nil {
		s.metrics.IncScheduleFire(string(task.Type))
	}
	execution := TaskExecution{ExecutionTime: time.Now(), Status: TaskRunning}

	task.Status = TaskRunning
	task.LastExecution = execution.ExecutionTime
	task.ExecutionCount++
	if err := s.store.Update(ctx, task); err != nil {
		s.logger.Error("schedule: mark task running failed", "task_id", task.TaskID, "error", err)
	}

	devices, err := s.resolveDevices(ctx, task)
	if err != nil {
		s.finishFire(ctx, task, execution, TaskFailed, "", err)
		return
	}

	downstreamID, finalStatus, fireErr := s.dispatch(ctx, task, devices)

	status := TaskCompleted
	errMsg := ""
	if fireErr != nil {
		status = TaskFailed
		errMsg = fireErr.Error()
	} else {
		switch finalStatus {
		case group.StatusFailed:
			status = TaskFailed
			errMsg = "downstream execution failed on every device"
		case group.StatusPartialSuccess:
			status = TaskCompleted // partial success still completes the task; devices failures are visible in the execution record
		}
	}

	s.finishFire(ctx, task, execution, status, downstreamID, errIfNonEmpty(errMsg))

	if s.auditLog != nil {
		s.auditLog.LogScheduleFired(ctx, task.TaskID, downstreamID, string(task.Type))
	}
}

func errIfNonEmpty(msg string) error {
	if msg == "" {
		return nil
	}
	return fmt.Errorf("%s", msg)
}

func (s *Scheduler) resolveDevices(ctx context.Context, task *Task) ([]*fleet.Node, error) {
	roster, err := s.roster.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("schedule: list roster: %w", err)
	}
	selector := fleet.TargetSelector{OnlineOnly: true}
	for _, id := range task.DeviceIDs {
		selector.NodeIDs = append(selector.NodeIDs, fleet.NodeID(id))
	}
	for _, g := range task.GroupIDs {
		selector.Groups = append(selector.Groups, fleet.GroupName(g))
	}
	devices := selector.Resolve(roster)
	if len(devices) == 0 {
		return nil, fmt.Errorf("schedule: no online devices matched task target set")
	}
	return devices, nil
}

// dispatch fires one task firing's downstream work and waits for its
// terminal state. It returns the downstream id (execution_id, batch_id, or
// deployment_id) and, for command tasks, the terminal group.Status reached.
func (s *Scheduler) dispatch(ctx context.Context, task *Task, devices []*fleet.Node) (downstreamID string, status group.Status, err error) {
	switch task.Type {
	case TaskCommand:
		var payload CommandPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return "", "", fmt.Errorf("schedule: invalid command payload: %w", err)
		}
		if len(payload.Commands) > 0 {
			batchID, err := s.runner.ExecuteBatchSequential(ctx, group.BatchRequest{
				GroupID:       firstOr(task.GroupIDs, task.TaskID),
				Devices:       devices,
				Commands:      payload.Commands,
				Shell:         payload.Shell,
				StopOnFailure: payload.StopOnFailure,
			})
			if err != nil {
				return "", "", fmt.Errorf("schedule: dispatch batch: %w", err)
			}
			st := s.awaitBatchTerminal(ctx, batchID, batchTimeout)
			return batchID, st, nil
		}

		executionID, err := s.runner.ExecuteGroupCommand(ctx, group.GroupCommandRequest{
			GroupID:  firstOr(task.GroupIDs, task.TaskID),
			Devices:  devices,
			Command:  payload.Command,
			Shell:    payload.Shell,
			Strategy: payload.Strategy,
		})
		if err != nil {
			return "", "", fmt.Errorf("schedule: dispatch command: %w", err)
		}
		st := s.awaitExecutionTerminal(ctx, executionID, singleCommandTimeout)
		return executionID, st, nil

	case TaskSoftwareDeploy:
		if s.deploy == nil {
			return "", "", fmt.Errorf("schedule: no deployment handoff configured")
		}
		var payload DeploymentPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return "", "", fmt.Errorf("schedule: invalid deployment payload: %w", err)
		}
		id, err := s.deploy.DeploySoftware(ctx, devices, payload)
		return id, group.StatusCompleted, err

	case TaskFileDeploy:
		if s.deploy == nil {
			return "", "", fmt.Errorf("schedule: no deployment handoff configured")
		}
		var payload DeploymentPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return "", "", fmt.Errorf("schedule: invalid deployment payload: %w", err)
		}
		id, err := s.deploy.DeployFiles(ctx, devices, payload)
		return id, group.StatusCompleted, err

	default:
		return "", "", fmt.Errorf("schedule: unknown task type %q", task.Type)
	}
}

func firstOr(ids []string, fallback string) string {
	if len(ids) > 0 {
		return ids[0]
	}
	return fallback
}

func (s *Scheduler) awaitExecutionTerminal(ctx context.Context, executionID string, timeout time.Duration) group.Status {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(awaitPollCadence)
	defer ticker.Stop()
	for {
		if exec, ok := s.runner.GetExecution(executionID); ok && isGroupTerminal(exec.Status) {
			return exec.Status
		}
		select {
		case <-ctx.Done():
			return group.StatusFailed
		case <-ticker.C:
			if time.Now().After(deadline) {
				return group.StatusFailed
			}
		}
	}
}

func (s *Scheduler) awaitBatchTerminal(ctx context.Context, batchID string, timeout time.Duration) group.Status {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(awaitPollCadence)
	defer ticker.Stop()
	for {
		if b, err := s.runner.GetBatch(batchID); err == nil && isGroupTerminal(b.Status) {
			return b.Status
		}
		select {
		case <-ctx.Done():
			return group.StatusFailed
		case <-ticker.C:
			if time.Now().After(deadline) {
				return group.StatusFailed
			}
		}
	}
}

func isGroupTerminal(s group.Status) bool {
	return s == group.StatusCompleted || s == group.StatusFailed || s == group.StatusPartialSuccess
}

// finishFire records the execution's outcome, appends it to task history,
// and sets the task's post-fire status and NextExecution, mirroring the
// original scheduler's once-vs-recurring handling.
func (s *Scheduler) finishFire(ctx context.Context, task *Task, execution TaskExecution, status TaskStatus, downstreamID string, fireErr error) {
	execution.CompletedTime = time.Now()
	execution.Status = status
	execution.DownstreamID = downstreamID
	if fireErr != nil {
		execution.Error = fireErr.Error()
	}
	task.History = append(task.History, execution)

	if task.Recurrence.Kind == RecurrenceOnce {
		task.Status = status
		task.NextExecution = time.Time{}
	} else {
		task.Status = TaskPending
		next, err := nextFireTime(task.Recurrence, execution.CompletedTime)
		if err != nil {
			s.logger.Error("schedule: compute next fire failed, parking task", "task_id", task.TaskID, "error", err)
			task.Status = TaskFailed
			task.NextExecution = time.Time{}
		} else {
			task.NextExecution = next
		}
	}

	if err := s.store.Update(ctx, task); err != nil {
		s.logger.Error("schedule: persist fire result failed", "task_id", task.TaskID, "error", err)
	}

	s.logger.Info("schedule: task fired", "task_id", task.TaskID, "status", status, "downstream_id", downstreamID)
}
