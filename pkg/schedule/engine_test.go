package schedule

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fleetwarden/fleetwarden/pkg/audit"
	"github.com/fleetwarden/fleetwarden/pkg/fleet"
	"github.com/fleetwarden/fleetwarden/pkg/group"
)

type fakeRunner struct {
	mu         sync.Mutex
	executions map[string]*group.GroupExecution
	batches    map[string]*group.BatchExecution
	execErr    error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		executions: make(map[string]*group.GroupExecution),
		batches:    make(map[string]*group.BatchExecution),
	}
}

func (f *fakeRunner) ExecuteGroupCommand(ctx context.Context, req group.GroupCommandRequest) (string, error) {
	if f.execErr != nil {
		return "", f.execErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "exec-" + req.Command
	f.executions[id] = &group.GroupExecution{ExecutionID: id, Status: group.StatusCompleted, Total: len(req.Devices), Successful: len(req.Devices)}
	return id, nil
}

func (f *fakeRunner) ExecuteBatchSequential(ctx context.Context, req group.BatchRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "batch-1"
	f.batches[id] = &group.BatchExecution{BatchID: id, Status: group.StatusCompleted}
	return id, nil
}

func (f *fakeRunner) GetExecution(executionID string) (*group.GroupExecution, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[executionID]
	return e, ok
}

func (f *fakeRunner) GetBatch(batchID string) (*group.BatchExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok {
		return nil, group.ErrBatchNotFound
	}
	return b, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedRoster(t *testing.T) fleet.Store {
	t.Helper()
	store := fleet.NewMemoryStore()
	store.RegisterNode(context.Background(), &fleet.Node{
		ID: "node-1", Hostname: "node-1", Status: fleet.NodeOnline, Groups: []fleet.GroupName{"prod"},
	})
	return store
}

func TestScheduler_CreateTask_RejectsOnceInPast(t *testing.T) {
	s := NewScheduler(testLogger(), NewMemoryStore(), seedRoster(t), newFakeRunner(), nil, nil)
	task := &Task{
		TaskID:     "t1",
		Type:       TaskCommand,
		Recurrence: Recurrence{Kind: RecurrenceOnce, At: time.Now().Add(-time.Hour)},
	}
	if err := s.CreateTask(context.Background(), task); err != ErrOnceInPast {
		t.Fatalf("err = %v, want ErrOnceInPast", err)
	}
}

func TestScheduler_CreateTask_ComputesNextExecution(t *testing.T) {
	s := NewScheduler(testLogger(), NewMemoryStore(), seedRoster(t), newFakeRunner(), nil, nil)
	payload, _ := json.Marshal(CommandPayload{Command: "uptime", Shell: "bash"})
	task := &Task{
		TaskID:     "t1",
		Type:       TaskCommand,
		Payload:    payload,
		GroupIDs:   []string{"prod"},
		Recurrence: Recurrence{Kind: RecurrenceDaily, TimeOfDay: "09:00"},
	}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.NextExecution.IsZero() {
		t.Error("expected NextExecution to be set")
	}
}

func TestScheduler_Fire_CommandTask_RecurringReschedules(t *testing.T) {
	store := NewMemoryStore()
	runner := newFakeRunner()
	auditStore := audit.NewFileStore(t.TempDir())
	auditLog := audit.NewLogger(auditStore, "scheduler")
	s := NewScheduler(testLogger(), store, seedRoster(t), runner, nil, auditLog)

	payload, _ := json.Marshal(CommandPayload{Command: "uptime", Shell: "bash"})
	task := &Task{
		TaskID:     "t1",
		Type:       TaskCommand,
		Payload:    payload,
		GroupIDs:   []string{"prod"},
		Recurrence: Recurrence{Kind: RecurrenceDaily, TimeOfDay: "00:00"},
	}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	s.fire(context.Background(), task)

	updated, err := store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.Status != TaskPending {
		t.Errorf("Status = %q, want pending (recurring task re-arms)", updated.Status)
	}
	if updated.NextExecution.IsZero() {
		t.Error("expected NextExecution to be recomputed")
	}
	if len(updated.History) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(updated.History))
	}
	if updated.History[0].Status != TaskCompleted {
		t.Errorf("history status = %q, want completed", updated.History[0].Status)
	}
	if updated.History[0].DownstreamID == "" {
		t.Error("expected downstream id to be recorded")
	}

	events, _ := auditStore.Query(context.Background(), audit.QueryOptions{Type: audit.EventScheduleFired})
	if len(events) != 1 {
		t.Fatalf("expected 1 schedule_fired audit event, got %d", len(events))
	}
}

func TestScheduler_Fire_OnceTaskCompletes(t *testing.T) {
	store := NewMemoryStore()
	runner := newFakeRunner()
	s := NewScheduler(testLogger(), store, seedRoster(t), runner, nil, nil)

	payload, _ := json.Marshal(CommandPayload{Command: "uptime", Shell: "bash"})
	task := &Task{
		TaskID:     "t1",
		Type:       TaskCommand,
		Payload:    payload,
		GroupIDs:   []string{"prod"},
		Recurrence: Recurrence{Kind: RecurrenceOnce, At: time.Now().Add(time.Hour)},
	}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	s.fire(context.Background(), task)

	updated, _ := store.Get(context.Background(), "t1")
	if updated.Status != TaskCompleted {
		t.Errorf("Status = %q, want completed", updated.Status)
	}
	if !updated.NextExecution.IsZero() {
		t.Error("expected NextExecution to be cleared for a completed once-task")
	}
}

func TestScheduler_Fire_NoDevicesMatched(t *testing.T) {
	store := NewMemoryStore()
	runner := newFakeRunner()
	emptyRoster := fleet.NewMemoryStore()
	s := NewScheduler(testLogger(), store, emptyRoster, runner, nil, nil)

	payload, _ := json.Marshal(CommandPayload{Command: "uptime", Shell: "bash"})
	task := &Task{
		TaskID:     "t1",
		Type:       TaskCommand,
		Payload:    payload,
		GroupIDs:   []string{"prod"},
		Recurrence: Recurrence{Kind: RecurrenceOnce, At: time.Now().Add(time.Hour)},
	}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	s.fire(context.Background(), task)

	updated, _ := store.Get(context.Background(), "t1")
	if updated.Status != TaskFailed {
		t.Errorf("Status = %q, want failed when no devices match", updated.Status)
	}
	if len(updated.History) != 1 || updated.History[0].Error == "" {
		t.Error("expected a recorded failure in history")
	}
}

func TestScheduler_PauseResumeCancel(t *testing.T) {
	store := NewMemoryStore()
	s := NewScheduler(testLogger(), store, seedRoster(t), newFakeRunner(), nil, nil)

	payload, _ := json.Marshal(CommandPayload{Command: "uptime", Shell: "bash"})
	task := &Task{
		TaskID:     "t1",
		Type:       TaskCommand,
		Payload:    payload,
		GroupIDs:   []string{"prod"},
		Recurrence: Recurrence{Kind: RecurrenceDaily, TimeOfDay: "00:00"},
	}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := s.PauseTask(context.Background(), "t1"); err != nil {
		t.Fatalf("PauseTask: %v", err)
	}
	paused, _ := store.Get(context.Background(), "t1")
	if paused.Status != TaskPaused {
		t.Errorf("Status = %q, want paused", paused.Status)
	}

	if err := s.ResumeTask(context.Background(), "t1"); err != nil {
		t.Fatalf("ResumeTask: %v", err)
	}
	resumed, _ := store.Get(context.Background(), "t1")
	if resumed.Status != TaskPending {
		t.Errorf("Status = %q, want pending after resume", resumed.Status)
	}

	if err := s.CancelTask(context.Background(), "t1"); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	cancelled, _ := store.Get(context.Background(), "t1")
	if cancelled.Status != TaskCancelled {
		t.Errorf("Status = %q, want cancelled", cancelled.Status)
	}
	if !cancelled.NextExecution.IsZero() {
		t.Error("expected NextExecution cleared on cancel")
	}
}

func TestScheduler_ResumeRequiresPaused(t *testing.T) {
	store := NewMemoryStore()
	s := NewScheduler(testLogger(), store, seedRoster(t), newFakeRunner(), nil, nil)
	payload, _ := json.Marshal(CommandPayload{Command: "uptime", Shell: "bash"})
	task := &Task{TaskID: "t1", Type: TaskCommand, Payload: payload, Recurrence: Recurrence{Kind: RecurrenceDaily, TimeOfDay: "00:00"}}
	s.CreateTask(context.Background(), task)

	if err := s.ResumeTask(context.Background(), "t1"); err != ErrNotPaused {
		t.Errorf("err = %v, want ErrNotPaused", err)
	}
}

func TestScheduler_MaxConcurrentInstances(t *testing.T) {
	s := NewScheduler(testLogger(), NewMemoryStore(), seedRoster(t), newFakeRunner(), nil, nil)
	for i := 0; i < maxConcurrentInstances; i++ {
		if !s.tryAcquireInstance("t1") {
			t.Fatalf("expected acquire %d to succeed", i)
		}
	}
	if s.tryAcquireInstance("t1") {
		t.Error("expected acquire beyond cap to fail")
	}
	s.releaseInstance("t1")
	if !s.tryAcquireInstance("t1") {
		t.Error("expected acquire to succeed after release")
	}
}
