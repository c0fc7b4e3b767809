package audit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func tempStore(t *testing.T) *FileStore {
	t.Helper()
	dir := t.TempDir()
	return NewFileStore(dir)
}

func TestFileStore_AppendAndQuery(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	event := &Event{
		Type:   EventCommandDispatched,
		User:   "alice",
		Action: "command.dispatch",
		Target: &EventTarget{Command: "uptime"},
		Result: &EventResult{Status: "success", NodesTotal: 3, NodesSuccess: 3},
	}
	if err := store.Append(ctx, event); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if event.ID == "" {
		t.Error("expected event.ID to be set")
	}
	if event.Timestamp.IsZero() {
		t.Error("expected event.Timestamp to be set")
	}

	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].User != "alice" {
		t.Errorf("User = %q, want alice", events[0].User)
	}
	if events[0].Target.Command != "uptime" {
		t.Errorf("Target.Command = %q, want uptime", events[0].Target.Command)
	}
}

func TestFileStore_QueryFilterByUser(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{User: "alice", Type: EventCommandDispatched, Action: "run"})
	store.Append(ctx, &Event{User: "bob", Type: EventCommandDispatched, Action: "run"})
	store.Append(ctx, &Event{User: "alice", Type: EventCommandCompleted, Action: "complete"})

	events, err := store.Query(ctx, QueryOptions{User: "alice"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for alice, got %d", len(events))
	}
}

func TestFileStore_QueryFilterByType(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{User: "alice", Type: EventCommandDispatched, Action: "run"})
	store.Append(ctx, &Event{User: "bob", Type: EventCommandCompleted, Action: "complete"})

	events, err := store.Query(ctx, QueryOptions{Type: EventCommandCompleted})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].User != "bob" {
		t.Errorf("User = %q, want bob", events[0].User)
	}
}

func TestFileStore_QueryFilterBySince(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	oldEvent := &Event{User: "alice", Type: EventCommandDispatched, Action: "old", Timestamp: time.Now().Add(-2 * time.Hour)}
	store.Append(ctx, oldEvent)
	store.Append(ctx, &Event{User: "alice", Type: EventCommandDispatched, Action: "new"})

	events, err := store.Query(ctx, QueryOptions{Since: time.Now().Add(-1 * time.Hour)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 recent event, got %d", len(events))
	}
	if events[0].Action != "new" {
		t.Errorf("Action = %q, want new", events[0].Action)
	}
}

func TestFileStore_QueryLimit(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		store.Append(ctx, &Event{User: "alice", Type: EventCommandDispatched, Action: "run"})
	}

	events, err := store.Query(ctx, QueryOptions{Limit: 3})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
}

func TestFileStore_Export(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{User: "alice", Type: EventCommandDispatched, Action: "run"})
	store.Append(ctx, &Event{User: "bob", Type: EventCommandCompleted, Action: "complete"})

	events, err := store.Export(ctx, time.Now().Add(-1*time.Hour))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestFileStore_EmptyLog(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query empty: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected 0 events, got %d", len(events))
	}
}

func TestFileStore_ConcurrentAppend(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	n := 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			store.Append(ctx, &Event{
				User:   "concurrent",
				Type:   EventCommandDispatched,
				Action: "run",
			})
		}(i)
	}
	wg.Wait()

	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != n {
		t.Fatalf("expected %d events, got %d", n, len(events))
	}
}

func TestFileStore_MalformedLines(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	ctx := context.Background()

	store.Append(ctx, &Event{User: "alice", Type: EventCommandDispatched, Action: "run"})

	f, _ := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	f.Write([]byte("not-valid-json\n"))
	f.Close()

	store.Append(ctx, &Event{User: "bob", Type: EventCommandCompleted, Action: "complete"})

	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 valid events (skipping malformed), got %d", len(events))
	}
}

func TestLogger_LogCommandDispatched(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	logger := NewLogger(store, "admin")
	if err := logger.LogCommandDispatched(ctx, "cmd-1", "agent-1", "df -h"); err != nil {
		t.Fatalf("LogCommandDispatched: %v", err)
	}

	events, _ := store.Query(ctx, QueryOptions{})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != EventCommandDispatched {
		t.Errorf("Type = %q, want %q", events[0].Type, EventCommandDispatched)
	}
	if events[0].User != "admin" {
		t.Errorf("User = %q, want admin", events[0].User)
	}
}

func TestLogger_LogCommandCompleted(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	logger := NewLogger(store, "admin")
	if err := logger.LogCommandCompleted(ctx, "cmd-1", "agent-1", false, "permission denied"); err != nil {
		t.Fatalf("LogCommandCompleted: %v", err)
	}

	events, _ := store.Query(ctx, QueryOptions{})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Result.Status != "failure" {
		t.Errorf("Result.Status = %q, want failure", events[0].Result.Status)
	}
}

func TestLogger_LogGroupExecutionCompleted(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	logger := NewLogger(store, "ops")
	if err := logger.LogGroupExecutionCompleted(ctx, "exec-1", "prod", "partial_success", 3, 2, 1); err != nil {
		t.Fatalf("LogGroupExecutionCompleted: %v", err)
	}

	events, _ := store.Query(ctx, QueryOptions{})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != EventGroupExecutionCompleted {
		t.Errorf("Type = %q, want %q", events[0].Type, EventGroupExecutionCompleted)
	}
	if events[0].Result.NodesFailed != 1 {
		t.Errorf("NodesFailed = %d, want 1", events[0].Result.NodesFailed)
	}
}

func TestLogger_LogBatchCompleted(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	logger := NewLogger(store, "ops")
	if err := logger.LogBatchCompleted(ctx, "batch-1", "prod", "completed", 2); err != nil {
		t.Fatalf("LogBatchCompleted: %v", err)
	}

	events, _ := store.Query(ctx, QueryOptions{})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != EventBatchCompleted {
		t.Errorf("Type = %q, want %q", events[0].Type, EventBatchCompleted)
	}
}

func TestLogger_LogRollbackRequestedAndCompleted(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	logger := NewLogger(store, "ops")
	if err := logger.LogRollbackRequested(ctx, "snap-1", "agent-1"); err != nil {
		t.Fatalf("LogRollbackRequested: %v", err)
	}
	if err := logger.LogRollbackCompleted(ctx, "snap-1", "agent-1", true, ""); err != nil {
		t.Fatalf("LogRollbackCompleted: %v", err)
	}

	events, _ := store.Query(ctx, QueryOptions{})
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].Result.Status != "success" {
		t.Errorf("Result.Status = %q, want success", events[1].Result.Status)
	}
}

func TestLogger_LogScheduleFired(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	logger := NewLogger(store, "admin")
	if err := logger.LogScheduleFired(ctx, "task-1", "exec-1", "command"); err != nil {
		t.Fatalf("LogScheduleFired: %v", err)
	}

	events, _ := store.Query(ctx, QueryOptions{})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].User != "scheduler" {
		t.Errorf("User = %q, want scheduler", events[0].User)
	}
}

func TestFileStore_QueryFilterByUntil(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{User: "alice", Type: EventCommandDispatched, Action: "old", Timestamp: time.Now().Add(-2 * time.Hour)})
	store.Append(ctx, &Event{User: "alice", Type: EventCommandDispatched, Action: "new"})

	events, err := store.Query(ctx, QueryOptions{Until: time.Now().Add(-1 * time.Hour)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 old event, got %d", len(events))
	}
	if events[0].Action != "old" {
		t.Errorf("Action = %q, want old", events[0].Action)
	}
}

func TestFileStore_CustomID(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	event := &Event{ID: "custom-123", User: "alice", Type: EventCommandDispatched, Action: "run"}
	store.Append(ctx, event)

	events, _ := store.Query(ctx, QueryOptions{})
	if events[0].ID != "custom-123" {
		t.Errorf("ID = %q, want custom-123", events[0].ID)
	}
}
