// Package audit provides an immutable, structured audit log for fleetwarden.
//
// Every terminal transition the controller observes — a command's
// completion, a group execution's or batch's terminal aggregate, a
// rollback's request and result, a scheduler fire — is recorded as a
// structured event, independent of the mutable command-queue status table.
// Events are append-only and can be exported to JSON for SIEM ingestion.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	EventCommandDispatched         EventType = "command_dispatched"
	EventCommandCompleted          EventType = "command_completed"
	EventGroupExecutionCompleted   EventType = "group_execution_completed"
	EventBatchCompleted            EventType = "batch_completed"
	EventRollbackRequested         EventType = "rollback_requested"
	EventRollbackCompleted         EventType = "rollback_completed"
	EventScheduleFired             EventType = "schedule_fired"
	EventNodeRegister              EventType = "node.register"
	EventNodeRemove                EventType = "node.remove"
)

// Event is a single immutable audit record.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Type      EventType      `json:"type"`
	User      string         `json:"user"`
	Action    string         `json:"action"`
	Target    *EventTarget   `json:"target,omitempty"`
	Result    *EventResult   `json:"result,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EventTarget describes what was targeted by the action.
type EventTarget struct {
	NodeIDs []string          `json:"node_ids,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
	Env     string            `json:"env,omitempty"`
	Command string            `json:"command,omitempty"`
}

// EventResult captures the outcome of the action.
type EventResult struct {
	Status       string        `json:"status"` // "success", "failure", "partial"
	NodesTotal   int           `json:"nodes_total,omitempty"`
	NodesSuccess int           `json:"nodes_success,omitempty"`
	NodesFailed  int           `json:"nodes_failed,omitempty"`
	Duration     time.Duration `json:"duration_ms,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// QueryOptions filters audit log queries.
type QueryOptions struct {
	User  string
	Type  EventType
	Since time.Time
	Until time.Time
	Limit int
}

// Store is the persistence interface for the audit log.
type Store interface {
	// Append writes an event to the audit log. Events are immutable once written.
	Append(ctx context.Context, event *Event) error

	// Query retrieves events matching the given filters.
	Query(ctx context.Context, opts QueryOptions) ([]*Event, error)

	// Export returns all events since the given time.
	Export(ctx context.Context, since time.Time) ([]*Event, error)
}

// ------------------------------------------------------------------
// File-based audit store (append-only JSONL)
// ------------------------------------------------------------------

// FileStore is an append-only file-based audit store using JSON Lines format.
// Each line is a complete JSON event. The file is never modified, only appended to.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file-based audit store at the given directory.
func NewFileStore(dir string) *FileStore {
	os.MkdirAll(dir, 0o700)
	return &FileStore{dir: dir}
}

func (s *FileStore) logFile() string {
	return filepath.Join(s.dir, "audit.jsonl")
}

// Append writes an event to the audit log.
func (s *FileStore) Append(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = fmt.Sprintf("evt_%d", time.Now().UnixNano())
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.logFile(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

// Query reads events matching the given filters.
func (s *FileStore) Query(ctx context.Context, opts QueryOptions) ([]*Event, error) {
	all, err := s.readAll()
	if err != nil {
		return nil, err
	}

	var results []*Event
	for _, e := range all {
		if opts.User != "" && e.User != opts.User {
			continue
		}
		if opts.Type != "" && e.Type != opts.Type {
			continue
		}
		if !opts.Since.IsZero() && e.Timestamp.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && e.Timestamp.After(opts.Until) {
			continue
		}
		results = append(results, e)
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}

	return results, nil
}

// Export returns all events since the given time.
func (s *FileStore) Export(ctx context.Context, since time.Time) ([]*Event, error) {
	return s.Query(ctx, QueryOptions{Since: since})
}

func (s *FileStore) readAll() ([]*Event, error) {
	data, err := os.ReadFile(s.logFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var events []*Event
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue // skip malformed lines
		}
		events = append(events, &e)
	}
	return events, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := range data {
		if data[i] == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// ------------------------------------------------------------------
// Logger is a convenience wrapper for emitting audit events
// ------------------------------------------------------------------

// Logger provides helper methods for common audit patterns.
type Logger struct {
	store Store
	user  string
}

// NewLogger creates an audit logger for the given user.
func NewLogger(store Store, user string) *Logger {
	return &Logger{store: store, user: user}
}

// LogCommandDispatched records a single command invocation's dispatch to
// one agent.
func (l *Logger) LogCommandDispatched(ctx context.Context, commandID, agentID, command string) error {
	return l.store.Append(ctx, &Event{
		Type:   EventCommandDispatched,
		User:   l.user,
		Action: "command.dispatch",
		Target: &EventTarget{NodeIDs: []string{agentID}, Command: command},
		Metadata: map[string]any{
			"command_id": commandID,
		},
	})
}

// LogCommandCompleted records one command invocation's terminal outcome.
func (l *Logger) LogCommandCompleted(ctx context.Context, commandID, agentID string, success bool, errMsg string) error {
	status := "success"
	if !success {
		status = "failure"
	}
	return l.store.Append(ctx, &Event{
		Type:   EventCommandCompleted,
		User:   l.user,
		Action: "command.complete",
		Target: &EventTarget{NodeIDs: []string{agentID}},
		Result: &EventResult{Status: status, Error: errMsg},
		Metadata: map[string]any{
			"command_id": commandID,
		},
	})
}

// LogGroupExecutionCompleted records a group execution's terminal aggregate
// status and per-device counters.
func (l *Logger) LogGroupExecutionCompleted(ctx context.Context, executionID, groupID, status string, total, successful, failed int) error {
	return l.store.Append(ctx, &Event{
		Type:   EventGroupExecutionCompleted,
		User:   l.user,
		Action: "group_execution.complete",
		Target: &EventTarget{Tags: map[string]string{"group_id": groupID}},
		Result: &EventResult{Status: status, NodesTotal: total, NodesSuccess: successful, NodesFailed: failed},
		Metadata: map[string]any{
			"execution_id": executionID,
		},
	})
}

// LogBatchCompleted records a sequential batch's terminal aggregate status.
func (l *Logger) LogBatchCompleted(ctx context.Context, batchID, groupID, status string, stepsRun int) error {
	return l.store.Append(ctx, &Event{
		Type:   EventBatchCompleted,
		User:   l.user,
		Action: "batch.complete",
		Target: &EventTarget{Tags: map[string]string{"group_id": groupID}},
		Result: &EventResult{Status: status},
		Metadata: map[string]any{
			"batch_id":  batchID,
			"steps_run": stepsRun,
		},
	})
}

// LogRollbackRequested records an operator- or scheduler-initiated rollback
// request, before the agent reports a result.
func (l *Logger) LogRollbackRequested(ctx context.Context, snapshotOrBatchID, agentID string) error {
	return l.store.Append(ctx, &Event{
		Type:   EventRollbackRequested,
		User:   l.user,
		Action: "rollback.request",
		Target: &EventTarget{NodeIDs: []string{agentID}},
		Metadata: map[string]any{
			"snapshot_id": snapshotOrBatchID,
		},
	})
}

// LogRollbackCompleted records a rollback's reported outcome.
func (l *Logger) LogRollbackCompleted(ctx context.Context, snapshotOrBatchID, agentID string, success bool, message string) error {
	status := "success"
	if !success {
		status = "failure"
	}
	return l.store.Append(ctx, &Event{
		Type:   EventRollbackCompleted,
		User:   l.user,
		Action: "rollback.complete",
		Target: &EventTarget{NodeIDs: []string{agentID}},
		Result: &EventResult{Status: status, Error: message},
		Metadata: map[string]any{
			"snapshot_id": snapshotOrBatchID,
		},
	})
}

// LogScheduleFired records a scheduled task firing and the downstream
// execution/batch id it produced.
func (l *Logger) LogScheduleFired(ctx context.Context, taskID, downstreamID, taskType string) error {
	return l.store.Append(ctx, &Event{
		Type:   EventScheduleFired,
		User:   "scheduler",
		Action: "schedule.fire",
		Metadata: map[string]any{
			"task_id":       taskID,
			"downstream_id": downstreamID,
			"task_type":     taskType,
		},
	})
}
