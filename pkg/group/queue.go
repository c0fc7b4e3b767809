package group

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fleetwarden/fleetwarden/pkg/fleet"
)

// InvocationStatus is a single command invocation's lifecycle state.
type InvocationStatus string

const (
	InvocationPending   InvocationStatus = "pending"
	InvocationRunning   InvocationStatus = "running"
	InvocationCompleted InvocationStatus = "completed"
	InvocationFailed    InvocationStatus = "failed"
	InvocationPaused    InvocationStatus = "paused"
)

// CommandInvocation is the durable record of one command dispatched to one
// agent, mirroring §3's Command Invocation entity.
type CommandInvocation struct {
	CommandID        string           `json:"command_id"`
	AgentID          fleet.NodeID     `json:"agent_id"`
	Shell            string           `json:"shell"`
	Command          string           `json:"command"`
	Strategy         string           `json:"strategy,omitempty"`
	Status           InvocationStatus `json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
	StartedAt        time.Time        `json:"started_at,omitempty"`
	CompletedAt      time.Time        `json:"completed_at,omitempty"`
	Output           string           `json:"output,omitempty"`
	Error            string           `json:"error,omitempty"`
	SnapshotID       string           `json:"snapshot_id,omitempty"`
	GroupExecutionID string           `json:"group_execution_id,omitempty"`
}

// isTerminal reports whether s is a lifecycle-terminal status.
func (s InvocationStatus) isTerminal() bool {
	return s == InvocationCompleted || s == InvocationFailed
}

// repair enforces §4.8's load-time consistency rule: a record with a
// completed_at stamp but a non-terminal status is forced to completed.
func (c *CommandInvocation) repair() {
	if !c.CompletedAt.IsZero() && !c.Status.isTerminal() {
		c.Status = InvocationCompleted
	}
}

// Queue is the durable command-invocation table (C8). Writers are the group
// executor (create + transition) and per-agent completion handlers;
// readers are operators and the scheduler.
type Queue interface {
	Create(ctx context.Context, inv *CommandInvocation) error
	Update(ctx context.Context, inv *CommandInvocation) error
	Get(ctx context.Context, commandID string) (*CommandInvocation, error)
	List(ctx context.Context) ([]*CommandInvocation, error)
	Close() error
}

// MemoryQueue is an in-process, non-durable Queue implementation. Adequate
// for tests and single-process demos; does not survive a controller
// restart, which matches §7's stated non-goal for in-flight command state.
type MemoryQueue struct {
	mu   sync.RWMutex
	rows map[string]*CommandInvocation
}

// NewMemoryQueue creates an empty in-memory command queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{rows: make(map[string]*CommandInvocation)}
}

func (q *MemoryQueue) Create(_ context.Context, inv *CommandInvocation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *inv
	q.rows[inv.CommandID] = &cp
	return nil
}

func (q *MemoryQueue) Update(_ context.Context, inv *CommandInvocation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.rows[inv.CommandID]; !ok {
		return fmt.Errorf("command %s not found", inv.CommandID)
	}
	cp := *inv
	q.rows[inv.CommandID] = &cp
	return nil
}

func (q *MemoryQueue) Get(_ context.Context, commandID string) (*CommandInvocation, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	inv, ok := q.rows[commandID]
	if !ok {
		return nil, fmt.Errorf("command %s not found", commandID)
	}
	cp := *inv
	cp.repair()
	return &cp, nil
}

func (q *MemoryQueue) List(_ context.Context) ([]*CommandInvocation, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*CommandInvocation, 0, len(q.rows))
	for _, inv := range q.rows {
		cp := *inv
		cp.repair()
		out = append(out, &cp)
	}
	return out, nil
}

func (q *MemoryQueue) Close() error { return nil }

// SQLiteQueue persists the command queue to a SQLite database, one column
// per CommandInvocation field.
type SQLiteQueue struct {
	db *sql.DB
}

// NewSQLiteQueue opens (creating if needed) a SQLite-backed command queue.
// Use ":memory:" for an in-memory database.
func NewSQLiteQueue(dbPath string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS command_invocations (
		command_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		shell TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL,
		strategy TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		snapshot_id TEXT NOT NULL DEFAULT '',
		group_execution_id TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate command queue: %w", err)
	}
	return &SQLiteQueue{db: db}, nil
}

func (q *SQLiteQueue) Close() error { return q.db.Close() }

func (q *SQLiteQueue) Create(_ context.Context, inv *CommandInvocation) error {
	_, err := q.db.Exec(`INSERT INTO command_invocations
		(command_id, agent_id, shell, command, strategy, status, created_at, started_at, completed_at, output, error, snapshot_id, group_execution_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.CommandID, string(inv.AgentID), inv.Shell, inv.Command, inv.Strategy, string(inv.Status),
		inv.CreatedAt.UTC(), nullTime(inv.StartedAt), nullTime(inv.CompletedAt), inv.Output, inv.Error,
		inv.SnapshotID, inv.GroupExecutionID)
	return err
}

func (q *SQLiteQueue) Update(_ context.Context, inv *CommandInvocation) error {
	res, err := q.db.Exec(`UPDATE command_invocations SET
		shell=?, command=?, strategy=?, status=?, started_at=?, completed_at=?, output=?, error=?, snapshot_id=?, group_execution_id=?
		WHERE command_id=?`,
		inv.Shell, inv.Command, inv.Strategy, string(inv.Status), nullTime(inv.StartedAt), nullTime(inv.CompletedAt),
		inv.Output, inv.Error, inv.SnapshotID, inv.GroupExecutionID, inv.CommandID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("command %s not found", inv.CommandID)
	}
	return nil
}

func (q *SQLiteQueue) Get(_ context.Context, commandID string) (*CommandInvocation, error) {
	row := q.db.QueryRow(`SELECT command_id, agent_id, shell, command, strategy, status, created_at, started_at, completed_at, output, error, snapshot_id, group_execution_id
		FROM command_invocations WHERE command_id = ?`, commandID)
	return scanInvocation(row)
}

func (q *SQLiteQueue) List(_ context.Context) ([]*CommandInvocation, error) {
	rows, err := q.db.Query(`SELECT command_id, agent_id, shell, command, strategy, status, created_at, started_at, completed_at, output, error, snapshot_id, group_execution_id
		FROM command_invocations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*CommandInvocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

type invocationScanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row invocationScanner) (*CommandInvocation, error) {
	var inv CommandInvocation
	var agentID, status string
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&inv.CommandID, &agentID, &inv.Shell, &inv.Command, &inv.Strategy, &status,
		&inv.CreatedAt, &startedAt, &completedAt, &inv.Output, &inv.Error, &inv.SnapshotID, &inv.GroupExecutionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("command not found")
		}
		return nil, err
	}
	inv.AgentID = fleet.NodeID(agentID)
	inv.Status = InvocationStatus(status)
	if startedAt.Valid {
		inv.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		inv.CompletedAt = completedAt.Time
	}
	inv.repair()
	return &inv, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
