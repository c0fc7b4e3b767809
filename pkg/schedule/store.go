package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	_ "modernc.org/sqlite"
)

// Store persists Task records.
type Store interface {
	Create(ctx context.Context, task *Task) error
	Update(ctx context.Context, task *Task) error
	Get(ctx context.Context, taskID string) (*Task, error)
	List(ctx context.Context) ([]*Task, error)
	Delete(ctx context.Context, taskID string) error
	Close() error
}

// ------------------------------------------------------------------
// In-memory store
// ------------------------------------------------------------------

// MemoryStore is an in-process Store, suitable for a single-controller
// deployment or tests.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore builds an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create stores a new task. It returns an error if TaskID is already present.
func (s *MemoryStore) Create(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.TaskID]; exists {
		return fmt.Errorf("schedule: task %s already exists", task.TaskID)
	}
	cp := *task
	s.tasks[task.TaskID] = &cp
	return nil
}

// Update overwrites an existing task record.
func (s *MemoryStore) Update(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.TaskID]; !exists {
		return ErrTaskNotFound
	}
	cp := *task
	s.tasks[task.TaskID] = &cp
	return nil
}

// Get returns one task by id.
func (s *MemoryStore) Get(ctx context.Context, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// List returns every task, sorted by TaskID for stable iteration.
func (s *MemoryStore) List(ctx context.Context) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// Delete removes a task permanently.
func (s *MemoryStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return ErrTaskNotFound
	}
	delete(s.tasks, taskID)
	return nil
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error { return nil }

// ------------------------------------------------------------------
// SQLite store (spec §4.9: scheduled tasks survive controller restart)
// ------------------------------------------------------------------

// SQLiteStore persists each task as a JSON blob in a data column, alongside
// next_execution and status columns.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite-backed task store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("schedule: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("schedule: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS scheduled_tasks (
			task_id TEXT PRIMARY KEY,
			next_execution TEXT,
			status TEXT NOT NULL,
			data TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("schedule: migrate: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) upsert(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("schedule: marshal task: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (task_id, next_execution, status, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			next_execution = excluded.next_execution,
			status = excluded.status,
			data = excluded.data
	`, task.TaskID, task.NextExecution.Format(timeLayout), string(task.Status), string(data))
	if err != nil {
		return fmt.Errorf("schedule: upsert task: %w", err)
	}
	return nil
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Create stores a new task.
func (s *SQLiteStore) Create(ctx context.Context, task *Task) error {
	return s.upsert(ctx, task)
}

// Update overwrites an existing task record.
func (s *SQLiteStore) Update(ctx context.Context, task *Task) error {
	return s.upsert(ctx, task)
}

// Get returns one task by id.
func (s *SQLiteStore) Get(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM scheduled_tasks WHERE task_id = ?`, taskID)
	var data string
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("schedule: get task: %w", err)
	}
	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("schedule: unmarshal task: %w", err)
	}
	return &t, nil
}

// List returns every task.
func (s *SQLiteStore) List(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM scheduled_tasks ORDER BY task_id`)
	if err != nil {
		return nil, fmt.Errorf("schedule: list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("schedule: scan task: %w", err)
		}
		var t Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("schedule: unmarshal task: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Delete removes a task permanently.
func (s *SQLiteStore) Delete(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("schedule: delete task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
