// Package schedule triggers group command executions, and hands off
// software/file deployment tasks, at future or recurring times. It is the
// time-based entry point into pkg/group: its correctness depends on the
// same termination and status contracts the group executor provides.
package schedule

import (
	"encoding/json"
	"errors"
	"time"
)

// TaskType names what a scheduled task does when it fires.
type TaskType string

const (
	TaskCommand         TaskType = "command"
	TaskSoftwareDeploy  TaskType = "software_deploy"
	TaskFileDeploy      TaskType = "file_deploy"
)

// TaskStatus is a scheduled task's current lifecycle state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskPaused    TaskStatus = "paused"
)

// RecurrenceKind names the trigger family a task uses.
type RecurrenceKind string

const (
	RecurrenceOnce    RecurrenceKind = "once"
	RecurrenceDaily   RecurrenceKind = "daily"
	RecurrenceWeekly  RecurrenceKind = "weekly"
	RecurrenceMonthly RecurrenceKind = "monthly"
	RecurrenceCron    RecurrenceKind = "cron"
)

// Recurrence describes when a task fires. Exactly one of the kind-specific
// fields is meaningful, selected by Kind.
type Recurrence struct {
	Kind RecurrenceKind `json:"kind"`

	// Once: the single absolute fire time. Must be in the future at
	// creation (spec P8).
	At time.Time `json:"at,omitempty"`

	// Daily/Weekly/Monthly: time of day, 24h "HH:MM".
	TimeOfDay string `json:"time_of_day,omitempty"`
	// Weekly: days of week, 0=Sunday .. 6=Saturday.
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
	// Monthly: day of month, 1-31.
	DayOfMonth int `json:"day_of_month,omitempty"`

	// Cron: arbitrary 5-field cron expression.
	CronExpr string `json:"cron_expr,omitempty"`
}

// CommandPayload is the JSON payload for a TaskCommand task. Exactly one of
// Command or Commands is set: a single command uses the single-command
// group-execute path, a non-empty Commands list uses the sequential batch
// path (spec §4.9).
type CommandPayload struct {
	Command       string   `json:"command,omitempty"`
	Commands      []string `json:"commands,omitempty"`
	Shell         string   `json:"shell"`
	Strategy      string   `json:"strategy,omitempty"`
	StopOnFailure bool     `json:"stop_on_failure,omitempty"`
}

// DeploymentPayload is the JSON payload for TaskSoftwareDeploy/TaskFileDeploy
// tasks. The scheduler only hands this to the external deployment subsystem
// (out of scope) and records the deployment id it returns.
type DeploymentPayload struct {
	DeploymentRequest map[string]any `json:"deployment_request"`
}

// TaskExecution is one historical firing of a ScheduledTask.
type TaskExecution struct {
	ExecutionTime  time.Time  `json:"execution_time"`
	CompletedTime  time.Time  `json:"completed_time,omitempty"`
	Status         TaskStatus `json:"status"`
	DownstreamID   string     `json:"downstream_id,omitempty"` // execution_id, batch_id, or deployment_id
	Error          string     `json:"error,omitempty"`
}

// Task is a scheduled trigger for command, software-deploy, or file-deploy
// work, mirroring §3's Scheduled Task entity.
type Task struct {
	TaskID         string         `json:"task_id"`
	Name           string         `json:"name"`
	Type           TaskType       `json:"type"`
	Status         TaskStatus     `json:"status"`
	Recurrence     Recurrence     `json:"recurrence"`
	Payload        json.RawMessage `json:"payload"`
	DeviceIDs      []string       `json:"device_ids,omitempty"`
	GroupIDs       []string       `json:"group_ids,omitempty"`
	LastExecution  time.Time      `json:"last_execution,omitempty"`
	NextExecution  time.Time      `json:"next_execution,omitempty"`
	ExecutionCount int            `json:"execution_count"`
	History        []TaskExecution `json:"history,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

var (
	ErrTaskNotFound       = errors.New("schedule: task not found")
	ErrOnceInPast         = errors.New("schedule: a once-task's scheduled_time must be in the future")
	ErrNotPaused          = errors.New("schedule: resume requires a paused task")
	ErrUnknownRecurrence  = errors.New("schedule: unknown recurrence kind")
	ErrMaxInstancesActive = errors.New("schedule: task already has the maximum number of concurrent instances running")
)
