// Package group runs a command or an ordered sequence of commands across a
// set of agents, aggregating per-device results into one execution record
// and dispatching commands through the hub's evented transport.
package group

import (
	"errors"
	"time"

	"github.com/fleetwarden/fleetwarden/pkg/fleet"
)

// Status is the terminal or in-flight aggregate status of an execution or
// batch.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusPartialSuccess Status = "partial_success"
	StatusFailed         Status = "failed"
)

var (
	ErrExecutionNotFound = errors.New("group: execution not found")
	ErrBatchNotFound     = errors.New("group: batch not found")
)

// DeviceResult is one target's outcome within a GroupExecution.
type DeviceResult struct {
	DeviceID   fleet.NodeID `json:"device_id"`
	DeviceName string       `json:"device_name"`
	Status     Status       `json:"status"`
	Output     string       `json:"output,omitempty"`
	Error      string       `json:"error,omitempty"`
	CommandID  string       `json:"command_id,omitempty"`
	SnapshotID string       `json:"snapshot_id,omitempty"`
	StartedAt  time.Time    `json:"started_at,omitempty"`
	EndedAt    time.Time    `json:"ended_at,omitempty"`
}

// GroupExecution is one command dispatched across a set of devices.
type GroupExecution struct {
	ExecutionID string                  `json:"execution_id"`
	GroupID     string                  `json:"group_id"`
	GroupName   string                  `json:"group_name"`
	Command     string                  `json:"command"`
	Shell       string                  `json:"shell"`
	Strategy    string                  `json:"strategy"`
	Status      Status                  `json:"status"`
	Total       int                     `json:"total"`
	Successful  int                     `json:"successful"`
	Failed      int                     `json:"failed"`
	Devices     map[fleet.NodeID]*DeviceResult `json:"devices"`
	StartedAt   time.Time               `json:"started_at"`
	EndedAt     time.Time               `json:"ended_at,omitempty"`
}

// BatchExecution is an ordered sequence of commands run across the same
// device set, one GroupExecution per step.
type BatchExecution struct {
	BatchID       string   `json:"batch_id"`
	GroupID       string   `json:"group_id"`
	GroupName     string   `json:"group_name"`
	Commands      []string `json:"commands"`
	Shell         string   `json:"shell"`
	StopOnFailure bool     `json:"stop_on_failure"`
	CurrentIndex  int      `json:"current_index"`
	Steps         []string `json:"steps"` // execution ids, in order started
	Status        Status   `json:"status"`
	Cancelled     bool     `json:"-"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at,omitempty"`
}
