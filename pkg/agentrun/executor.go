// Package agentrun wires an agent's shell supervisor, destructive-command
// classifier, and snapshot engine into the single operation a controller
// actually drives: "run this command in this session and tell me what
// happened."
package agentrun

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fleetwarden/fleetwarden/pkg/classify"
	"github.com/fleetwarden/fleetwarden/pkg/shell"
	"github.com/fleetwarden/fleetwarden/pkg/snapshot"
	"github.com/fleetwarden/fleetwarden/pkg/tools"
)

// quiescenceWait is the fixed wait after dispatch before the executor reads
// back whatever output has accumulated. Preserved verbatim rather than
// redesigned into a proper end-of-output detector: real shells give no
// portable signal that a command has finished producing output short of
// parsing a synthetic sentinel into the prompt, which the substring-based
// error scan below makes unnecessary for this component's purposes.
const quiescenceWait = 500 * time.Millisecond

// errorSubstrings is scanned case-insensitively against accumulated output;
// any match marks the command unsuccessful regardless of shell exit status
// (interactive sessions don't expose one uniformly across shells).
var errorSubstrings = []string{
	"Access is denied",
	"The system cannot find",
	"Permission denied",
	"No such file or directory",
	"command not found",
	"is not recognized as an internal or external command",
	"The filename, directory name, or volume label syntax is incorrect",
	"Cannot remove",
	"Failed to",
	"Error:",
	"FATAL:",
	"syntax error",
	"cannot access",
}

// Result is what a completed command dispatch reports upstream.
type Result struct {
	CommandID  string `json:"command_id"`
	Success    bool   `json:"success"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	SnapshotID string `json:"snapshot_id,omitempty"`
}

// ForwardFunc streams raw output chunks onward (e.g. to the hub) as they
// arrive, independent of the completion result.
type ForwardFunc func(sessionID, chunk string)

// Executor dispatches commands into an agent's shell sessions, optionally
// snapshotting first, and reports a single completion result per command.
type Executor struct {
	logger       *slog.Logger
	supervisor   *shell.Supervisor
	snapshots    *snapshot.Engine
	forward      ForwardFunc
	autoSnapshot bool

	mu       sync.Mutex
	captures map[string]*strings.Builder // session_id -> active command's buffer
}

// NewExecutor builds a command executor. forward receives every output
// chunk as it streams in, for live display; the executor additionally
// buffers each command's own output to produce its completion Result.
func NewExecutor(logger *slog.Logger, snapshots *snapshot.Engine, autoSnapshot bool, forward ForwardFunc) *Executor {
	e := &Executor{
		logger:       logger,
		snapshots:    snapshots,
		forward:      forward,
		autoSnapshot: autoSnapshot,
		captures:     make(map[string]*strings.Builder),
	}
	e.supervisor = shell.NewSupervisor(logger, e.onOutput)
	return e
}

// Supervisor exposes the underlying shell supervisor for session lifecycle
// operations (start/stop/interrupt/suspend) that don't go through Execute.
func (e *Executor) Supervisor() *shell.Supervisor { return e.supervisor }

func (e *Executor) onOutput(sessionID, chunk string) {
	e.forward(sessionID, chunk)

	e.mu.Lock()
	buf, ok := e.captures[sessionID]
	e.mu.Unlock()
	if ok {
		buf.WriteString(chunk)
	}
}

// Execute runs command in sessionID's shell, optionally snapshotting first,
// and returns the completion Result once the quiescence wait elapses.
func (e *Executor) Execute(sessionID, commandID, command, workingDir string) (Result, error) {
	result := Result{CommandID: commandID}

	analysis := classify.Analyze(command)
	if e.autoSnapshot && analysis.IsDestructive && analysis.RequiresBackup && e.snapshots != nil {
		id, err := e.snapshots.CreateSnapshot(command, workingDir, "", 0, nil, nil)
		if err != nil {
			e.logger.Warn("pre-execution snapshot failed, proceeding without one", "command_id", commandID, "error", err)
		} else {
			result.SnapshotID = id
		}
	}

	buf := &strings.Builder{}
	e.mu.Lock()
	e.captures[sessionID] = buf
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.captures, sessionID)
		e.mu.Unlock()
	}()

	if err := e.supervisor.Execute(sessionID, command); err != nil {
		return Result{}, fmt.Errorf("dispatch command %s: %w", commandID, err)
	}

	time.Sleep(quiescenceWait)

	output := buf.String()
	result.Output = output
	if msg, found := scanForError(output); found {
		result.Success = false
		result.Error = msg
		result.Output = tools.EnrichErrorOutput(output)
	} else {
		result.Success = true
	}
	return result, nil
}

// scanForError reports the first matching error substring found in output,
// case-insensitively.
func scanForError(output string) (string, bool) {
	lower := strings.ToLower(output)
	for _, sub := range errorSubstrings {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return sub, true
		}
	}
	return "", false
}
