// Package controlapi is the operator-facing HTTP surface the controller
// exposes alongside the agent-facing hub listener: the fleetwardend CLI
// subcommands (exec, batch, rollback, schedule, fleet) are thin JSON clients
// against these routes. Grounded on pkg/hub/server.go's plain net/http +
// http.ServeMux + manual JSON encode/decode idiom, reused here for a
// request/response API rather than a WebSocket.
package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/fleetwarden/fleetwarden/pkg/fleet"
	"github.com/fleetwarden/fleetwarden/pkg/group"
	"github.com/fleetwarden/fleetwarden/pkg/observability"
	"github.com/fleetwarden/fleetwarden/pkg/rollback"
	"github.com/fleetwarden/fleetwarden/pkg/schedule"
)

// GroupRunner is the subset of *group.Executor the API needs.
type GroupRunner interface {
	ExecuteGroupCommand(ctx context.Context, req group.GroupCommandRequest) (string, error)
	ExecuteBatchSequential(ctx context.Context, req group.BatchRequest) (string, error)
	GetExecution(executionID string) (*group.GroupExecution, bool)
	GetBatch(batchID string) (*group.BatchExecution, error)
}

// Deps wires the control API to the controller's live components.
type Deps struct {
	Logger    *slog.Logger
	Roster    fleet.Store
	NodeMgr   *fleet.NodeManager
	GroupExec GroupRunner
	Rollback  *rollback.Coordinator
	Scheduler *schedule.Scheduler
	Metrics   *observability.Registry
}

// Server serves the operator-facing control API.
type Server struct {
	deps Deps
}

// New builds a control API server and its route mux.
func New(deps Deps) *Server {
	return &Server{deps: deps}
}

// Mux builds the HTTP handler. Separate from New so callers (serve.go) can
// mount it under a prefix or merge it with other listeners.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/exec", s.handleExec)
	mux.HandleFunc("GET /v1/exec/{id}", s.handleGetExec)
	mux.HandleFunc("POST /v1/batch", s.handleBatch)
	mux.HandleFunc("GET /v1/batch/{id}", s.handleGetBatch)
	mux.HandleFunc("POST /v1/rollback", s.handleRollback)
	mux.HandleFunc("POST /v1/rollback/batch", s.handleRollbackBatch)
	mux.HandleFunc("POST /v1/schedule", s.handleCreateTask)
	mux.HandleFunc("GET /v1/schedule", s.handleListTasks)
	mux.HandleFunc("GET /v1/schedule/{id}", s.handleGetTask)
	mux.HandleFunc("POST /v1/schedule/{id}/pause", s.handlePauseTask)
	mux.HandleFunc("POST /v1/schedule/{id}/resume", s.handleResumeTask)
	mux.HandleFunc("POST /v1/schedule/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("GET /v1/fleet", s.handleListFleet)
	mux.HandleFunc("POST /v1/fleet/register", s.handleRegisterNode)
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) resolveTargets(ctx context.Context, sel fleet.TargetSelector) ([]*fleet.Node, error) {
	roster, err := s.deps.Roster.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list roster: %w", err)
	}
	devices := sel.Resolve(roster)
	if len(devices) == 0 {
		return nil, errors.New("no devices matched the target selector")
	}
	return devices, nil
}

type execRequest struct {
	Target   fleet.TargetSelector `json:"target"`
	GroupID  string               `json:"group_id"`
	Command  string               `json:"command"`
	Shell    string               `json:"shell"`
	Strategy string               `json:"strategy"`
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	devices, err := s.resolveTargets(r.Context(), req.Target)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.CommandsDispatched.WithLabelValues("single").Inc()
	}
	id, err := s.deps.GroupExec.ExecuteGroupCommand(r.Context(), group.GroupCommandRequest{
		GroupID: req.GroupID, Devices: devices, Command: req.Command, Shell: req.Shell, Strategy: req.Strategy,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": id})
}

func (s *Server) handleGetExec(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exec, ok := s.deps.GroupExec.GetExecution(id)
	if !ok {
		writeError(w, http.StatusNotFound, group.ErrExecutionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

type batchRequest struct {
	Target        fleet.TargetSelector `json:"target"`
	GroupID       string               `json:"group_id"`
	Commands      []string             `json:"commands"`
	Shell         string               `json:"shell"`
	StopOnFailure bool                 `json:"stop_on_failure"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	devices, err := s.resolveTargets(r.Context(), req.Target)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.CommandsDispatched.WithLabelValues("batch").Inc()
	}
	id, err := s.deps.GroupExec.ExecuteBatchSequential(r.Context(), group.BatchRequest{
		GroupID: req.GroupID, Devices: devices, Commands: req.Commands, Shell: req.Shell, StopOnFailure: req.StopOnFailure,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": id})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, err := s.deps.GroupExec.GetBatch(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type rollbackRequest struct {
	DeviceID   string `json:"device_id"`
	SnapshotID string `json:"snapshot_id"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.deps.Rollback.RollbackSnapshot(r.Context(), req.DeviceID, req.SnapshotID, 0)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type rollbackBatchRequest struct {
	DeviceID string `json:"device_id"`
	BatchID  string `json:"batch_id"`
}

func (s *Server) handleRollbackBatch(w http.ResponseWriter, r *http.Request) {
	var req rollbackBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.deps.Rollback.RollbackBatch(r.Context(), req.DeviceID, req.BatchID, 0)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var task schedule.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	if err := s.deps.Scheduler.CreateTask(r.Context(), &task); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Scheduler.ListTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Scheduler.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.PauseTask(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.ResumeTask(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.CancelTask(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListFleet(w http.ResponseWriter, r *http.Request) {
	groupFilter := r.URL.Query().Get("group")
	var (
		nodes []*fleet.Node
		err   error
	)
	if groupFilter != "" {
		nodes, err = s.deps.Roster.ListNodesByGroup(r.Context(), fleet.GroupName(groupFilter))
	} else {
		nodes, err = s.deps.Roster.ListNodes(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var node fleet.Node
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(string(node.ID)) == "" {
		writeError(w, http.StatusBadRequest, errors.New("id is required"))
		return
	}
	if err := s.deps.NodeMgr.Register(r.Context(), &node); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}
