package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwarden/fleetwarden/pkg/fleet"
	"github.com/fleetwarden/fleetwarden/pkg/group"
)

type fakeGroupRunner struct {
	executions map[string]*group.GroupExecution
	batches    map[string]*group.BatchExecution
}

func newFakeGroupRunner() *fakeGroupRunner {
	return &fakeGroupRunner{
		executions: make(map[string]*group.GroupExecution),
		batches:    make(map[string]*group.BatchExecution),
	}
}

func (f *fakeGroupRunner) ExecuteGroupCommand(ctx context.Context, req group.GroupCommandRequest) (string, error) {
	id := "exec-1"
	f.executions[id] = &group.GroupExecution{ExecutionID: id, Status: group.StatusCompleted, Total: len(req.Devices)}
	return id, nil
}

func (f *fakeGroupRunner) ExecuteBatchSequential(ctx context.Context, req group.BatchRequest) (string, error) {
	id := "batch-1"
	f.batches[id] = &group.BatchExecution{BatchID: id, Status: group.StatusCompleted}
	return id, nil
}

func (f *fakeGroupRunner) GetExecution(executionID string) (*group.GroupExecution, bool) {
	e, ok := f.executions[executionID]
	return e, ok
}

func (f *fakeGroupRunner) GetBatch(batchID string) (*group.BatchExecution, error) {
	b, ok := f.batches[batchID]
	if !ok {
		return nil, group.ErrBatchNotFound
	}
	return b, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedRoster(t *testing.T) *fleet.MemoryStore {
	t.Helper()
	store := fleet.NewMemoryStore()
	require.NoError(t, store.RegisterNode(context.Background(), &fleet.Node{
		ID: "node-1", Hostname: "node-1", Status: fleet.NodeOnline, Groups: []fleet.GroupName{"prod"},
	}))
	return store
}

func newTestServer(t *testing.T) (*Server, *fakeGroupRunner) {
	roster := seedRoster(t)
	runner := newFakeGroupRunner()
	s := New(Deps{
		Logger:    testLogger(),
		Roster:    roster,
		NodeMgr:   fleet.NewNodeManager(roster, testLogger()),
		GroupExec: runner,
	})
	return s, runner
}

func TestHandleExec_DispatchesToMatchedDevices(t *testing.T) {
	s, runner := newTestServer(t)
	mux := s.Mux()

	body, _ := json.Marshal(map[string]any{
		"target":  map[string]any{"groups": []string{"prod"}},
		"command": "uptime",
		"shell":   "bash",
	})
	req := httptest.NewRequest("POST", "/v1/exec", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, 202, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "exec-1", resp["execution_id"])
	assert.Equal(t, 1, runner.executions["exec-1"].Total, "expected the matched node to be passed through to the executor")
}

func TestHandleExec_NoMatchingDevicesIsUnprocessable(t *testing.T) {
	s, _ := newTestServer(t)
	mux := s.Mux()

	body, _ := json.Marshal(map[string]any{
		"target":  map[string]any{"groups": []string{"nonexistent"}},
		"command": "uptime",
	})
	req := httptest.NewRequest("POST", "/v1/exec", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, 422, rr.Code)
}

func TestHandleGetExec_UnknownIDIs404(t *testing.T) {
	s, _ := newTestServer(t)
	mux := s.Mux()

	req := httptest.NewRequest("GET", "/v1/exec/does-not-exist", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, 404, rr.Code)
}

func TestHandleListFleet_FiltersByGroup(t *testing.T) {
	s, _ := newTestServer(t)
	mux := s.Mux()

	req := httptest.NewRequest("GET", "/v1/fleet?group=prod", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, 200, rr.Code)
	var nodes []fleet.Node
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, fleet.NodeID("node-1"), nodes[0].ID)
}

func TestHandleRegisterNode_RequiresID(t *testing.T) {
	s, _ := newTestServer(t)
	mux := s.Mux()

	body, _ := json.Marshal(map[string]any{"hostname": "no-id-here"})
	req := httptest.NewRequest("POST", "/v1/fleet/register", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, 400, rr.Code)
}

func TestHandleRegisterNode_Success(t *testing.T) {
	s, _ := newTestServer(t)
	mux := s.Mux()

	body, _ := json.Marshal(map[string]any{"id": "node-2", "hostname": "node-2", "address": "10.0.0.2:9000"})
	req := httptest.NewRequest("POST", "/v1/fleet/register", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, 201, rr.Code)

	listReq := httptest.NewRequest("GET", "/v1/fleet", nil)
	listRR := httptest.NewRecorder()
	mux.ServeHTTP(listRR, listReq)
	var nodes []fleet.Node
	require.NoError(t, json.Unmarshal(listRR.Body.Bytes(), &nodes))
	assert.Len(t, nodes, 2)
}
