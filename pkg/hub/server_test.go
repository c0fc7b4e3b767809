package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestServer_ConnectedNodeIDsEmpty(t *testing.T) {
	srv := NewServer(ServerConfig{}, "", testLogger())
	assert.Empty(t, srv.ConnectedNodeIDs())
}

func TestServer_SendNoConnection(t *testing.T) {
	srv := NewServer(ServerConfig{}, "", testLogger())
	err := srv.Send(context.Background(), "missing", EventStartShellRequest, map[string]string{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestServer_AgentRegisterAndDispatch(t *testing.T) {
	srv := NewServer(ServerConfig{HeartbeatTimeout: time.Hour}, "", testLogger())

	registered := make(chan string, 1)
	srv.On(EventAgentRegister, func(peerID string, env Envelope) {
		registered <- peerID
	})

	ts := httptest.NewServer(srv.buildMux())
	defer ts.Close()

	wsURL := "ws" + ts.URL[4:] + "/hub/agent"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	require.NoError(t, wsjson.Write(ctx, conn, Envelope{
		Type:      EventAgentRegister,
		NodeID:    "node-a",
		Timestamp: time.Now(),
	}))

	select {
	case peerID := <-registered:
		assert.Equal(t, "node-a", peerID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for agent_register dispatch")
	}

	assert.Contains(t, srv.ConnectedNodeIDs(), "node-a")
}

func TestServer_SendReachesAgent(t *testing.T) {
	srv := NewServer(ServerConfig{HeartbeatTimeout: time.Hour}, "", testLogger())

	ts := httptest.NewServer(srv.buildMux())
	defer ts.Close()

	wsURL := "ws" + ts.URL[4:] + "/hub/agent"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	require.NoError(t, wsjson.Write(ctx, conn, Envelope{Type: EventAgentRegister, NodeID: "node-b", Timestamp: time.Now()}))

	// Wait until the server has bound the connection.
	require.Eventually(t, func() bool { return srv.IsConnected("node-b") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Send(ctx, "node-b", EventStartShellRequest, map[string]string{"shell": "bash"}))

	var env Envelope
	require.NoError(t, wsjson.Read(ctx, conn, &env))
	assert.Equal(t, EventStartShellRequest, env.Type)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "bash", payload["shell"])
}

func TestServer_HealthEndpoint(t *testing.T) {
	srv := NewServer(ServerConfig{}, "", testLogger())
	ts := httptest.NewServer(srv.buildMux())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/hub/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	assert.Equal(t, "ok", body["status"])
}
