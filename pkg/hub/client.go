package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// AgentClient runs on an endpoint agent, dialing the hub outbound and
// reconnecting with bounded backoff on failure.
type AgentClient struct {
	config AgentConfig
	logger *slog.Logger

	mu            sync.RWMutex
	handlers      map[EventType][]Handler
	connected     bool
	ws            *websocket.Conn
	onReconnect   func()

	stopCh chan struct{}
	once   sync.Once
}

// OnReconnectAttempt registers a callback fired each time the client begins
// a fresh reconnect attempt after a dropped connection. Intended for a
// metrics counter; at most one callback is kept.
func (a *AgentClient) OnReconnectAttempt(f func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onReconnect = f
}

// NewAgentClient creates a hub client for an endpoint agent.
func NewAgentClient(config AgentConfig, logger *slog.Logger) *AgentClient {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = 2 * time.Second
	}
	if config.BackoffFactor <= 1 {
		config.BackoffFactor = 1.2
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = 10 * time.Second
	}
	return &AgentClient{
		config:   config,
		logger:   logger,
		handlers: make(map[EventType][]Handler),
		stopCh:   make(chan struct{}),
	}
}

// On registers a handler for a controller→agent event type.
func (a *AgentClient) On(eventType EventType, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[eventType] = append(a.handlers[eventType], h)
}

// Send pushes one agent→controller event over the current connection.
// Returns ErrNotConnected if the client is mid-reconnect.
func (a *AgentClient) Send(ctx context.Context, eventType EventType, payload any) error {
	a.mu.RLock()
	ws := a.ws
	connected := a.connected
	a.mu.RUnlock()
	if !connected || ws == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{
		Type:      eventType,
		NodeID:    a.config.NodeID,
		Payload:   raw,
		Timestamp: time.Now(),
	}
	return wsjson.Write(ctx, ws, env)
}

// IsConnected reports whether the client currently has a bound connection.
func (a *AgentClient) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// Run connects to the hub and processes events, reconnecting with bounded
// backoff (base BackoffBase, multiplied by BackoffFactor each attempt,
// capped at BackoffMax) until ctx is cancelled or Stop is called.
func (a *AgentClient) Run(ctx context.Context) error {
	var delay time.Duration
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stopCh:
			return nil
		default:
		}

		err := a.connectAndServe(ctx)
		if err == nil {
			delay = 0
			continue
		}

		delay = nextBackoff(delay, a.config)
		a.logger.Error("hub connection lost, reconnecting", "error", err, "retry_in", delay)
		a.mu.RLock()
		cb := a.onReconnect
		a.mu.RUnlock()
		if cb != nil {
			cb()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stopCh:
			return nil
		case <-time.After(delay):
		}
	}
}

// Stop gracefully stops the client's reconnect loop.
func (a *AgentClient) Stop() {
	a.once.Do(func() { close(a.stopCh) })
}

func (a *AgentClient) connectAndServe(ctx context.Context) error {
	a.logger.Info("connecting to hub", "url", a.config.ServerURL, "node_id", a.config.NodeID)

	wsURL := a.config.ServerURL
	if !strings.HasPrefix(wsURL, "ws://") && !strings.HasPrefix(wsURL, "wss://") {
		wsURL = "wss://" + wsURL
	}
	if !strings.Contains(wsURL, "/hub/agent") {
		wsURL += "/hub/agent"
	}

	dialOpts := &websocket.DialOptions{}
	if a.config.MTLS != nil && a.config.MTLS.ClientCertFile != "" {
		tlsCfg, tlsErr := ClientTLSConfig(*a.config.MTLS)
		if tlsErr != nil {
			return fmt.Errorf("mTLS client setup: %w", tlsErr)
		}
		dialOpts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}}
		a.logger.Info("using mTLS authentication", "cert", a.config.MTLS.ClientCertFile)
	}

	ws, _, err := websocket.Dial(ctx, wsURL, dialOpts)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "agent stopping")

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = a.config.NodeID
	}
	regPayload, _ := json.Marshal(map[string]any{"hostname": hostname})
	reg := Envelope{
		Type:      EventAgentRegister,
		NodeID:    a.config.NodeID,
		Payload:   regPayload,
		Timestamp: time.Now(),
	}
	if err := wsjson.Write(ctx, ws, reg); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	a.mu.Lock()
	a.ws = ws
	a.connected = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.connected = false
		a.ws = nil
		a.mu.Unlock()
	}()

	a.logger.Info("connected to hub", "node_id", a.config.NodeID)

	errCh := make(chan error, 1)
	go func() { errCh <- a.processMessages(ctx, ws) }()

	heartbeat := time.NewTicker(a.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stopCh:
			return nil
		case err := <-errCh:
			return err
		case <-heartbeat.C:
			if err := a.Send(ctx, EventAgentHeartbeat, map[string]any{}); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
		}
	}
}

func (a *AgentClient) processMessages(ctx context.Context, ws *websocket.Conn) error {
	for {
		var env Envelope
		if err := wsjson.Read(ctx, ws, &env); err != nil {
			return err
		}

		a.mu.RLock()
		handlers := append([]Handler{}, a.handlers[env.Type]...)
		a.mu.RUnlock()

		for _, h := range handlers {
			go h(a.config.NodeID, env)
		}
	}
}
