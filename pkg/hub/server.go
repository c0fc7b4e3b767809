package hub

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Server brokers connections between the controller and endpoint agents.
// Agents dial in outbound — no inbound ports required on managed hosts.
type Server struct {
	config ServerConfig
	logger *slog.Logger

	authToken string

	mu        sync.RWMutex
	conns     map[string]*conn
	handlers  map[EventType][]Handler
	onConnect []func(nodeID string)
	onDisconnect []func(nodeID string)

	httpSrv *http.Server
}

// conn is one bound WebSocket connection to a peer node.
type conn struct {
	nodeID      string
	ws          *websocket.Conn
	connectedAt time.Time
	remoteAddr  string

	mu            sync.Mutex
	lastHeartbeat time.Time
}

// NewServer creates a hub server. authToken, if non-empty, is accepted as a
// bearer-token fallback for agents that connect without a client certificate.
func NewServer(config ServerConfig, authToken string, logger *slog.Logger) *Server {
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = 90 * time.Second
	}
	return &Server{
		config:    config,
		logger:    logger,
		authToken: authToken,
		conns:     make(map[string]*conn),
		handlers:  make(map[EventType][]Handler),
	}
}

// On registers a handler invoked whenever an envelope of the given type
// arrives from any connected agent. Multiple handlers for the same event
// type all run, in registration order.
func (s *Server) On(eventType EventType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[eventType] = append(s.handlers[eventType], h)
}

// OnConnect registers a callback fired when an agent's connection binds.
func (s *Server) OnConnect(f func(nodeID string)) {
	s.mu.Lock()
	s.onConnect = append(s.onConnect, f)
	s.mu.Unlock()
}

// OnDisconnect registers a callback fired when an agent's connection drops.
func (s *Server) OnDisconnect(f func(nodeID string)) {
	s.mu.Lock()
	s.onDisconnect = append(s.onDisconnect, f)
	s.mu.Unlock()
}

// Send pushes one event to a specific connected node. Returns ErrNotConnected
// if the node has no bound connection.
func (s *Server) Send(ctx context.Context, nodeID string, eventType EventType, payload any) error {
	s.mu.RLock()
	c, ok := s.conns[nodeID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send %s to %s: %w", eventType, nodeID, ErrNotConnected)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{
		Type:      eventType,
		NodeID:    nodeID,
		Payload:   raw,
		Timestamp: time.Now(),
	}
	return wsjson.Write(ctx, c.ws, env)
}

// Broadcast pushes one event to every currently connected node.
func (s *Server) Broadcast(ctx context.Context, eventType EventType, payload any) {
	s.mu.RLock()
	targets := make([]string, 0, len(s.conns))
	for id := range s.conns {
		targets = append(targets, id)
	}
	s.mu.RUnlock()

	for _, id := range targets {
		if err := s.Send(ctx, id, eventType, payload); err != nil {
			s.logger.Warn("broadcast send failed", "node_id", id, "event", eventType, "error", err)
		}
	}
}

// ConnectedNodeIDs returns the node IDs with a currently bound connection.
func (s *Server) ConnectedNodeIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// IsConnected reports whether a node currently has a bound connection.
func (s *Server) IsConnected(nodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[nodeID]
	return ok
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/hub/agent", s.handleAgentConnect)
	mux.HandleFunc("/hub/health", s.handleHealth)
	return mux
}

// Start runs the hub's HTTP(S) listener until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.buildMux()
	s.httpSrv = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	s.logger.Info("hub server starting", "addr", s.config.ListenAddr)

	go s.staleConnSweep(ctx)

	var err error
	switch {
	case s.config.MTLS != nil && s.config.MTLS.CACertFile != "":
		tlsCfg, tlsErr := ServerTLSConfig(*s.config.MTLS)
		if tlsErr != nil {
			return fmt.Errorf("mTLS setup: %w", tlsErr)
		}
		s.httpSrv.TLSConfig = tlsCfg
		s.logger.Info("hub server using mTLS", "ca_cert", s.config.MTLS.CACertFile,
			"require_client_cert", s.config.MTLS.RequireClientCert)
		listener, lisErr := tls.Listen("tcp", s.config.ListenAddr, tlsCfg)
		if lisErr != nil {
			return lisErr
		}
		err = s.httpSrv.Serve(listener)

	case s.config.TLSCertFile != "" && s.config.TLSKeyFile != "":
		s.logger.Info("hub server using TLS (server-only, no mTLS)")
		err = s.httpSrv.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)

	default:
		if !strings.HasPrefix(s.config.ListenAddr, "127.0.0.1") && !strings.HasPrefix(s.config.ListenAddr, "localhost") {
			s.logger.Warn("hub server starting WITHOUT TLS on non-localhost address", "addr", s.config.ListenAddr)
		}
		err = s.httpSrv.ListenAndServe()
	}

	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the hub server and closes all bound connections.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.conns {
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.conns = make(map[string]*conn)
	s.mu.Unlock()

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	var mtlsIdentity *ClientIdentity
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		id, err := VerifyClientCert(r.TLS)
		if err != nil {
			s.logger.Warn("mTLS client cert verification failed", "error", err, "remote", r.RemoteAddr)
			http.Error(w, "certificate verification failed", http.StatusForbidden)
			return
		}
		mtlsIdentity = id
		s.logger.Info("mTLS authenticated", "agent_id", id.AgentID, "fingerprint", id.Fingerprint)
	} else if s.authToken != "" {
		token := r.Header.Get("Authorization")
		expected := "Bearer " + s.authToken
		if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	} else if s.config.MTLS != nil && s.config.MTLS.RequireClientCert {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: false})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}

	ctx := r.Context()
	var reg Envelope
	if err := wsjson.Read(ctx, ws, &reg); err != nil {
		s.logger.Error("failed to read registration", "error", err)
		ws.Close(websocket.StatusProtocolError, "registration failed")
		return
	}
	if reg.Type != EventAgentRegister {
		ws.Close(websocket.StatusProtocolError, "expected agent_register")
		return
	}

	nodeID := reg.NodeID
	if nodeID == "" {
		if mtlsIdentity != nil {
			nodeID = mtlsIdentity.AgentID
		} else {
			ws.Close(websocket.StatusProtocolError, "node_id required")
			return
		}
	}
	if mtlsIdentity != nil && nodeID != mtlsIdentity.AgentID {
		s.logger.Warn("node_id mismatch with mTLS cert", "registration_id", nodeID, "cert_cn", mtlsIdentity.AgentID)
		ws.Close(websocket.StatusProtocolError, "node_id does not match certificate CN")
		return
	}

	c := &conn{
		nodeID:        nodeID,
		ws:            ws,
		connectedAt:   time.Now(),
		remoteAddr:    r.RemoteAddr,
		lastHeartbeat: time.Now(),
	}

	s.mu.Lock()
	if existing, ok := s.conns[nodeID]; ok {
		existing.ws.Close(websocket.StatusGoingAway, "reconnecting")
		s.logger.Info("replacing stale connection", "node_id", nodeID)
	}
	s.conns[nodeID] = c
	fns := append([]func(string){}, s.onConnect...)
	s.mu.Unlock()

	s.logger.Info("agent connected", "node_id", nodeID, "remote_addr", r.RemoteAddr)

	for _, f := range fns {
		f(nodeID)
	}
	s.dispatch(nodeID, reg)

	s.processConnMessages(ctx, c)

	s.mu.Lock()
	if current, ok := s.conns[nodeID]; ok && current == c {
		delete(s.conns, nodeID)
	}
	fns = append([]func(string){}, s.onDisconnect...)
	s.mu.Unlock()

	for _, f := range fns {
		f(nodeID)
	}
	s.logger.Info("agent disconnected", "node_id", nodeID)
}

func (s *Server) processConnMessages(ctx context.Context, c *conn) {
	for {
		var env Envelope
		if err := wsjson.Read(ctx, c.ws, &env); err != nil {
			if websocket.CloseStatus(err) != -1 {
				s.logger.Debug("agent connection closed", "node_id", c.nodeID)
			} else {
				s.logger.Error("error reading from agent", "node_id", c.nodeID, "error", err)
			}
			return
		}

		if env.Type == EventAgentHeartbeat {
			c.mu.Lock()
			c.lastHeartbeat = time.Now()
			c.mu.Unlock()
		}

		s.dispatch(c.nodeID, env)
	}
}

func (s *Server) dispatch(nodeID string, env Envelope) {
	s.mu.RLock()
	handlers := append([]Handler{}, s.handlers[env.Type]...)
	s.mu.RUnlock()

	for _, h := range handlers {
		h(nodeID, env)
	}
}

// staleConnSweep drops connections that have gone silent past
// HeartbeatTimeout. This is a transport-level cleanup distinct from
// pkg/fleet's 30s liveness window: it only fires when a connection truly
// stops sending agent_heartbeat frames (other frames do not reset the
// timer), well past the point the fleet roster would
// already have marked the node unreachable.
func (s *Server) staleConnSweep(ctx context.Context) {
	ticker := time.NewTicker(s.config.HeartbeatTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.config.HeartbeatTimeout)
			s.mu.RLock()
			var stale []*conn
			for _, c := range s.conns {
				c.mu.Lock()
				last := c.lastHeartbeat
				c.mu.Unlock()
				if last.Before(cutoff) {
					stale = append(stale, c)
				}
			}
			s.mu.RUnlock()
			for _, c := range stale {
				s.logger.Warn("dropping stale connection", "node_id", c.nodeID)
				c.ws.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	count := len(s.conns)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"connected_nodes": count,
		"timestamp":       time.Now(),
	})
}
