// Package hub is the controller↔agent transport: a WebSocket-based message
// bus with an evented publish/subscribe contract rather than request/response
// RPC. Controllers and agents each register handlers for the event types they
// care about with On, and push events to a peer with Send. Correlation of a
// "request" to its eventual "result" event (e.g. execute_deployment_command
// to deployment_command_completed) is the caller's responsibility, carried
// in the event payload (command_id, request_id) — the hub itself does not block a Send waiting
// for a matching reply.
package hub

import (
	"encoding/json"
	"errors"
	"time"
)

// EventType names a message traveling over the hub in either direction.
type EventType string

// Agent → controller events.
const (
	EventAgentRegister              EventType = "agent_register"
	EventAgentHeartbeat             EventType = "agent_heartbeat"
	EventCommandOutput               EventType = "command_output"
	EventShellStarted                EventType = "shell_started"
	EventShellStopped                EventType = "shell_stopped"
	EventDeploymentCommandOutput     EventType = "deployment_command_output"
	EventDeploymentCommandCompleted  EventType = "deployment_command_completed"
	EventRollbackResult              EventType = "rollback_result"
	EventBatchRollbackResult         EventType = "batch_rollback_result"
	EventSoftwareInstallationStatus  EventType = "software_installation_status"
	EventFileTransferResult          EventType = "file_transfer_result"
)

// Controller → agent events.
const (
	EventStartShellRequest        EventType = "start_shell_request"
	EventStopShellRequest         EventType = "stop_shell_request"
	EventCommandInput             EventType = "command_input"
	EventExecuteDeploymentCommand EventType = "execute_deployment_command"
	EventRollbackCommand          EventType = "rollback_command"
	EventRollbackBatch            EventType = "rollback_batch"
	EventInstallSoftware          EventType = "install_software"
	EventReceiveFile              EventType = "receive_file"
)

// Envelope is the wire message exchanged between a hub and one peer.
type Envelope struct {
	Type      EventType       `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	NodeID    string          `json:"node_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler processes one inbound envelope from a given peer node. It returns
// nothing, and the hub sends no automatic reply, since the protocol is
// evented rather than request/response.
type Handler func(peerID string, env Envelope)

var (
	ErrNotConnected  = errors.New("hub: node not connected")
	ErrAlreadyClosed = errors.New("hub: connection closed")
)

// ServerConfig configures the controller-side hub listener.
type ServerConfig struct {
	ListenAddr string `json:"listen_addr" env:"FLEETWARDEN_HUB_LISTEN" envDefault:":8443"`

	// MTLS, if non-nil with a CACertFile, verifies agent client certificates
	// against that CA; a certificate is demanded only when RequireClientCert
	// is set.
	MTLS *MTLSConfig `json:"mtls,omitempty"`

	// TLSCertFile/TLSKeyFile enable plain server-side TLS (no client cert
	// requirement) when MTLS is not configured. Both empty means the hub
	// serves plaintext WebSocket — fine for a trusted internal network or
	// local development, never for a public listener.
	TLSCertFile string `json:"tls_cert_file,omitempty" env:"FLEETWARDEN_HUB_TLS_CERT"`
	TLSKeyFile  string `json:"tls_key_file,omitempty" env:"FLEETWARDEN_HUB_TLS_KEY"`

	// HeartbeatTimeout is how long the hub waits without an agent_heartbeat
	// frame before considering a bound connection stale and dropping it.
	// Kept generous relative to the fleet package's 30s liveness window so
	// a single missed heartbeat doesn't flap the transport.
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout" env:"FLEETWARDEN_HUB_HEARTBEAT_TIMEOUT" envDefault:"90s"`
}

// AgentConfig configures the agent-side hub client.
type AgentConfig struct {
	ServerURL string `json:"server_url" env:"FLEETWARDEN_HUB_URL,required"`
	NodeID    string `json:"node_id" env:"FLEETWARDEN_NODE_ID"`

	MTLS *MTLSConfig `json:"mtls,omitempty"`

	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty" env:"FLEETWARDEN_HUB_INSECURE"`

	// HeartbeatInterval is the nominal agent_heartbeat cadence (spec: ~30s).
	HeartbeatInterval time.Duration `json:"heartbeat_interval" env:"FLEETWARDEN_HEARTBEAT_INTERVAL" envDefault:"30s"`

	// Reconnect backoff: delay is multiplied by BackoffFactor each failed dial,
	// starting at BackoffBase, capped at BackoffMax.
	BackoffBase   time.Duration `json:"backoff_base" env:"FLEETWARDEN_HUB_BACKOFF_BASE" envDefault:"2s"`
	BackoffFactor float64       `json:"backoff_factor" env:"FLEETWARDEN_HUB_BACKOFF_FACTOR" envDefault:"1.2"`
	BackoffMax    time.Duration `json:"backoff_max" env:"FLEETWARDEN_HUB_BACKOFF_MAX" envDefault:"10s"`
}

// nextBackoff advances the reconnect delay by one failed attempt, applying
// BackoffFactor and clamping to BackoffMax. The zero value for cur is treated
// as BackoffBase for the first call.
func nextBackoff(cur time.Duration, cfg AgentConfig) time.Duration {
	if cur <= 0 {
		return cfg.BackoffBase
	}
	next := time.Duration(float64(cur) * cfg.BackoffFactor)
	if next > cfg.BackoffMax {
		return cfg.BackoffMax
	}
	return next
}
