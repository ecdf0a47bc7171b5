// Package protocol defines the JSON-line message types exchanged between
// the control plane and the bridge process inside each sandbox.
package protocol

import "encoding/json"

// CommandKind discriminates outbound messages (control plane → bridge).
type CommandKind string

const (
	CommandQuery     CommandKind = "query"
	CommandInterrupt CommandKind = "interrupt"
	CommandShutdown  CommandKind = "shutdown"
)

// Command is the envelope sent from the control plane to a bridge.
type Command struct {
	Type CommandKind `json:"type"`

	// Query fields
	SessionID              string `json:"session_id,omitempty"`
	Prompt                 string `json:"prompt,omitempty"`
	IncludePartialMessages bool   `json:"include_partial_messages,omitempty"`
}

// EventKind discriminates inbound messages (bridge → control plane).
type EventKind string

const (
	EventReady   EventKind = "ready"
	EventMessage EventKind = "message"
	EventError   EventKind = "error"
	EventDone    EventKind = "done"

	// EventDecodeError is synthesized locally for malformed lines; it never
	// appears on the wire.
	EventDecodeError EventKind = "decode_error"
)

// Event is the envelope sent from a bridge to the control plane. Message
// payloads are bridge-defined and passed through to clients untouched.
type Event struct {
	Type      EventKind       `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

const BridgeSocketName = "bridge.sock"
const WorkspaceDirName = "workspace"
const LogsDirName = "logs"

// MaxLineBytes caps a single encoded message. Payloads are arbitrary JSON
// from the agent; multi-megabyte messages are expected.
const MaxLineBytes = 16 * 1024 * 1024

// Env variables injected into every sandbox.
const (
	EnvSandboxID    = "ASH_SANDBOX_ID"
	EnvAgentDir     = "ASH_AGENT_DIR"
	EnvWorkspaceDir = "ASH_WORKSPACE_DIR"
	EnvBridgeSocket = "ASH_BRIDGE_SOCKET"
)
