// Package transport implements the per-connection WebSocket state
// machine and the encrypted frame envelope described in spec §4.3.
// Every frame, both directions, is a crypto.Envelope; the decrypted
// plaintext is a JSON object carrying a "type" discriminant. Grounded
// on getfinn-finn's internal/websocket/client.go, inverted from a
// client that dials out to a relay into a server that accepts inbound
// connections, keeping the same read/write-pump shape.
package transport

import (
	"encoding/json"

	"github.com/pairdaemon/pairdaemon/internal/store"
)

// Client -> server message types.
const (
	TypeAuth          = "auth"
	TypeMessage       = "message"
	TypeCancel        = "cancel"
	TypePushSubscribe = "push-subscribe"
)

// Server -> client message types.
const (
	TypeAuthOK           = "auth_ok"
	TypeAuthError        = "auth_error"
	TypeThinking         = "thinking"
	TypeText             = "text"
	TypeToolUse          = "tool_use"
	TypeToolResult       = "tool_result"
	TypeDone             = "done"
	TypeError            = "error"
	TypeStreamingRestore = "streaming_restore"
	TypeReload           = "reload"
)

// ClientMessage is the decrypted plaintext of any inbound frame. Every
// client->server type uses a subset of these fields; unrecognized
// Type values are dropped silently for forward compatibility (spec §9).
type ClientMessage struct {
	Type      string            `json:"type"`
	Pin       string            `json:"pin,omitempty"`
	Text      string            `json:"text,omitempty"`
	ProjectID string            `json:"projectId,omitempty"`
	Endpoint  string            `json:"endpoint,omitempty"`
	Keys      map[string]string `json:"keys,omitempty"`
}

// ServerMessage is the decrypted plaintext of any outbound frame.
type ServerMessage struct {
	Type             string           `json:"type"`
	ActiveProjectIDs []string         `json:"activeProjectIds,omitempty"`
	SessionID        string           `json:"sessionId,omitempty"`
	Error            string           `json:"error,omitempty"`
	ProjectID        string           `json:"projectId,omitempty"`
	Text             string           `json:"text,omitempty"`
	Thinking         string           `json:"thinking,omitempty"`
	ToolUse          json.RawMessage  `json:"toolUse,omitempty"`
	ToolResult       json.RawMessage  `json:"toolResult,omitempty"`
	Activity         []store.Activity `json:"activity,omitempty"`
}
