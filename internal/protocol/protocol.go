// Package protocol implements the wire codec (C1) for the Unity bridge
// link: a single JSON-per-frame tagged union discriminated by "type".
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message types understood on the wire. Server -> Unity types are the ones
// this process ever encodes; Unity -> Server types are the ones it decodes.
const (
	TypePing            = "ping"
	TypeCommandExecute   = "command:execute"
	TypeServerInfo       = "server:info"
	TypeHello            = "hello"
	TypeHeartbeat        = "heartbeat"
	TypeContextUpdate    = "context:update"
	TypeCommandResult    = "command:result"
	TypeCompileStarted   = "compilation:started"
	TypeCompileProgress  = "compilation:progress"
	TypeCompileComplete  = "compilation:complete"
	TypeBridgeRestarted  = "bridge:restarted"
)

// Envelope is the single flat struct covering every wire variant. Fields
// unused by a given Type are simply omitted on encode and left at their
// zero value on decode. This mirrors the wire schema directly rather than
// modeling each variant as its own Go type, since every variant shares one
// JSON object shape discriminated by Type.
type Envelope struct {
	Type string `json:"type"`

	// ping / heartbeat
	Timestamp int64 `json:"timestamp,omitempty"`

	// command:execute / command:result
	CommandID    string          `json:"commandId,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	OK           *bool           `json:"ok,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`

	// server:info
	ClientInfo map[string]interface{} `json:"clientInfo,omitempty"`

	// hello / bridge:restarted
	SessionID    string `json:"sessionId,omitempty"`
	UnityVersion string `json:"unityVersion,omitempty"`
	ProjectName  string `json:"projectName,omitempty"`
	Token        string `json:"token,omitempty"`
	Reason       string `json:"reason,omitempty"`

	// compilation:progress
	Status         string  `json:"status,omitempty"`
	ElapsedSeconds float64 `json:"elapsedSeconds,omitempty"`
}

// CompilationResult is the decoded payload of a compilation:complete frame,
// and the shape synthesized for a bridge:restarted resolution.
type CompilationResult struct {
	Success         bool     `json:"success"`
	Completed       bool     `json:"completed"`
	HasErrors       bool     `json:"hasErrors"`
	HasWarnings     bool     `json:"hasWarnings"`
	Errors          []string `json:"errors,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	ErrorCount      int      `json:"errorCount"`
	WarningCount    int      `json:"warningCount"`
	ElapsedSeconds  float64  `json:"elapsedSeconds"`
	Message         string   `json:"message,omitempty"`
	BridgeRestarted bool     `json:"bridgeRestarted,omitempty"`
	Reason          string   `json:"reason,omitempty"`
}

// Encode marshals an outbound envelope. A message with an empty Type is a
// programmer error, not a runtime condition, so it panics rather than
// returning an error.
func Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		panic("protocol: encoding envelope with empty type")
	}
	return json.Marshal(env)
}

// Decode unmarshals an inbound frame. Decode errors are the caller's
// signal to drop the frame and keep the link open (§4.1): they are never
// fatal to the session.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("protocol: decode frame: missing type")
	}
	return env, nil
}

// NewCommandExecute builds the outbound command:execute envelope for a
// tool invocation.
func NewCommandExecute(commandID, toolName string, payload json.RawMessage) Envelope {
	return Envelope{
		Type:      TypeCommandExecute,
		CommandID: commandID,
		ToolName:  toolName,
		Payload:   payload,
	}
}

// NewPing builds the outbound ping liveness beacon.
func NewPing(timestampMS int64) Envelope {
	return Envelope{Type: TypePing, Timestamp: timestampMS}
}

// NewServerInfo builds the optional post-hello metadata frame.
func NewServerInfo(clientInfo map[string]interface{}) Envelope {
	return Envelope{Type: TypeServerInfo, ClientInfo: clientInfo}
}
