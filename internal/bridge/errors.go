package bridge

import "errors"

// Error kinds surfaced to dispatcher and batch-executor callers. Named
// semantically per the wire protocol's error model rather than by
// underlying transport error type.
var (
	ErrNotConnected      = errors.New("bridge: not connected")
	ErrToolTimeout       = errors.New("bridge: tool call timed out")
	ErrBridgeDisconnected = errors.New("bridge: disconnected")
	ErrBridgeReattached  = errors.New("bridge: reattached to a new session")
	ErrCompilationTimeout = errors.New("bridge: compilation wait timed out")
	ErrUnknownCommand    = errors.New("bridge: unknown commandId")
)

// ToolFailedError wraps the error message carried on a command:result
// frame with ok=false.
type ToolFailedError struct {
	Message string
}

func (e *ToolFailedError) Error() string {
	if e.Message == "" {
		return "bridge: tool call failed"
	}
	return "bridge: tool call failed: " + e.Message
}
