// Package dispatcher implements the tool dispatcher (C7): resolves MCP
// tool calls to bridge commands, special-cases a handful of tools that
// need extra local bookkeeping, and shapes replies for the MCP client.
package dispatcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/unity-ai-forge/mcp-bridge/internal/bridge"
	"github.com/unity-ai-forge/mcp-bridge/internal/catalog"
)

// ErrUnknownTool is returned when a call names a tool absent from the
// catalog or its bridge-name mapping.
var ErrUnknownTool = errors.New("dispatcher: unknown tool")

const compilationStartPollWindow = 5 * time.Second
const compilationStartPollInterval = 500 * time.Millisecond
const assetCompileWaitTimeout = 60 * time.Second

// Dispatcher wires the catalog to the bridge manager.
type Dispatcher struct {
	log     *logrus.Logger
	manager *bridge.Manager
	catalog *catalog.Catalog
}

// New builds a Dispatcher.
func New(log *logrus.Logger, manager *bridge.Manager, cat *catalog.Catalog) *Dispatcher {
	return &Dispatcher{log: log, manager: manager, catalog: cat}
}

// ListTools returns the externally-loaded tool catalog verbatim. Pure and
// safe to call repeatedly and concurrently, independent of bridge
// connectivity (§4.7.3).
func (d *Dispatcher) ListTools() []catalog.Entry {
	return d.catalog.List()
}

// CallTool implements call_tool: resolves name, applies the ping /
// compilation-await / C# asset special cases, and otherwise passes
// arguments through as an opaque bridge command.
func (d *Dispatcher) CallTool(name string, arguments map[string]interface{}) (interface{}, error) {
	entry, ok := d.catalog.Lookup(name)
	if !ok {
		return nil, ErrUnknownTool
	}

	switch name {
	case "unity_ping":
		return d.callPing()
	case "unity_compilation_await":
		return d.callCompilationAwait(arguments)
	case "unity_asset_crud":
		return d.callAssetCRUD(entry, arguments)
	default:
		return d.invoke(entry, arguments)
	}
}

// invoke is the generic passthrough path: compute the wire timeout,
// translate the MCP name to the bridge name, and send the command.
func (d *Dispatcher) invoke(entry catalog.Entry, arguments map[string]interface{}) (interface{}, error) {
	if entry.BridgeName == "" {
		return nil, fmt.Errorf("%w: %s has no bridge-facing mapping", ErrUnknownTool, entry.MCPName)
	}
	if !d.manager.IsConnected() {
		return nil, bridge.ErrNotConnected
	}

	payload, err := json.Marshal(arguments)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: marshal arguments: %w", err)
	}

	result, err := d.manager.SendCommand(entry.BridgeName, payload, computeTimeout(arguments))
	if err != nil {
		return nil, err
	}

	var decoded interface{}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &decoded); err != nil {
			return nil, fmt.Errorf("dispatcher: decode result: %w", err)
		}
	}
	return decoded, nil
}

// InvokeByName resolves name through the catalog and invokes it via the
// generic passthrough path, bypassing every special case. Used by the
// sequential batch executor (§4.8: "translate its tool name (§4.7), send
// via manager.send_command").
func (d *Dispatcher) InvokeByName(name string, arguments map[string]interface{}) (interface{}, error) {
	entry, ok := d.catalog.Lookup(name)
	if !ok {
		return nil, ErrUnknownTool
	}
	return d.invoke(entry, arguments)
}

// computeTimeout derives the wire timeout per §4.3: (timeoutSeconds + 20)
// seconds if the caller supplied timeoutSeconds, else the 45s default.
func computeTimeout(arguments map[string]interface{}) time.Duration {
	if raw, ok := arguments["timeoutSeconds"]; ok {
		if seconds, ok := toFloat(raw); ok {
			return time.Duration((seconds + 20) * float64(time.Second))
		}
	}
	return bridge.DefaultCommandTimeout
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// callPing implements the ping special case: it does not forward the
// tool as-is, it reads the manager's heartbeat/session state and also
// round-trips a pingUnityEditor command for liveness.
func (d *Dispatcher) callPing() (interface{}, error) {
	if !d.manager.IsConnected() {
		return nil, bridge.ErrNotConnected
	}

	var bridgeResponse interface{}
	result, err := d.manager.SendCommand("pingUnityEditor", json.RawMessage(`{}`), bridge.DefaultCommandTimeout)
	if err == nil && len(result) > 0 {
		_ = json.Unmarshal(result, &bridgeResponse)
	}

	var lastHeartbeatAt int64
	if hb := d.manager.LastHeartbeat(); !hb.IsZero() {
		lastHeartbeatAt = hb.UnixMilli()
	}

	return map[string]interface{}{
		"connected":       true,
		"lastHeartbeatAt": lastHeartbeatAt,
		"bridgeResponse":  bridgeResponse,
	}, nil
}

// callCompilationAwait implements the two-phase compilation-await
// special case: first poll briefly for evidence a compile has started
// (the manager's local compiling flag), then delegate to
// manager.await_compilation for the remaining budget.
func (d *Dispatcher) callCompilationAwait(arguments map[string]interface{}) (interface{}, error) {
	timeout := bridge.DefaultCompilationTimeout
	if raw, ok := arguments["timeoutSeconds"]; ok {
		if seconds, ok := toFloat(raw); ok {
			timeout = time.Duration(seconds) * time.Second
		}
	}

	start := time.Now()
	wasCompiling := d.pollForCompilationStart(timeout)

	remaining := timeout - time.Since(start)
	if remaining <= 0 {
		remaining = time.Second
	}

	result, err := d.manager.AwaitCompilation(remaining)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"wasCompiling":         wasCompiling,
		"compilationCompleted": true,
		"waitTimeSeconds":      elapsed,
		"result":               result,
	}, nil
}

// pollForCompilationStart checks, for up to 5 seconds (or the whole
// budget if shorter), whether Unity's compile state has flipped to
// "compiling", using only the local state kept by the manager; no status
// query is sent to the bridge. Returns whether compilation was ever
// observed to be in progress during the poll.
func (d *Dispatcher) pollForCompilationStart(budget time.Duration) bool {
	window := compilationStartPollWindow
	if budget < window {
		window = budget
	}

	deadline := time.Now().Add(window)
	for {
		if d.manager.IsCompiling() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(compilationStartPollInterval)
	}
}

// callAssetCRUD implements the asset special case: after the bridge call
// returns, if the asset path ends in .cs, opportunistically await
// compilation and merge the result into the reply. Failure or timeout of
// the compile wait never fails the underlying operation.
func (d *Dispatcher) callAssetCRUD(entry catalog.Entry, arguments map[string]interface{}) (interface{}, error) {
	result, err := d.invoke(entry, arguments)
	if err != nil {
		return nil, err
	}

	operation, _ := arguments["operation"].(string)
	assetPath, _ := arguments["assetPath"].(string)

	if !isCompileTriggeringOp(operation) || !isCSharpAsset(assetPath) {
		return result, nil
	}

	compileResult, compileErr := d.manager.AwaitCompilation(assetCompileWaitTimeout)

	resultMap, ok := result.(map[string]interface{})
	if !ok {
		resultMap = map[string]interface{}{"result": result}
	}
	if compileErr != nil {
		resultMap["compilation"] = map[string]interface{}{"awaited": false, "error": compileErr.Error()}
	} else {
		resultMap["compilation"] = compileResult
	}
	return resultMap, nil
}

func isCompileTriggeringOp(operation string) bool {
	switch operation {
	case "create", "update", "delete":
		return true
	default:
		return false
	}
}

func isCSharpAsset(path string) bool {
	return len(path) > 3 && path[len(path)-3:] == ".cs"
}
