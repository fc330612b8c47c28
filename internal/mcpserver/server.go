// Package mcpserver wires the tool catalog and dispatcher into an MCP
// server speaking stdio, the transport the client drives this process
// over.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/unity-ai-forge/mcp-bridge/internal/batch"
	"github.com/unity-ai-forge/mcp-bridge/internal/catalog"
	"github.com/unity-ai-forge/mcp-bridge/internal/dispatcher"
)

const batchToolName = "unity_batch_sequential_execute"

// New builds the MCP server, registering one tool per catalog entry. The
// batch tool is wired to executor instead of the dispatcher, since its
// semantics (resumable, persisted, sequential) live outside a single
// bridge command.
func New(log *logrus.Logger, version string, cat *catalog.Catalog, disp *dispatcher.Dispatcher, executor *batch.Executor) (*server.MCPServer, error) {
	s := server.NewMCPServer("unity-mcp-bridge", version, server.WithLogging())

	for _, entry := range cat.List() {
		tool, err := toMCPTool(entry)
		if err != nil {
			return nil, fmt.Errorf("mcpserver: build tool %s: %w", entry.MCPName, err)
		}

		if entry.MCPName == batchToolName {
			s.AddTool(tool, batchHandler(log, executor))
			continue
		}
		s.AddTool(tool, dispatchHandler(log, disp, entry.MCPName))
	}

	return s, nil
}

// toMCPTool converts a catalog entry's name/description/JSON-Schema into
// an mcp.Tool. The catalog stores arbitrary, dynamically-loaded schemas
// rather than a fixed Go struct per tool, so the raw-schema constructor
// is used instead of the mcp.With* builder helpers.
func toMCPTool(entry catalog.Entry) (mcp.Tool, error) {
	return mcp.NewToolWithRawSchema(entry.MCPName, entry.Description, entry.InputSchema), nil
}

// dispatchHandler adapts dispatcher.CallTool to the MCP handler
// signature, shaping both success and failure as CallToolResult values
// rather than Go errors where possible, per the MCP convention that tool
// failures are reported in-band.
func dispatchHandler(log *logrus.Logger, disp *dispatcher.Dispatcher, toolName string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := disp.CallTool(toolName, request.Params.Arguments)
		if err != nil {
			log.WithError(err).WithField("tool", toolName).Warn("tool call failed")
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolResult(result)
	}
}

// batchHandler adapts the sequential batch executor to the same handler
// shape, translating the tool's JSON arguments into the executor's
// Operation list.
func batchHandler(log *logrus.Logger, executor *batch.Executor) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ops, resume, stopOnError, err := parseBatchArguments(request.Params.Arguments)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		report, err := executor.Execute(ops, resume, stopOnError)
		if err != nil {
			log.WithError(err).Warn("batch execution failed")
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolResult(report)
	}
}

func parseBatchArguments(arguments map[string]interface{}) ([]batch.Operation, bool, bool, error) {
	raw, err := json.Marshal(arguments)
	if err != nil {
		return nil, false, false, fmt.Errorf("mcpserver: marshal batch arguments: %w", err)
	}

	var parsed struct {
		Operations []struct {
			ToolName  string                 `json:"toolName"`
			Arguments map[string]interface{} `json:"arguments"`
		} `json:"operations"`
		Resume      bool `json:"resume"`
		StopOnError bool `json:"stopOnError"`
	}
	// Default stopOnError to true unless explicitly overridden.
	parsed.StopOnError = true
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, false, false, fmt.Errorf("mcpserver: decode batch arguments: %w", err)
	}

	ops := make([]batch.Operation, len(parsed.Operations))
	for i, op := range parsed.Operations {
		ops[i] = batch.Operation{ToolName: op.ToolName, Arguments: op.Arguments}
	}
	return ops, parsed.Resume, parsed.StopOnError, nil
}

// toolResult shapes an arbitrary tool result into a single text content
// block: a string result passes through verbatim, anything else is
// pretty-printed as JSON (§4.7 bullet 2).
func toolResult(value interface{}) (*mcp.CallToolResult, error) {
	if s, ok := value.(string); ok {
		return mcp.NewToolResultText(s), nil
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcpserver: marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// Serve runs the server over stdio until the client disconnects or the
// process is asked to stop.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}
