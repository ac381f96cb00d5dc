// Package mcp serves collections of registry tools over the Model Context
// Protocol: a narrow JSON-RPC 2.0 dispatcher translating initialize,
// tools/list, and tools/call into sandbox executions.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/tpmjs/tpmjs/internal/tool"
)

const serverVersion = "1.0.0"

var nullID = json.RawMessage("null")

// Dispatcher handles one JSON-RPC request at a time, statelessly: the
// collection's tool set is resolved fresh on every call.
type Dispatcher struct {
	source   CollectionSource
	executor Executor
	logger   *slog.Logger
}

// NewDispatcher creates an MCP dispatcher.
func NewDispatcher(source CollectionSource, executor Executor, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{source: source, executor: executor, logger: logger}
}

// Dispatch resolves the collection, parses the envelope, and routes the
// method. It always produces a well-formed JSON-RPC response; the request
// id is echoed verbatim on every path, null when absent or unparsable.
func (d *Dispatcher) Dispatch(ctx context.Context, collectionID string, body []byte) *Response {
	// The id is recovered best-effort so even pre-parse failures echo it.
	var req Request
	parseErr := json.Unmarshal(body, &req)
	id := req.ID
	if len(id) == 0 {
		id = nullID
	}

	coll, err := d.source.Collection(ctx, collectionID)
	if err != nil {
		if !errors.Is(err, ErrCollectionNotFound) {
			d.logger.ErrorContext(ctx, "resolving collection failed",
				slog.String("collection", collectionID),
				slog.String("error", err.Error()),
			)
			return errorResponse(id, CodeInternalError, "internal error")
		}
		return errorResponse(id, CodeCollectionNotFound, fmt.Sprintf("collection %q not found", collectionID))
	}

	if parseErr != nil {
		return errorResponse(id, CodeParseError, "parse error")
	}

	switch req.Method {
	case "initialize":
		return resultResponse(id, d.initialize(coll))
	case "tools/list":
		return resultResponse(id, listTools(coll))
	case "tools/call":
		return d.callTool(ctx, id, coll, req.Params)
	case "notifications/initialized", "ping":
		return resultResponse(id, struct{}{})
	default:
		return errorResponse(id, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

// initializeResult is the fixed capability and identity payload. The shape
// follows the MCP initialize response; capabilities advertise tools only.
type initializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]any         `json:"capabilities"`
	ServerInfo      mcptypes.Implementation `json:"serverInfo"`
}

func (d *Dispatcher) initialize(coll *Collection) initializeResult {
	return initializeResult{
		ProtocolVersion: mcptypes.LATEST_PROTOCOL_VERSION,
		Capabilities: map[string]any{
			"tools": map[string]any{},
		},
		ServerInfo: mcptypes.Implementation{
			Name:    coll.Name,
			Version: serverVersion,
		},
	}
}

// listToolsResult mirrors the MCP tools/list response shape.
type listToolsResult struct {
	Tools []mcptypes.Tool `json:"tools"`
}

func listTools(coll *Collection) listToolsResult {
	tools := make([]mcptypes.Tool, 0, len(coll.Tools))
	for _, ct := range coll.Tools {
		tools = append(tools, mcptypes.Tool{
			Name:        ct.Name,
			Description: ct.Description,
			InputSchema: toInputSchema(ct.InputSchema),
		})
	}
	return listToolsResult{Tools: tools}
}

// toInputSchema lifts a stored JSON Schema object into the MCP descriptor
// type. Tools without a stored schema advertise an open object.
func toInputSchema(schema map[string]any) mcptypes.ToolInputSchema {
	out := mcptypes.ToolInputSchema{Type: "object"}
	if schema == nil {
		return out
	}
	if t, ok := schema["type"].(string); ok {
		out.Type = t
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = props
	}
	if reqList, ok := schema["required"].([]any); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				out.Required = append(out.Required, name)
			}
		}
	}
	return out
}

// callToolParams is the tools/call parameter shape.
type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (d *Dispatcher) callTool(ctx context.Context, id json.RawMessage, coll *Collection, params json.RawMessage) *Response {
	var call callToolParams
	if err := json.Unmarshal(params, &call); err != nil || call.Name == "" {
		return errorResponse(id, CodeInvalidParams, "tools/call requires a tool name")
	}

	var entry *CollectionTool
	for i := range coll.Tools {
		if coll.Tools[i].Name == call.Name {
			entry = &coll.Tools[i]
			break
		}
	}
	if entry == nil {
		return errorResponse(id, CodeInvalidParams,
			fmt.Sprintf("tool %q is not part of collection %q", call.Name, coll.ID))
	}

	d.logger.InfoContext(ctx, "mcp tool call",
		slog.String("collection", coll.ID),
		slog.String("tool", entry.Name),
		slog.String("package", entry.Ref.PackageName),
	)

	outcome, err := d.executor.Execute(ctx, tool.ExecutionRequest{
		Ref:        entry.Ref,
		Parameters: call.Arguments,
	})
	if err != nil {
		return errorResponse(id, CodeInternalError, "execution backend unavailable")
	}
	if !outcome.Success {
		return resultResponse(id, mcptypes.NewToolResultError(outcome.Message))
	}
	return resultResponse(id, mcptypes.NewToolResultText(renderOutput(outcome.Output)))
}

// renderOutput flattens a tool's output value into the text content MCP
// clients consume. Structured values are serialized as JSON.
func renderOutput(output any) string {
	if s, ok := output.(string); ok {
		return s
	}
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	return string(data)
}

func resultResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}
