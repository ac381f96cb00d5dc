package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tpmjs/tpmjs/internal/tool"
)

// JSON-RPC 2.0 error codes. CodeCollectionNotFound is an application-defined
// extension of the reserved range.
const (
	CodeParseError         = -32700
	CodeInvalidParams      = -32602
	CodeMethodNotFound     = -32601
	CodeInternalError      = -32603
	CodeCollectionNotFound = -32001
)

// Request is an inbound JSON-RPC 2.0 envelope. The id is kept raw so it can
// be echoed back byte for byte whatever its JSON type.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is an outbound JSON-RPC 2.0 envelope. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ErrCollectionNotFound is returned by a CollectionSource when the id does
// not name a public collection.
var ErrCollectionNotFound = errors.New("collection not found")

// CollectionTool is one entry of a collection's tool set.
type CollectionTool struct {
	Name        string
	Description string
	Ref         tool.Reference
	InputSchema map[string]any
}

// Collection is the ordered tool set exposed under one MCP endpoint.
// Membership and ordering are owned by collection CRUD; the dispatcher
// consumes it read-only, fetched fresh per request.
type Collection struct {
	ID          string
	Name        string
	Description string
	Tools       []CollectionTool
}

// CollectionSource resolves collection ids. Non-existent and non-public
// collections are indistinguishable to callers: both are ErrCollectionNotFound.
type CollectionSource interface {
	Collection(ctx context.Context, id string) (*Collection, error)
}

// Executor runs one tool invocation on behalf of tools/call.
type Executor interface {
	Execute(ctx context.Context, req tool.ExecutionRequest) (*tool.Outcome, error)
}
