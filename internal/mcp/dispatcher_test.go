package mcp

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/tpmjs/tpmjs/internal/tool"
)

type fakeSource struct {
	collections map[string]*Collection
	err         error
}

func (f *fakeSource) Collection(_ context.Context, id string) (*Collection, error) {
	if f.err != nil {
		return nil, f.err
	}
	if c, ok := f.collections[id]; ok {
		return c, nil
	}
	return nil, ErrCollectionNotFound
}

type fakeExecutor struct {
	outcome *tool.Outcome
	err     error
	lastReq tool.ExecutionRequest
}

func (f *fakeExecutor) Execute(_ context.Context, req tool.ExecutionRequest) (*tool.Outcome, error) {
	f.lastReq = req
	return f.outcome, f.err
}

func demoCollection() *Collection {
	return &Collection{
		ID:   "col-1",
		Name: "demo tools",
		Tools: []CollectionTool{
			{
				Name:        "helloWorldTool",
				Description: "Says hi",
				Ref:         tool.NewReference("demo-tool", "helloWorldTool", ""),
				InputSchema: map[string]any{
					"type":       "object",
					"properties": map[string]any{"name": map[string]any{"type": "string"}},
					"required":   []any{"name"},
				},
			},
			{
				Name: "bareTool",
				Ref:  tool.NewReference("bare-pkg", "run", ""),
			},
		},
	}
}

func newTestDispatcher(exec *fakeExecutor) *Dispatcher {
	source := &fakeSource{collections: map[string]*Collection{"col-1": demoCollection()}}
	return NewDispatcher(source, exec, slog.New(slog.DiscardHandler))
}

func dispatch(t *testing.T, d *Dispatcher, collectionID, body string) *Response {
	t.Helper()
	return d.Dispatch(context.Background(), collectionID, []byte(body))
}

func TestDispatch_UnknownCollection(t *testing.T) {
	d := newTestDispatcher(&fakeExecutor{})
	resp := dispatch(t, d, "nope", `{"jsonrpc":"2.0","method":"tools/list","id":1}`)
	if resp.Error == nil || resp.Error.Code != CodeCollectionNotFound {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeCollectionNotFound)
	}
	if string(resp.ID) != "1" {
		t.Errorf("id = %s, want 1", resp.ID)
	}
}

func TestDispatch_UnknownCollectionWinsOverBadJSON(t *testing.T) {
	d := newTestDispatcher(&fakeExecutor{})
	resp := dispatch(t, d, "nope", `{not json`)
	if resp.Error == nil || resp.Error.Code != CodeCollectionNotFound {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeCollectionNotFound)
	}
	if string(resp.ID) != "null" {
		t.Errorf("id = %s, want null", resp.ID)
	}
}

func TestDispatch_ParseError(t *testing.T) {
	d := newTestDispatcher(&fakeExecutor{})
	resp := dispatch(t, d, "col-1", `{"jsonrpc":`)
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeParseError)
	}
	if string(resp.ID) != "null" {
		t.Errorf("id = %s, want null", resp.ID)
	}
}

func TestDispatch_Initialize(t *testing.T) {
	d := newTestDispatcher(&fakeExecutor{})
	resp := dispatch(t, d, "col-1", `{"jsonrpc":"2.0","method":"initialize","id":"init-1"}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	init, ok := resp.Result.(initializeResult)
	if !ok {
		t.Fatalf("result = %T", resp.Result)
	}
	if init.ProtocolVersion != mcptypes.LATEST_PROTOCOL_VERSION {
		t.Errorf("protocol version = %q", init.ProtocolVersion)
	}
	if init.ServerInfo.Name != "demo tools" {
		t.Errorf("server name = %q", init.ServerInfo.Name)
	}
	if string(resp.ID) != `"init-1"` {
		t.Errorf("id = %s, want string id echoed verbatim", resp.ID)
	}
}

func TestDispatch_ToolsList(t *testing.T) {
	d := newTestDispatcher(&fakeExecutor{})
	resp := dispatch(t, d, "col-1", `{"jsonrpc":"2.0","method":"tools/list","id":2}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	list, ok := resp.Result.(listToolsResult)
	if !ok {
		t.Fatalf("result = %T", resp.Result)
	}
	if len(list.Tools) != 2 {
		t.Fatalf("tools = %d, want 2", len(list.Tools))
	}
	first := list.Tools[0]
	if first.Name != "helloWorldTool" || first.Description != "Says hi" {
		t.Errorf("first tool = %+v", first)
	}
	if first.InputSchema.Type != "object" || len(first.InputSchema.Required) != 1 {
		t.Errorf("schema = %+v", first.InputSchema)
	}
	// Tools without a stored schema still advertise an open object.
	if list.Tools[1].InputSchema.Type != "object" {
		t.Errorf("bare tool schema = %+v", list.Tools[1].InputSchema)
	}
}

func TestDispatch_ToolsCallSuccess(t *testing.T) {
	exec := &fakeExecutor{outcome: tool.SuccessOutcome(map[string]any{"greeting": "hi"}, time.Millisecond)}
	d := newTestDispatcher(exec)
	resp := dispatch(t, d, "col-1",
		`{"jsonrpc":"2.0","method":"tools/call","id":3,"params":{"name":"helloWorldTool","arguments":{"name":"Ada"}}}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if exec.lastReq.Ref.PackageName != "demo-tool" {
		t.Errorf("executed package = %q", exec.lastReq.Ref.PackageName)
	}
	if exec.lastReq.Parameters["name"] != "Ada" {
		t.Errorf("parameters = %+v", exec.lastReq.Parameters)
	}
	result, ok := resp.Result.(*mcptypes.CallToolResult)
	if !ok {
		t.Fatalf("result = %T", resp.Result)
	}
	if result.IsError {
		t.Error("expected non-error tool result")
	}
}

func TestDispatch_ToolsCallFailureBecomesToolError(t *testing.T) {
	exec := &fakeExecutor{outcome: tool.FailureOutcome(tool.KindToolThrew, "missing API key", "", time.Millisecond)}
	d := newTestDispatcher(exec)
	resp := dispatch(t, d, "col-1",
		`{"jsonrpc":"2.0","method":"tools/call","id":4,"params":{"name":"helloWorldTool","arguments":{}}}`)
	if resp.Error != nil {
		t.Fatalf("tool failures are tool results, not RPC errors: %+v", resp.Error)
	}
	result, ok := resp.Result.(*mcptypes.CallToolResult)
	if !ok {
		t.Fatalf("result = %T", resp.Result)
	}
	if !result.IsError {
		t.Error("expected IsError result")
	}
}

func TestDispatch_ToolsCallUnknownTool(t *testing.T) {
	d := newTestDispatcher(&fakeExecutor{})
	resp := dispatch(t, d, "col-1",
		`{"jsonrpc":"2.0","method":"tools/call","id":5,"params":{"name":"ghost","arguments":{}}}`)
	if resp.Error == nil {
		t.Fatal("expected RPC error for unknown tool")
	}
	if resp.Result != nil {
		t.Error("result must be absent on error")
	}
	if string(resp.ID) != "5" {
		t.Errorf("id = %s, want 5", resp.ID)
	}
}

func TestDispatch_ToolsCallBackendDown(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("docker daemon unreachable")}
	d := newTestDispatcher(exec)
	resp := dispatch(t, d, "col-1",
		`{"jsonrpc":"2.0","method":"tools/call","id":6,"params":{"name":"helloWorldTool"}}`)
	if resp.Error == nil || resp.Error.Code != CodeInternalError {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeInternalError)
	}
}

func TestDispatch_Notifications(t *testing.T) {
	d := newTestDispatcher(&fakeExecutor{})
	for _, method := range []string{"notifications/initialized", "ping"} {
		resp := dispatch(t, d, "col-1", `{"jsonrpc":"2.0","method":"`+method+`","id":7}`)
		if resp.Error != nil {
			t.Errorf("%s: unexpected error %+v", method, resp.Error)
		}
	}
}

func TestDispatch_MethodNotFound(t *testing.T) {
	d := newTestDispatcher(&fakeExecutor{})
	resp := dispatch(t, d, "col-1", `{"jsonrpc":"2.0","method":"resources/list","id":8}`)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeMethodNotFound)
	}
	if !strings.Contains(resp.Error.Message, "resources/list") {
		t.Errorf("message = %q, want the unrecognized method echoed", resp.Error.Message)
	}
}

func TestDispatch_MissingIDEchoesNull(t *testing.T) {
	d := newTestDispatcher(&fakeExecutor{})
	resp := dispatch(t, d, "col-1", `{"jsonrpc":"2.0","method":"ping"}`)
	if string(resp.ID) != "null" {
		t.Errorf("id = %s, want null", resp.ID)
	}
}

func TestDispatch_SourceFailureIsInternal(t *testing.T) {
	source := &fakeSource{err: errors.New("db down")}
	d := NewDispatcher(source, &fakeExecutor{}, slog.New(slog.DiscardHandler))
	resp := dispatch(t, d, "col-1", `{"jsonrpc":"2.0","method":"ping","id":9}`)
	if resp.Error == nil || resp.Error.Code != CodeInternalError {
		t.Fatalf("error = %+v, want code %d", resp.Error, CodeInternalError)
	}
}
