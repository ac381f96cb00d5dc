package httpapi

import (
	"github.com/jkaninda/okapi"

	"github.com/tpmjs/tpmjs/internal/tool"
)

// SSEEvent is one server-sent event in a streamed execution.
type SSEEvent struct {
	Type       string        `json:"type"` // "accepted", "result", "error", "done"
	Tool       string        `json:"tool,omitempty"`
	Output     any           `json:"output,omitempty"`
	Error      *ExecuteError `json:"error,omitempty"`
	DurationMs int64         `json:"duration_ms,omitempty"`
	Message    string        `json:"message,omitempty"`
}

// handleExecuteStream handles POST /v1/execute/stream with SSE responses.
// The sandbox lifecycle is opaque while running; the stream acknowledges
// the request up front and delivers the terminal event when the run ends.
func (g *Gateway) handleExecuteStream(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Package == "" || req.Export == "" {
		return c.AbortBadRequest("package and export are required")
	}

	ref := req.ref()
	c.SSEvent("accepted", SSEEvent{Type: "accepted", Tool: ref.String()})

	outcome, err := g.executor.Execute(c.Context(), tool.ExecutionRequest{
		Ref:         ref,
		Parameters:  req.Parameters,
		Environment: req.Environment,
	})
	if err != nil {
		c.SSEvent("error", SSEEvent{Type: "error", Message: "execution backend unavailable"})
		return nil
	}

	g.reportOutcome(c, ref, outcome)

	if outcome.Success {
		c.SSEvent("result", SSEEvent{
			Type:       "result",
			Tool:       ref.String(),
			Output:     outcome.Output,
			DurationMs: outcome.DurationMs(),
		})
	} else {
		c.SSEvent("error", SSEEvent{
			Type: "error",
			Tool: ref.String(),
			Error: &ExecuteError{
				Kind:    string(outcome.Kind),
				Message: outcome.Message,
				Stderr:  outcome.Stderr,
			},
			DurationMs: outcome.DurationMs(),
		})
	}
	c.SSEvent("done", SSEEvent{Type: "done"})
	return nil
}
