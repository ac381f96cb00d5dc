package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/tpmjs/tpmjs/internal/health"
	"github.com/tpmjs/tpmjs/internal/tool"
)

// ExecuteRequest is the JSON body for POST /v1/execute.
type ExecuteRequest struct {
	Package     string            `json:"package"`
	Export      string            `json:"export"`
	Version     string            `json:"version,omitempty"` // Empty = "latest".
	Parameters  map[string]any    `json:"parameters,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
}

func (r *ExecuteRequest) ref() tool.Reference {
	return tool.NewReference(r.Package, r.Export, r.Version)
}

// ExecuteError carries the classified failure of an execution.
type ExecuteError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stderr  string `json:"stderr,omitempty"`
}

// ExecuteResponse is the JSON response for POST /v1/execute.
type ExecuteResponse struct {
	Success       bool          `json:"success"`
	Output        any           `json:"output,omitempty"`
	Error         *ExecuteError `json:"error,omitempty"`
	DurationMs    int64         `json:"duration_ms"`
	CorrelationID string        `json:"correlation_id"`
}

func executeResponse(outcome *tool.Outcome, correlationID string) ExecuteResponse {
	resp := ExecuteResponse{
		Success:       outcome.Success,
		Output:        outcome.Output,
		DurationMs:    outcome.DurationMs(),
		CorrelationID: correlationID,
	}
	if !outcome.Success {
		resp.Error = &ExecuteError{
			Kind:    string(outcome.Kind),
			Message: outcome.Message,
			Stderr:  outcome.Stderr,
		}
	}
	return resp
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
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

	correlationID := newCorrelationID()
	ref := req.ref()

	g.logger.Info("http execute",
		slog.String("caller_id", c.GetString("callerID")),
		slog.String("correlation_id", correlationID),
		slog.String("tool", ref.String()),
	)

	outcome, err := g.executor.Execute(c.Context(), tool.ExecutionRequest{
		Ref:         ref,
		Parameters:  req.Parameters,
		Environment: req.Environment,
	})
	if err != nil {
		g.logger.Error("sandbox provisioning failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("execution backend unavailable")
	}

	g.reportOutcome(c, ref, outcome)

	return c.OK(executeResponse(outcome, correlationID))
}

// reportOutcome feeds ordinary execution traffic into tool health. Only
// successes can change state here; failures on the regular path leave the
// stored status alone.
func (g *Gateway) reportOutcome(c *okapi.Context, ref tool.Reference, outcome *tool.Outcome) {
	if g.reporter == nil {
		return
	}
	report := health.Report{
		Ref:        ref,
		Healthy:    outcome.Success,
		ObservedAt: time.Now().UTC(),
	}
	if !outcome.Success {
		report.Error = outcome.Message
	}
	if err := g.reporter.ReportHealth(c.Context(), report); err != nil {
		g.logger.Warn("health report failed",
			slog.String("tool", ref.String()),
			slog.String("error", err.Error()),
		)
	}
}

// --- Schema extraction ---

// SchemaRequest is the JSON body for POST /v1/tools/schema.
type SchemaRequest struct {
	Package     string            `json:"package"`
	Export      string            `json:"export"`
	Version     string            `json:"version,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
}

// SchemaResponse is the JSON response for POST /v1/tools/schema.
type SchemaResponse struct {
	Success     bool           `json:"success"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Parameters  any            `json:"parameters,omitempty"`
	Error       string         `json:"error,omitempty"`
	RetryAfterS int64          `json:"retry_after_s,omitempty"`
}

func (g *Gateway) handleSchema(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req SchemaRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Package == "" || req.Export == "" {
		return c.AbortBadRequest("package and export are required")
	}
	ref := tool.NewReference(req.Package, req.Export, req.Version)

	result, err := g.extractor.Extract(c.Context(), ref, req.Environment)
	if err != nil {
		g.logger.Error("schema extraction backend failed",
			slog.String("tool", ref.String()),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("execution backend unavailable")
	}

	if result.RateLimited {
		retryAfter := int64(result.RetryAfter.Round(time.Second).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Response().Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
		return c.JSON(http.StatusTooManyRequests, SchemaResponse{
			Error:       "schema extraction rate limited",
			RetryAfterS: retryAfter,
		})
	}

	// Persist the schema for registered tools so MCP listings stay current.
	if result.Success && g.tools != nil && result.InputSchema != nil {
		if err := g.tools.SaveSchema(c.Context(), ref, result.InputSchema); err != nil {
			g.logger.Warn("schema persist skipped",
				slog.String("tool", ref.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	resp := SchemaResponse{
		Success:     result.Success,
		InputSchema: result.InputSchema,
		Error:       result.Error,
	}
	if len(result.Parameters) > 0 {
		resp.Parameters = result.Parameters
	}
	return c.OK(resp)
}

// --- Executor verification ---

// VerifyRequest is the JSON body for POST /v1/executors/verify.
type VerifyRequest struct {
	URL    string `json:"url"`
	APIKey string `json:"api_key,omitempty"`
}

func (g *Gateway) handleVerify(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req VerifyRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.URL == "" {
		return c.AbortBadRequest("url is required")
	}

	result := g.verifier.Verify(c.Context(), req.URL, req.APIKey)
	return c.OK(result)
}
