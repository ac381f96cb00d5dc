// Package httpapi implements the HTTP gateway for tpmjs.
//
// Security:
//   - API key authentication on /v1 (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-caller rate limiting via token bucket
//   - MCP endpoints are unauthenticated; collection visibility gates access
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/tpmjs/tpmjs/internal/health"
	"github.com/tpmjs/tpmjs/internal/mcp"
	"github.com/tpmjs/tpmjs/internal/observability"
	"github.com/tpmjs/tpmjs/internal/ratelimit"
	"github.com/tpmjs/tpmjs/internal/runner"
	"github.com/tpmjs/tpmjs/internal/storage"
	"github.com/tpmjs/tpmjs/internal/tool"
	"github.com/tpmjs/tpmjs/internal/verify"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// Executor runs one tool invocation end to end.
type Executor interface {
	Execute(ctx context.Context, req tool.ExecutionRequest) (*tool.Outcome, error)
}

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr     string            // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key -> caller ID mapping. Empty = auth disabled.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config    Config
	executor  Executor
	extractor *runner.Extractor
	verifier  *verify.Verifier
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server

	dispatcher *mcp.Dispatcher      // nil = MCP endpoints disabled.
	tools      *storage.ToolRepo    // nil = registry endpoints disabled.
	colls      *storage.CollectionRepo
	reporter   health.Reporter // nil = execution outcomes not fed back to health.

	sseEnabled bool

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP gateway around an executor.
func NewGateway(cfg Config, exec Executor, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		executor: exec,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithSchemaExtractor attaches the schema extraction endpoint.
func (g *Gateway) WithSchemaExtractor(e *runner.Extractor) *Gateway {
	g.extractor = e
	return g
}

// WithVerifier attaches the executor verification endpoint.
func (g *Gateway) WithVerifier(v *verify.Verifier) *Gateway {
	g.verifier = v
	return g
}

// WithRegistry attaches tool registration and collection management backed
// by the store. Execution outcomes are reported to rep for self-healing.
func (g *Gateway) WithRegistry(tools *storage.ToolRepo, colls *storage.CollectionRepo, rep health.Reporter) *Gateway {
	g.tools = tools
	g.colls = colls
	g.reporter = rep
	return g
}

// WithMCP attaches the per-collection MCP endpoint.
func (g *Gateway) WithMCP(d *mcp.Dispatcher) *Gateway {
	g.dispatcher = d
	return g
}

// WithSSE enables the SSE streaming execution endpoint.
func (g *Gateway) WithSSE(enabled bool) *Gateway {
	g.sseEnabled = enabled
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "tpmjs",
			Version: "v1.0.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	var mw []okapi.Middleware
	if g.config.Metrics != nil || g.config.Tracer != nil {
		mw = append(mw, observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", append(mw, g.authenticate)...)

	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Execute a registry tool in an ephemeral sandbox"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(ExecuteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	if g.sseEnabled {
		g.group.Post("/execute/stream", g.handleExecuteStream,
			okapi.DocSummary("Execute a tool and stream lifecycle events via SSE"),
			okapi.DocTags("Execution"),
			okapi.DocRequestBody(ExecuteRequest{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		)
	}

	if g.extractor != nil {
		g.group.Post("/tools/schema", g.handleSchema,
			okapi.DocSummary("Extract a tool's input schema without invoking it"),
			okapi.DocTags("Schema"),
			okapi.DocRequestBody(SchemaRequest{}),
			okapi.DocResponse(SchemaResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusTooManyRequests, SchemaResponse{}),
		)
	}

	if g.verifier != nil {
		g.group.Post("/executors/verify", g.handleVerify,
			okapi.DocSummary("Verify a remote executor endpoint"),
			okapi.DocTags("Executors"),
			okapi.DocRequestBody(VerifyRequest{}),
			okapi.DocResponse(verify.Result{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}

	if g.tools != nil {
		g.registerRegistryRoutes()
	}

	// Per-collection MCP endpoint. Unauthenticated; visibility is enforced
	// by collection resolution.
	if g.dispatcher != nil {
		g.okapi.Group("/mcp", mw...).Post("/{collectionId}", g.handleMCP,
			okapi.DocSummary("JSON-RPC endpoint exposing a public collection as an MCP server"),
			okapi.DocTags("MCP"),
			okapi.DocPathParam("collectionId", "string", "Collection ID or slug"),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) maxRequestSize() int64 {
	if g.config.MaxRequestSize > 0 {
		return g.config.MaxRequestSize
	}
	return defaultMaxRequestSize
}

// --- Health handlers ---

// HealthResponse is the JSON response for liveness probes.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the bearer token and stores the mapped caller ID.
// With no configured keys every request is admitted as "anonymous".
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("callerID", "anonymous")
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		callerID := ""
		for key, caller := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				callerID = caller
			}
		}
		if callerID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("callerID", callerID)
		return next(c)
	}
}

// allow applies the per-caller rate limit.
func (g *Gateway) allow(c *okapi.Context) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Allow(c.GetString("callerID"))
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
