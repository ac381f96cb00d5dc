package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tpmjs/tpmjs/internal/sandbox"
	"github.com/tpmjs/tpmjs/internal/tool"
)

// Executor is the execution contract the instrumented wrapper decorates.
type Executor interface {
	Execute(ctx context.Context, req tool.ExecutionRequest) (*tool.Outcome, error)
}

// --- InstrumentedExecutor ---

// InstrumentedExecutor wraps an Executor with metrics and tracing. Callers
// see the exact same contract; all recording is side-band.
type InstrumentedExecutor struct {
	inner   Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedExecutor wraps an executor with observability.
func NewInstrumentedExecutor(inner Executor, metrics *MetricsCollector, ts *Tracing) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{inner: inner, metrics: metrics, tracer: tracer}
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, req tool.ExecutionRequest) (*tool.Outcome, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "executor.execute",
			trace.WithAttributes(
				attribute.String("tool.package", req.Ref.PackageName),
				attribute.String("tool.export", req.Ref.ExportName),
				attribute.String("tool.version", req.Ref.Version),
			))
		defer span.End()
	}

	if e.metrics != nil {
		e.metrics.ActiveExecutions.Inc()
		defer e.metrics.ActiveExecutions.Dec()
	}

	start := time.Now()
	outcome, err := e.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	label := outcomeLabel(outcome, err)
	if err != nil && e.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(req.Ref.PackageName, label).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(req.Ref.PackageName).Observe(duration)
	}

	return outcome, err
}

// outcomeLabel collapses an execution result into a low-cardinality label.
func outcomeLabel(outcome *tool.Outcome, err error) string {
	switch {
	case err != nil:
		return "provision_error"
	case outcome == nil:
		return "unknown"
	case outcome.Success:
		return "success"
	default:
		return string(outcome.Kind)
	}
}

// --- InstrumentedProvisioner ---

// InstrumentedProvisioner wraps a sandbox.Provisioner with metrics.
type InstrumentedProvisioner struct {
	inner   sandbox.Provisioner
	backend string // "process" or "docker"
	metrics *MetricsCollector
}

// NewInstrumentedProvisioner wraps a provisioner with observability.
func NewInstrumentedProvisioner(inner sandbox.Provisioner, backend string, metrics *MetricsCollector) *InstrumentedProvisioner {
	return &InstrumentedProvisioner{inner: inner, backend: backend, metrics: metrics}
}

func (p *InstrumentedProvisioner) Provision(ctx context.Context) (sandbox.Instance, error) {
	start := time.Now()
	inst, err := p.inner.Provision(ctx)
	duration := time.Since(start).Seconds()

	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.SandboxProvisionsTotal.WithLabelValues(p.backend, status).Inc()
		p.metrics.SandboxProvisionDuration.WithLabelValues(p.backend).Observe(duration)
	}

	return inst, err
}
