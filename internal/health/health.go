// Package health models per-tool health state and the batch checker that
// sweeps registered tools through probe executions.
package health

import (
	"context"
	"time"

	"github.com/tpmjs/tpmjs/internal/tool"
)

// Status is the persisted health state of a registered tool.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusHealthy Status = "healthy"
	StatusBroken  Status = "broken"
)

// Report is one observed execution outcome, fed into the shared transition
// function. Ordinary executions and explicit health checks both produce
// Reports; FromHealthCheck distinguishes them.
type Report struct {
	Ref             tool.Reference
	Healthy         bool
	FromHealthCheck bool
	Error           string
	ObservedAt      time.Time
}

// Next is the single transition function both call sites funnel through.
// Any successful execution marks the tool healthy, including ordinary
// agent-triggered calls: a previously broken tool self-heals the moment it
// works again, so stale broken labels never outlive an upstream fix. Only
// an explicit health check may mark a tool broken; a failure during
// ordinary traffic leaves the persisted state untouched.
func Next(current Status, r Report) Status {
	if r.Healthy {
		return StatusHealthy
	}
	if r.FromHealthCheck {
		return StatusBroken
	}
	return current
}

// Reporter persists health transitions. The storage layer implements it;
// the execution flows and the batch checker only ever call through it.
type Reporter interface {
	ReportHealth(ctx context.Context, r Report) error
}

// Source supplies the batch checker with the tools to sweep and records
// completed sweeps.
type Source interface {
	ListCheckable(ctx context.Context) ([]tool.Reference, error)
	RecordCheckRun(ctx context.Context, run CheckRun) error
}

// CheckRun summarizes one completed sweep. Skipped counts probes that could
// not provision a sandbox and therefore produced no health observation; they
// are never folded into Broken.
type CheckRun struct {
	StartedAt time.Time
	Duration  time.Duration
	Checked   int
	Healthy   int
	Broken    int
	Skipped   int
}
