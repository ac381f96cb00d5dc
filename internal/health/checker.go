package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tpmjs/tpmjs/internal/tool"
)

// DefaultSchedule sweeps hourly.
const DefaultSchedule = "0 * * * *"

// Executor runs one probe execution. The sandbox runner satisfies it.
type Executor interface {
	Execute(ctx context.Context, req tool.ExecutionRequest) (*tool.Outcome, error)
}

// CheckerConfig configures the batch checker.
type CheckerConfig struct {
	// Schedule is a five-field cron expression. Empty = DefaultSchedule.
	Schedule string

	// MaxConcurrent caps in-flight probe executions per sweep.
	MaxConcurrent int
}

func (c *CheckerConfig) maxConcurrent() int {
	if c.MaxConcurrent > 0 {
		return c.MaxConcurrent
	}
	return 4
}

// Checker periodically probes every checkable tool and reports the outcome
// through the shared health transition. Probes run with empty parameters;
// the result is read purely as a health signal.
type Checker struct {
	executor Executor
	source   Source
	reporter Reporter
	schedule cron.Schedule
	config   *CheckerConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewChecker creates a batch health checker.
func NewChecker(executor Executor, source Source, reporter Reporter, cfg *CheckerConfig, logger *slog.Logger) (*Checker, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	return &Checker{
		executor: executor,
		source:   source,
		reporter: reporter,
		schedule: schedule,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Start begins the sweep loop. Returns a cancel function.
func (c *Checker) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		c.logger.InfoContext(ctx, "health checker started",
			slog.String("schedule", c.config.Schedule),
			slog.Int("max_concurrent", c.config.maxConcurrent()),
		)
		for {
			next := c.schedule.Next(c.now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				c.logger.Info("health checker stopped")
				return
			case <-timer.C:
				c.Sweep(ctx)
			}
		}
	}()

	return cancel
}

// Sweep runs one full pass over every checkable tool.
func (c *Checker) Sweep(ctx context.Context) {
	start := c.now()

	refs, err := c.source.ListCheckable(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "listing checkable tools failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if len(refs) == 0 {
		return
	}

	c.logger.InfoContext(ctx, "health sweep started", slog.Int("tools", len(refs)))

	var (
		mu      sync.Mutex
		healthy int
		broken  int
		skipped int
	)
	sem := make(chan struct{}, c.config.maxConcurrent())
	var wg sync.WaitGroup

	for _, ref := range refs {
		sem <- struct{}{}
		wg.Add(1)
		go func(ref tool.Reference) {
			defer wg.Done()
			defer func() { <-sem }()
			result := c.probe(ctx, ref)
			mu.Lock()
			switch result {
			case probeHealthy:
				healthy++
			case probeBroken:
				broken++
			case probeSkipped:
				skipped++
			}
			mu.Unlock()
		}(ref)
	}
	wg.Wait()

	run := CheckRun{
		StartedAt: start,
		Duration:  c.now().Sub(start),
		Checked:   len(refs),
		Healthy:   healthy,
		Broken:    broken,
		Skipped:   skipped,
	}
	if err := c.source.RecordCheckRun(ctx, run); err != nil {
		c.logger.ErrorContext(ctx, "recording health sweep failed",
			slog.String("error", err.Error()),
		)
	}
	c.logger.InfoContext(ctx, "health sweep finished",
		slog.Int("checked", run.Checked),
		slog.Int("healthy", run.Healthy),
		slog.Int("broken", run.Broken),
		slog.Int("skipped", run.Skipped),
		slog.Duration("duration", run.Duration),
	)
}

// probeResult classifies one probe execution for the sweep tally.
type probeResult int

const (
	probeHealthy probeResult = iota
	probeBroken
	probeSkipped
)

// probe executes the tool once and reports the transition. A probe that
// could not provision a sandbox yields probeSkipped: no health observation
// was made, so no report is written.
func (c *Checker) probe(ctx context.Context, ref tool.Reference) probeResult {
	outcome, err := c.executor.Execute(ctx, tool.ExecutionRequest{Ref: ref})

	report := Report{
		Ref:             ref,
		FromHealthCheck: true,
		ObservedAt:      c.now(),
	}
	switch {
	case err != nil:
		// Provisioning failed; that is our problem, not the tool's.
		// Do not flip the tool broken over infrastructure trouble.
		c.logger.WarnContext(ctx, "health probe could not provision",
			slog.String("tool", ref.Key()),
			slog.String("error", err.Error()),
		)
		return probeSkipped
	case outcome.Success:
		report.Healthy = true
	default:
		report.Error = outcome.Message
	}

	if err := c.reporter.ReportHealth(ctx, report); err != nil {
		c.logger.ErrorContext(ctx, "reporting tool health failed",
			slog.String("tool", ref.Key()),
			slog.String("error", err.Error()),
		)
	}
	if report.Healthy {
		return probeHealthy
	}
	return probeBroken
}
