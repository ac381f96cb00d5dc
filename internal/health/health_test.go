package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tpmjs/tpmjs/internal/tool"
)

func TestNext_SuccessAlwaysHeals(t *testing.T) {
	for _, current := range []Status{StatusUnknown, StatusHealthy, StatusBroken} {
		for _, fromCheck := range []bool{true, false} {
			got := Next(current, Report{Healthy: true, FromHealthCheck: fromCheck})
			if got != StatusHealthy {
				t.Errorf("Next(%s, healthy, check=%t) = %s, want %s", current, fromCheck, got, StatusHealthy)
			}
		}
	}
}

func TestNext_HealthCheckFailureBreaks(t *testing.T) {
	for _, current := range []Status{StatusUnknown, StatusHealthy, StatusBroken} {
		got := Next(current, Report{FromHealthCheck: true, Error: "boom"})
		if got != StatusBroken {
			t.Errorf("Next(%s, failing check) = %s, want %s", current, got, StatusBroken)
		}
	}
}

func TestNext_OrdinaryFailureLeavesStateAlone(t *testing.T) {
	for _, current := range []Status{StatusUnknown, StatusHealthy, StatusBroken} {
		got := Next(current, Report{Error: "boom"})
		if got != current {
			t.Errorf("Next(%s, ordinary failure) = %s, want unchanged", current, got)
		}
	}
}

type fakeExecutor struct {
	mu       sync.Mutex
	outcomes map[string]*tool.Outcome
	calls    int
}

func (f *fakeExecutor) Execute(_ context.Context, req tool.ExecutionRequest) (*tool.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if o, ok := f.outcomes[req.Ref.Key()]; ok {
		return o, nil
	}
	return nil, errors.New("provision failed")
}

type fakeSource struct {
	refs []tool.Reference
	mu   sync.Mutex
	runs []CheckRun
}

func (f *fakeSource) ListCheckable(context.Context) ([]tool.Reference, error) {
	return f.refs, nil
}

func (f *fakeSource) RecordCheckRun(_ context.Context, run CheckRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

type fakeReporter struct {
	mu      sync.Mutex
	reports []Report
}

func (f *fakeReporter) ReportHealth(_ context.Context, r Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	return nil
}

func TestSweep_ReportsEveryTool(t *testing.T) {
	good := tool.NewReference("good-pkg", "run", "")
	bad := tool.NewReference("bad-pkg", "run", "")

	exec := &fakeExecutor{outcomes: map[string]*tool.Outcome{
		good.Key(): tool.SuccessOutcome("ok", time.Millisecond),
		bad.Key():  tool.FailureOutcome(tool.KindInstallFailed, "npm install failed", "", time.Millisecond),
	}}
	source := &fakeSource{refs: []tool.Reference{good, bad}}
	reporter := &fakeReporter{}

	c, err := NewChecker(exec, source, reporter, &CheckerConfig{MaxConcurrent: 2}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewChecker: %v", err)
	}
	c.Sweep(context.Background())

	if len(reporter.reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(reporter.reports))
	}
	byTool := make(map[string]Report)
	for _, r := range reporter.reports {
		if !r.FromHealthCheck {
			t.Errorf("sweep report for %s must carry the health-check flag", r.Ref.Key())
		}
		byTool[r.Ref.Key()] = r
	}
	if !byTool[good.Key()].Healthy {
		t.Error("good tool reported unhealthy")
	}
	if byTool[bad.Key()].Healthy || byTool[bad.Key()].Error == "" {
		t.Errorf("bad tool report = %+v", byTool[bad.Key()])
	}

	if len(source.runs) != 1 {
		t.Fatalf("runs recorded = %d, want 1", len(source.runs))
	}
	run := source.runs[0]
	if run.Checked != 2 || run.Healthy != 1 || run.Broken != 1 || run.Skipped != 0 {
		t.Errorf("run = %+v", run)
	}
}

func TestSweep_ProvisioningFailureDoesNotBreakTool(t *testing.T) {
	ref := tool.NewReference("pkg", "run", "")
	exec := &fakeExecutor{} // every Execute fails with a provisioning error
	source := &fakeSource{refs: []tool.Reference{ref}}
	reporter := &fakeReporter{}

	c, err := NewChecker(exec, source, reporter, &CheckerConfig{}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewChecker: %v", err)
	}
	c.Sweep(context.Background())

	if len(reporter.reports) != 0 {
		t.Errorf("infrastructure failure must not produce a health report, got %+v", reporter.reports)
	}
	if len(source.runs) != 1 {
		t.Fatalf("runs recorded = %d, want 1", len(source.runs))
	}
	run := source.runs[0]
	if run.Broken != 0 {
		t.Errorf("unprovisionable probe counted as broken: run = %+v", run)
	}
	if run.Skipped != 1 || run.Checked != 1 {
		t.Errorf("run = %+v, want skipped=1 checked=1", run)
	}
}

func TestNewChecker_RejectsBadSchedule(t *testing.T) {
	_, err := NewChecker(&fakeExecutor{}, &fakeSource{}, &fakeReporter{}, &CheckerConfig{Schedule: "not a cron"}, slog.New(slog.DiscardHandler))
	if err == nil {
		t.Fatal("expected schedule parse error")
	}
}

func TestSweep_EmptyListRecordsNothing(t *testing.T) {
	source := &fakeSource{}
	c, err := NewChecker(&fakeExecutor{}, source, &fakeReporter{}, &CheckerConfig{}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewChecker: %v", err)
	}
	c.Sweep(context.Background())
	if len(source.runs) != 0 {
		t.Errorf("empty sweep must not record a run, got %+v", source.runs)
	}
}
