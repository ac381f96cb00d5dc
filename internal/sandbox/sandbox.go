// Package sandbox provides ephemeral, isolated compute environments for
// running untrusted registry packages. Every execution provisions its own
// sandbox — no state is ever shared between invocations — and teardown is
// unconditional on every exit path.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout marks a run that exceeded its wall-clock budget. Callers
// classify it with errors.Is.
var ErrTimeout = errors.New("execution timed out")

// Provisioner acquires fresh sandbox instances. Provisioning failure is the
// one error in the subsystem that propagates to the caller as an error —
// no cleanup obligation exists yet when it happens.
type Provisioner interface {
	Provision(ctx context.Context) (Instance, error)
}

// Instance is one live sandbox. It is owned by a single execution flow and
// must be torn down by that flow exactly once, on every exit path.
type Instance interface {
	// WriteFile places a file inside the sandbox working directory.
	// The path is relative to the working directory.
	WriteFile(ctx context.Context, path string, data []byte) error

	// Run executes a command as a fresh process inside the sandbox.
	// A non-zero exit is a result, not an error; Run errors only on
	// timeout (ErrTimeout) or infrastructure failure.
	Run(ctx context.Context, req RunRequest) (*RunResult, error)

	// Teardown destroys the sandbox. Idempotent; failures are swallowed
	// and logged so they never mask the execution result.
	Teardown()
}

// RunRequest defines one process run inside an instance.
type RunRequest struct {
	// Command is the program and arguments (e.g. ["node", "entry.mjs"]).
	Command []string

	// Env adds variables on top of the sandbox's minimal safe environment.
	// The host environment is never inherited.
	Env map[string]string

	// Timeout overrides the sandbox default. Zero = use default.
	Timeout time.Duration
}

// RunResult captures the outcome of one process run.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}
