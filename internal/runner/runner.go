// Package runner composes the sandbox provisioner, the script synthesizer,
// and the result envelope codec into the execution pipeline: install the
// package, write the entry script, run it, parse the result, classify the
// outcome — and tear the sandbox down on every exit path.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tpmjs/tpmjs/internal/protocol"
	"github.com/tpmjs/tpmjs/internal/sandbox"
	"github.com/tpmjs/tpmjs/internal/tool"
)

const (
	defaultInstallTimeout = 2 * time.Minute
	defaultRunTimeout     = 60 * time.Second
)

// Config configures the executor.
type Config struct {
	// RegistryURL overrides the package registry for installs. Empty = npm default.
	RegistryURL string

	// InstallTimeout bounds the package install step.
	InstallTimeout time.Duration

	// RunTimeout bounds the entry script run.
	RunTimeout time.Duration
}

// Runner executes registry packages as tools inside ephemeral sandboxes.
type Runner struct {
	provisioner    sandbox.Provisioner
	registryURL    string
	installTimeout time.Duration
	runTimeout     time.Duration
	logger         *slog.Logger
}

// New creates a Runner on top of a sandbox provisioner.
func New(p sandbox.Provisioner, cfg Config, logger *slog.Logger) *Runner {
	installTimeout := cfg.InstallTimeout
	if installTimeout == 0 {
		installTimeout = defaultInstallTimeout
	}
	runTimeout := cfg.RunTimeout
	if runTimeout == 0 {
		runTimeout = defaultRunTimeout
	}
	return &Runner{
		provisioner:    p,
		registryURL:    cfg.RegistryURL,
		installTimeout: installTimeout,
		runTimeout:     runTimeout,
		logger:         logger,
	}
}

// Execute runs one tool invocation. Everything a caller can act on — bad
// package, tool threw, timeout — comes back as a typed Outcome; the
// returned error is non-nil only when the sandbox could not be provisioned
// at all, in which case no cleanup is owed.
func (r *Runner) Execute(ctx context.Context, req tool.ExecutionRequest) (*tool.Outcome, error) {
	start := time.Now()

	inst, err := r.provisioner.Provision(ctx)
	if err != nil {
		return nil, fmt.Errorf("provisioning sandbox for %s: %w", req.Ref, err)
	}
	// Teardown on every exit path, including panics below. Teardown itself
	// never fails loudly — a cleanup problem must not mask the result.
	defer inst.Teardown()

	r.logger.Info("executing tool",
		slog.String("package", req.Ref.PackageName),
		slog.String("export", req.Ref.ExportName),
		slog.String("version", req.Ref.Version),
	)

	if outcome := r.install(ctx, inst, req.Ref, start); outcome != nil {
		return outcome, nil
	}

	script, err := SynthesizeEntryScript(req.Ref, req.Parameters, req.Environment)
	if err != nil {
		return tool.FailureOutcome(tool.KindExecutionFailed,
			fmt.Sprintf("synthesizing entry script: %v", err), "", time.Since(start)), nil
	}
	if err := inst.WriteFile(ctx, EntryScriptName, []byte(script)); err != nil {
		return tool.FailureOutcome(tool.KindExecutionFailed,
			fmt.Sprintf("writing entry script: %v", err), "", time.Since(start)), nil
	}

	result, err := inst.Run(ctx, sandbox.RunRequest{
		Command: []string{"node", EntryScriptName},
		Env:     req.Environment,
		Timeout: r.runTimeout,
	})
	if err != nil {
		if errors.Is(err, sandbox.ErrTimeout) {
			return tool.FailureOutcome(tool.KindTimeout,
				fmt.Sprintf("tool execution exceeded %s", r.runTimeout), "", time.Since(start)), nil
		}
		return tool.FailureOutcome(tool.KindExecutionFailed, err.Error(), "", time.Since(start)), nil
	}

	return r.classify(req.Ref, result, time.Since(start)), nil
}

// install runs the registry installer inside the sandbox. Returns a non-nil
// failure outcome when the install step did not complete cleanly.
func (r *Runner) install(ctx context.Context, inst sandbox.Instance, ref tool.Reference, start time.Time) *tool.Outcome {
	cmd := []string{
		"npm", "install", ref.Spec(),
		"--omit=dev", "--no-audit", "--no-fund", "--no-progress",
	}
	if r.registryURL != "" {
		cmd = append(cmd, "--registry="+r.registryURL)
	}

	result, err := inst.Run(ctx, sandbox.RunRequest{
		Command: cmd,
		Timeout: r.installTimeout,
	})
	if err != nil {
		msg := fmt.Sprintf("installing %s: %v", ref.Spec(), err)
		return tool.FailureOutcome(tool.KindInstallFailed, msg, "", time.Since(start))
	}
	if result.ExitCode != 0 {
		r.logger.Warn("package install failed",
			slog.String("spec", ref.Spec()),
			slog.Int("exit_code", result.ExitCode),
		)
		return tool.FailureOutcome(tool.KindInstallFailed,
			fmt.Sprintf("npm install %s exited with code %d", ref.Spec(), result.ExitCode),
			tool.TruncateExcerpt(result.Stdout+result.Stderr, tool.MaxExcerptBytes),
			time.Since(start))
	}
	return nil
}

// classify interprets the entry script run per the result protocol:
//   - non-zero exit with a parsable stderr envelope → the tool's own error;
//   - non-zero exit otherwise → raw exit code plus truncated stderr;
//   - zero exit with a parsable stdout envelope → the structured value;
//   - zero exit otherwise → the raw stdout as an unstructured success.
//     Many simple packages never conform to the envelope; their output is
//     still a success, never a protocol violation.
func (r *Runner) classify(ref tool.Reference, result *sandbox.RunResult, elapsed time.Duration) *tool.Outcome {
	if result.ExitCode != 0 {
		if msg, ok := protocol.DecodeError([]byte(result.Stderr)); ok {
			r.logger.Info("tool raised a structured error",
				slog.String("tool", ref.Key()),
				slog.String("error", msg),
			)
			return tool.FailureOutcome(tool.KindToolThrew, msg, "", elapsed)
		}
		return tool.FailureOutcome(tool.KindExecutionFailed,
			fmt.Sprintf("tool process exited with code %d", result.ExitCode),
			tool.TruncateExcerpt(result.Stderr, tool.MaxExcerptBytes),
			elapsed)
	}

	if value, ok := protocol.DecodeResult([]byte(result.Stdout)); ok {
		return tool.SuccessOutcome(value, elapsed)
	}
	return tool.SuccessOutcome(strings.TrimSpace(result.Stdout), elapsed)
}
