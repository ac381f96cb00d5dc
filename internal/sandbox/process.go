package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty tools.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout    = 60 * time.Second
	defaultCPUSeconds = 120
	defaultMemoryMB   = 512
)

// ProcessConfig configures the process-based provisioner.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	MaxCPUSeconds  int // CPU time limit (ulimit -t).
	MaxMemoryMB    int // Virtual memory limit in MB (ulimit -v).
}

// ProcessProvisioner creates sandboxes backed by isolated OS processes.
// Weaker isolation than Docker — intended for development and tests.
//
// Guarantees:
//   - Each sandbox gets its own temp directory, removed on teardown
//   - Every run executes in its own process group (Setpgid), killed whole
//     on timeout so children cannot outlive the run
//   - No environment inheritance from the host — only a minimal safe set
//   - Resource limits enforced via ulimit
//   - stdout/stderr capped to prevent OOM
type ProcessProvisioner struct {
	defaultTimeout time.Duration
	cpuSeconds     int
	memoryMB       int
	logger         *slog.Logger
}

// NewProcessProvisioner creates a process-based provisioner.
func NewProcessProvisioner(cfg ProcessConfig, logger *slog.Logger) *ProcessProvisioner {
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	cpuSec := cfg.MaxCPUSeconds
	if cpuSec == 0 {
		cpuSec = defaultCPUSeconds
	}
	memMB := cfg.MaxMemoryMB
	if memMB == 0 {
		memMB = defaultMemoryMB
	}
	return &ProcessProvisioner{
		defaultTimeout: timeout,
		cpuSeconds:     cpuSec,
		memoryMB:       memMB,
		logger:         logger,
	}
}

// Provision creates an isolated temp directory as the sandbox root.
func (p *ProcessProvisioner) Provision(_ context.Context) (Instance, error) {
	dir, err := os.MkdirTemp("", "tpmjs-sbx-*")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox temp dir: %w", err)
	}
	p.logger.Info("sandbox provisioned", slog.String("dir", dir))
	return &processInstance{
		dir:            dir,
		defaultTimeout: p.defaultTimeout,
		cpuSeconds:     p.cpuSeconds,
		memoryMB:       p.memoryMB,
		logger:         p.logger,
	}, nil
}

type processInstance struct {
	dir            string
	defaultTimeout time.Duration
	cpuSeconds     int
	memoryMB       int
	logger         *slog.Logger
	tornDown       sync.Once
}

func (i *processInstance) WriteFile(_ context.Context, path string, data []byte) error {
	full := filepath.Join(i.dir, path)
	if !strings.HasPrefix(full, i.dir+string(os.PathSeparator)) {
		return fmt.Errorf("path %q escapes sandbox directory", path)
	}
	if err := os.WriteFile(full, data, 0600); err != nil {
		return fmt.Errorf("writing %s into sandbox: %w", path, err)
	}
	return nil
}

func (i *processInstance) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = i.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// ulimit enforcement via a wrapper shell. `exec "$@"` with positional
	// parameters prevents shell injection — the command is never
	// interpolated into the shell string.
	memKB := i.memoryMB * 1024
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		memKB, i.cpuSeconds,
	)
	args := make([]string, 0, 3+len(req.Command))
	args = append(args, "-c", shellScript, "_") // "_" is the $0 placeholder
	args = append(args, req.Command...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = i.dir

	// Own process group so the whole tree dies on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	// Sanitized environment — no host inheritance, so API keys and other
	// host secrets never leak into tool code.
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + i.dir,
		"TMPDIR=" + i.dir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		"npm_config_cache=" + i.dir + "/.npm-cache",
	}
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	i.logger.Info("sandbox run",
		slog.Any("command", req.Command),
		slog.String("dir", i.dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			i.logger.Warn("sandbox run timed out",
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("sandbox run failed: %w", runErr)
		}
	}

	i.logger.Info("sandbox run completed",
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	return &RunResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

func (i *processInstance) Teardown() {
	i.tornDown.Do(func() {
		if err := os.RemoveAll(i.dir); err != nil {
			i.logger.Warn("sandbox teardown failed",
				slog.String("dir", i.dir),
				slog.String("error", err.Error()),
			)
			return
		}
		i.logger.Info("sandbox torn down", slog.String("dir", i.dir))
	})
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

// Write always reports the full chunk as consumed, including the chunk
// that straddles the limit. Reporting the truncated length would make
// io.Copy inside os/exec fail with ErrShortWrite, turning a chatty but
// successful run into a pipe error.
func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	kept := p
	if len(kept) > lw.remaining {
		kept = kept[:lw.remaining]
	}
	n, err := lw.w.Write(kept)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	return len(p), nil
}
