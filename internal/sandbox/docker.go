package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

const (
	defaultDockerPIDsLimit = 128
	defaultDockerCPUCores  = 1.0
	defaultDockerImage     = "tpmjs/node-runtime:latest"
	defaultLifetime        = 5 * time.Minute
	dockerWorkDir          = "/home/sandbox"
)

// DockerConfig configures the Docker-based provisioner.
type DockerConfig struct {
	Image          string        // Container image with the node/npm toolchain.
	DefaultTimeout time.Duration // Wall-clock timeout per process run.
	Lifetime       time.Duration // Hard lifetime budget for the whole container.
	MemoryMB       int           // --memory hard limit.
	CPUCores       float64       // --cpus rate limit.
	PIDsLimit      int           // --pids-limit (prevents fork bombs).
	NetworkAllowed bool          // true = bridge network (needed for registry installs).
}

// DockerProvisioner creates one hardened, ephemeral Docker container per
// invocation.
//
// Security guarantees:
//   - Each execution gets its own container, removed unconditionally on teardown
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Read-only root filesystem (--read-only) with tmpfs for the work dir
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user (--user=65534:65534)
//   - Memory hard limit with no swap, PIDs limit, CPU rate limit
//   - Container lifetime bounded: the init process is `sleep <lifetime>`,
//     so an orphaned container self-terminates even if teardown never runs
//   - stdout/stderr capped to prevent OOM on the host
type DockerProvisioner struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerProvisioner creates a Docker-based provisioner.
func NewDockerProvisioner(cfg DockerConfig, logger *slog.Logger) *DockerProvisioner {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.Lifetime == 0 {
		cfg.Lifetime = defaultLifetime
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerProvisioner{config: cfg, logger: logger}
}

// Provision starts a fresh container and returns its handle.
func (p *DockerProvisioner) Provision(ctx context.Context) (Instance, error) {
	name, err := generateSandboxName()
	if err != nil {
		return nil, fmt.Errorf("generating sandbox name: %w", err)
	}

	lifetimeSec := strconv.Itoa(int(p.config.Lifetime.Seconds()))
	args := p.buildDockerArgs(name)
	args = append(args, p.config.Image, "sleep", lifetimeSec)

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("provisioning sandbox container: %w: %s", err, bytes.TrimSpace(out))
	}

	p.logger.Info("sandbox provisioned",
		slog.String("container", name),
		slog.String("image", p.config.Image),
		slog.Int("memory_mb", p.config.MemoryMB),
		slog.Float64("cpu_cores", p.config.CPUCores),
		slog.Duration("lifetime", p.config.Lifetime),
	)

	return &dockerInstance{
		name:           name,
		defaultTimeout: p.config.DefaultTimeout,
		logger:         p.logger,
	}, nil
}

// buildDockerArgs constructs the `docker run -d` argument list with all
// hardening flags. The image and init command are NOT included.
func (p *DockerProvisioner) buildDockerArgs(name string) []string {
	memoryFlag := strconv.Itoa(p.config.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(p.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(p.config.PIDsLimit)

	args := []string{
		"run", "-d",
		"--name", name,

		// --- Security hardening ---
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // Same as memory = disable swap (OOM kill).
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		// --- Writable tmpfs for the work dir and npm cache ---
		// No noexec on the work dir: installed packages may carry binaries.
		"--tmpfs", "/tmp:rw,nosuid,size=256m",
		"--tmpfs", dockerWorkDir + ":rw,nosuid,size=256m",

		// --- Sanitized environment (no host inheritance) ---
		"--env", "HOME=" + dockerWorkDir,
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
		"--env", "npm_config_cache=/tmp/npm-cache",

		"--workdir", dockerWorkDir,
	}

	// Network: bridge (registry installs need it) unless operator disabled it.
	if p.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	return args
}

// dockerInstance is one live container.
type dockerInstance struct {
	name           string
	defaultTimeout time.Duration
	logger         *slog.Logger
	tornDown       sync.Once
}

// WriteFile streams data into a file under the container work dir via
// `docker exec` stdin, avoiding any host-side bind mount.
func (i *dockerInstance) WriteFile(ctx context.Context, path string, data []byte) error {
	cmd := exec.CommandContext(ctx, "docker", "exec", "-i", i.name,
		"sh", "-c", "cat > "+dockerWorkDir+"/"+path)
	cmd.Stdin = bytes.NewReader(data)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("writing %s into sandbox: %w: %s", path, err, bytes.TrimSpace(out))
	}
	return nil
}

// Run executes a command inside the container via `docker exec`.
func (i *dockerInstance) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = i.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"exec", "--workdir", dockerWorkDir}
	for k, v := range req.Env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, i.name)
	args = append(args, req.Command...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	i.logger.Info("sandbox run",
		slog.String("container", i.name),
		slog.Any("command", req.Command),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			i.logger.Warn("sandbox run timed out",
				slog.String("container", i.name),
				slog.Duration("timeout", timeout),
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
		slog.String("container", i.name),
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

// Teardown force-removes the container. Safe to call more than once; the
// removal itself is best-effort and never reported back to the caller.
func (i *dockerInstance) Teardown() {
	i.tornDown.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		out, err := exec.CommandContext(ctx, "docker", "rm", "-f", i.name).CombinedOutput()
		if err != nil {
			// "No such container" means the lifetime budget already expired it.
			if !bytes.Contains(out, []byte("No such container")) {
				i.logger.Warn("sandbox teardown failed",
					slog.String("container", i.name),
					slog.String("error", err.Error()),
					slog.String("output", string(out)),
				)
			}
			return
		}
		i.logger.Info("sandbox torn down", slog.String("container", i.name))
	})
}

// generateSandboxName returns a unique container name: tpmjs-sbx-<16 hex chars>.
func generateSandboxName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "tpmjs-sbx-" + hex.EncodeToString(b), nil
}
