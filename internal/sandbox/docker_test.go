package sandbox

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

// testImage is the Docker image used for integration tests.
const testImage = "tpmjs/node-runtime:latest"

// skipIfNoDocker skips the test if Docker is unavailable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
}

// skipIfNoImage skips the test if the runtime image isn't built.
func skipIfNoImage(t *testing.T) {
	t.Helper()
	out, err := exec.Command("docker", "images", "-q", testImage).Output()
	if err != nil || strings.TrimSpace(string(out)) == "" {
		t.Skipf("docker image %s not found, skipping", testImage)
	}
}

func newTestDockerProvisioner(t *testing.T) *DockerProvisioner {
	t.Helper()
	skipIfNoDocker(t)
	skipIfNoImage(t)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewDockerProvisioner(DockerConfig{
		Image:          testImage,
		DefaultTimeout: 30 * time.Second,
		Lifetime:       2 * time.Minute,
		MemoryMB:       256,
		CPUCores:       0.5,
		PIDsLimit:      64,
		NetworkAllowed: false,
	}, logger)
}

func TestDockerInstance_BasicRun(t *testing.T) {
	p := newTestDockerProvisioner(t)
	inst, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer inst.Teardown()

	result, err := inst.Run(context.Background(), RunRequest{
		Command: []string{"echo", "hello"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if got := strings.TrimSpace(result.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
}

func TestDockerInstance_WriteFileThenRun(t *testing.T) {
	p := newTestDockerProvisioner(t)
	inst, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer inst.Teardown()

	if err := inst.WriteFile(context.Background(), "entry.txt", []byte("payload")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err := inst.Run(context.Background(), RunRequest{
		Command: []string{"cat", "entry.txt"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Stdout != "payload" {
		t.Errorf("stdout = %q, want %q", result.Stdout, "payload")
	}
}

func TestDockerInstance_NonRoot(t *testing.T) {
	p := newTestDockerProvisioner(t)
	inst, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer inst.Teardown()

	result, err := inst.Run(context.Background(), RunRequest{
		Command: []string{"id", "-u"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "65534" {
		t.Errorf("uid = %q, want %q (non-root)", got, "65534")
	}
}

func TestDockerInstance_ContainerCleanup(t *testing.T) {
	p := newTestDockerProvisioner(t)
	inst, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	inst.Teardown()
	inst.Teardown() // Idempotent.

	out, err := exec.Command("docker", "ps", "-a", "--filter", "name=tpmjs-sbx", "--format", "{{.Names}}").Output()
	if err != nil {
		t.Fatalf("docker ps failed: %v", err)
	}
	if names := strings.TrimSpace(string(out)); names != "" {
		t.Errorf("found leftover containers: %s", names)
	}
}

func TestDockerInstance_RunTimeout(t *testing.T) {
	p := newTestDockerProvisioner(t)
	inst, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer inst.Teardown()

	_, err = inst.Run(context.Background(), RunRequest{
		Command: []string{"sleep", "60"},
		Timeout: 2 * time.Second,
	})
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %q, want timeout error", err.Error())
	}
}
