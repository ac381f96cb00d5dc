package sandbox

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

func newTestProcessProvisioner(t *testing.T) *ProcessProvisioner {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return NewProcessProvisioner(ProcessConfig{
		DefaultTimeout: 10 * time.Second,
	}, logger)
}

func TestProcessInstance_BasicRun(t *testing.T) {
	p := newTestProcessProvisioner(t)
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

func TestProcessInstance_NonZeroExit(t *testing.T) {
	p := newTestProcessProvisioner(t)
	inst, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer inst.Teardown()

	result, err := inst.Run(context.Background(), RunRequest{
		Command: []string{"sh", "-c", "exit 42"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 42 {
		t.Errorf("exit code = %d, want 42", result.ExitCode)
	}
}

func TestProcessInstance_Timeout(t *testing.T) {
	p := newTestProcessProvisioner(t)
	inst, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer inst.Teardown()

	_, err = inst.Run(context.Background(), RunRequest{
		Command: []string{"sleep", "60"},
		Timeout: 1 * time.Second,
	})
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %q, want timeout error", err.Error())
	}
}

func TestProcessInstance_WriteFile(t *testing.T) {
	p := newTestProcessProvisioner(t)
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

func TestProcessInstance_WriteFileEscape(t *testing.T) {
	p := newTestProcessProvisioner(t)
	inst, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer inst.Teardown()

	if err := inst.WriteFile(context.Background(), "../outside.txt", []byte("x")); err == nil {
		t.Error("expected error for path escaping the sandbox")
	}
}

func TestProcessInstance_EnvInjection(t *testing.T) {
	p := newTestProcessProvisioner(t)
	inst, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer inst.Teardown()

	result, err := inst.Run(context.Background(), RunRequest{
		Command: []string{"sh", "-c", "echo $MY_VAR"},
		Env:     map[string]string{"MY_VAR": "test_value"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "test_value" {
		t.Errorf("env MY_VAR = %q, want %q", got, "test_value")
	}
}

func TestProcessInstance_NoHostEnvInheritance(t *testing.T) {
	t.Setenv("TPMJS_SECRET_CANARY", "leaked")

	p := newTestProcessProvisioner(t)
	inst, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer inst.Teardown()

	result, err := inst.Run(context.Background(), RunRequest{
		Command: []string{"sh", "-c", "echo -n $TPMJS_SECRET_CANARY"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Stdout != "" {
		t.Errorf("host env leaked into sandbox: %q", result.Stdout)
	}
}

func TestProcessInstance_TeardownRemovesDir(t *testing.T) {
	p := newTestProcessProvisioner(t)
	inst, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dir := inst.(*processInstance).dir
	inst.Teardown()
	inst.Teardown() // Idempotent.

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("sandbox dir %s still exists after teardown", dir)
	}
}

func TestLimitedWriter_TruncatesWithoutShortWrite(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: maxOutputBytes}

	src := bytes.NewReader(make([]byte, maxOutputBytes+1))
	n, err := io.Copy(lw, src)
	if err != nil {
		t.Fatalf("io.Copy past the output cap = %v, want nil", err)
	}
	if n != maxOutputBytes+1 {
		t.Errorf("copied %d bytes, want %d", n, maxOutputBytes+1)
	}
	if buf.Len() != maxOutputBytes {
		t.Errorf("captured %d bytes, want cap of %d", buf.Len(), maxOutputBytes)
	}
}

func TestLimitedWriter_StraddlingChunk(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 4}

	n, err := lw.Write([]byte("abcdef"))
	if err != nil {
		t.Fatalf("Write = %v, want nil", err)
	}
	if n != 6 {
		t.Errorf("Write reported %d bytes consumed, want 6", n)
	}
	if got := buf.String(); got != "abcd" {
		t.Errorf("captured %q, want %q", got, "abcd")
	}

	n, err = lw.Write([]byte("gh"))
	if err != nil || n != 2 {
		t.Errorf("Write after cap = (%d, %v), want (2, nil)", n, err)
	}
	if got := buf.String(); got != "abcd" {
		t.Errorf("captured %q after cap, want %q", got, "abcd")
	}
}
