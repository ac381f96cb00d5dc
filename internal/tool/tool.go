// Package tool defines the core value types of the execution subsystem:
// tool references, execution requests, and execution outcomes.
// These are transient per-call values — nothing in this package is persisted.
package tool

import (
	"fmt"
	"time"
)

// DefaultVersion is used when a reference leaves the version unspecified.
const DefaultVersion = "latest"

// Reference identifies a callable unit inside a registry package.
// Immutable once constructed via NewReference.
type Reference struct {
	PackageName string `json:"package_name"`
	ExportName  string `json:"export_name"`
	Version     string `json:"version"`
}

// NewReference builds a Reference, defaulting version to "latest".
func NewReference(packageName, exportName, version string) Reference {
	if version == "" {
		version = DefaultVersion
	}
	return Reference{
		PackageName: packageName,
		ExportName:  exportName,
		Version:     version,
	}
}

// Spec returns the registry install spec, e.g. "demo-tool@1.2.0".
func (r Reference) Spec() string {
	return r.PackageName + "@" + r.Version
}

// Key returns the version-insensitive identity of the tool, used for
// cooldown and health bookkeeping.
func (r Reference) Key() string {
	return r.PackageName + "/" + r.ExportName
}

func (r Reference) String() string {
	return fmt.Sprintf("%s@%s#%s", r.PackageName, r.Version, r.ExportName)
}

// ExecutionRequest is one invocation of a tool. Parameters and environment
// are caller-supplied and untrusted; environment entries are injected into
// the sandbox's process environment, never the host's.
type ExecutionRequest struct {
	Ref         Reference         `json:"ref"`
	Parameters  map[string]any    `json:"parameters,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
}

// ErrorKind classifies a failed execution outcome.
type ErrorKind string

const (
	// KindInstallFailed: the registry installer exited non-zero.
	KindInstallFailed ErrorKind = "install_failed"
	// KindToolThrew: the tool raised a structured error (stderr envelope parsed).
	KindToolThrew ErrorKind = "tool_threw"
	// KindExecutionFailed: non-zero exit without a parsable error envelope.
	KindExecutionFailed ErrorKind = "execution_failed"
	// KindTimeout: the run exceeded the sandbox wall-clock budget.
	KindTimeout ErrorKind = "timeout"
)

// Outcome is the result of exactly one ExecutionRequest. Success and
// failure are mutually exclusive; a failed outcome carries a kind,
// message, and optionally a truncated stderr excerpt.
type Outcome struct {
	Success  bool          `json:"success"`
	Output   any           `json:"output,omitempty"`
	Kind     ErrorKind     `json:"kind,omitempty"`
	Message  string        `json:"message,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"-"`
}

// DurationMs exposes the wall-clock duration in milliseconds for wire use.
func (o *Outcome) DurationMs() int64 {
	return o.Duration.Milliseconds()
}

// SuccessOutcome builds a successful outcome.
func SuccessOutcome(output any, d time.Duration) *Outcome {
	return &Outcome{Success: true, Output: output, Duration: d}
}

// FailureOutcome builds a failed outcome.
func FailureOutcome(kind ErrorKind, message, stderr string, d time.Duration) *Outcome {
	return &Outcome{
		Kind:     kind,
		Message:  message,
		Stderr:   stderr,
		Duration: d,
	}
}

// MaxExcerptBytes caps stdout/stderr excerpts surfaced to callers, to avoid
// leaking unbounded output or secrets accidentally echoed by the tool.
const MaxExcerptBytes = 4 << 10 // 4 KB

// TruncateExcerpt caps a string at maxBytes, appending a truncation notice if cut.
func TruncateExcerpt(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}
