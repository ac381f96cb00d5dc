package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tpmjs/tpmjs/internal/protocol"
	"github.com/tpmjs/tpmjs/internal/ratelimit"
	"github.com/tpmjs/tpmjs/internal/sandbox"
	"github.com/tpmjs/tpmjs/internal/tool"
)

// DefaultSchemaCooldown is the quiet window between extraction attempts for
// the same tool.
const DefaultSchemaCooldown = time.Minute

// SchemaResult is the outcome of loading a tool without invoking it.
type SchemaResult struct {
	Success     bool              `json:"success"`
	InputSchema map[string]any    `json:"input_schema,omitempty"`
	Parameters  []LegacyParameter `json:"parameters,omitempty"`
	Error       string            `json:"error,omitempty"`

	// RateLimited is set when a prior attempt for the same tool completed
	// within the cooldown window; RetryAfter carries the remaining wait.
	RateLimited bool          `json:"rate_limited,omitempty"`
	RetryAfter  time.Duration `json:"-"`
}

// LegacyParameter is the flat parameter representation kept for older
// consumers that predate JSON Schema tool contracts.
type LegacyParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// Extractor loads tools read-only to report their declared input schema.
// Extraction reuses the executor's install pipeline but runs the
// load-without-invoke script instead of the entry script.
type Extractor struct {
	runner   *Runner
	cooldown *ratelimit.Cooldown
	logger   *slog.Logger
}

// NewExtractor creates a schema extractor sharing the runner's sandbox
// pipeline. A zero cooldown falls back to DefaultSchemaCooldown.
func NewExtractor(r *Runner, cooldown time.Duration, logger *slog.Logger) *Extractor {
	if cooldown == 0 {
		cooldown = DefaultSchemaCooldown
	}
	return &Extractor{
		runner:   r,
		cooldown: ratelimit.NewCooldown(cooldown),
		logger:   logger,
	}
}

// Extract loads the tool and returns its declared input schema plus the
// legacy flat parameter list. The returned error is non-nil only on
// provisioning failure.
func (e *Extractor) Extract(ctx context.Context, ref tool.Reference, env map[string]string) (*SchemaResult, error) {
	if retryAfter, allowed := e.cooldown.Check(ref.Key()); !allowed {
		e.logger.Info("schema extraction rate limited",
			slog.String("tool", ref.Key()),
			slog.Duration("retry_after", retryAfter),
		)
		return &SchemaResult{
			Error:       fmt.Sprintf("schema extraction for %s attempted too recently", ref.Key()),
			RateLimited: true,
			RetryAfter:  retryAfter,
		}, nil
	}

	inst, err := e.runner.provisioner.Provision(ctx)
	if err != nil {
		return nil, fmt.Errorf("provisioning sandbox for %s: %w", ref, err)
	}
	defer inst.Teardown()

	start := time.Now()
	if outcome := e.runner.install(ctx, inst, ref, start); outcome != nil {
		return &SchemaResult{Error: outcome.Message}, nil
	}

	script, err := SynthesizeSchemaScript(ref, env)
	if err != nil {
		return &SchemaResult{Error: fmt.Sprintf("synthesizing schema script: %v", err)}, nil
	}
	if err := inst.WriteFile(ctx, EntryScriptName, []byte(script)); err != nil {
		return &SchemaResult{Error: fmt.Sprintf("writing schema script: %v", err)}, nil
	}

	result, err := inst.Run(ctx, sandbox.RunRequest{
		Command: []string{"node", EntryScriptName},
		Env:     env,
		Timeout: e.runner.runTimeout,
	})
	if err != nil {
		if errors.Is(err, sandbox.ErrTimeout) {
			return &SchemaResult{Error: fmt.Sprintf("schema load exceeded %s", e.runner.runTimeout)}, nil
		}
		return &SchemaResult{Error: err.Error()}, nil
	}

	if result.ExitCode != 0 {
		if msg, ok := protocol.DecodeError([]byte(result.Stderr)); ok {
			return &SchemaResult{Error: msg}, nil
		}
		return &SchemaResult{
			Error: fmt.Sprintf("schema load exited with code %d: %s",
				result.ExitCode, tool.TruncateExcerpt(result.Stderr, tool.MaxExcerptBytes)),
		}, nil
	}

	value, ok := protocol.DecodeResult([]byte(result.Stdout))
	if !ok {
		return &SchemaResult{Error: "schema load produced no result envelope"}, nil
	}
	schema, ok := value.(map[string]any)
	if !ok {
		return &SchemaResult{Error: fmt.Sprintf("input schema is %T, want a JSON Schema object", value)}, nil
	}

	return &SchemaResult{
		Success:     true,
		InputSchema: schema,
		Parameters:  LegacyParameters(schema),
	}, nil
}

// LegacyParameters flattens a JSON Schema object into the ordered parameter
// list older consumers expect. Unknown shapes degrade to an empty list
// rather than an error.
func LegacyParameters(schema map[string]any) []LegacyParameter {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}

	required := make(map[string]bool)
	if reqList, ok := schema["required"].([]any); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]LegacyParameter, 0, len(names))
	for _, name := range names {
		p := LegacyParameter{Name: name, Type: "string", Required: required[name]}
		if prop, ok := props[name].(map[string]any); ok {
			if t, ok := prop["type"].(string); ok {
				p.Type = t
			}
			if d, ok := prop["description"].(string); ok {
				p.Description = d
			}
		}
		params = append(params, p)
	}
	return params
}
