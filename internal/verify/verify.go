// Package verify vets operator-supplied executor endpoints before the
// registry delegates executions to them: a static URL policy pass, then a
// live probe of the endpoint's health route.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"
)

// Rejection classifications. Operators see exactly which policy failed,
// never a generic error.
const (
	ErrInvalidURL        = "INVALID_URL"
	ErrInsecureURL       = "INSECURE_URL"
	ErrPrivateURL        = "PRIVATE_URL"
	ErrUnreachable       = "UNREACHABLE"
	ErrMalformedResponse = "MALFORMED_RESPONSE"
)

// DefaultProbeTimeout bounds the live health probe.
const DefaultProbeTimeout = 10 * time.Second

// healthPath is the route a conforming executor serves its capability
// report on.
const healthPath = "/health"

// Result is the outcome of verifying one candidate executor endpoint.
type Result struct {
	Reachable      bool   `json:"reachable"`
	LatencyMs      int64  `json:"latency_ms,omitempty"`
	CapabilitiesOk bool   `json:"capabilities_ok"`
	Error          string `json:"error,omitempty"`
}

func rejection(code string) *Result {
	return &Result{Error: code}
}

// Config configures a Verifier.
type Config struct {
	// DevMode relaxes the static policy: plain HTTP and private addresses
	// are admitted so local executors can be probed during development.
	DevMode bool

	// ProbeTimeout bounds the live probe. Zero = DefaultProbeTimeout.
	ProbeTimeout time.Duration
}

// Verifier validates executor endpoints against the static URL policy and
// the live probe contract.
type Verifier struct {
	client  *http.Client
	devMode bool
	lookup  LookupFunc
	logger  *slog.Logger
}

// New creates a Verifier.
func New(cfg Config, logger *slog.Logger) *Verifier {
	timeout := cfg.ProbeTimeout
	if timeout == 0 {
		timeout = DefaultProbeTimeout
	}
	return &Verifier{
		client:  &http.Client{Timeout: timeout},
		devMode: cfg.DevMode,
		lookup:  defaultLookup,
		logger:  logger,
	}
}

// healthResponse is the capability report a conforming executor returns
// from its health route.
type healthResponse struct {
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities"`
}

// Verify checks the candidate endpoint in two phases. Phase one is pure
// policy and never touches the network beyond DNS; a policy rejection
// therefore never leaks a request to the candidate. The address policy
// takes precedence over the scheme policy, so a loopback or private host
// is reported as PRIVATE_URL even when the scheme is also wrong. Phase two
// issues the probe. Both phases report through the Result, not through an
// error: verification itself always completes.
func (v *Verifier) Verify(ctx context.Context, rawURL, apiKey string) *Result {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return rejection(ErrInvalidURL)
	}

	if !v.devMode {
		if err := checkHostPublic(ctx, v.lookup, u.Hostname()); err != nil {
			v.logger.Warn("executor URL rejected by address policy",
				slog.String("url", rawURL),
				slog.String("reason", err.Error()),
			)
			return rejection(ErrPrivateURL)
		}
		if u.Scheme != "https" {
			return rejection(ErrInsecureURL)
		}
	}

	return v.probe(ctx, u, apiKey)
}

func (v *Verifier) probe(ctx context.Context, u *url.URL, apiKey string) *Result {
	probeURL := u.JoinPath(healthPath).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return rejection(ErrInvalidURL)
	}
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	start := time.Now()
	resp, err := v.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		v.logger.Info("executor probe failed",
			slog.String("url", probeURL),
			slog.String("error", err.Error()),
		)
		return rejection(ErrUnreachable)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Result{LatencyMs: latency, Error: ErrUnreachable}
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return &Result{LatencyMs: latency, Error: ErrMalformedResponse}
	}

	return &Result{
		Reachable:      true,
		LatencyMs:      latency,
		CapabilitiesOk: slices.Contains(health.Capabilities, "execute"),
	}
}

// String renders the result for CLI output.
func (r *Result) String() string {
	if r.Error != "" {
		return fmt.Sprintf("rejected: %s", r.Error)
	}
	return fmt.Sprintf("reachable in %dms, capabilities ok: %t", r.LatencyMs, r.CapabilitiesOk)
}
