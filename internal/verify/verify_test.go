package verify

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testVerifier(cfg Config) *Verifier {
	return New(cfg, slog.New(slog.DiscardHandler))
}

func TestVerify_InvalidURL(t *testing.T) {
	v := testVerifier(Config{})
	for _, raw := range []string{"", "not a url", "://missing-scheme", "ftp://example.com", "https://"} {
		res := v.Verify(context.Background(), raw, "")
		if res.Error != ErrInvalidURL {
			t.Errorf("Verify(%q) error = %q, want %s", raw, res.Error, ErrInvalidURL)
		}
		if res.Reachable {
			t.Errorf("Verify(%q) must not be reachable", raw)
		}
	}
}

func TestVerify_PlainHTTPRejectedInProduction(t *testing.T) {
	v := testVerifier(Config{})
	v.lookup = func(_ context.Context, host string) ([]string, error) {
		return []string{"93.184.216.34"}, nil
	}
	res := v.Verify(context.Background(), "http://executor.example.com", "")
	if res.Error != ErrInsecureURL {
		t.Errorf("error = %q, want %s", res.Error, ErrInsecureURL)
	}
}

func TestVerify_LocalhostRejectedInProduction(t *testing.T) {
	v := testVerifier(Config{})
	res := v.Verify(context.Background(), "https://localhost:4000", "")
	if res.Error != ErrPrivateURL {
		t.Errorf("error = %q, want %s", res.Error, ErrPrivateURL)
	}
	if res.Reachable {
		t.Error("private URL must never be probed")
	}
}

func TestVerify_PlainHTTPLocalhostIsPrivate(t *testing.T) {
	// The address policy outranks the scheme policy: a loopback endpoint
	// over plain HTTP is a PRIVATE_URL rejection, not an INSECURE_URL one,
	// and must never be probed.
	v := testVerifier(Config{})
	res := v.Verify(context.Background(), "http://localhost:4000", "")
	if res.Error != ErrPrivateURL {
		t.Errorf("error = %q, want %s", res.Error, ErrPrivateURL)
	}
	if res.Reachable {
		t.Error("private URL must never be probed")
	}
}

func TestVerify_PrivateDNSRejected(t *testing.T) {
	v := testVerifier(Config{})
	v.lookup = func(_ context.Context, host string) ([]string, error) {
		return []string{"10.0.0.8"}, nil
	}
	res := v.Verify(context.Background(), "https://internal.example.com", "")
	if res.Error != ErrPrivateURL {
		t.Errorf("error = %q, want %s", res.Error, ErrPrivateURL)
	}
}

func TestVerify_DNSFailureRejected(t *testing.T) {
	v := testVerifier(Config{})
	v.lookup = func(_ context.Context, host string) ([]string, error) {
		return nil, errors.New("no such host")
	}
	res := v.Verify(context.Background(), "https://gone.example.com", "")
	if res.Error != ErrPrivateURL {
		t.Errorf("error = %q, want %s", res.Error, ErrPrivateURL)
	}
}

func TestVerify_ProbeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-123" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","capabilities":["execute","schema"]}`))
	}))
	defer srv.Close()

	// httptest binds to loopback, so the probe is only reachable with the
	// relaxed development policy.
	v := testVerifier(Config{DevMode: true})
	res := v.Verify(context.Background(), srv.URL, "key-123")
	if res.Error != "" {
		t.Fatalf("error = %q, want none", res.Error)
	}
	if !res.Reachable {
		t.Error("expected reachable")
	}
	if !res.CapabilitiesOk {
		t.Error("expected capabilities ok")
	}
	if res.LatencyMs < 0 {
		t.Errorf("latency = %d", res.LatencyMs)
	}
}

func TestVerify_ProbeJoinsHealthPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/executors/v1/health" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"status":"ok","capabilities":["execute"]}`))
	}))
	defer srv.Close()

	// Path-bearing base URLs, with or without a trailing slash, probe the
	// health route under that path.
	v := testVerifier(Config{DevMode: true})
	for _, base := range []string{srv.URL + "/executors/v1", srv.URL + "/executors/v1/"} {
		res := v.Verify(context.Background(), base, "")
		if !res.Reachable {
			t.Errorf("Verify(%q) error = %q, want reachable", base, res.Error)
		}
	}
}

func TestVerify_MissingExecuteCapability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok","capabilities":["schema"]}`))
	}))
	defer srv.Close()

	v := testVerifier(Config{DevMode: true})
	res := v.Verify(context.Background(), srv.URL, "")
	if !res.Reachable {
		t.Fatal("expected reachable")
	}
	if res.CapabilitiesOk {
		t.Error("capabilities must not be ok without execute")
	}
}

func TestVerify_NonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>it works</html>"))
	}))
	defer srv.Close()

	v := testVerifier(Config{DevMode: true})
	res := v.Verify(context.Background(), srv.URL, "")
	if res.Error != ErrMalformedResponse {
		t.Errorf("error = %q, want %s", res.Error, ErrMalformedResponse)
	}
}

func TestVerify_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	v := testVerifier(Config{DevMode: true})
	res := v.Verify(context.Background(), srv.URL, "")
	if res.Error != ErrUnreachable {
		t.Errorf("error = %q, want %s", res.Error, ErrUnreachable)
	}
}

func TestVerify_UnreachableIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // probe target is already gone

	v := testVerifier(Config{DevMode: true})
	first := v.Verify(context.Background(), srv.URL, "")
	second := v.Verify(context.Background(), srv.URL, "")
	if first.Error != ErrUnreachable || second.Error != first.Error {
		t.Errorf("rejections = %q, %q; want stable %s", first.Error, second.Error, ErrUnreachable)
	}
}
