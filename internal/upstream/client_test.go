package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/router-for-me/codexmux/internal/config"
)

func testConfig(baseURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.RequestTimeoutMs = 2000
	cfg.UpstreamMaxRetries = 2
	cfg.UpstreamRetryBaseMs = 1
	cfg.UpstreamRetryMaxMs = 5
	cfg.UpstreamRetryJitterMs = 1
	return cfg
}

func newTestClient(t *testing.T, cfg *config.Config) *Client {
	t.Helper()
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestTargetURLJoinsBaseAndPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		base  string
		path  string
		query string
		want  string
	}{
		{
			name:  "base with path",
			base:  "https://chatgpt.com/backend-api/codex",
			path:  "/v1/x",
			query: "a=1",
			want:  "https://chatgpt.com/backend-api/codex/v1/x?a=1",
		},
		{
			name: "trailing slash stripped",
			base: "https://chatgpt.com/backend-api/codex/",
			path: "/v1/x",
			want: "https://chatgpt.com/backend-api/codex/v1/x",
		},
		{
			name:  "bare host base",
			base:  "https://example.com",
			path:  "/anything",
			query: "q=2",
			want:  "https://example.com/anything?q=2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, testConfig(tt.base))
			if got := c.TargetURL(tt.path, tt.query); got != tt.want {
				t.Fatalf("TargetURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTargetURLCompactShim(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, testConfig("https://chatgpt.com/backend-api/codex"))
	got := c.TargetURL("/backend-api/codex/v1/responses/foo", "x=1")
	want := "https://chatgpt.com/backend-api/codex/responses/compact"
	if got != want {
		t.Fatalf("TargetURL = %q, want %q with the query dropped", got, want)
	}

	// The shim only applies when the base points at the codex backend.
	other := newTestClient(t, testConfig("https://example.com/api"))
	got = other.TargetURL("/backend-api/codex/v1/responses/foo", "x=1")
	want = "https://example.com/api/backend-api/codex/v1/responses/foo?x=1"
	if got != want {
		t.Fatalf("TargetURL = %q, want plain join %q", got, want)
	}
}

func TestFetchStreamsOKResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c := newTestClient(t, testConfig(server.URL))
	res := c.Fetch(context.Background(), http.MethodGet, c.TargetURL("/v1/x", ""), nil, nil)
	if res.Outcome != OutcomeOK || res.Status != http.StatusOK {
		t.Fatalf("result = %s/%d, want ok/200", res.Outcome, res.Status)
	}
	defer func() { _ = res.Response.Body.Close() }()
	body, err := io.ReadAll(res.Response.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("body = %q", body)
	}
}

func TestFetchRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	bodies := make(chan string, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- string(b)
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := newTestClient(t, testConfig(server.URL))
	res := c.Fetch(context.Background(), http.MethodPost, c.TargetURL("/v1/x", ""), nil, []byte(`{"k":1}`))
	if res.Outcome != OutcomeOK {
		t.Fatalf("outcome = %s, want ok after retries", res.Outcome)
	}
	_ = res.Response.Body.Close()
	if got := calls.Load(); got != 3 {
		t.Fatalf("transport calls = %d, want 3", got)
	}
	for i := 0; i < 3; i++ {
		if got := <-bodies; got != `{"k":1}` {
			t.Fatalf("call %d body = %q, want the replayed original", i, got)
		}
	}
}

func TestFetchStopsAfterRetryBudget(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := newTestClient(t, testConfig(server.URL))
	res := c.Fetch(context.Background(), http.MethodPost, c.TargetURL("/v1/x", ""), nil, nil)
	if res.Outcome != OutcomeTransient || res.Status != http.StatusServiceUnavailable {
		t.Fatalf("result = %s/%d, want transient/503", res.Outcome, res.Status)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("transport calls = %d, want maxRetries+1 = 3", got)
	}
}

func TestFetchDoesNotRetryNonTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   Outcome
	}{
		{http.StatusBadRequest, OutcomeFatal},
		{http.StatusUnauthorized, OutcomeAuthFailure},
		{http.StatusForbidden, OutcomeAuthFailure},
		{http.StatusTooManyRequests, OutcomeQuota},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			c := newTestClient(t, testConfig(server.URL))
			res := c.Fetch(context.Background(), http.MethodPost, c.TargetURL("/v1/x", ""), nil, nil)
			if res.Outcome != tt.want || res.Status != tt.status {
				t.Fatalf("result = %s/%d, want %s/%d", res.Outcome, res.Status, tt.want, tt.status)
			}
			if got := calls.Load(); got != 1 {
				t.Fatalf("transport calls = %d, want 1", got)
			}
		})
	}
}

func TestClassifyQuota(t *testing.T) {
	t.Parallel()

	res := classify(http.StatusTooManyRequests, nil)
	if res.Outcome != OutcomeQuota || !res.ResetsAt.IsZero() {
		t.Fatalf("bare 429 = %s resets %v, want quota with no reset", res.Outcome, res.ResetsAt)
	}

	body := []byte(`{"error":{"type":"usage_limit_reached","resets_at":1700000000}}`)
	res = classify(http.StatusTooManyRequests, body)
	if res.Outcome != OutcomeQuota {
		t.Fatalf("outcome = %s, want quota", res.Outcome)
	}
	if want := time.Unix(1700000000, 0); !res.ResetsAt.Equal(want) {
		t.Fatalf("ResetsAt = %v, want %v", res.ResetsAt, want)
	}

	// A usage-limit body wins over the status classes.
	res = classify(http.StatusForbidden, body)
	if res.Outcome != OutcomeQuota {
		t.Fatalf("403 with usage-limit body = %s, want quota", res.Outcome)
	}

	res = classify(http.StatusBadRequest, []byte(`{"error":{"type":"usage_limit_reached"}}`))
	if res.Outcome != OutcomeQuota || !res.ResetsAt.IsZero() {
		t.Fatalf("usage-limit body without reset = %s/%v", res.Outcome, res.ResetsAt)
	}

	res = classify(http.StatusTooManyRequests, []byte(`{"error":{"resets_at":"soon"}}`))
	if res.Outcome != OutcomeQuota || !res.ResetsAt.IsZero() {
		t.Fatalf("non-numeric resets_at = %s/%v, want quota with zero reset", res.Outcome, res.ResetsAt)
	}
}

func TestClassifyStatusFamilies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   Outcome
	}{
		{http.StatusUnauthorized, OutcomeAuthFailure},
		{http.StatusForbidden, OutcomeAuthFailure},
		{http.StatusInternalServerError, OutcomeTransient},
		{http.StatusServiceUnavailable, OutcomeTransient},
		{599, OutcomeTransient},
		{http.StatusNotFound, OutcomeFatal},
		{http.StatusFound, OutcomeFatal},
	}
	for _, tt := range tests {
		if got := classify(tt.status, nil).Outcome; got != tt.want {
			t.Fatalf("classify(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestFetchDecodesCompressedErrorBody(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, _ = gz.Write([]byte(`{"error":{"type":"usage_limit_reached","resets_at":1700000000}}`))
	_ = gz.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write(buf.Bytes())
	}))
	defer server.Close()

	c := newTestClient(t, testConfig(server.URL))
	// Setting Accept-Encoding keeps the transport from transparently
	// decompressing, so the gateway's own decoder has to handle the body.
	header := http.Header{"Accept-Encoding": []string{"gzip"}}
	res := c.Fetch(context.Background(), http.MethodPost, c.TargetURL("/v1/x", ""), header, nil)
	if res.Outcome != OutcomeQuota {
		t.Fatalf("outcome = %s, want quota", res.Outcome)
	}
	if want := time.Unix(1700000000, 0); !res.ResetsAt.Equal(want) {
		t.Fatalf("ResetsAt = %v, want %v from the decoded body", res.ResetsAt, want)
	}
}

func TestFetchTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.RequestTimeoutMs = 50
	cfg.UpstreamMaxRetries = 0
	c := newTestClient(t, cfg)

	res := c.Fetch(context.Background(), http.MethodGet, c.TargetURL("/v1/x", ""), nil, nil)
	if res.Outcome != OutcomeTransient || res.Status != http.StatusGatewayTimeout {
		t.Fatalf("result = %s/%d, want transient/504", res.Outcome, res.Status)
	}
}

func TestFetchConnectionErrorIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	cfg := testConfig(server.URL)
	cfg.UpstreamMaxRetries = 0
	c := newTestClient(t, cfg)

	res := c.Fetch(context.Background(), http.MethodGet, c.TargetURL("/v1/x", ""), nil, nil)
	if res.Outcome != OutcomeTransient || res.Status != http.StatusBadGateway {
		t.Fatalf("result = %s/%d, want transient/502", res.Outcome, res.Status)
	}
}

func TestFetchAbortBeforeResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.UpstreamMaxRetries = 0
	c := newTestClient(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res := c.Fetch(ctx, http.MethodGet, c.TargetURL("/v1/x", ""), nil, nil)
	if res.Outcome != OutcomeAborted || res.Status != StatusClientAborted {
		t.Fatalf("result = %s/%d, want aborted/499", res.Outcome, res.Status)
	}
	if string(res.Body) != "client_aborted" {
		t.Fatalf("body = %q, want client_aborted", res.Body)
	}
}

func TestFetchAbortCutsRetryDelayShort(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.UpstreamMaxRetries = 2
	cfg.UpstreamRetryBaseMs = 60000
	cfg.UpstreamRetryMaxMs = 60000
	cfg.UpstreamRetryJitterMs = 0
	c := newTestClient(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := c.Fetch(ctx, http.MethodGet, c.TargetURL("/v1/x", ""), nil, nil)
	if res.Outcome != OutcomeAborted {
		t.Fatalf("outcome = %s, want aborted", res.Outcome)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("abort took %s, the retry delay was not cut short", elapsed)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("transport calls = %d, want 1 before the abort", got)
	}
}

func TestFetchForwardsMethodHeadersBody(t *testing.T) {
	t.Parallel()

	type captured struct {
		method string
		auth   string
		body   string
	}
	got := make(chan captured, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- captured{method: r.Method, auth: r.Header.Get("Authorization"), body: string(b)}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := newTestClient(t, testConfig(server.URL))
	header := http.Header{"Authorization": []string{"Bearer T1"}}
	res := c.Fetch(context.Background(), http.MethodPost, c.TargetURL("/v1/x", ""), header, []byte(`{"k":1}`))
	if res.Outcome != OutcomeOK {
		t.Fatalf("outcome = %s, want ok", res.Outcome)
	}
	_ = res.Response.Body.Close()

	req := <-got
	if req.method != http.MethodPost {
		t.Fatalf("method = %q, want POST", req.method)
	}
	if req.auth != "Bearer T1" {
		t.Fatalf("authorization = %q, want Bearer T1", req.auth)
	}
	if req.body != `{"k":1}` {
		t.Fatalf("body = %q", req.body)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()

	cfg := testConfig("https://example.com")
	cfg.UpstreamRetryBaseMs = 200
	cfg.UpstreamRetryMaxMs = 2000
	cfg.UpstreamRetryJitterMs = 120
	c := newTestClient(t, cfg)

	base := 200 * time.Millisecond
	maxDelay := 2000 * time.Millisecond
	jitter := 120 * time.Millisecond
	for i := 0; i < 6; i++ {
		lower := min(maxDelay, base<<uint(i))
		for sample := 0; sample < 100; sample++ {
			delay := c.retryDelay(i)
			if delay < lower {
				t.Fatalf("retry %d delay %s below lower bound %s", i, delay, lower)
			}
			if delay >= lower+jitter {
				t.Fatalf("retry %d delay %s at or past jitter bound %s", i, delay, lower+jitter)
			}
			if delay > maxDelay {
				t.Fatalf("retry %d delay %s above cap %s", i, delay, maxDelay)
			}
		}
	}
}
