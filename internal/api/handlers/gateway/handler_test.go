package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/router-for-me/codexmux/internal/account"
	"github.com/router-for-me/codexmux/internal/auth/codex"
	"github.com/router-for-me/codexmux/internal/config"
	"github.com/router-for-me/codexmux/internal/store"
	"github.com/router-for-me/codexmux/internal/upstream"
)

func testConfig(baseURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.RequestTimeoutMs = 5000
	cfg.UpstreamMaxRetries = 2
	cfg.UpstreamRetryBaseMs = 1
	cfg.UpstreamRetryMaxMs = 5
	cfg.UpstreamRetryJitterMs = 1
	cfg.CooldownSeconds = 300
	cfg.MaxRetryPasses = 1
	cfg.OverrideAuth = true
	return cfg
}

// writeAccount seeds <root>/<name>/auth.json and registers the account. The
// first registered account becomes the pool default.
func writeAccount(t *testing.T, st *store.FileStore, name string, tokens codex.TokenSet) {
	t.Helper()
	dir := st.AccountDir(name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	file := &codex.TokenFile{Tokens: tokens}
	file.Touch()
	if err := st.SaveTokens(context.Background(), dir, file); err != nil {
		t.Fatalf("save tokens for %s: %v", name, err)
	}
	if err := st.RegisterAccount(context.Background(), name); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func buildPool(t *testing.T, st store.Store, opts account.Options) *account.Pool {
	t.Helper()
	pool := account.NewPool(st, opts)
	if err := pool.Load(context.Background()); err != nil {
		t.Fatalf("load pool: %v", err)
	}
	return pool
}

func newProxyEngine(t *testing.T, cfg *config.Config, pool *account.Pool) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	client, err := upstream.NewClient(cfg)
	if err != nil {
		t.Fatalf("new upstream client: %v", err)
	}
	engine := gin.New()
	engine.NoRoute(NewHandler(cfg, pool, client).Proxy)
	return engine
}

func accountSnapshot(t *testing.T, pool *account.Pool, name string) account.Account {
	t.Helper()
	for _, acct := range pool.Snapshot() {
		if acct.Name == name {
			return acct
		}
	}
	t.Fatalf("account %s not in pool", name)
	return account.Account{}
}

// expiringToken builds an unsigned JWT whose exp claim is the given instant.
func expiringToken(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"exp":%d}`, exp.Unix())))
	return header + "." + payload + ".sig"
}

// bearerRecorder keeps the Authorization bearer of every upstream call in
// arrival order.
type bearerRecorder struct {
	mu      sync.Mutex
	bearers []string
}

func (r *bearerRecorder) record(req *http.Request) string {
	bearer := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	r.mu.Lock()
	r.bearers = append(r.bearers, bearer)
	r.mu.Unlock()
	return bearer
}

func (r *bearerRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.bearers...)
}

func TestProxyRoutesToDefaultAndSticks(t *testing.T) {
	t.Parallel()

	recorder := &bearerRecorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder.record(r)
		if r.URL.Path != "/v1/x" {
			t.Errorf("upstream path = %q, want /v1/x", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	st := store.NewFileStore(t.TempDir())
	writeAccount(t, st, "alpha", codex.TokenSet{AccessToken: "acc-alpha", RefreshToken: "ref-alpha"})
	writeAccount(t, st, "beta", codex.TokenSet{AccessToken: "acc-beta", RefreshToken: "ref-beta"})
	pool := buildPool(t, st, account.Options{CooldownSeconds: 300})
	engine := newProxyEngine(t, testConfig(server.URL), pool)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/x", strings.NewReader(`{"k":1}`))
		req.RemoteAddr = ""
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
		if w.Body.String() != `{"ok":true}` {
			t.Fatalf("request %d: body = %q", i, w.Body.String())
		}
	}

	// Both requests carry the default session and stick to the default
	// account.
	bearers := recorder.all()
	if len(bearers) != 2 || bearers[0] != "acc-alpha" || bearers[1] != "acc-alpha" {
		t.Fatalf("upstream bearers = %v, want [acc-alpha acc-alpha]", bearers)
	}

	alpha := accountSnapshot(t, pool, "alpha")
	if alpha.Failures != 0 || !alpha.CooldownUntil.IsZero() {
		t.Fatalf("alpha penalized after success: %+v", alpha)
	}
}

func TestProxyRotatesOnQuota(t *testing.T) {
	t.Parallel()

	resetsAt := time.Unix(1700000000, 0)
	recorder := &bearerRecorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer := recorder.record(r)
		if bearer == "acc-alpha" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"type":"usage_limit_reached","resets_at":1700000000}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	st := store.NewFileStore(t.TempDir())
	writeAccount(t, st, "alpha", codex.TokenSet{AccessToken: "acc-alpha", RefreshToken: "ref-alpha"})
	writeAccount(t, st, "beta", codex.TokenSet{AccessToken: "acc-beta", RefreshToken: "ref-beta"})

	// The pool clock predates the announced reset so the reset instant
	// becomes the cooldown.
	clock := time.Unix(1690000000, 0)
	pool := buildPool(t, st, account.Options{
		CooldownSeconds: 300,
		Now:             func() time.Time { return clock },
	})
	engine := newProxyEngine(t, testConfig(server.URL), pool)

	req := httptest.NewRequest(http.MethodPost, "/v1/x", strings.NewReader(`{"k":1}`))
	req.Header.Set("x-session-id", "sess-rotate")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %q", w.Code, w.Body.String())
	}
	alpha := accountSnapshot(t, pool, "alpha")
	if !alpha.CooldownUntil.Equal(resetsAt) {
		t.Fatalf("alpha cooldown = %v, want %v", alpha.CooldownUntil, resetsAt)
	}
	if alpha.LastError != "usage_limit_reached" {
		t.Fatalf("alpha last error = %q", alpha.LastError)
	}

	// The same session now sticks to the replacement account.
	req = httptest.NewRequest(http.MethodPost, "/v1/x", strings.NewReader(`{"k":1}`))
	req.Header.Set("x-session-id", "sess-rotate")
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("second status = %d, want 200", w.Code)
	}

	bearers := recorder.all()
	want := []string{"acc-alpha", "acc-beta", "acc-beta"}
	if len(bearers) != len(want) {
		t.Fatalf("upstream bearers = %v, want %v", bearers, want)
	}
	for i := range want {
		if bearers[i] != want[i] {
			t.Fatalf("upstream bearers = %v, want %v", bearers, want)
		}
	}
}

func TestProxyAllAccountsExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"usage_limit_reached"}}`))
	}))
	defer server.Close()

	st := store.NewFileStore(t.TempDir())
	writeAccount(t, st, "alpha", codex.TokenSet{AccessToken: "acc-alpha", RefreshToken: "ref-alpha"})
	pool := buildPool(t, st, account.Options{CooldownSeconds: 300})
	engine := newProxyEngine(t, testConfig(server.URL), pool)

	req := httptest.NewRequest(http.MethodPost, "/v1/x", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Body.String() != `{"error":"all_accounts_exhausted"}` {
		t.Fatalf("body = %q", w.Body.String())
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("upstream calls = %d, want 1", got)
	}
}

func TestProxyRetriesTransientUpstream(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	st := store.NewFileStore(t.TempDir())
	writeAccount(t, st, "alpha", codex.TokenSet{AccessToken: "acc-alpha", RefreshToken: "ref-alpha"})
	pool := buildPool(t, st, account.Options{CooldownSeconds: 300})
	engine := newProxyEngine(t, testConfig(server.URL), pool)

	req := httptest.NewRequest(http.MethodPost, "/v1/x", strings.NewReader(`{"k":1}`))
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("upstream calls = %d, want 3", got)
	}
	alpha := accountSnapshot(t, pool, "alpha")
	if alpha.Failures != 0 {
		t.Fatalf("alpha failures = %d, want 0", alpha.Failures)
	}
}

func TestProxyCoalescesTokenRefresh(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer T2" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("unexpected bearer " + got))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	st := store.NewFileStore(t.TempDir())
	stale := expiringToken(t, time.Now().Add(30*time.Second))
	writeAccount(t, st, "alpha", codex.TokenSet{AccessToken: stale, RefreshToken: "R1"})

	var refreshCalls atomic.Int64
	pool := buildPool(t, st, account.Options{
		CooldownSeconds: 300,
		Refresh: func(ctx context.Context, refreshToken string) (codex.TokenSet, error) {
			refreshCalls.Add(1)
			time.Sleep(25 * time.Millisecond)
			return codex.TokenSet{AccessToken: "T2", RefreshToken: "R2"}, nil
		},
	})
	engine := newProxyEngine(t, testConfig(server.URL), pool)

	const workers = 10
	codes := make(chan int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/v1/x", strings.NewReader(`{}`))
			w := httptest.NewRecorder()
			engine.ServeHTTP(w, req)
			codes <- w.Code
		}()
	}
	wg.Wait()
	close(codes)

	for code := range codes {
		if code != http.StatusOK {
			t.Fatalf("concurrent request status = %d, want 200", code)
		}
	}
	if got := refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
}

func TestProxyIDTokenFallback(t *testing.T) {
	t.Parallel()

	recorder := &bearerRecorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch recorder.record(r) {
		case "acc-alpha":
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"bad audience"}`))
		case "id-alpha":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	st := store.NewFileStore(t.TempDir())
	writeAccount(t, st, "alpha", codex.TokenSet{
		AccessToken:  "acc-alpha",
		RefreshToken: "ref-alpha",
		IDToken:      "id-alpha",
	})
	pool := buildPool(t, st, account.Options{CooldownSeconds: 300})
	engine := newProxyEngine(t, testConfig(server.URL), pool)

	req := httptest.NewRequest(http.MethodPost, "/v1/x", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %q", w.Code, w.Body.String())
	}
	bearers := recorder.all()
	if len(bearers) != 2 || bearers[0] != "acc-alpha" || bearers[1] != "id-alpha" {
		t.Fatalf("upstream bearers = %v, want [acc-alpha id-alpha]", bearers)
	}

	// The fallback success leaves the account unpenalized.
	alpha := accountSnapshot(t, pool, "alpha")
	if alpha.Failures != 0 || !alpha.CooldownUntil.IsZero() || alpha.LastError != "" {
		t.Fatalf("alpha penalized after fallback success: %+v", alpha)
	}
}

func TestProxyIDTokenRetryOnlyOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"denied"}`))
	}))
	defer server.Close()

	st := store.NewFileStore(t.TempDir())
	writeAccount(t, st, "alpha", codex.TokenSet{
		AccessToken:  "acc-alpha",
		RefreshToken: "ref-alpha",
		IDToken:      "id-alpha",
	})
	pool := buildPool(t, st, account.Options{CooldownSeconds: 300, AuthCooldownSeconds: 60})
	engine := newProxyEngine(t, testConfig(server.URL), pool)

	req := httptest.NewRequest(http.MethodPost, "/v1/x", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	// Access token then id token, nothing further for this account.
	if got := calls.Load(); got != 2 {
		t.Fatalf("upstream calls = %d, want 2", got)
	}
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	alpha := accountSnapshot(t, pool, "alpha")
	if alpha.CooldownUntil.IsZero() {
		t.Fatal("alpha not cooling after double auth failure")
	}
}

func TestProxyRefreshFailureReturns401(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	st := store.NewFileStore(t.TempDir())
	stale := expiringToken(t, time.Now().Add(10*time.Second))
	writeAccount(t, st, "alpha", codex.TokenSet{AccessToken: stale, RefreshToken: "R1"})
	pool := buildPool(t, st, account.Options{
		CooldownSeconds: 300,
		Refresh: func(ctx context.Context, refreshToken string) (codex.TokenSet, error) {
			return codex.TokenSet{}, fmt.Errorf("token_refresh_failed: invalid_grant")
		},
	})
	engine := newProxyEngine(t, testConfig(server.URL), pool)

	req := httptest.NewRequest(http.MethodPost, "/v1/x", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if w.Body.String() != "missing_access_token" {
		t.Fatalf("body = %q", w.Body.String())
	}
	if got := calls.Load(); got != 0 {
		t.Fatalf("upstream calls = %d, want 0", got)
	}
	alpha := accountSnapshot(t, pool, "alpha")
	if alpha.CooldownUntil.IsZero() {
		t.Fatal("alpha not flagged after refresh failure")
	}
	if !strings.Contains(alpha.LastError, "invalid_grant") {
		t.Fatalf("alpha last error = %q", alpha.LastError)
	}
}

func TestProxyPassthroughAuth(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer client-token" {
			t.Errorf("upstream authorization = %q, want client bearer", got)
		}
		if got := r.Header.Get("openai-account-id"); got != "" {
			t.Errorf("injected account id %q in passthrough mode", got)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	st := store.NewFileStore(t.TempDir())
	writeAccount(t, st, "alpha", codex.TokenSet{AccessToken: "acc-alpha", RefreshToken: "ref-alpha"})
	pool := buildPool(t, st, account.Options{CooldownSeconds: 300})

	cfg := testConfig(server.URL)
	cfg.OverrideAuth = false
	engine := newProxyEngine(t, cfg, pool)

	req := httptest.NewRequest(http.MethodPost, "/v1/x", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer client-token")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestProxyWritesFatalResponseThrough(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no such model"}`))
	}))
	defer server.Close()

	st := store.NewFileStore(t.TempDir())
	writeAccount(t, st, "alpha", codex.TokenSet{AccessToken: "acc-alpha", RefreshToken: "ref-alpha"})
	pool := buildPool(t, st, account.Options{CooldownSeconds: 300})
	engine := newProxyEngine(t, testConfig(server.URL), pool)

	req := httptest.NewRequest(http.MethodPost, "/v1/x", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if w.Body.String() != `{"error":"no such model"}` {
		t.Fatalf("body = %q", w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("content type = %q", got)
	}

	// A fatal response is the client's problem, not the account's.
	alpha := accountSnapshot(t, pool, "alpha")
	if !alpha.CooldownUntil.IsZero() {
		t.Fatalf("alpha cooling after fatal write-through: %+v", alpha)
	}
}

func TestForwardHeaders(t *testing.T) {
	t.Parallel()

	pair := account.TokenPair{
		AccessToken: "acc-tok",
		IDToken:     "id-tok",
		AccountID:   "set-acct",
		Details: codex.TokenDetails{
			SessionID:      "sess-1",
			UserID:         "user-1",
			OrganizationID: "org-1",
		},
	}
	inbound := http.Header{}
	inbound.Set("Authorization", "Bearer client-tok")
	inbound.Set("Cookie", "sid=abc")
	inbound.Set("Content-Length", "42")
	inbound.Set("X-Custom", "kept")

	t.Run("override with access token", func(t *testing.T) {
		h := &Handler{overrideAuth: true}
		out := h.forwardHeaders(inbound, pair, false)

		if got := out.Get("Authorization"); got != "Bearer acc-tok" {
			t.Fatalf("authorization = %q", got)
		}
		if out.Get("Cookie") != "" || out.Get("Content-Length") != "" {
			t.Fatalf("dropped headers leaked: %v", out)
		}
		if got := out.Get("X-Custom"); got != "kept" {
			t.Fatalf("custom header = %q", got)
		}
		for _, name := range []string{"openai-session", "x-openai-session"} {
			if got := out.Get(name); got != "sess-1" {
				t.Fatalf("%s = %q, want sess-1", name, got)
			}
		}
		// Claims fall back to the token-file account id when the JWT gave
		// none.
		for _, name := range []string{"openai-account-id", "x-openai-account-id"} {
			if got := out.Get(name); got != "set-acct" {
				t.Fatalf("%s = %q, want set-acct", name, got)
			}
		}
		for _, name := range []string{"openai-user-id", "x-openai-user-id"} {
			if got := out.Get(name); got != "user-1" {
				t.Fatalf("%s = %q, want user-1", name, got)
			}
		}
		for _, name := range []string{"openai-organization", "openai-organization-id"} {
			if got := out.Get(name); got != "org-1" {
				t.Fatalf("%s = %q, want org-1", name, got)
			}
		}
	})

	t.Run("override with id token", func(t *testing.T) {
		h := &Handler{overrideAuth: true}
		out := h.forwardHeaders(inbound, pair, true)
		if got := out.Get("Authorization"); got != "Bearer id-tok" {
			t.Fatalf("authorization = %q", got)
		}
	})

	t.Run("absent claims stay absent", func(t *testing.T) {
		h := &Handler{overrideAuth: true}
		out := h.forwardHeaders(inbound, account.TokenPair{AccessToken: "acc-tok"}, false)
		for _, name := range []string{"openai-session", "openai-account-id", "openai-user-id", "openai-organization"} {
			if got := out.Get(name); got != "" {
				t.Fatalf("%s = %q, want empty", name, got)
			}
		}
	})

	t.Run("passthrough keeps client auth", func(t *testing.T) {
		h := &Handler{overrideAuth: false}
		out := h.forwardHeaders(inbound, pair, false)
		if got := out.Get("Authorization"); got != "Bearer client-tok" {
			t.Fatalf("authorization = %q", got)
		}
		if got := out.Get("Cookie"); got != "sid=abc" {
			t.Fatalf("cookie = %q", got)
		}
		if got := out.Get("openai-session"); got != "" {
			t.Fatalf("injected session %q in passthrough mode", got)
		}
	})
}

func TestSessionKeyResolution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{
			name:    "x-session-id wins",
			headers: map[string]string{"x-session-id": "s1", "openai-session": "s2", "x-request-id": "s4"},
			remote:  "10.0.0.1:5000",
			want:    "s1",
		},
		{
			name:    "openai-session before x-openai-session",
			headers: map[string]string{"openai-session": "s2", "x-openai-session": "s3"},
			remote:  "10.0.0.1:5000",
			want:    "s2",
		},
		{
			name:    "x-openai-session before request id",
			headers: map[string]string{"x-openai-session": "s3", "x-request-id": "s4"},
			remote:  "10.0.0.1:5000",
			want:    "s3",
		},
		{
			name:    "request id as last header",
			headers: map[string]string{"x-request-id": "s4"},
			remote:  "10.0.0.1:5000",
			want:    "s4",
		},
		{
			name:   "remote address fallback",
			remote: "10.0.0.7:6000",
			want:   "ip:10.0.0.7",
		},
		{
			name: "default when nothing known",
			want: "default",
		},
		{
			name:    "blank header values are skipped",
			headers: map[string]string{"x-session-id": "   "},
			remote:  "10.0.0.9:6001",
			want:    "ip:10.0.0.9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/x", nil)
			req.RemoteAddr = tt.remote
			for name, value := range tt.headers {
				req.Header.Set(name, value)
			}
			if got := SessionKey(req); got != tt.want {
				t.Fatalf("session key = %q, want %q", got, tt.want)
			}
		})
	}
}
