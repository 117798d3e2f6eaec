package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ipwarden/internal/audit"
	"ipwarden/internal/blocklist"
	"ipwarden/internal/config"
	"ipwarden/internal/database"
	"ipwarden/internal/domain"
	"ipwarden/internal/ratelimit"
)

type fakeBlocklist map[string]blocklist.Verdict

func (f fakeBlocklist) IsBlocked(_ context.Context, ip string) blocklist.Verdict {
	return f[ip]
}

type countingLimiter struct {
	calls int
	inner *ratelimit.Limiter
}

func (c *countingLimiter) Allow(ctx context.Context, key, group, method string, rate ratelimit.Rate) ratelimit.Decision {
	c.calls++
	return c.inner.Allow(ctx, key, group, method, rate)
}

type fakeSink struct {
	mu        sync.Mutex
	submitted []audit.Entry
	recorded  []audit.Entry
}

func (f *fakeSink) Submit(entry audit.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, entry)
}

func (f *fakeSink) Record(_ context.Context, entry audit.Entry) domain.AuditRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, entry)
	return domain.AuditRecord{}
}

func testSettings(t *testing.T, mutate func(*config.Config)) func() config.Config {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return func() config.Config { return cfg }
}

func testPolicy(t *testing.T, rules ...config.RateRule) *ratelimit.Policy {
	t.Helper()
	p, err := ratelimit.NewPolicy(rules)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	return p
}

func okHandler(called *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("hello " + ClientIPFromContext(r.Context())))
	})
}

func serve(h http.Handler, method, path, remote string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remote
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		xff     string
		trusted bool
		want    string
	}{
		{"first forwarded hop", "10.0.0.1:5000", "203.0.113.5, 10.0.0.1", true, "203.0.113.5"},
		{"forwarded hop with port", "10.0.0.1:5000", " 203.0.113.6:8080 ", true, "203.0.113.6"},
		{"forwarded ipv6 with port", "10.0.0.1:5000", "[2001:db8::1]:443", true, "2001:db8::1"},
		{"untrusted header ignored", "192.0.2.7:1234", "203.0.113.5", false, "192.0.2.7"},
		{"peer address", "192.0.2.8:1234", "", true, "192.0.2.8"},
		{"peer ipv6", "[2001:db8::2]:1234", "", true, "2001:db8::2"},
		{"garbage forwarded hop", "192.0.2.9:1234", strings.Repeat("a", 80) + ", 10.0.0.1", true, "192.0.2.9"},
		{"forwarded hop with nul", "192.0.2.10:1234", "203.0.113.5\x00", true, "192.0.2.10"},
		{"forwarded zone dropped", "10.0.0.1:5000", "fe80::1%eth0", true, "fe80::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := ClientIP(req, tt.trusted); got != tt.want {
				t.Fatalf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBlockedRequestShortCircuits(t *testing.T) {
	limiter := &countingLimiter{inner: ratelimit.NewLimiter(nil)}
	sink := &fakeSink{}
	g := New(fakeBlocklist{"203.0.113.5": blocklist.Blocked}, limiter,
		testPolicy(t, config.RateRule{Pattern: "/api", Methods: []string{"ALL"}, Rate: "10/m"}), sink,
		WithSettings(testSettings(t, nil)))

	called := 0
	rec := serve(g.Middleware(okHandler(&called)), http.MethodGet, "/api", "10.0.0.1:1", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if rec.Body.String() != "IP address blocked" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if called != 0 || limiter.calls != 0 {
		t.Fatalf("handler calls %d, limiter calls %d; want 0 and 0", called, limiter.calls)
	}
	if len(sink.submitted)+len(sink.recorded) != 0 {
		t.Fatal("blocked request audited with log_blocked disabled")
	}
}

func TestBlockedRequestAuditedWhenEnabled(t *testing.T) {
	sink := &fakeSink{}
	g := New(fakeBlocklist{"192.0.2.1": blocklist.Blocked}, nil, nil, sink,
		WithSettings(testSettings(t, func(c *config.Config) { c.Audit.LogBlocked = true })))

	serve(g.Middleware(okHandler(new(int))), http.MethodGet, "/", "192.0.2.1:1", nil)

	if len(sink.submitted) != 1 {
		t.Fatalf("submitted = %d, want 1", len(sink.submitted))
	}
	if e := sink.submitted[0]; e.Outcome != domain.OutcomeBlocked || e.StatusCode != http.StatusForbidden || e.IP != "192.0.2.1" {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestCheckFailedFailsOpen(t *testing.T) {
	g := New(fakeBlocklist{"192.0.2.1": blocklist.CheckFailed}, nil, nil, &fakeSink{},
		WithSettings(testSettings(t, nil)))

	called := 0
	rec := serve(g.Middleware(okHandler(&called)), http.MethodGet, "/", "192.0.2.1:1", nil)
	if rec.Code != http.StatusCreated || called != 1 {
		t.Fatalf("status %d calls %d, want 201 and 1", rec.Code, called)
	}
}

func TestRateLimitedResponse(t *testing.T) {
	sink := &fakeSink{}
	g := New(fakeBlocklist{}, ratelimit.NewLimiter(nil),
		testPolicy(t, config.RateRule{Pattern: "/login", Methods: []string{"POST"}, Rate: "5/m"}), sink,
		WithSettings(testSettings(t, nil)))
	h := g.Middleware(okHandler(new(int)))

	for i := 0; i < 5; i++ {
		if rec := serve(h, http.MethodPost, "/login", "198.51.100.1:1", nil); rec.Code != http.StatusCreated {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}
	// GET is not covered by the rule.
	if rec := serve(h, http.MethodGet, "/login", "198.51.100.1:1", nil); rec.Code != http.StatusCreated {
		t.Fatalf("GET status = %d", rec.Code)
	}

	rec := serve(h, http.MethodPost, "/login", "198.51.100.1:1", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "Rate limit exceeded" || body["message"] != "Too many requests. Please try again later." || body["status_code"] != float64(429) {
		t.Fatalf("unexpected body %v", body)
	}

	last := sink.submitted[len(sink.submitted)-1]
	if last.Outcome != domain.OutcomeRateLimited || last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("unexpected audit entry %+v", last)
	}

	// Another client has its own counter.
	if rec := serve(h, http.MethodPost, "/login", "198.51.100.2:1", nil); rec.Code != http.StatusCreated {
		t.Fatalf("other client status = %d", rec.Code)
	}
}

func TestAuthenticatedCallersUseIdentityKey(t *testing.T) {
	g := New(fakeBlocklist{}, ratelimit.NewLimiter(nil),
		testPolicy(t, config.RateRule{Pattern: "/auth-sensitive", Methods: []string{"ALL"}, Rate: "2/m", AnonymousRate: "1/m"}), &fakeSink{},
		WithSettings(testSettings(t, nil)),
		WithIdentity(func(r *http.Request) string { return r.Header.Get("X-Test-User") }))
	h := g.Middleware(okHandler(new(int)))

	if rec := serve(h, http.MethodGet, "/auth-sensitive", "198.51.100.9:1", nil); rec.Code != http.StatusCreated {
		t.Fatalf("anonymous first status = %d", rec.Code)
	}
	if rec := serve(h, http.MethodGet, "/auth-sensitive", "198.51.100.9:1", nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("anonymous second status = %d, want 429", rec.Code)
	}

	user := map[string]string{"X-Test-User": "alice"}
	for i := 0; i < 2; i++ {
		if rec := serve(h, http.MethodGet, "/auth-sensitive", "198.51.100.9:1", user); rec.Code != http.StatusCreated {
			t.Fatalf("authenticated request %d status = %d", i+1, rec.Code)
		}
	}
	if rec := serve(h, http.MethodGet, "/auth-sensitive", "198.51.100.9:1", user); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("authenticated third status = %d, want 429", rec.Code)
	}
}

func TestAllowedRequestIsAudited(t *testing.T) {
	sink := &fakeSink{}
	g := New(fakeBlocklist{}, nil, nil, sink,
		WithSettings(testSettings(t, nil)),
		WithIdentity(func(*http.Request) string { return "bob" }))

	rec := serve(g.Middleware(okHandler(new(int))), http.MethodPut, "/things", "192.0.2.44:1", nil)
	if rec.Body.String() != "hello 192.0.2.44" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}

	if len(sink.submitted) != 1 {
		t.Fatalf("submitted = %d, want 1", len(sink.submitted))
	}
	e := sink.submitted[0]
	if e.Outcome != domain.OutcomeAllowed || e.StatusCode != http.StatusCreated || e.Method != http.MethodPut || e.UserIdentity != "bob" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.RequestID != rec.Header().Get("X-Request-ID") || e.Timestamp.IsZero() {
		t.Fatalf("entry missing request id or timestamp: %+v", e)
	}
}

func TestSyncAuditMode(t *testing.T) {
	sink := &fakeSink{}
	g := New(fakeBlocklist{}, nil, nil, sink,
		WithSettings(testSettings(t, func(c *config.Config) { c.Audit.Async = false })))

	serve(g.Middleware(okHandler(new(int))), http.MethodGet, "/", "192.0.2.1:1", nil)
	if len(sink.recorded) != 1 || len(sink.submitted) != 0 {
		t.Fatalf("recorded %d submitted %d, want 1 and 0", len(sink.recorded), len(sink.submitted))
	}
}

func TestExemptPathsBypassGuard(t *testing.T) {
	sink := &fakeSink{}
	g := New(fakeBlocklist{"192.0.2.1": blocklist.Blocked}, nil, nil, sink,
		WithSettings(testSettings(t, nil)))

	called := 0
	rec := serve(g.Middleware(okHandler(&called)), http.MethodGet, "/healthz", "192.0.2.1:1", nil)
	if rec.Code != http.StatusCreated || called != 1 {
		t.Fatalf("status %d calls %d", rec.Code, called)
	}
	if len(sink.submitted) != 0 {
		t.Fatal("exempt path was audited")
	}
}

func TestPanickingHandlerIsStillAudited(t *testing.T) {
	sink := &fakeSink{}
	g := New(fakeBlocklist{}, nil, nil, sink, WithSettings(testSettings(t, nil)))
	h := g.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	func() {
		defer func() { _ = recover() }()
		serve(h, http.MethodGet, "/", "192.0.2.1:1", nil)
	}()

	if len(sink.submitted) != 1 || sink.submitted[0].StatusCode != http.StatusInternalServerError {
		t.Fatalf("unexpected entries %+v", sink.submitted)
	}
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	database.DB = db
	t.Cleanup(func() {
		database.DB = nil
	})
	return db
}

func TestBlockedAuditRecordsAgainstStore(t *testing.T) {
	for _, logBlocked := range []bool{false, true} {
		t.Run(fmt.Sprintf("log_blocked_%v", logBlocked), func(t *testing.T) {
			db := setupTestDB(t)
			ctx := context.Background()

			manager := blocklist.NewManager()
			if _, err := manager.Add(ctx, "192.0.2.99", "test"); err != nil {
				t.Fatalf("Add: %v", err)
			}

			recorder := audit.NewRecorder(nil, audit.Options{FlushInterval: time.Hour})
			defer func() { _ = recorder.Close(ctx) }()

			g := New(manager, ratelimit.NewLimiter(nil), nil, recorder,
				WithSettings(testSettings(t, func(c *config.Config) {
					c.Audit.Async = false
					c.Audit.LogBlocked = logBlocked
				})))

			rec := serve(g.Middleware(okHandler(new(int))), http.MethodGet, "/", "192.0.2.99:1", nil)
			if rec.Code != http.StatusForbidden {
				t.Fatalf("status = %d, want 403", rec.Code)
			}

			var records []domain.AuditRecord
			if err := db.Find(&records).Error; err != nil {
				t.Fatalf("load records: %v", err)
			}
			want := 0
			if logBlocked {
				want = 1
			}
			if len(records) != want {
				t.Fatalf("records = %d, want %d", len(records), want)
			}
			if logBlocked && records[0].Outcome != domain.OutcomeBlocked {
				t.Fatalf("outcome = %q, want blocked", records[0].Outcome)
			}
		})
	}
}
