package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ipwarden/internal/config"
)

func TestParseRate(t *testing.T) {
	tests := []struct {
		in   string
		want Rate
	}{
		{"10/m", Rate{Limit: 10, Window: time.Minute}},
		{"100/h", Rate{Limit: 100, Window: time.Hour}},
		{"5/30s", Rate{Limit: 5, Window: 30 * time.Second}},
		{" 3 / 2d ", Rate{Limit: 3, Window: 48 * time.Hour}},
		{"1/minute", Rate{Limit: 1, Window: time.Minute}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRate(tt.in)
			if err != nil {
				t.Fatalf("ParseRate(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("ParseRate(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}

	for _, bad := range []string{"", "10", "x/m", "0/m", "10/", "10/5", "10/w", "10/0m"} {
		if _, err := ParseRate(bad); !errors.Is(err, ErrInvalidRate) {
			t.Fatalf("ParseRate(%q) error = %v, want ErrInvalidRate", bad, err)
		}
	}
}

func fixedLimiter(now *time.Time) *Limiter {
	l := NewLimiter(NewMemoryStore())
	l.now = func() time.Time { return *now }
	return l
}

func TestAllowRejectsOnlyBeyondLimit(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC)
	l := fixedLimiter(&now)
	rate := Rate{Limit: 5, Window: time.Minute}

	for i := 1; i <= 5; i++ {
		d := l.Allow(context.Background(), "ip:192.0.2.1", "/login", "POST", rate)
		if !d.Permitted {
			t.Fatalf("call %d rejected, want permitted", i)
		}
		if d.Count != int64(i) {
			t.Fatalf("call %d count = %d", i, d.Count)
		}
	}

	d := l.Allow(context.Background(), "ip:192.0.2.1", "/login", "POST", rate)
	if d.Permitted {
		t.Fatal("call 6 permitted, want rejected")
	}
	if d.RetryAfter != 55*time.Second {
		t.Fatalf("RetryAfter = %s, want 55s", d.RetryAfter)
	}
}

func TestAllowResetsOnNewWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	l := fixedLimiter(&now)
	rate := Rate{Limit: 1, Window: time.Minute}

	if !l.Allow(context.Background(), "ip:a", "g", "ALL", rate).Permitted {
		t.Fatal("first call rejected")
	}
	if l.Allow(context.Background(), "ip:a", "g", "ALL", rate).Permitted {
		t.Fatal("second call in the same window permitted")
	}

	now = now.Add(time.Minute)
	if !l.Allow(context.Background(), "ip:a", "g", "ALL", rate).Permitted {
		t.Fatal("call in the next window rejected")
	}
}

func TestAllowKeepsGroupsAndKeysIndependent(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	l := fixedLimiter(&now)
	rate := Rate{Limit: 1, Window: time.Minute}
	ctx := context.Background()

	l.Allow(ctx, "ip:a", "api", "ALL", rate)
	if !l.Allow(ctx, "ip:a", "sensitive", "ALL", rate).Permitted {
		t.Fatal("other group shares the counter")
	}
	if !l.Allow(ctx, "ip:b", "api", "ALL", rate).Permitted {
		t.Fatal("other key shares the counter")
	}
	if !l.Allow(ctx, "ip:a", "api", "POST", rate).Permitted {
		t.Fatal("other method bucket shares the counter")
	}
}

func TestAllowSeparatesWindowsInOneGroup(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	l := fixedLimiter(&now)
	ctx := context.Background()
	hourly := Rate{Limit: 3, Window: time.Hour}
	perMinute := Rate{Limit: 2, Window: time.Minute}

	for i := 1; i <= 2; i++ {
		if !l.Allow(ctx, "ip:a", "api", "ALL", hourly).Permitted {
			t.Fatalf("hourly call %d rejected", i)
		}
		if !l.Allow(ctx, "ip:a", "api", "ALL", perMinute).Permitted {
			t.Fatalf("per-minute call %d rejected", i)
		}
	}
	if l.Allow(ctx, "ip:a", "api", "ALL", perMinute).Permitted {
		t.Fatal("third per-minute call permitted")
	}

	now = now.Add(time.Minute)
	if !l.Allow(ctx, "ip:a", "api", "ALL", hourly).Permitted {
		t.Fatal("third hourly call rejected")
	}
	d := l.Allow(ctx, "ip:a", "api", "ALL", hourly)
	if d.Permitted || d.Count != 4 {
		t.Fatalf("fourth hourly call = %+v, want rejected at count 4", d)
	}
}

type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Duration, int64) (int64, error) {
	return 0, errors.New("store down")
}

func TestAllowFailsOpen(t *testing.T) {
	l := NewLimiter(failingStore{})
	for i := 0; i < 3; i++ {
		if !l.Allow(context.Background(), "ip:a", "g", "ALL", Rate{Limit: 1, Window: time.Minute}).Permitted {
			t.Fatal("store failure rejected the request")
		}
	}
}

func TestMemoryStoreConcurrentIncrements(t *testing.T) {
	store := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = store.Increment(context.Background(), "k", time.Minute, 1)
			}
		}()
	}
	wg.Wait()

	got, _ := store.Increment(context.Background(), "k", time.Minute, 1)
	if got != 1001 {
		t.Fatalf("count = %d, want 1001", got)
	}
}

func TestMemoryStoreSweepsExpiredWindows(t *testing.T) {
	store := NewMemoryStore()
	store.now = func() time.Time { return time.Unix(0, 0).Add(time.Hour) }

	for i := 0; i < sweepEveryOps*shardCount; i++ {
		_, _ = store.Increment(context.Background(), fmt.Sprintf("k%d", i), time.Second, 0)
	}
	if n := store.Len(); n >= sweepEveryOps*shardCount {
		t.Fatalf("expected expired counters to be swept, %d remain", n)
	}
}

func TestKeyFor(t *testing.T) {
	if got := KeyFor("alice", "192.0.2.1"); got != "user:alice" {
		t.Fatalf("KeyFor authenticated = %q", got)
	}
	if got := KeyFor("", "192.0.2.1"); got != "ip:192.0.2.1" {
		t.Fatalf("KeyFor anonymous = %q", got)
	}
}

func TestPolicyMatch(t *testing.T) {
	policy, err := NewPolicy([]config.RateRule{
		{Pattern: "/login", Methods: []string{"post"}, Rate: "5/m"},
		{Pattern: "/multi", Methods: []string{"GET"}, Rate: "20/m"},
		{Pattern: "/multi", Methods: []string{"POST"}, Rate: "5/m"},
		{Pattern: "/api/high", Group: "api", Methods: []string{"ALL"}, Rate: "100/h"},
		{Pattern: "/static/*", Rate: "50/m"},
		{Pattern: "/auth-sensitive", Methods: []string{"ALL"}, Rate: "10/m", AnonymousRate: "5/m"},
	})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}

	tests := []struct {
		path, method string
		wantOK       bool
		wantGroup    string
		wantMethod   string
		wantLimit    int64
	}{
		{"/login", "POST", true, "/login", "POST", 5},
		{"/login", "GET", false, "", "", 0},
		{"/multi", "GET", true, "/multi", "GET", 20},
		{"/multi", "POST", true, "/multi", "POST", 5},
		{"/api/high", "DELETE", true, "api", "ALL", 100},
		{"/static/css/app.css", "GET", true, "/static/*", "ALL", 50},
		{"/static", "GET", true, "/static/*", "ALL", 50},
		{"/staticfiles", "GET", false, "", "", 0},
		{"/unknown", "GET", false, "", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rule, ok := policy.Match(tt.path, tt.method)
			if ok != tt.wantOK {
				t.Fatalf("matched = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if rule.Group != tt.wantGroup || rule.MethodKey() != tt.wantMethod || rule.Rate.Limit != tt.wantLimit {
				t.Fatalf("rule = %+v (method key %s)", rule, rule.MethodKey())
			}
		})
	}

	rule, _ := policy.Match("/auth-sensitive", "GET")
	if rule.RateFor(true).Limit != 10 || rule.RateFor(false).Limit != 5 {
		t.Fatalf("unexpected auth-sensitive rates %+v", rule)
	}
}

func TestNewPolicyRejectsBadRates(t *testing.T) {
	if _, err := NewPolicy([]config.RateRule{{Pattern: "/x", Rate: "lots"}}); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("error = %v, want ErrInvalidRate", err)
	}
	if _, err := NewPolicy([]config.RateRule{{Rate: "1/m"}}); err == nil {
		t.Fatal("expected error for empty pattern")
	}
}

func TestDefaultPolicyCompiles(t *testing.T) {
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if _, err := NewPolicy(cfg.RateLimit.Rules); err != nil {
		t.Fatalf("default rules: %v", err)
	}
}
