package guard

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ipwarden/internal/audit"
	"ipwarden/internal/blocklist"
	"ipwarden/internal/config"
	"ipwarden/internal/domain"
	"ipwarden/internal/metrics"
	"ipwarden/internal/ratelimit"
)

const requestIDHeader = "X-Request-ID"

type BlockChecker interface {
	IsBlocked(ctx context.Context, ip string) blocklist.Verdict
}

type Limiter interface {
	Allow(ctx context.Context, key, group, method string, rate ratelimit.Rate) ratelimit.Decision
}

type AuditSink interface {
	Submit(entry audit.Entry)
	Record(ctx context.Context, entry audit.Entry) domain.AuditRecord
}

type Option func(*Guard)

// WithIdentity sets how the authenticated caller is read from a request.
func WithIdentity(fn func(*http.Request) string) Option {
	return func(g *Guard) {
		if fn != nil {
			g.identity = fn
		}
	}
}

// WithSettings replaces the config source, mostly for tests.
func WithSettings(fn func() config.Config) Option {
	return func(g *Guard) {
		if fn != nil {
			g.settings = fn
		}
	}
}

// Guard runs every request through block check, rate check, the downstream
// handler and the audit log, in that order. A rejection at either check
// short-circuits the rest.
type Guard struct {
	blocklist BlockChecker
	limiter   Limiter
	policy    atomic.Pointer[ratelimit.Policy]
	audit     AuditSink
	identity  func(*http.Request) string
	settings  func() config.Config
}

func New(blocklist BlockChecker, limiter Limiter, policy *ratelimit.Policy, sink AuditSink, opts ...Option) *Guard {
	g := &Guard{
		blocklist: blocklist,
		limiter:   limiter,
		audit:     sink,
		identity:  func(*http.Request) string { return "" },
		settings:  config.GetConfig,
	}
	g.policy.Store(policy)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetPolicy swaps the rate limit table used by subsequent requests.
func (g *Guard) SetPolicy(policy *ratelimit.Policy) {
	g.policy.Store(policy)
}

func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := g.settings()
		if isExempt(cfg.Guard.ExemptPaths, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ctx := r.Context()

		requestID := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		ip := ClientIP(r, cfg.Proxy.TrustForwardedFor)
		identity := g.identity(r)
		entry := audit.Entry{
			RequestID:    requestID,
			IP:           ip,
			Path:         r.URL.Path,
			Method:       r.Method,
			UserIdentity: identity,
		}

		if g.blocklist != nil && g.blocklist.IsBlocked(ctx, ip) == blocklist.Blocked {
			writeBlocked(w)
			g.finish(ctx, cfg.Audit, entry, domain.OutcomeBlocked, http.StatusForbidden, cfg.Audit.LogBlocked, start)
			return
		}

		if rule, ok := g.policy.Load().Match(r.URL.Path, r.Method); ok && g.limiter != nil {
			decision := g.limiter.Allow(ctx, ratelimit.KeyFor(identity, ip), rule.Group, rule.MethodKey(), rule.RateFor(identity != ""))
			if !decision.Permitted {
				writeRateLimited(w, decision.RetryAfter)
				g.finish(ctx, cfg.Audit, entry, domain.OutcomeRateLimited, http.StatusTooManyRequests, cfg.Audit.LogRateLimited, start)
				return
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				g.finish(ctx, cfg.Audit, entry, domain.OutcomeAllowed, http.StatusInternalServerError, true, start)
				panic(p)
			}
		}()

		next.ServeHTTP(rec, r.WithContext(withClientIP(ctx, ip)))
		g.finish(ctx, cfg.Audit, entry, domain.OutcomeAllowed, rec.status, true, start)
	})
}

func (g *Guard) finish(ctx context.Context, cfg config.AuditConfig, entry audit.Entry, outcome domain.RequestOutcome, status int, enabled bool, start time.Time) {
	metrics.GuardDecisions.WithLabelValues(string(outcome)).Inc()
	metrics.GuardDuration.WithLabelValues(string(outcome)).Observe(time.Since(start).Seconds())

	if !enabled || g.audit == nil {
		return
	}

	entry.Outcome = outcome
	entry.StatusCode = status
	entry.Timestamp = time.Now().UTC()

	if cfg.Async {
		g.audit.Submit(entry)
		return
	}
	g.audit.Record(context.WithoutCancel(ctx), entry)
}

func isExempt(exempt []string, path string) bool {
	for _, p := range exempt {
		if path == p || (p != "/" && strings.HasPrefix(path, p+"/")) {
			return true
		}
	}
	return false
}
