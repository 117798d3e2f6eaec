package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipwarden/internal/audit"
	"ipwarden/internal/auth"
	"ipwarden/internal/blocklist"
	"ipwarden/internal/config"
	"ipwarden/internal/database"
	"ipwarden/internal/geo"
	"ipwarden/internal/guard"
	"ipwarden/internal/ratelimit"
	"ipwarden/internal/scanner"
	"ipwarden/internal/support"
)

// ErrInvalidSettings wraps settings that fail validation.
var ErrInvalidSettings = errors.New("invalid settings")

// Services holds the long-lived components of a running node.
type Services struct {
	Redis     *redis.Client
	Blocklist *blocklist.Manager
	Geo       *geo.Service
	Limiter   *ratelimit.Limiter
	Audit     *audit.Recorder
	Scanner   *scanner.Scanner
	Guard     *guard.Guard
}

// SetupStore loads settings and opens the database. It is all the admin CLI
// needs.
func SetupStore() error {
	if err := config.ReadSettings(); err != nil {
		log.Warn("Failed to read settings, using defaults", "error", err)
	}

	if _, err := database.SetupDB(); err != nil {
		return fmt.Errorf("set up database: %w", err)
	}
	return nil
}

// Setup wires every component. Redis is optional: without it caches and rate
// counters stay process-local and the scanner runs without a leader lock.
func Setup(ctx context.Context) (*Services, error) {
	if err := SetupStore(); err != nil {
		return nil, err
	}

	s := &Services{}

	if support.RedisConfigured() {
		client, err := support.GetRedisClient()
		if err != nil {
			log.Warn("Redis unavailable, continuing with local state", "error", err)
		} else {
			s.Redis = client
			config.EnableRedisSynchronization(ctx, client)
		}
	}

	cfg := config.GetConfig()

	s.Blocklist = blocklist.NewManager()
	if err := s.Blocklist.Load(ctx); err != nil {
		log.Warn("Initial blocklist load failed, checks fall back to the database", "error", err)
	} else {
		log.Info("Blocklist loaded", "addresses", s.Blocklist.Size())
	}

	geoService, err := geo.New(cfg.Geo, s.Redis)
	if err != nil {
		log.Warn("Geolocation provider unavailable, audit records will not be enriched", "error", err)
	}
	s.Geo = geoService

	policy, err := ratelimit.NewPolicy(cfg.RateLimit.Rules)
	if err != nil {
		return nil, fmt.Errorf("compile rate limit policy: %w", err)
	}
	s.Limiter = ratelimit.New(cfg.RateLimit.Store, s.Redis)

	s.Audit = audit.NewRecorder(s.Geo, audit.OptionsFromConfig(cfg.Audit))
	s.Scanner = scanner.New(s.Redis)
	s.Guard = guard.New(s.Blocklist, s.Limiter, policy, s.Audit, guard.WithIdentity(auth.IdentityFromRequest))

	config.OnUpdate(func(updated config.Config) {
		next, err := ratelimit.NewPolicy(updated.RateLimit.Rules)
		if err != nil {
			log.Error("Ignoring invalid rate limit rules", "error", err)
			return
		}
		s.Guard.SetPolicy(next)
	})

	return s, nil
}

// StartRoutines launches the background loops; they stop with ctx.
func (s *Services) StartRoutines(ctx context.Context) {
	go s.Blocklist.StartRefreshRoutine(ctx)
	go s.Scanner.StartRoutine(ctx)
	go s.Geo.StartUpdateRoutine(ctx)
}

// ApplyConfig validates and persists new settings. Rules are compiled up front
// so an invalid table is rejected before anything changes.
func (s *Services) ApplyConfig(cfg config.Config) error {
	if _, err := ratelimit.NewPolicy(cfg.RateLimit.Rules); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	return config.SetConfig(cfg)
}

// Close flushes pending audit records and releases connections.
func (s *Services) Close(ctx context.Context) error {
	var errs []error
	if s.Audit != nil {
		errs = append(errs, s.Audit.Close(ctx))
	}
	if s.Geo != nil {
		errs = append(errs, s.Geo.Close())
	}
	errs = append(errs, database.Close())
	if s.Redis != nil {
		errs = append(errs, support.CloseRedisClient())
	}
	return errors.Join(errs...)
}
