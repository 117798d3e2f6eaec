package geo

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"ipwarden/internal/config"
	"ipwarden/internal/domain"
	"ipwarden/internal/metrics"
	"ipwarden/internal/support"
)

const (
	DefaultTimeout  = 2 * time.Second
	DefaultCacheTTL = 24 * time.Hour

	reasonReserved = "reserved address"
	reasonInvalid  = "invalid address"
)

// Service resolves client addresses to locations. Lookup never fails: any
// problem is reported through LocationResult.Error.
type Service struct {
	provider Provider
	cache    Cache
	timeout  time.Duration
	ttl      time.Duration
	group    singleflight.Group
	updater  *Updater
}

type Option func(*Service)

func WithCache(cache Cache) Option {
	return func(s *Service) {
		if cache != nil {
			s.cache = cache
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func NewService(provider Provider, opts ...Option) *Service {
	s := &Service{
		provider: provider,
		cache:    NewMemoryCache(),
		timeout:  DefaultTimeout,
		ttl:      DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// New builds a service from the geo config section. The returned service is
// always usable; err reports a provider that could not be opened, in which
// case lookups come back empty.
func New(cfg config.GeoConfig, client *redis.Client) (*Service, error) {
	var cache Cache = NewMemoryCache()
	if strings.EqualFold(cfg.Cache, "redis") {
		if client != nil {
			cache = NewRedisCache(client)
		} else {
			log.Warn("Geo cache set to redis but no redis client is available, using memory cache")
		}
	}

	opts := []Option{WithCache(cache), WithTimeout(cfg.Timeout()), WithTTL(cfg.CacheTTLDuration())}

	switch strings.ToLower(cfg.Provider) {
	case "", "geolite":
		cityPath := support.GetEnv("GEOLITE_CITY_DB", cfg.CityDBPath)
		asnPath := support.GetEnv("GEOLITE_ASN_DB", cfg.ASNDBPath)
		licenseKey := support.GetEnv("MAXMIND_LICENSE_KEY", "")
		provider, err := NewGeoLiteProvider(cityPath, asnPath)
		if err != nil && licenseKey == "" && client == nil {
			return NewService(nil, opts...), err
		}
		if err != nil {
			// The updater or another node may still deliver the databases.
			provider = &GeoLiteProvider{cityPath: cityPath, asnPath: asnPath}
		}
		s := NewService(provider, opts...)
		if licenseKey != "" || client != nil {
			s.updater = NewUpdater(provider, licenseKey, client)
		}
		return s, err
	case "http":
		return NewService(NewHTTPProvider(cfg.HTTPEndpoint, &http.Client{}), opts...), nil
	case "none":
		return NewService(nil, opts...), nil
	default:
		return NewService(nil, opts...), errors.New("geo: unknown provider " + cfg.Provider)
	}
}

func (s *Service) Lookup(ctx context.Context, ip string) domain.LocationResult {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		metrics.GeoLookups.WithLabelValues("invalid").Inc()
		return domain.EmptyLocation(reasonInvalid)
	}
	addr = addr.Unmap()
	if isReserved(addr) {
		metrics.GeoLookups.WithLabelValues("reserved").Inc()
		return domain.EmptyLocation(reasonReserved)
	}

	key := addr.String()
	if cached, ok := s.cache.Get(ctx, key); ok {
		metrics.GeoLookups.WithLabelValues("hit").Inc()
		return cached
	}

	if !s.providerReady() {
		metrics.GeoLookups.WithLabelValues("disabled").Inc()
		return domain.EmptyLocation(ErrNoProvider.Error())
	}

	// Shared callers must not be cancelled by whichever request started the call.
	lookupCtx := context.WithoutCancel(ctx)
	value, err, _ := s.group.Do(key, func() (any, error) {
		return s.fetch(lookupCtx, key)
	})
	if err != nil {
		metrics.GeoLookups.WithLabelValues("error").Inc()
		log.Warn("Geolocation lookup failed", "ip", key, "error", err)
		return domain.EmptyLocation(err.Error())
	}

	metrics.GeoLookups.WithLabelValues("miss").Inc()
	return value.(domain.LocationResult)
}

func (s *Service) providerReady() bool {
	if s.provider == nil {
		return false
	}
	if l, ok := s.provider.(interface{ Loaded() bool }); ok {
		return l.Loaded()
	}
	return true
}

func (s *Service) fetch(ctx context.Context, key string) (domain.LocationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	result, err := s.provider.Lookup(ctx, key)
	metrics.GeoProviderDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.LocationResult{}, ErrProviderTimeout
		}
		return domain.LocationResult{}, err
	}
	if result.Failed() {
		return domain.LocationResult{}, errors.New(result.Error)
	}

	s.cache.Set(context.WithoutCancel(ctx), key, result, s.ttl)
	return result, nil
}

// Close releases provider resources when the provider holds any.
func (s *Service) Close() error {
	if closer, ok := s.provider.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func isReserved(addr netip.Addr) bool {
	return addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsMulticast()
}
