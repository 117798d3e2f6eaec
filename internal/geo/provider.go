package geo

import (
	"context"
	"errors"

	"ipwarden/internal/domain"
)

var (
	ErrProviderTimeout = errors.New("geo: provider timed out")
	ErrNoProvider      = errors.New("geo: no provider configured")
)

// Provider resolves a single address. Implementations must honour ctx.
type Provider interface {
	Lookup(ctx context.Context, ip string) (domain.LocationResult, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, ip string) (domain.LocationResult, error)

func (f ProviderFunc) Lookup(ctx context.Context, ip string) (domain.LocationResult, error) {
	return f(ctx, ip)
}
