package guard

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIP returns the address the guard attributes a request to. With
// trustForwarded the first X-Forwarded-For hop wins when it parses as an
// address; that header is set by the client unless a trusted proxy rewrites
// it, so only enable it behind one.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if addr, err := netip.ParseAddr(stripPort(strings.TrimSpace(first))); err == nil {
				return addr.WithZone("").String()
			}
		}
	}
	return stripPort(r.RemoteAddr)
}

func stripPort(raw string) string {
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host
	}
	return strings.Trim(raw, "[]")
}

func withClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// ClientIPFromContext returns the address resolved by the guard for the
// current request.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}
