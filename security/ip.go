package security

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// clientIPContextKey is the context key for the resolved client IP
type clientIPContextKey struct{}

// WithClientIP stores the resolved client IP in the context
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// ClientIPFromContext returns the client IP stored by ClientIPMiddleware
func ClientIPFromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPContextKey{}).(string); ok {
		return ip
	}
	return ""
}

// ClientIPMiddleware resolves the client IP once per request and stores it
// in the request context for rate limiting and audit logging.
func ClientIPMiddleware(trustProxy bool, trustedProxyCount int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := GetClientIP(r, trustProxy, trustedProxyCount)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

// GetClientIP extracts the client IP address from the request.
//
// Forwarding headers are only honoured when trustProxy is set, which must be
// limited to deployments behind a reverse proxy that overwrites them.
// X-Forwarded-For is read as "client, proxy1, proxy2"; the rightmost
// trustedProxyCount entries (default 1) are the proxies we operate, and the
// entry left of them is the client. X-Real-IP is the fallback.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func clientFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}

	hops := strings.Split(xff, ",")
	idx := len(hops) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
