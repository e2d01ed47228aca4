package metadata

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/mssola/useragent"

	"cohort/pkg/requestcontext"
)

// TrustedProxies is the set of peers allowed to report the client address in
// X-Forwarded-For or X-Real-IP. The zero value trusts nobody.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// ParseTrustedProxies accepts bare addresses ("10.0.0.7") and CIDR ranges
// ("10.0.0.0/8").
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	var tp TrustedProxies
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return TrustedProxies{}, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			tp.prefixes = append(tp.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return TrustedProxies{}, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		tp.prefixes = append(tp.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return tp, nil
}

// Contains reports whether ip (textual form) belongs to a trusted proxy.
func (tp TrustedProxies) Contains(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range tp.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientMetadata trusts no forwarding headers.
func ClientMetadata(next http.Handler) http.Handler {
	return WithTrustedProxies(TrustedProxies{})(next)
}

// WithTrustedProxies extracts the client IP, raw User-Agent and a parsed
// client name into the request context for audit and verification lockout.
// Forwarding headers are only read when the direct peer is a trusted proxy.
func WithTrustedProxies(trusted TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ua := r.Header.Get("User-Agent")
			ctx := requestcontext.WithClientMetadata(r.Context(), ClientIPFromRequest(r, trusted), ua)
			ctx = requestcontext.WithClientName(ctx, ClientName(ua))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientName renders a User-Agent as "Browser Version", "bot:Name", or ""
// when nothing useful can be parsed.
func ClientName(userAgent string) string {
	if strings.TrimSpace(userAgent) == "" {
		return ""
	}
	ua := useragent.New(userAgent)
	name, version := ua.Browser()
	if ua.Bot() {
		return "bot:" + name
	}
	if name == "" {
		return ""
	}
	if version == "" {
		return name
	}
	return name + " " + version
}

// ClientIPFromRequest returns the address the lockout and audit trail key on.
//
// When RemoteAddr is a trusted proxy, X-Forwarded-For is walked from the
// right and the first hop that is not itself trusted wins; X-Real-IP is the
// fallback. Otherwise headers are ignored and RemoteAddr is used.
func ClientIPFromRequest(r *http.Request, trusted TrustedProxies) string {
	peer := remoteIP(r.RemoteAddr)
	if peer == "" {
		return "unknown"
	}
	if !trusted.Contains(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !trusted.Contains(hop) {
				return hop
			}
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return peer
}

func remoteIP(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.Trim(addr, "[]")
	}
	return host
}
