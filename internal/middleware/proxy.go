package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// TrustedProxies makes c.RealIP() return the client address as reported by
// the reverse proxies in trustedCIDRs. Rate limits, OAuth state binding and
// session fingerprints all key on that address, so a forwarding header is
// only believed when the hop that set it is trusted.
//
// Entries may be CIDRs ("10.0.0.0/8") or single addresses ("::1").
// Invalid entries are logged and skipped.
func TrustedProxies(e *echo.Echo, trustedCIDRs []string) {
	e.IPExtractor = buildIPExtractor(parseTrusted(trustedCIDRs))
}

func parseTrusted(entries []string) []*net.IPNet {
	var trusted []*net.IPNet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if !strings.Contains(entry, "/") {
			if ip := net.ParseIP(entry); ip != nil {
				bits := 128
				if ip.To4() != nil {
					ip, bits = ip.To4(), 32
				}
				trusted = append(trusted, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
				continue
			}
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			slog.Warn("ignoring invalid trusted proxy", slog.String("entry", entry))
			continue
		}
		trusted = append(trusted, network)
	}
	return trusted
}

// buildIPExtractor walks X-Forwarded-For from the right and returns the
// first address that is not a trusted proxy. Everything left of it was
// written by the client and cannot be believed. X-Real-IP is used only
// when there is no X-Forwarded-For.
func buildIPExtractor(trusted []*net.IPNet) echo.IPExtractor {
	return func(req *http.Request) string {
		directIP := extractDirectIP(req.RemoteAddr)
		if !isTrusted(directIP, trusted) {
			return directIP
		}

		if xff := req.Header.Values("X-Forwarded-For"); len(xff) > 0 {
			hops := strings.Split(strings.Join(xff, ","), ",")
			for i := len(hops) - 1; i >= 0; i-- {
				hop := strings.TrimSpace(hops[i])
				if net.ParseIP(hop) == nil {
					// A malformed hop ends the trusted chain.
					return directIP
				}
				if !isTrusted(hop, trusted) {
					return hop
				}
			}
			return directIP
		}

		if realIP := strings.TrimSpace(req.Header.Get("X-Real-IP")); net.ParseIP(realIP) != nil {
			return realIP
		}
		return directIP
	}
}

// extractDirectIP extracts the IP address from a "host:port" RemoteAddr string.
func extractDirectIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// isTrusted returns true if the given IP falls within any of the trusted CIDRs.
func isTrusted(ipStr string, trusted []*net.IPNet) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, network := range trusted {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
