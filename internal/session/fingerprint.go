package session

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"strings"
)

// IPClass reduces an address to the network it most likely shares with the
// client's next request: /24 for IPv4, /64 for IPv6. Unparseable input is
// used verbatim so two equal garbage strings still match.
func IPClass(ip string) string {
	ip = strings.TrimSpace(ip)
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "raw:" + ip
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}
	return parsed.Mask(net.CIDRMask(64, 128)).String() + "/64"
}

// Fingerprint hashes the client's IP class together with the exact
// user-agent. Address churn inside the same class keeps the fingerprint;
// any user-agent change breaks it.
func Fingerprint(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(IPClass(ip) + "\x00" + userAgent))
	return hex.EncodeToString(sum[:])
}

func fingerprintMatches(stored, ip, userAgent string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(Fingerprint(ip, userAgent))) == 1
}
