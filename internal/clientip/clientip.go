// Package clientip derives the rate-limit partition key for an incoming
// request and matches it against exemption lists.
package clientip

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Unknown is returned when no usable address can be found on a request.
const Unknown = "unknown"

// FromRequest returns the canonical client address for r. With trustProxy set,
// the first X-Forwarded-For entry wins, then X-Real-IP; the connection's
// remote address is the last resort.
func FromRequest(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip, ok := Canonical(first); ok {
				return ip
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			if ip, ok := Canonical(xri); ok {
				return ip
			}
		}
	}

	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	if ip, ok := Canonical(host); ok {
		return ip
	}
	return Unknown
}

// Canonical parses value as an IP address and returns its canonical string.
// IPv4-mapped IPv6 addresses (::ffff:1.2.3.4) are normalised to IPv4.
func Canonical(value string) (string, bool) {
	ip := net.ParseIP(strings.TrimSpace(value))
	if ip == nil {
		return "", false
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String(), true
	}
	return ip.String(), true
}

// Sanitize converts an identifier into a form safe for use inside a document
// key: every ':' and '.' becomes '_'.
func Sanitize(id string) string {
	return strings.NewReplacer(":", "_", ".", "_").Replace(id)
}

// IsExempt checks if ip is covered by any of the exemption CIDR entries.
func IsExempt(ip string, exempt []*net.IPNet) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range exempt {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// ParseExemptions parses a slice of IP/CIDR strings into net.IPNet entries.
func ParseExemptions(entries []string) ([]*net.IPNet, error) {
	result := make([]*net.IPNet, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			// Single IP: convert to /32 or /128
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("invalid exemption entry %q", e)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			e = fmt.Sprintf("%s/%d", ip.String(), bits)
		}
		_, cidr, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("invalid exemption CIDR %q: %w", e, err)
		}
		result = append(result, cidr)
	}
	return result, nil
}
