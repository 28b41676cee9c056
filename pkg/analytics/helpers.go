package analytics

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts client IP address from request
func GetClientIP(r *http.Request) string {
	// Try X-Forwarded-For header first (proxy/load balancer)
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		// Take the first IP if multiple
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// GetUserAgent extracts user agent from request
func GetUserAgent(r *http.Request) string {
	return r.UserAgent()
}

// NormalizeReferrer maps a missing or empty referrer to nil. The tracking
// snippet sends document.referrer, which is "" when there was none.
func NormalizeReferrer(referrer *string) *string {
	if referrer == nil || *referrer == "" {
		return nil
	}
	return referrer
}
