// Package clientinfo extracts the caller's network identity from a request.
package clientinfo

import (
	"net"
	"net/http"
	"strings"
)

// IP returns the client address: the first hop of X-Forwarded-For when the
// proxy set one, then X-Real-IP, then the connection's remote address.
func IP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// UserAgent returns the request's user agent, capped so a hostile client
// cannot inflate stored sessions and events.
func UserAgent(r *http.Request) string {
	ua := r.UserAgent()
	if len(ua) > 512 {
		ua = ua[:512]
	}
	return ua
}
