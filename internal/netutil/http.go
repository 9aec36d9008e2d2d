// Package netutil provides shared HTTP/network normalization helpers.
package netutil

import (
	"net"
	"net/http"
	"strings"
)

// framingHeaderNames are transport-level headers that describe how the
// agent's local server framed its response. The gateway frames its own reply,
// so they are never copied through.
var framingHeaderNames = []string{
	"Connection",
	"Transfer-Encoding",
}

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// TunnelName derives the candidate tunnel name for host by stripping the
// "."+root suffix. It returns "" for an empty host or root itself. A host
// outside root is returned unchanged, so it never matches a bound tunnel.
// Both inputs must be normalized.
func TunnelName(host, root string) string {
	if host == "" || host == root {
		return ""
	}
	return strings.TrimSuffix(host, "."+root)
}

// IsLoopbackHost reports whether host names the local machine: "localhost",
// any 127.0.0.0/8 address, or ::1.
func IsLoopbackHost(host string) bool {
	host = NormalizeHost(host)
	if host == "localhost" || host == "::1" {
		return true
	}
	return strings.HasPrefix(host, "127.")
}

// RemoveFramingHeaders strips Connection and Transfer-Encoding.
func RemoveFramingHeaders(h http.Header) {
	for _, key := range framingHeaderNames {
		h.Del(key)
	}
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
