// Package auth resolves client DSNs to projects and applies per-project and
// per-organization throttling before any event reaches the batch tier.
package auth

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// ErrMissingKey means no DSN public key could be extracted from the request.
var ErrMissingKey = errors.New("auth: missing sentry_key")

// PublicKeyFromRequest extracts the DSN public key from the query string
// (sentry_key or glitchtip_key) or from an X-Sentry-Auth / Authorization
// header of space- or comma-separated k=v pairs.
func PublicKeyFromRequest(r *http.Request) (string, error) {
	q := r.URL.Query()
	if key := q.Get("sentry_key"); key != "" {
		return normalizeKey(key), nil
	}
	if key := q.Get("glitchtip_key"); key != "" {
		return normalizeKey(key), nil
	}

	for _, header := range []string{"X-Sentry-Auth", "Authorization"} {
		if key := keyFromAuthHeader(r.Header.Get(header)); key != "" {
			return normalizeKey(key), nil
		}
	}
	return "", ErrMissingKey
}

// keyFromAuthHeader parses "Sentry sentry_key=abc, sentry_version=7" style
// headers. Pairs may be separated by commas, spaces, or both.
func keyFromAuthHeader(header string) string {
	if header == "" {
		return ""
	}
	header = strings.TrimPrefix(header, "Sentry ")
	for _, part := range strings.FieldsFunc(header, func(r rune) bool {
		return r == ',' || r == ' '
	}) {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(k) == "sentry_key" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// normalizeKey lowercases and strips UUID dashes so both representations
// match the stored key.
func normalizeKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "-", "")
}

// ParseDSN splits a client DSN of the form
// scheme://public_key@host[:port][/path]/project_id.
func ParseDSN(dsn string) (publicKey string, projectID int64, err error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", 0, fmt.Errorf("parse dsn: %w", err)
	}
	if u.User == nil {
		return "", 0, fmt.Errorf("parse dsn: missing public key")
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) == 0 || segments[len(segments)-1] == "" {
		return "", 0, fmt.Errorf("parse dsn: missing project id")
	}
	var id int64
	if _, err := fmt.Sscanf(segments[len(segments)-1], "%d", &id); err != nil {
		return "", 0, fmt.Errorf("parse dsn: project id: %w", err)
	}
	return normalizeKey(u.User.Username()), id, nil
}

// ClientIP extracts the caller address: first hop of X-Forwarded-For when
// present, else the connection remote address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AnonymizeIP zeroes the host portion: /24 for IPv4, /48 for IPv6.
func AnonymizeIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return parsed.Mask(net.CIDRMask(48, 128)).String()
}
