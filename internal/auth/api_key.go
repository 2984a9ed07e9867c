// Package auth parses the ApiKey authorization scheme used by the
// projects and tasks endpoints.
package auth

import (
	"errors"
	"strings"
)

// Scheme is the authorization scheme name carried before the key.
const Scheme = "ApiKey"

var (
	// ErrMissingAuthorization indicates the request carried no Authorization header.
	ErrMissingAuthorization = errors.New("auth: authorization header required")
	// ErrMalformedAuthorization indicates the header is not "ApiKey <key>".
	ErrMalformedAuthorization = errors.New("auth: malformed authorization header")
)

// ParseAPIKeyHeader extracts the key from an Authorization header value. The
// scheme name is matched case-insensitively.
func ParseAPIKeyHeader(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", ErrMissingAuthorization
	}
	scheme, key, found := strings.Cut(trimmed, " ")
	if !found || !strings.EqualFold(scheme, Scheme) {
		return "", ErrMalformedAuthorization
	}
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", ErrMalformedAuthorization
	}
	return key, nil
}

// FormatAPIKeyHeader renders key as an Authorization header value.
func FormatAPIKeyHeader(key string) string {
	return Scheme + " " + key
}
