// Package security implements the shared-secret access control gate.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// Gate validates the per-deployment shared secret. When disabled it admits
// every request.
type Gate struct {
	enabled bool
	secret  string
}

// New creates a Gate. When enabled and no secret is supplied, a fresh one
// is generated; callers should surface it so clients can authenticate.
func New(enabled bool, secret string) (*Gate, error) {
	if enabled && secret == "" {
		generated, err := GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate secure key: %w", err)
		}
		secret = generated
	}
	return &Gate{enabled: enabled, secret: secret}, nil
}

// Enabled reports whether the gate rejects unauthenticated requests.
func (g *Gate) Enabled() bool {
	return g.enabled
}

// Secret returns the configured or generated secret.
func (g *Gate) Secret() string {
	return g.secret
}

// Extract pulls the candidate secret out of the request, first match wins:
// a leading path segment shaped like a key, the "key" query parameter, the
// X-API-Buddy-Key header, then an Authorization bearer token. The returned
// path has the secret segment stripped when it was carried in the path.
func (g *Gate) Extract(path string, header func(string) string, query url.Values) (secret, sanitizedPath string) {
	sanitizedPath = path

	if seg, rest, ok := leadingKeySegment(path); ok {
		return seg, rest
	}
	if v := query.Get("key"); v != "" {
		return v, sanitizedPath
	}
	if v := header("X-API-Buddy-Key"); v != "" {
		return v, sanitizedPath
	}
	if auth := header("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")), sanitizedPath
	}
	return "", sanitizedPath
}

// Validate compares the candidate against the configured secret in constant
// time. A disabled gate accepts anything.
func (g *Gate) Validate(secret string) bool {
	if !g.enabled {
		return true
	}
	if secret == "" || g.secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(g.secret)) == 1
}

// GenerateKey returns a fresh secret: 32 cryptographically random bytes,
// URL-safe base64 without padding.
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// leadingKeySegment reports whether the first path segment looks like a
// secure key (32 to 44 characters of the URL-safe base64 alphabet) and, if
// so, returns it along with the path with that segment removed.
func leadingKeySegment(path string) (seg, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", "", false
	}
	seg, tail, found := strings.Cut(trimmed, "/")
	if !isKeyShaped(seg) {
		return "", "", false
	}
	if !found {
		return seg, "/", true
	}
	return seg, "/" + tail, true
}

func isKeyShaped(s string) bool {
	if len(s) < 32 || len(s) > 44 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
