package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
)

// DeriveKey computes the content-addressed cache key for a request. The key
// depends only on the uppercase method, the normalized URL, and the
// normalized body, so logically equal requests always land on the same entry.
func DeriveKey(method, rawURL string, body []byte, contentType string) string {
	method = strings.ToUpper(method)
	components := []string{method, normalizeURL(rawURL)}
	if method == "POST" && len(body) > 0 {
		components = append(components, normalizeBody(body, contentType))
	}
	sum := sha256.Sum256([]byte(strings.Join(components, ":")))
	return hex.EncodeToString(sum[:])
}

// normalizeURL lowercases scheme and host, re-encodes the path, strips
// trailing slashes (except for the bare root), and sorts query parameters by
// name then value while preserving duplicates.
func normalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	path := u.Path
	if path != "/" {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	// Re-encode from the decoded form so mixed percent-encodings collapse.
	path = (&url.URL{Path: path}).EscapedPath()

	query := ""
	if u.RawQuery != "" {
		values := u.Query()
		for k := range values {
			sort.Strings(values[k])
		}
		// Encode sorts by key; values within a key were sorted above.
		query = values.Encode()
	}

	var b strings.Builder
	if u.Scheme != "" {
		b.WriteString(strings.ToLower(u.Scheme))
		b.WriteString("://")
	}
	b.WriteString(strings.ToLower(u.Host))
	b.WriteString(path)
	if query != "" {
		b.WriteString("?")
		b.WriteString(query)
	}
	return b.String()
}

// normalizeBody canonicalizes JSON bodies (sorted keys, no insignificant
// whitespace) so equivalent documents share a key; any other body is
// substituted by its SHA-256 digest.
func normalizeBody(body []byte, contentType string) string {
	if strings.Contains(contentType, "application/json") {
		var obj interface{}
		if err := json.Unmarshal(body, &obj); err == nil {
			if canonical, err := json.Marshal(obj); err == nil {
				return string(canonical)
			}
		}
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
