package security

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "c2VjcmV0LXNlY3JldC1zZWNyZXQtc2VjcmV0YQ" // 38 chars, key-shaped

func headerFunc(h map[string]string) func(string) string {
	return func(name string) string { return h[name] }
}

func TestGenerateKey(t *testing.T) {
	k1, err := GenerateKey()
	require.NoError(t, err)
	k2, err := GenerateKey()
	require.NoError(t, err)

	// 32 bytes of URL-safe base64 without padding is 43 characters.
	assert.Len(t, k1, 43)
	assert.NotEqual(t, k1, k2)
	assert.NotContains(t, k1, "=")
	assert.True(t, isKeyShaped(k1))
}

func TestNew_GeneratesSecretWhenEnabled(t *testing.T) {
	g, err := New(true, "")
	require.NoError(t, err)
	assert.NotEmpty(t, g.Secret())
	assert.True(t, g.Validate(g.Secret()))
}

func TestValidate(t *testing.T) {
	g, err := New(true, testSecret)
	require.NoError(t, err)

	assert.True(t, g.Validate(testSecret))
	assert.False(t, g.Validate("wrong"))
	assert.False(t, g.Validate(""))
	assert.False(t, g.Validate(testSecret+"x"))
}

func TestValidate_DisabledAcceptsAnything(t *testing.T) {
	g, err := New(false, "")
	require.NoError(t, err)

	assert.True(t, g.Validate(""))
	assert.True(t, g.Validate("anything"))
}

func TestExtract_PathSegment(t *testing.T) {
	g, err := New(true, testSecret)
	require.NoError(t, err)

	secret, path := g.Extract("/"+testSecret+"/jp/todos/1", headerFunc(nil), url.Values{})
	assert.Equal(t, testSecret, secret)
	assert.Equal(t, "/jp/todos/1", path)

	// Secret as the only segment leaves the root path.
	secret, path = g.Extract("/"+testSecret, headerFunc(nil), url.Values{})
	assert.Equal(t, testSecret, secret)
	assert.Equal(t, "/", path)
}

func TestExtract_ShortSegmentIsNotAKey(t *testing.T) {
	g, err := New(true, testSecret)
	require.NoError(t, err)

	secret, path := g.Extract("/jp/todos/1", headerFunc(nil), url.Values{})
	assert.Empty(t, secret)
	assert.Equal(t, "/jp/todos/1", path)

	// 45+ characters is too long to be a key.
	long := strings.Repeat("a", 45)
	secret, path = g.Extract("/"+long+"/jp", headerFunc(nil), url.Values{})
	assert.Empty(t, secret)
	assert.Equal(t, "/"+long+"/jp", path)

	// Non-base64url characters disqualify the segment.
	secret, _ = g.Extract("/"+strings.Repeat("a", 30)+"+=/jp", headerFunc(nil), url.Values{})
	assert.Empty(t, secret)
}

func TestExtract_QueryParameter(t *testing.T) {
	g, err := New(true, testSecret)
	require.NoError(t, err)

	q := url.Values{"key": []string{testSecret}}
	secret, path := g.Extract("/jp/todos/1", headerFunc(nil), q)
	assert.Equal(t, testSecret, secret)
	assert.Equal(t, "/jp/todos/1", path)
}

func TestExtract_Header(t *testing.T) {
	g, err := New(true, testSecret)
	require.NoError(t, err)

	secret, _ := g.Extract("/jp/todos/1", headerFunc(map[string]string{"X-API-Buddy-Key": testSecret}), url.Values{})
	assert.Equal(t, testSecret, secret)
}

func TestExtract_BearerToken(t *testing.T) {
	g, err := New(true, testSecret)
	require.NoError(t, err)

	secret, _ := g.Extract("/jp/todos/1", headerFunc(map[string]string{"Authorization": "Bearer " + testSecret}), url.Values{})
	assert.Equal(t, testSecret, secret)

	secret, _ = g.Extract("/jp/todos/1", headerFunc(map[string]string{"Authorization": "Basic dXNlcjpwYXNz"}), url.Values{})
	assert.Empty(t, secret)
}

func TestExtract_PathWinsOverQueryAndHeader(t *testing.T) {
	g, err := New(true, testSecret)
	require.NoError(t, err)

	q := url.Values{"key": []string{"from-query"}}
	h := headerFunc(map[string]string{"X-API-Buddy-Key": "from-header"})
	secret, path := g.Extract("/"+testSecret+"/jp", h, q)
	assert.Equal(t, testSecret, secret)
	assert.Equal(t, "/jp", path)
}

func TestExtract_QueryWinsOverHeader(t *testing.T) {
	g, err := New(true, testSecret)
	require.NoError(t, err)

	q := url.Values{"key": []string{"from-query"}}
	h := headerFunc(map[string]string{"X-API-Buddy-Key": "from-header"})
	secret, _ := g.Extract("/jp", h, q)
	assert.Equal(t, "from-query", secret)
}
