package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicKeyFromQuery(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/1/store/?sentry_key=ABCDEF0123456789abcdef0123456789", nil)
	key, err := PublicKeyFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "abcdef0123456789abcdef0123456789", key)
}

func TestPublicKeyGlitchtipAlias(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/1/store/?glitchtip_key=abc", nil)
	key, err := PublicKeyFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", key)
}

func TestPublicKeyFromSentryAuthHeader(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/1/envelope/", nil)
	r.Header.Set("X-Sentry-Auth", "Sentry sentry_version=7, sentry_key=deadbeef, sentry_client=sdk/1.0")
	key, err := PublicKeyFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", key)
}

func TestPublicKeySpaceSeparatedHeader(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/1/envelope/", nil)
	r.Header.Set("Authorization", "Sentry sentry_key=cafe sentry_version=7")
	key, err := PublicKeyFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "cafe", key)
}

func TestPublicKeyMissing(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/1/store/", nil)
	_, err := PublicKeyFromRequest(r)
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestParseDSN(t *testing.T) {
	key, projectID, err := ParseDSN("https://AB-CD@o1.ingest.example.com/12")
	require.NoError(t, err)
	assert.Equal(t, "abcd", key)
	assert.Equal(t, int64(12), projectID)
}

func TestParseDSNMissingParts(t *testing.T) {
	_, _, err := ParseDSN("https://example.com/1")
	assert.Error(t, err)

	_, _, err = ParseDSN("https://key@example.com/")
	assert.Error(t, err)
}

func TestClientIPForwardedFor(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientIP(r))
}

func TestClientIPRemoteAddr(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	r.RemoteAddr = "198.51.100.7:4321"
	assert.Equal(t, "198.51.100.7", ClientIP(r))
}

func TestAnonymizeIP(t *testing.T) {
	assert.Equal(t, "203.0.113.0", AnonymizeIP("203.0.113.77"))
	assert.Equal(t, "2001:db8:1::", AnonymizeIP("2001:db8:1:2:3:4:5:6"))
	assert.Equal(t, "", AnonymizeIP("not an ip"))
}
