package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPRateLimiter_EnforcesLimit(t *testing.T) {
	l := NewIPRateLimiter(2)
	require.NoError(t, l.Check("1.2.3.4"))
	require.NoError(t, l.Check("1.2.3.4"))
	assert.Error(t, l.Check("1.2.3.4"))
}

func TestIPRateLimiter_SeparatePerIP(t *testing.T) {
	l := NewIPRateLimiter(1)
	require.NoError(t, l.Check("1.1.1.1"))
	require.NoError(t, l.Check("2.2.2.2"))
}

func TestClientIP_PrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/secrets/decrypt", nil)
	r.Header.Set("X-Forwarded-For", "9.9.9.9, 10.0.0.1")
	assert.Equal(t, "9.9.9.9", clientIP(r))
}

func TestClientIP_FallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/secrets/decrypt", nil)
	r.RemoteAddr = "5.5.5.5:4321"
	assert.Equal(t, "5.5.5.5", clientIP(r))
}
