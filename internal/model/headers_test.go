package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeaders_CaseInsensitive(t *testing.T) {
	h := NewHeaders(map[string][]string{
		"x-content-type-options": {"nosniff"},
		"Content-Security-Policy": {"default-src 'self'"},
	})

	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.Equal(t, "nosniff", h.Get("x-CONTENT-type-options"))
	assert.True(t, h.Has("content-security-policy"))
	assert.False(t, h.Has("Strict-Transport-Security"))
	assert.Equal(t, "", h.Get("Strict-Transport-Security"))
}

func TestHeaders_MultiValue(t *testing.T) {
	h := make(Headers)
	h.Add("Set-Cookie", "a=1")
	h.Add("set-cookie", "b=2")

	assert.Equal(t, []string{"a=1", "b=2"}, h.Values("Set-Cookie"))
	assert.Equal(t, "a=1", h.Get("Set-Cookie"))

	h.Set("Set-Cookie", "c=3")
	assert.Equal(t, []string{"c=3"}, h.Values("set-cookie"))
}

func TestHeaders_Clone(t *testing.T) {
	h := make(Headers)
	h.Add("Server", "nginx")

	c := h.Clone()
	c.Add("Server", "tampered")

	assert.Len(t, h.Values("Server"), 1)
	assert.Len(t, c.Values("Server"), 2)
}

func TestDetectAuthKind(t *testing.T) {
	cases := []struct {
		header string
		want   AuthKind
	}{
		{"", AuthNone},
		{"Basic dXNlcjpwYXNz", AuthBasic},
		{"basic dXNlcjpwYXNz", AuthBasic},
		{"Bearer eyJhbGciOi...", AuthBearer},
		{"OAuth oauth_consumer_key=abc", AuthOAuth},
		{"Digest username=admin", AuthOther},
		{"Negotiate abcdef", AuthOther},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, DetectAuthKind(tc.header), "header %q", tc.header)
	}
}

func TestSession_ExpiredBoundary(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := &Session{LastActivity: now.Add(-60 * time.Second)}

	assert.True(t, s.Expired(now, 60*time.Second), "last_activity == now-timeout is expired")
	assert.False(t, s.Expired(now, 61*time.Second))
}
