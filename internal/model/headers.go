package model

import (
	"net/textproto"
	"strings"
)

// Headers is a case-insensitive multimap of HTTP header names to values.
// Keys are stored in canonical MIME form so lookups work regardless of the
// casing the peer used on the wire.
type Headers map[string][]string

// NewHeaders builds a Headers map from an http.Header-shaped map,
// canonicalizing every key.
func NewHeaders(src map[string][]string) Headers {
	h := make(Headers, len(src))
	for k, vs := range src {
		ck := textproto.CanonicalMIMEHeaderKey(k)
		h[ck] = append(h[ck], vs...)
	}
	return h
}

// Get returns the first value for the named header, or "".
func (h Headers) Get(name string) string {
	if h == nil {
		return ""
	}
	vs := h[textproto.CanonicalMIMEHeaderKey(name)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns all values for the named header.
func (h Headers) Values(name string) []string {
	if h == nil {
		return nil
	}
	return h[textproto.CanonicalMIMEHeaderKey(name)]
}

// Has reports whether the named header is present.
func (h Headers) Has(name string) bool {
	if h == nil {
		return false
	}
	_, ok := h[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

// Add appends a value for the named header.
func (h Headers) Add(name, value string) {
	ck := textproto.CanonicalMIMEHeaderKey(name)
	h[ck] = append(h[ck], value)
}

// Set replaces all values for the named header.
func (h Headers) Set(name, value string) {
	h[textproto.CanonicalMIMEHeaderKey(name)] = []string{value}
}

// Clone returns a deep copy.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// AuthKind classifies the Authorization header observed on a request.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBasic  AuthKind = "basic"
	AuthBearer AuthKind = "bearer"
	AuthOAuth  AuthKind = "oauth"
	AuthOther  AuthKind = "other"
)

// DetectAuthKind classifies an Authorization header value by its scheme
// prefix. An empty value maps to AuthNone.
func DetectAuthKind(authorization string) AuthKind {
	v := strings.TrimSpace(authorization)
	if v == "" {
		return AuthNone
	}
	lower := strings.ToLower(v)
	switch {
	case strings.HasPrefix(lower, "basic "):
		return AuthBasic
	case strings.HasPrefix(lower, "bearer "):
		return AuthBearer
	case strings.HasPrefix(lower, "oauth "), strings.HasPrefix(lower, "oauth2 "):
		return AuthOAuth
	default:
		return AuthOther
	}
}
