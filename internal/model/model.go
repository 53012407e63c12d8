// Package model defines the canonical records produced by the interception
// pipeline: sessions, flows, findings, analysis records and DNS queries.
// Records are created once by their owning component and never mutated after
// hand-off to the store.
package model

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Severity grades a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Session groups flows by originating client, bounded by inactivity timeout.
// Owned exclusively by the session tracker while live; the persisted record
// outlives expiry.
type Session struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	ClientAddr   string    `gorm:"index" json:"client_addr"`
	MACAddr      string    `json:"mac_addr,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `gorm:"index" json:"last_activity"`
	RequestCount int64     `json:"request_count"`
}

// Expired reports whether the session has been inactive for at least the
// given timeout. The boundary is inclusive: last activity exactly timeout
// ago counts as expired.
func (s *Session) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastActivity) >= timeout
}

// CertInfo describes a single certificate observed during interception.
type CertInfo struct {
	Subject   string    `json:"subject"`
	Issuer    string    `json:"issuer"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
}

// CertPair is one link of a certificate chain.
type CertPair struct {
	Subject string `json:"subject"`
	Issuer  string `json:"issuer"`
}

// TLSInfo carries the TLS metadata extracted from the upstream connection of
// an intercepted HTTPS exchange. Fields the interceptor cannot observe stay
// zero rather than guessed.
type TLSInfo struct {
	Version     string     `json:"version"`
	CipherSuite string     `json:"cipher_suite"`
	Certificate *CertInfo  `json:"certificate,omitempty"`
	Chain       []CertPair `json:"chain,omitempty"`
}

// Flow is one completed HTTP exchange observed at the interceptor.
// Created once by the interception hook when the response completes.
type Flow struct {
	ID              string        `gorm:"primaryKey" json:"id"`
	SessionID       string        `gorm:"index" json:"session_id"`
	Method          string        `json:"method"`
	URL             string        `json:"url"`
	Host            string        `gorm:"index" json:"host"`
	Path            string        `json:"path"`
	Scheme          string        `json:"scheme"`
	StatusCode      int           `json:"status_code"`
	RequestSize     int64         `json:"request_size"`
	ResponseSize    int64         `json:"response_size"`
	ContentType     string        `json:"content_type"`
	Timestamp       time.Time     `gorm:"index" json:"timestamp"`
	RequestHeaders  Headers       `gorm:"serializer:json" json:"request_headers"`
	ResponseHeaders Headers       `gorm:"serializer:json" json:"response_headers"`
	Cookies         []string      `gorm:"serializer:json" json:"cookies,omitempty"`
	AuthKind        AuthKind      `json:"auth_kind"`
	SensitiveData   bool          `json:"sensitive_data"`
	Duration        time.Duration `json:"duration"`
	TLS             *TLSInfo      `gorm:"serializer:json" json:"tls,omitempty"`
}

// IsHTTPS reports whether the flow was carried over TLS.
func (f *Flow) IsHTTPS() bool { return f.Scheme == "https" }

// Finding is a structured report of a security-relevant condition.
// Immutable after creation by an analyzer.
type Finding struct {
	ID             string         `gorm:"primaryKey" json:"id"`
	SessionID      string         `gorm:"index" json:"session_id"`
	FlowID         string         `gorm:"index" json:"flow_id,omitempty"`
	Severity       Severity       `gorm:"index" json:"severity"`
	Category       string         `gorm:"index" json:"category"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Recommendation string         `json:"recommendation,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Metadata       map[string]any `gorm:"serializer:json" json:"metadata,omitempty"`
}

// AnalysisRecord marks one (flow, analyzer) execution.
type AnalysisRecord struct {
	ID        string         `gorm:"primaryKey" json:"id"`
	FlowID    string         `gorm:"index" json:"flow_id"`
	Analyzer  string         `json:"analyzer"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `gorm:"serializer:json" json:"metadata,omitempty"`
}

// DNSResponse is the resolved payload of a DNS query, when present.
type DNSResponse struct {
	Addresses []string `json:"addresses,omitempty"`
	CNAMEs    []string `json:"cnames,omitempty"`
}

// DNSQuery is one DNS question extracted from a rotated capture file.
type DNSQuery struct {
	ID        string       `gorm:"primaryKey" json:"id"`
	SessionID string       `gorm:"index" json:"session_id"`
	Timestamp time.Time    `json:"timestamp"`
	Name      string       `json:"name"`
	Type      string       `json:"type"`
	Response  *DNSResponse `gorm:"serializer:json" json:"response,omitempty"`
	SrcIP     string       `json:"src_ip,omitempty"`
	DstIP     string       `json:"dst_ip,omitempty"`
}

// User is an operator identity. Only the administrator bootstrap touches this
// table; authentication itself is an external collaborator.
type User struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"uniqueIndex" json:"username"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// ThreatIntelEntry caches external reputation lookups. Producers live outside
// the core; the store only owns the table.
type ThreatIntelEntry struct {
	Indicator string         `gorm:"primaryKey" json:"indicator"`
	Kind      string         `json:"kind"`
	Verdict   string         `json:"verdict"`
	Metadata  map[string]any `gorm:"serializer:json" json:"metadata,omitempty"`
	FetchedAt time.Time      `json:"fetched_at"`
}

// WifiFrame is a raw 802.11 management frame observation from the access
// point manager.
type WifiFrame struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Timestamp time.Time `json:"timestamp"`
	FrameType string    `json:"frame_type"`
	SrcMAC    string    `gorm:"index" json:"src_mac"`
	DstMAC    string    `json:"dst_mac"`
	SSID      string    `json:"ssid,omitempty"`
	RSSI      int       `json:"rssi,omitempty"`
}

// NewSessionID returns a fresh opaque session id.
func NewSessionID() string { return uuid.NewString() }

// NewID returns a time-sortable opaque id used for flows, findings, analysis
// records and DNS queries.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
