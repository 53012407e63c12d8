package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/model"
)

func httpsFlow() *model.Flow {
	return &model.Flow{
		ID:         model.NewID(),
		SessionID:  "sess-1",
		Method:     "GET",
		URL:        "https://example.com/",
		Host:       "example.com",
		Path:       "/",
		Scheme:     "https",
		StatusCode: 200,
		Timestamp:  time.Now(),

		RequestHeaders:  model.Headers{},
		ResponseHeaders: model.Headers{},
	}
}

func bySeverity(findings []*model.Finding, sev model.Severity) []*model.Finding {
	var out []*model.Finding
	for _, f := range findings {
		if f.Severity == sev {
			out = append(out, f)
		}
	}
	return out
}

func byCategory(findings []*model.Finding, cat string) []*model.Finding {
	var out []*model.Finding
	for _, f := range findings {
		if f.Category == cat {
			out = append(out, f)
		}
	}
	return out
}

// Compliant HTTPS response: no findings from either header analyzer.
func TestCompliantResponse(t *testing.T) {
	flow := httpsFlow()
	flow.ResponseHeaders = model.Headers{
		"Strict-Transport-Security": {"max-age=31536000"},
		"X-Content-Type-Options":    {"nosniff"},
		"X-Frame-Options":           {"DENY"},
		"Content-Security-Policy":   {"default-src 'self'"},
	}

	res, err := NewHTTPAnalyzer().Analyze(Input{Flow: flow})
	require.NoError(t, err)
	assert.Empty(t, res.Findings)

	res, err = NewPassiveAnalyzer().Analyze(Input{Flow: flow})
	require.NoError(t, err)
	assert.Empty(t, res.Findings)
}

// Password in the query string: exactly one critical sensitive-data finding.
func TestPasswordInURL(t *testing.T) {
	flow := httpsFlow()
	flow.URL = "http://api.example/login?password=hunter2"
	flow.Scheme = "http"
	flow.Host = "api.example"
	flow.Path = "/login"

	res, err := NewHTTPAnalyzer().Analyze(Input{Flow: flow})
	require.NoError(t, err)

	sensitive := byCategory(res.Findings, "sensitive_data_exposure")
	require.Len(t, sensitive, 1)
	f := sensitive[0]
	assert.Equal(t, model.SeverityCritical, f.Severity)
	assert.Equal(t, "password", f.Metadata["pattern"])
	assert.Equal(t, "password parameter", f.Metadata["data_type"])
}

func TestSensitiveTokens_NoDoubleCount(t *testing.T) {
	flow := httpsFlow()
	flow.URL = "https://api.example.com/cb?access_token=xyz"

	res, err := NewHTTPAnalyzer().Analyze(Input{Flow: flow})
	require.NoError(t, err)

	// "access_token" also contains "token"; only the specific match reports.
	sensitive := byCategory(res.Findings, "sensitive_data_exposure")
	require.Len(t, sensitive, 1)
	assert.Equal(t, "access_token", sensitive[0].Metadata["pattern"])
}

// Cookie without attributes over HTTPS: three hygiene findings with exact
// severities.
func TestCookieHygiene(t *testing.T) {
	flow := httpsFlow()
	flow.Host = "shop"
	flow.URL = "https://shop/"
	flow.ResponseHeaders.Set("Set-Cookie", "sid=abc; Path=/")

	res, err := NewHTTPAnalyzer().Analyze(Input{Flow: flow})
	require.NoError(t, err)

	hygiene := byCategory(res.Findings, "cookie_hygiene")
	require.Len(t, hygiene, 3)
	assert.Len(t, bySeverity(hygiene, model.SeverityHigh), 1, "missing Secure")
	assert.Len(t, bySeverity(hygiene, model.SeverityMedium), 2, "missing HttpOnly and SameSite")
}

func TestCookieHygiene_PlaintextSkipsSecure(t *testing.T) {
	flow := httpsFlow()
	flow.Scheme = "http"
	flow.ResponseHeaders.Set("Set-Cookie", "sid=abc; HttpOnly; SameSite=Lax")

	res, err := NewHTTPAnalyzer().Analyze(Input{Flow: flow})
	require.NoError(t, err)
	assert.Empty(t, byCategory(res.Findings, "cookie_hygiene"))
}

func TestAuthFindings(t *testing.T) {
	flow := httpsFlow()
	flow.Scheme = "http"
	flow.URL = "http://example.com/"
	flow.RequestHeaders.Set("Authorization", "Basic dXNlcjpwYXNz")

	res, err := NewHTTPAnalyzer().Analyze(Input{Flow: flow})
	require.NoError(t, err)

	auth := byCategory(res.Findings, "insecure_authentication")
	require.Len(t, auth, 2)
	assert.Len(t, bySeverity(auth, model.SeverityCritical), 1, "authorization over plaintext")
	assert.Len(t, bySeverity(auth, model.SeverityMedium), 1, "basic auth")

	// Basic over HTTPS still reports the scheme, not the transport.
	flow2 := httpsFlow()
	flow2.RequestHeaders.Set("Authorization", "Basic dXNlcjpwYXNz")
	res, err = NewHTTPAnalyzer().Analyze(Input{Flow: flow2})
	require.NoError(t, err)
	auth = byCategory(res.Findings, "insecure_authentication")
	require.Len(t, auth, 1)
	assert.Equal(t, model.SeverityMedium, auth[0].Severity)
}

// Weak TLS everywhere: exactly four findings.
func TestWeakTLS(t *testing.T) {
	future := time.Now().Add(365 * 24 * time.Hour)
	flow := httpsFlow()
	flow.TLS = &model.TLSInfo{
		Version:     "TLSv1.0",
		CipherSuite: "TLS_RSA_WITH_RC4_128_SHA",
		Certificate: &model.CertInfo{
			Subject:  "CN=X",
			Issuer:   "CN=X",
			NotAfter: future,
		},
		Chain: []model.CertPair{{Subject: "CN=X", Issuer: "CN=X"}},
	}

	res, err := NewTLSAnalyzer().Analyze(Input{Flow: flow})
	require.NoError(t, err)
	require.Len(t, res.Findings, 4)

	weak := byCategory(res.Findings, "weak_tls")
	require.Len(t, weak, 2)
	assert.Len(t, bySeverity(weak, model.SeverityHigh), 1, "weak protocol")
	cipher := bySeverity(weak, model.SeverityMedium)
	require.Len(t, cipher, 1)
	assert.Equal(t, "RC4", cipher[0].Metadata["matched"], "first cipher token wins")

	certFindings := byCategory(res.Findings, "certificate")
	require.Len(t, certFindings, 2)
	assert.Len(t, bySeverity(certFindings, model.SeverityMedium), 1, "self-signed")
	assert.Len(t, bySeverity(certFindings, model.SeverityLow), 1, "short chain")
}

func TestTLS_SkipsPlaintextAndMissingMetadata(t *testing.T) {
	flow := httpsFlow()
	flow.Scheme = "http"
	res, err := NewTLSAnalyzer().Analyze(Input{Flow: flow})
	require.NoError(t, err)
	assert.Empty(t, res.Findings)

	flow = httpsFlow() // https but TLS block absent
	res, err = NewTLSAnalyzer().Analyze(Input{Flow: flow})
	require.NoError(t, err)
	assert.Empty(t, res.Findings)
}

func TestTLS_ExpiryBoundaries(t *testing.T) {
	a := NewTLSAnalyzer()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	mk := func(notAfter time.Time) *model.Flow {
		flow := httpsFlow()
		flow.TLS = &model.TLSInfo{
			Version:     "TLSv1.3",
			CipherSuite: "TLS_AES_128_GCM_SHA256",
			Certificate: &model.CertInfo{Subject: "CN=a", Issuer: "CN=b", NotAfter: notAfter},
			Chain:       []model.CertPair{{}, {}},
		}
		return flow
	}

	// Expired yesterday: high.
	res, err := a.Analyze(Input{Flow: mk(now.Add(-24 * time.Hour))})
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, model.SeverityHigh, res.Findings[0].Severity)

	// Expiring within the warning window: medium. A certificate created to
	// expire in exactly 30 days has already burned some of that window by
	// the time the analyzer observes it.
	res, err = a.Analyze(Input{Flow: mk(now.Add(30*24*time.Hour - time.Second))})
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, model.SeverityMedium, res.Findings[0].Severity)

	// Comfortably in the future: nothing.
	res, err = a.Analyze(Input{Flow: mk(now.Add(60 * 24 * time.Hour))})
	require.NoError(t, err)
	assert.Empty(t, res.Findings)
}

func TestPassive_Fingerprinting(t *testing.T) {
	flow := httpsFlow()
	flow.ResponseHeaders = model.Headers{
		"Server":       {"Apache/2.4.49 (Unix)"},
		"X-Powered-By": {"PHP/8.1"},
	}

	res, err := NewPassiveAnalyzer().Analyze(Input{Flow: flow})
	require.NoError(t, err)

	disclosure := byCategory(res.Findings, "information_disclosure")
	assert.Len(t, disclosure, 2, "server version and X-Powered-By")

	vulnerable := byCategory(res.Findings, "vulnerable_software")
	require.Len(t, vulnerable, 1)
	assert.Equal(t, model.SeverityHigh, vulnerable[0].Severity)
	assert.Equal(t, "Apache", vulnerable[0].Metadata["product"])
	assert.Equal(t, "2.4.49", vulnerable[0].Metadata["version"])
}

func TestPassive_DebugExposure(t *testing.T) {
	flow := httpsFlow()
	flow.Path = "/debug/vars"
	flow.StatusCode = 200

	res, err := NewPassiveAnalyzer().Analyze(Input{Flow: flow})
	require.NoError(t, err)
	require.Len(t, byCategory(res.Findings, "debug_exposure"), 1)

	// A 404 on the same path is not exposure.
	flow.StatusCode = 404
	res, err = NewPassiveAnalyzer().Analyze(Input{Flow: flow})
	require.NoError(t, err)
	assert.Empty(t, byCategory(res.Findings, "debug_exposure"))
}

func TestPassive_ErrorLeak(t *testing.T) {
	flow := httpsFlow()
	flow.StatusCode = 500
	flow.ContentType = "text/html"

	res, err := NewPassiveAnalyzer().Analyze(Input{Flow: flow})
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, model.SeverityMedium, res.Findings[0].Severity)

	flow.ContentType = "application/octet-stream"
	res, err = NewPassiveAnalyzer().Analyze(Input{Flow: flow})
	require.NoError(t, err)
	assert.Empty(t, res.Findings)
}

func TestDNS_Tunneling(t *testing.T) {
	longName := ""
	for len(longName) < 150 {
		longName += "aaaabbbbccccdddd"
	}
	longName = longName[:150]

	q := &model.DNSQuery{ID: model.NewID(), SessionID: "s1", Name: longName, Type: "TXT"}
	res, err := NewDNSAnalyzer().Analyze(Input{DNS: q})
	require.NoError(t, err)

	tunneling := byCategory(res.Findings, "dns_tunneling")
	require.Len(t, tunneling, 1)
	assert.Equal(t, model.SeverityHigh, tunneling[0].Severity)

	// With more than five dots the nesting finding joins the size finding.
	q.Name = "a.b.c.d.e.f.exfil.example.com"
	q.Type = "TXT"
	for len(q.Name) <= 100 {
		q.Name = "x" + q.Name
	}
	res, err = NewDNSAnalyzer().Analyze(Input{DNS: q})
	require.NoError(t, err)
	tunneling = byCategory(res.Findings, "dns_tunneling")
	require.Len(t, tunneling, 2)
	assert.Len(t, bySeverity(tunneling, model.SeverityHigh), 1)
	assert.Len(t, bySeverity(tunneling, model.SeverityMedium), 1)
}

func TestDNS_SuspiciousPatterns(t *testing.T) {
	a := NewDNSAnalyzer()

	res, err := a.Analyze(Input{DNS: &model.DNSQuery{Name: "free-stuff.tk", Type: "A"}})
	require.NoError(t, err)
	require.Len(t, byCategory(res.Findings, "suspicious_tld"), 1)

	res, err = a.Analyze(Input{DNS: &model.DNSQuery{Name: "xkqjwpdnrtyz1847semcl.example.com", Type: "A"}})
	require.NoError(t, err)
	dga := byCategory(res.Findings, "dga_domain")
	require.Len(t, dga, 1)
	assert.Equal(t, model.SeverityHigh, dga[0].Severity)

	res, err = a.Analyze(Input{DNS: &model.DNSQuery{Name: "login.paypa1.com", Type: "A"}})
	require.NoError(t, err)
	require.Len(t, byCategory(res.Findings, "typosquatting"), 1)

	res, err = a.Analyze(Input{DNS: &model.DNSQuery{Name: "www.example.com", Type: "A"}})
	require.NoError(t, err)
	assert.Empty(t, res.Findings)
}

// Analyzer determinism: same flow, same finding multiset.
func TestAnalyzerDeterminism(t *testing.T) {
	flow := httpsFlow()
	flow.ResponseHeaders.Set("Set-Cookie", "sid=abc")
	flow.URL = "https://example.com/?token=zzz"

	summarize := func(findings []*model.Finding) map[string]int {
		out := make(map[string]int)
		for _, f := range findings {
			out[f.Category+"/"+string(f.Severity)+"/"+f.Title]++
		}
		return out
	}

	a := NewHTTPAnalyzer()
	r1, err := a.Analyze(Input{Flow: flow})
	require.NoError(t, err)
	r2, err := a.Analyze(Input{Flow: flow})
	require.NoError(t, err)
	assert.Equal(t, summarize(r1.Findings), summarize(r2.Findings))
}
