package analysis

import (
	"fmt"
	"strings"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/model"
)

// HTTPAnalyzer checks response header hygiene, cookie attributes, sensitive
// material in URLs and authentication transport.
type HTTPAnalyzer struct{}

func NewHTTPAnalyzer() *HTTPAnalyzer { return &HTTPAnalyzer{} }

func (a *HTTPAnalyzer) Name() string { return "http" }

// securityHeaders are the response headers whose absence is reported. The
// HSTS check applies to HTTPS flows only.
var securityHeaders = []struct {
	name      string
	severity  model.Severity
	httpsOnly bool
}{
	{"X-Content-Type-Options", model.SeverityMedium, false},
	{"X-Frame-Options", model.SeverityMedium, false},
	{"Content-Security-Policy", model.SeverityMedium, false},
	{"Strict-Transport-Security", model.SeverityHigh, true},
}

// sensitiveTokens maps URL substrings to the semantic class reported in the
// finding metadata. Order matters: specific tokens come before the generic
// ones they contain.
var sensitiveTokens = []struct {
	token string
	class string
}{
	{"access_token", "access token"},
	{"refresh_token", "access token"},
	{"session_id", "session identifier"},
	{"private_key", "secret material"},
	{"credit_card", "payment card number"},
	{"ccnumber", "payment card number"},
	{"password", "password parameter"},
	{"passwd", "password parameter"},
	{"pwd", "password parameter"},
	{"api_key", "API key"},
	{"api-key", "API key"},
	{"apikey", "API key"},
	{"token", "access token"},
	{"secret", "secret material"},
	{"ssn", "social security number"},
}

// ContainsSensitiveToken reports whether a URL carries any of the sensitive
// substrings the HTTP analyzer alerts on. The interception hook uses it to
// pre-flag flows.
func ContainsSensitiveToken(url string) bool {
	lower := strings.ToLower(url)
	for _, st := range sensitiveTokens {
		if strings.Contains(lower, st.token) {
			return true
		}
	}
	return false
}

func (a *HTTPAnalyzer) Analyze(in Input) (*Result, error) {
	res := newResult(a.Name(), in)
	flow := in.Flow
	if flow == nil {
		return res, nil
	}

	res.Findings = append(res.Findings, a.checkSecurityHeaders(in, flow)...)
	res.Findings = append(res.Findings, a.checkCookies(in, flow)...)
	res.Findings = append(res.Findings, a.checkSensitiveURL(in, flow)...)
	res.Findings = append(res.Findings, a.checkAuth(in, flow)...)

	res.Metadata = map[string]any{"finding_count": len(res.Findings)}
	return res, nil
}

func (a *HTTPAnalyzer) checkSecurityHeaders(in Input, flow *model.Flow) []*model.Finding {
	var findings []*model.Finding
	for _, h := range securityHeaders {
		if h.httpsOnly && !flow.IsHTTPS() {
			continue
		}
		if flow.ResponseHeaders.Has(h.name) {
			continue
		}
		findings = append(findings, newFinding(in, h.severity, "missing_security_header",
			fmt.Sprintf("Missing %s header", h.name),
			fmt.Sprintf("The response from %s does not set the %s header.", flow.Host, h.name)))
	}
	return findings
}

func (a *HTTPAnalyzer) checkCookies(in Input, flow *model.Flow) []*model.Finding {
	setCookies := flow.ResponseHeaders.Values("Set-Cookie")
	if len(setCookies) == 0 {
		return nil
	}
	material := strings.ToLower(strings.Join(setCookies, "; "))

	var findings []*model.Finding
	if flow.IsHTTPS() && !strings.Contains(material, "secure") {
		f := newFinding(in, model.SeverityHigh, "cookie_hygiene",
			"Cookie set without Secure attribute",
			fmt.Sprintf("A cookie from %s is served over HTTPS without the Secure attribute.", flow.Host))
		f.Recommendation = "Add the Secure attribute to all cookies served over HTTPS."
		findings = append(findings, f)
	}
	if !strings.Contains(material, "httponly") {
		findings = append(findings, newFinding(in, model.SeverityMedium, "cookie_hygiene",
			"Cookie set without HttpOnly attribute",
			fmt.Sprintf("A cookie from %s is readable by client-side script.", flow.Host)))
	}
	if !strings.Contains(material, "samesite") {
		findings = append(findings, newFinding(in, model.SeverityMedium, "cookie_hygiene",
			"Cookie set without SameSite attribute",
			fmt.Sprintf("A cookie from %s does not restrict cross-site sending.", flow.Host)))
	}
	return findings
}

func (a *HTTPAnalyzer) checkSensitiveURL(in Input, flow *model.Flow) []*model.Finding {
	lower := strings.ToLower(flow.URL)

	var findings []*model.Finding
	var matched []string
	for _, st := range sensitiveTokens {
		if !strings.Contains(lower, st.token) {
			continue
		}
		overlaps := false
		for _, prev := range matched {
			if strings.Contains(prev, st.token) || strings.Contains(st.token, prev) {
				overlaps = true
				break
			}
		}
		if overlaps {
			continue
		}
		matched = append(matched, st.token)

		f := newFinding(in, model.SeverityCritical, "sensitive_data_exposure",
			"Sensitive data in URL",
			fmt.Sprintf("The URL for %s contains %q, which indicates a %s in a loggable location.", flow.Host, st.token, st.class))
		f.Recommendation = "Move secrets out of the URL; use headers or the request body."
		f.Metadata = map[string]any{"pattern": st.token, "data_type": st.class}
		findings = append(findings, f)
	}
	return findings
}

func (a *HTTPAnalyzer) checkAuth(in Input, flow *model.Flow) []*model.Finding {
	authorization := flow.RequestHeaders.Get("Authorization")
	if authorization == "" {
		return nil
	}

	var findings []*model.Finding
	if !flow.IsHTTPS() {
		f := newFinding(in, model.SeverityCritical, "insecure_authentication",
			"Authorization header over plaintext HTTP",
			fmt.Sprintf("Credentials for %s travel unencrypted and are readable on path.", flow.Host))
		f.Recommendation = "Serve authenticated endpoints over HTTPS only."
		findings = append(findings, f)
	}
	if model.DetectAuthKind(authorization) == model.AuthBasic {
		findings = append(findings, newFinding(in, model.SeverityMedium, "insecure_authentication",
			"HTTP Basic authentication detected",
			fmt.Sprintf("The request to %s uses Basic authentication, which transmits credentials base64-encoded on every request.", flow.Host)))
	}
	return findings
}
