package analysis

import (
	"fmt"
	"strings"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/model"
)

// PassiveAnalyzer fingerprints servers from response metadata alone. It never
// sends traffic; it only reads what the server already volunteered.
type PassiveAnalyzer struct{}

func NewPassiveAnalyzer() *PassiveAnalyzer { return &PassiveAnalyzer{} }

func (a *PassiveAnalyzer) Name() string { return "passive" }

// vulnerableSoftware maps a product token in the Server header to version
// substrings with known public exploits.
var vulnerableSoftware = map[string][]string{
	"Apache":  {"2.4.49", "2.4.50"},
	"nginx":   {"1.20.0"},
	"PHP":     {"7.4.0", "7.4.1", "7.4.2", "7.4.3"},
	"OpenSSL": {"1.0.1", "1.0.2"},
}

var disclosureHeaders = []string{"X-Powered-By", "X-AspNet-Version", "X-Generator"}

var debugHeaders = []string{"X-Debug", "X-Debug-Token", "X-Debug-Token-Link"}

var debugPaths = []string{
	"/debug/", "/dev/", "/.git/", "/.svn/", "/test/", "/staging/",
	"/admin/phpinfo.php", "/phpinfo.php", "/info.php", "/.env",
}

func (a *PassiveAnalyzer) Analyze(in Input) (*Result, error) {
	res := newResult(a.Name(), in)
	flow := in.Flow
	if flow == nil {
		return res, nil
	}

	res.Findings = append(res.Findings, a.checkServerHeader(in, flow)...)
	res.Findings = append(res.Findings, a.checkDisclosureHeaders(in, flow)...)
	res.Findings = append(res.Findings, a.checkDebugExposure(in, flow)...)
	res.Findings = append(res.Findings, a.checkErrorLeak(in, flow)...)

	res.Metadata = map[string]any{"finding_count": len(res.Findings)}
	return res, nil
}

func (a *PassiveAnalyzer) checkServerHeader(in Input, flow *model.Flow) []*model.Finding {
	server := flow.ResponseHeaders.Get("Server")
	if server == "" {
		return nil
	}

	var findings []*model.Finding
	if strings.ContainsAny(server, "./ ") {
		f := newFinding(in, model.SeverityLow, "information_disclosure",
			"Server version disclosure",
			fmt.Sprintf("The Server header from %s reveals software detail: %q.", flow.Host, server))
		f.Recommendation = "Strip the version from the Server header."
		findings = append(findings, f)
	}

	for product, versions := range vulnerableSoftware {
		if !strings.Contains(server, product) {
			continue
		}
		for _, v := range versions {
			if strings.Contains(server, v) {
				f := newFinding(in, model.SeverityHigh, "vulnerable_software",
					fmt.Sprintf("Known-vulnerable %s version", product),
					fmt.Sprintf("%s advertises %s %s, which has published vulnerabilities.", flow.Host, product, v))
				f.Metadata = map[string]any{"product": product, "version": v}
				findings = append(findings, f)
				break
			}
		}
	}
	return findings
}

func (a *PassiveAnalyzer) checkDisclosureHeaders(in Input, flow *model.Flow) []*model.Finding {
	var findings []*model.Finding
	for _, h := range disclosureHeaders {
		if v := flow.ResponseHeaders.Get(h); v != "" {
			findings = append(findings, newFinding(in, model.SeverityLow, "information_disclosure",
				fmt.Sprintf("%s header present", h),
				fmt.Sprintf("%s discloses platform detail via %s: %q.", flow.Host, h, v)))
		}
	}
	return findings
}

func (a *PassiveAnalyzer) checkDebugExposure(in Input, flow *model.Flow) []*model.Finding {
	var findings []*model.Finding

	lowerPath := strings.ToLower(flow.Path)
	for _, p := range debugPaths {
		if strings.Contains(lowerPath, p) && flow.StatusCode >= 200 && flow.StatusCode < 400 {
			f := newFinding(in, model.SeverityMedium, "debug_exposure",
				"Development path reachable",
				fmt.Sprintf("%s served %s with status %d.", flow.Host, flow.Path, flow.StatusCode))
			f.Recommendation = "Remove development and VCS paths from production deployments."
			findings = append(findings, f)
			break
		}
	}

	for _, h := range debugHeaders {
		if flow.ResponseHeaders.Has(h) {
			findings = append(findings, newFinding(in, model.SeverityMedium, "debug_exposure",
				fmt.Sprintf("Debug header %s present", h),
				fmt.Sprintf("%s exposes debugging infrastructure via %s.", flow.Host, h)))
		}
	}
	return findings
}

func (a *PassiveAnalyzer) checkErrorLeak(in Input, flow *model.Flow) []*model.Finding {
	if flow.StatusCode < 500 {
		return nil
	}
	ct := strings.ToLower(flow.ContentType)
	textual := strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "html") ||
		strings.Contains(ct, "json") ||
		strings.Contains(ct, "xml")
	if !textual {
		return nil
	}
	return []*model.Finding{newFinding(in, model.SeverityMedium, "information_disclosure",
		"Server error with textual body",
		fmt.Sprintf("%s answered %d with %s, which may leak a stack trace.", flow.Host, flow.StatusCode, flow.ContentType))}
}
