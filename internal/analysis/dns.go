package analysis

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/model"
)

// DNSAnalyzer inspects extracted DNS queries for abuse patterns: throwaway
// TLDs, generated-looking names, typosquats and tunneling shapes.
type DNSAnalyzer struct{}

func NewDNSAnalyzer() *DNSAnalyzer { return &DNSAnalyzer{} }

func (a *DNSAnalyzer) Name() string { return "dns" }

var suspiciousTLDs = []string{".tk", ".ml", ".ga", ".cf", ".gq"}

// dgaPatterns match a whole first label that looks machine-generated.
var dgaPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^[a-z]{10,}$`),
	regexp.MustCompile(`(?i)^[0-9]{5,}$`),
	regexp.MustCompile(`(?i)^[a-z0-9]{20,}$`),
}

var typosquats = []string{
	"paypa1", "goog1e", "faceb00k", "amaz0n", "micr0soft",
	"app1e", "netfl1x", "tw1tter", "1nstagram", "linkedln",
}

const tunnelingNameLength = 100

const tunnelingLabelDots = 5

func (a *DNSAnalyzer) Analyze(in Input) (*Result, error) {
	res := newResult(a.Name(), in)
	q := in.DNS
	if q == nil {
		return res, nil
	}
	name := strings.ToLower(strings.TrimSuffix(q.Name, "."))

	for _, tld := range suspiciousTLDs {
		if strings.HasSuffix(name, tld) {
			f := newFinding(in, model.SeverityMedium, "suspicious_tld",
				"Query to high-abuse TLD",
				fmt.Sprintf("The name %q uses the %s TLD, which is heavily used by throwaway infrastructure.", q.Name, tld))
			f.Metadata = map[string]any{"tld": tld}
			res.Findings = append(res.Findings, f)
			break
		}
	}

	if label, ok := firstLabel(name); ok {
		for _, re := range dgaPatterns {
			if re.MatchString(label) {
				f := newFinding(in, model.SeverityHigh, "dga_domain",
					"Generated-looking domain label",
					fmt.Sprintf("The first label of %q matches a domain-generation pattern.", q.Name))
				f.Metadata = map[string]any{"label": label, "pattern": re.String()}
				res.Findings = append(res.Findings, f)
				break
			}
		}
	}

	for _, squat := range typosquats {
		if strings.Contains(name, squat) {
			f := newFinding(in, model.SeverityMedium, "typosquatting",
				"Possible typosquat domain",
				fmt.Sprintf("The name %q contains the look-alike token %q.", q.Name, squat))
			f.Metadata = map[string]any{"token": squat}
			res.Findings = append(res.Findings, f)
			break
		}
	}

	if q.Type == "TXT" && len(q.Name) > tunnelingNameLength {
		f := newFinding(in, model.SeverityHigh, "dns_tunneling",
			"Oversized TXT query",
			fmt.Sprintf("A TXT query of %d characters is consistent with DNS tunneling.", len(q.Name)))
		res.Findings = append(res.Findings, f)
	}
	if strings.Count(name, ".") > tunnelingLabelDots {
		res.Findings = append(res.Findings, newFinding(in, model.SeverityMedium, "dns_tunneling",
			"Deeply nested query name",
			fmt.Sprintf("The name %q has %d labels, consistent with data encoded in subdomains.", q.Name, strings.Count(name, ".")+1)))
	}

	res.Metadata = map[string]any{"finding_count": len(res.Findings)}
	return res, nil
}

func firstLabel(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i], true
	}
	return name, true
}
