package analysis

import (
	"fmt"
	"strings"
	"time"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/model"
)

// TLSAnalyzer grades the negotiated TLS parameters and the presented
// certificate. It only applies to HTTPS flows with captured TLS metadata.
type TLSAnalyzer struct {
	now func() time.Time
}

func NewTLSAnalyzer() *TLSAnalyzer { return &TLSAnalyzer{now: time.Now} }

func (a *TLSAnalyzer) Name() string { return "tls" }

var weakProtocols = []string{"SSLv2", "SSLv3", "TLSv1.0", "TLSv1.1"}

var weakCiphers = []string{"RC4", "DES", "3DES", "MD5", "SHA1", "TLS_RSA_WITH_", "TLS_DHE_RSA_WITH_"}

const expiryWarningWindow = 30 * 24 * time.Hour

func (a *TLSAnalyzer) Analyze(in Input) (*Result, error) {
	res := newResult(a.Name(), in)
	flow := in.Flow
	if flow == nil || !flow.IsHTTPS() || flow.TLS == nil {
		return res, nil
	}
	tlsInfo := flow.TLS

	for _, p := range weakProtocols {
		if strings.Contains(tlsInfo.Version, p) {
			f := newFinding(in, model.SeverityHigh, "weak_tls",
				"Weak TLS protocol version",
				fmt.Sprintf("%s negotiated %s, which is deprecated and attackable.", flow.Host, tlsInfo.Version))
			f.Recommendation = "Require TLS 1.2 or newer."
			res.Findings = append(res.Findings, f)
			break
		}
	}

	for _, c := range weakCiphers {
		if strings.Contains(tlsInfo.CipherSuite, c) {
			f := newFinding(in, model.SeverityMedium, "weak_tls",
				"Weak cipher suite",
				fmt.Sprintf("%s negotiated %s (matched on %s).", flow.Host, tlsInfo.CipherSuite, c))
			f.Metadata = map[string]any{"matched": c}
			res.Findings = append(res.Findings, f)
			break
		}
	}

	if cert := tlsInfo.Certificate; cert != nil {
		res.Findings = append(res.Findings, a.checkExpiry(in, flow, cert)...)
		if cert.Issuer == cert.Subject {
			res.Findings = append(res.Findings, newFinding(in, model.SeverityMedium, "certificate",
				"Self-signed certificate",
				fmt.Sprintf("The certificate for %s is issued by its own subject.", flow.Host)))
		}
	}

	if len(tlsInfo.Chain) < 2 {
		res.Findings = append(res.Findings, newFinding(in, model.SeverityLow, "certificate",
			"Incomplete certificate chain",
			fmt.Sprintf("%s presented %d certificate(s); intermediates appear to be missing.", flow.Host, len(tlsInfo.Chain))))
	}

	res.Metadata = map[string]any{"finding_count": len(res.Findings)}
	return res, nil
}

func (a *TLSAnalyzer) checkExpiry(in Input, flow *model.Flow, cert *model.CertInfo) []*model.Finding {
	now := a.now()
	remaining := cert.NotAfter.Sub(now)

	if remaining < 0 {
		days := int((-remaining).Hours() / 24)
		f := newFinding(in, model.SeverityHigh, "certificate",
			"Expired certificate",
			fmt.Sprintf("The certificate for %s expired %d days ago.", flow.Host, days))
		f.Recommendation = "Renew the certificate."
		return []*model.Finding{f}
	}
	if remaining < expiryWarningWindow {
		days := int(remaining.Hours() / 24)
		return []*model.Finding{newFinding(in, model.SeverityMedium, "certificate",
			"Certificate nearing expiry",
			fmt.Sprintf("The certificate for %s expires in %d days.", flow.Host, days))}
	}
	return nil
}
