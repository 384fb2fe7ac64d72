package report

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/types"
)

var htmlFuncs = template.FuncMap{
	"lower": strings.ToLower,
	"ts": func(t time.Time) string {
		if t.IsZero() {
			return "N/A"
		}
		return t.Format(time.RFC3339)
	},
	"cardClass": func(f types.Finding) string {
		if f.RiskLabel != "" {
			return "severity-" + strings.ToLower(f.RiskLabel)
		}
		return "severity-" + strings.ToLower(string(f.Severity))
	},
}

var htmlTemplate = template.Must(template.New("report").Funcs(htmlFuncs).Parse(htmlReportTemplate))

type htmlView struct {
	*Report
	Vulns []types.Finding
	Info  []types.Finding
	Raw   string
}

// WriteHTML renders a self-contained page with the risk summary, one card per
// finding and the raw JSON report.
func (r *Report) WriteHTML(w io.Writer) error {
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report for HTML: %w", err)
	}
	view := htmlView{
		Report: r,
		Vulns:  r.Vulnerabilities(),
		Info:   r.Informational(),
		Raw:    string(raw),
	}
	if err := htmlTemplate.Execute(w, view); err != nil {
		return fmt.Errorf("failed to render HTML report: %w", err)
	}
	return nil
}

const htmlReportTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>gqlcrack report - {{.Target}}</title>
<style>
body { font-family: monospace; background: #0d1117; color: #e6edf3; padding: 30px; }
h1, h2, h3 { color: #58a6ff; }
pre { background: #161b22; padding: 10px; border-radius: 6px; overflow-x: auto; }
.card { background: #161b22; padding: 12px; border-radius: 6px; margin-bottom: 10px; border-left: 5px solid #30363d; }
.severity-critical { border-color: #f85149; }
.severity-high { border-color: #d29922; }
.severity-medium { border-color: #58a6ff; }
.severity-low { border-color: #3fb950; }
.severity-info { border-color: #8b949e; }
.risk-summary { background: #161b22; border-left: 5px solid #58a6ff; padding: 12px; border-radius: 6px; margin-bottom: 16px; }
.risk-critical { color: #f85149; }
.risk-high { color: #d29922; }
.risk-medium { color: #58a6ff; }
.risk-low { color: #3fb950; }
.risk-info { color: #8b949e; }
</style>
</head>
<body>
<h1>gqlcrack report</h1>
<p><b>Report:</b> {{.ID}}<br>
<b>Target:</b> {{.Target}}<br>
<b>Mode:</b> {{.Mode}}<br>
<b>Started:</b> {{ts .StartedAt}}<br>
<b>Finished:</b> {{ts .FinishedAt}}</p>

<div class="risk-summary">
<b>Overall Risk Score:</b> {{.Risk.Score}}/100<br>
<b>Overall Risk Level:</b> <span class="risk-{{lower .Risk.Label}}">{{.Risk.Label}}</span><br>
<b>Endpoints:</b> {{len .Endpoints}}<br>
<b>Total Vulnerabilities:</b> {{len .Vulns}}<br>
<b>Total Findings:</b> {{len .Findings}}
</div>

{{if .Endpoints}}<h2>Endpoints</h2>
<ul>{{range .Endpoints}}<li>{{.}}</li>{{end}}</ul>
{{end}}
<h2>Vulnerabilities</h2>
{{range .Vulns}}<div class="card {{cardClass .}}">
<b>{{.Title}}</b> <small>({{.Type}})</small><br>
{{.Description}}<br>
{{if .Evidence}}<pre>{{.Evidence}}</pre>{{end}}
{{if .Endpoint}}<small>Endpoint: {{.Endpoint}}</small><br>{{end}}
<small>Severity: {{.Severity}} | Risk Score: {{.RiskScore}} | Label: {{.RiskLabel}} | Exploitability: {{.Exploitability}} | Exposure: {{.Exposure}}</small>
{{if .Solution}}<p><b>Remediation:</b> {{.Solution}}</p>{{end}}
</div>
{{else}}<p>No vulnerabilities found.</p>
{{end}}
<h2>Findings</h2>
{{range .Info}}<div class="card {{cardClass .}}">
<b>{{.Title}}</b> <small>({{.Type}})</small><br>
{{.Description}}
</div>
{{else}}<p>No findings available.</p>
{{end}}
{{if .Errors}}<h2>Errors</h2>
<ul>{{range .Errors}}<li>{{.}}</li>{{end}}</ul>
{{end}}
<h2>Raw JSON Results</h2>
<pre>{{.Raw}}</pre>
</body>
</html>
`
