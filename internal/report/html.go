package report

import (
	"html/template"
	"io"
	"time"

	"github.com/Masterminds/sprig/v3"

	"github.com/anstrom/batchscan/internal/batch"
	"github.com/anstrom/batchscan/internal/scanning"
)

// HTMLRenderer writes a self-contained HTML document: a summary block
// followed by one section per target.
type HTMLRenderer struct{}

// Render implements Renderer.
func (HTMLRenderer) Render(w io.Writer, result *batch.Result) error {
	return htmlTpl.Execute(w, result)
}

func htmlFuncs() template.FuncMap {
	funcs := sprig.FuncMap()
	funcs["riskCount"] = func(r *batch.Result, level string) int {
		return r.Stats.Risk.Levels[scanning.RiskLevel(level)]
	}
	funcs["statusCount"] = func(r *batch.Result, status string) int {
		return r.Stats.StatusCounts[scanning.Status(status)]
	}
	funcs["timestamp"] = func(t time.Time) string {
		return t.Format(time.RFC3339)
	}
	return funcs
}

var htmlTpl = template.Must(template.New("report").Funcs(htmlFuncs()).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Batch scan report {{ .ID }}</title>
<style>
body { font-family: sans-serif; margin: 2em; color: #222; }
table { border-collapse: collapse; margin: 0.5em 0; }
th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; }
.success { color: #2e7d32; } .failed, .timed_out, .cancelled { color: #c62828; }
.risk-high { background: #ffcdd2; } .risk-medium { background: #fff9c4; } .risk-low { background: #c8e6c9; }
</style>
</head>
<body>
<h1>Batch scan report</h1>
<section id="summary">
<h2>Summary</h2>
<table>
<tr><th>Batch</th><td>{{ .ID }}</td></tr>
<tr><th>Started</th><td>{{ timestamp .StartTime }}</td></tr>
<tr><th>Finished</th><td>{{ timestamp .EndTime }}</td></tr>
<tr><th>Strategy</th><td>{{ .Strategy }} ({{ .Concurrency }})</td></tr>
<tr><th>Total targets</th><td id="total">{{ .TotalTargets }}</td></tr>
<tr><th>Succeeded</th><td id="succeeded">{{ .Succeeded }}</td></tr>
<tr><th>Failed</th><td id="failed">{{ .Failed }}</td></tr>
<tr><th>Timed out</th><td>{{ statusCount . "timed_out" }}</td></tr>
<tr><th>Cancelled</th><td>{{ statusCount . "cancelled" }}</td></tr>
<tr><th>Open ports</th><td>{{ .Stats.OpenPorts }}</td></tr>
<tr><th>Risk</th><td>{{ riskCount . "high" }} high, {{ riskCount . "medium" }} medium, {{ riskCount . "low" }} low</td></tr>
<tr><th>Average risk score</th><td>{{ printf "%.2f" .Stats.Risk.AverageScore }}</td></tr>
</table>
{{- with .Stats.Recommendations }}
<ul class="recommendations">
{{- range . }}
<li>{{ . }}</li>
{{- end }}
</ul>
{{- end }}
</section>
{{- range .Records }}
<section class="target">
<h2>{{ .Target }} <span class="{{ .Status }}">{{ upper (toString .Status) }}</span></h2>
<p>Started {{ timestamp .StartedAt }}, finished {{ timestamp .CompletedAt }}, attempts {{ .Attempts }}{{ with .Hosts }}, hosts {{ join ", " . }}{{ end }}</p>
{{- with .Error }}
<p class="error">{{ .Code }}: {{ .Message }}</p>
{{- end }}
{{- if .OpenPorts }}
<table>
<tr><th>Host</th><th>Port</th><th>Protocol</th><th>State</th><th>Service</th><th>Product</th><th>Version</th></tr>
{{- range .OpenPorts }}
<tr><td>{{ .Host }}</td><td>{{ .Port }}</td><td>{{ .Protocol }}</td><td>{{ .State }}</td><td>{{ default "-" .Service }}</td><td>{{ .Product }}</td><td>{{ .Version }}</td></tr>
{{- end }}
</table>
{{- else if eq (toString .Status) "success" }}
<p>No open ports.</p>
{{- end }}
{{- with .Analysis }}
{{- if .Error }}
<p class="error">Analysis unavailable: {{ .Error.Message }}</p>
{{- else }}
<p class="risk-{{ .RiskLevel }}">Risk {{ .RiskLevel }}, score {{ printf "%.2f" .RiskScore }}</p>
{{- if .Issues }}
<ul class="issues">
{{- range .Issues }}
<li>{{ .Port }} ({{ .Severity }}): {{ .Description }}</li>
{{- end }}
</ul>
{{- end }}
{{- if .Recommendations }}
<ul class="recommendations">
{{- range .Recommendations }}
<li>{{ . }}</li>
{{- end }}
</ul>
{{- end }}
{{- end }}
{{- end }}
</section>
{{- end }}
</body>
</html>
`))
