package report

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/yuin/goldmark"
)

const (
	chartWidth  = 900
	chartHeight = 320
	chartPad    = 40
)

var palette = []string{
	"#2c5aa0", "#d95f02", "#1b9e77", "#7570b3", "#e7298a",
	"#66a61e", "#e6ab02", "#a6761d", "#666666", "#17becf",
}

type svgLine struct {
	Key    string
	Color  string
	Points string
}

type svgChart struct {
	Title         string
	Width, Height int
	Pad           int
	PlotRight     int
	PlotBottom    int
	YMax          uint32
	From, To      string
	Lines         []svgLine
}

type htmlView struct {
	*Report
	Narrative template.HTML
	Charts    []svgChart
}

func (r *Report) renderHTML(w io.Writer) error {
	narrative, err := markdownToHTML(r.narrative())
	if err != nil {
		return err
	}
	view := htmlView{Report: r, Narrative: narrative}
	for _, c := range r.Charts {
		if len(c.Series) > 0 {
			view.Charts = append(view.Charts, layoutChart(c))
		}
	}
	return htmlTemplate.Execute(w, view)
}

// narrative is a short markdown description of the summary.
func (r *Report) narrative() string {
	s := r.Summary
	if s.Empty() {
		return fmt.Sprintf("No records of session `%s` match the applied filters (%s).", r.Session.ID, r.FilterText())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%d records** from **%d connections** and **%d processes** were observed over %s.\n\n",
		s.Totals.Records, s.Totals.Connections, s.Totals.PIDs, s.Totals.Span)
	fmt.Fprintf(&b, "The mean congestion window was **%.2f segments** (median %.2f, p95 %.2f, range %d to %d).\n\n",
		s.Overall.Mean, s.Overall.Median, s.Overall.P95, s.Overall.Min, s.Overall.Max)
	if len(s.ByConnection) > 0 {
		top := s.ByConnection[0]
		share := 100 * float64(top.Stats.Count) / float64(s.Totals.Records)
		fmt.Fprintf(&b, "The most active connection was `%s` with %d samples (%.1f%% of the total).\n\n",
			top.Key, top.Stats.Count, share)
	}
	if len(r.Alerts) > 0 {
		fmt.Fprintf(&b, "%d threshold alert(s) were triggered.\n\n", len(r.Alerts))
	}
	if len(r.Detections) > 0 {
		fmt.Fprintf(&b, "%d detection rule(s) matched.\n", len(r.Detections))
	}
	return b.String()
}

func markdownToHTML(md string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("failed to render report narrative: %w", err)
	}
	// goldmark escapes raw HTML in its input by default.
	return template.HTML(buf.String()), nil
}

func layoutChart(c Chart) svgChart {
	out := svgChart{
		Title:      c.Title,
		Width:      chartWidth,
		Height:     chartHeight,
		Pad:        chartPad,
		PlotRight:  chartWidth - chartPad,
		PlotBottom: chartHeight - chartPad,
	}

	end := c.Origin
	for _, s := range c.Series {
		for _, b := range s.Buckets {
			if b.MaxCwnd > out.YMax {
				out.YMax = b.MaxCwnd
			}
			if b.Start.After(end) {
				end = b.Start
			}
		}
	}
	span := end.Sub(c.Origin)
	if span <= 0 {
		span = c.BucketWidth
	}
	if out.YMax == 0 {
		out.YMax = 1
	}
	out.From = c.Origin.Format(time.RFC3339)
	out.To = end.Format(time.RFC3339)

	plotW := float64(chartWidth - 2*chartPad)
	plotH := float64(chartHeight - 2*chartPad)
	for i, s := range c.Series {
		pts := make([]string, 0, len(s.Buckets))
		for _, b := range s.Buckets {
			x := float64(chartPad) + plotW*float64(b.Start.Sub(c.Origin))/float64(span)
			y := float64(chartPad) + plotH - plotH*b.MeanCwnd/float64(out.YMax)
			pts = append(pts, fmt.Sprintf("%.1f,%.1f", x, y))
		}
		out.Lines = append(out.Lines, svgLine{
			Key:    s.Key,
			Color:  palette[i%len(palette)],
			Points: strings.Join(pts, " "),
		})
	}
	return out
}

var htmlTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"f2":   func(v float64) string { return fmt.Sprintf("%.2f", v) },
	"ts":   func(t time.Time) string { return t.Format(time.RFC3339Nano) },
	"add":  func(a, b int) int { return a + b },
	"join": strings.Join,
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}} - {{.Session.ID}}</title>
<style>
body { font-family: Arial, sans-serif; margin: 20px; }
.header { background-color: #f0f8ff; padding: 20px; border-radius: 8px; }
.section { margin: 20px 0; padding: 15px; border: 1px solid #ddd; border-radius: 8px; }
.value { font-weight: bold; color: #2c5aa0; }
table { width: 100%; border-collapse: collapse; margin: 10px 0; }
th, td { border: 1px solid #ddd; padding: 6px; text-align: left; font-size: 13px; }
th { background-color: #f2f2f2; }
code { font-size: 12px; }
</style>
</head>
<body>
<div class="header">
<h1>{{.Title}}</h1>
<p>Session <code>{{.Session.ID}}</code> ({{.Session.State}}), generated {{ts .GeneratedAt}}</p>
<p>Filters: <code>{{.FilterText}}</code>{{if gt .Load.Skipped 0}}, {{.Load.Skipped}} invalid log lines skipped{{end}}</p>
</div>

<div class="section">
<h2>Overview</h2>
{{.Narrative}}
</div>
{{with .Summary}}{{if gt .Totals.Records 0}}
<div class="section">
<h2>CWND Analysis</h2>
<table>
<tr><th>Records</th><th>Connections</th><th>PIDs</th><th>Mean</th><th>Median</th><th>StdDev</th><th>Min</th><th>Max</th><th>p25</th><th>p75</th><th>p90</th><th>p95</th></tr>
<tr><td>{{.Totals.Records}}</td><td>{{.Totals.Connections}}</td><td>{{.Totals.PIDs}}</td>
<td class="value">{{f2 .Overall.Mean}}</td><td>{{f2 .Overall.Median}}</td><td>{{f2 .Overall.StdDev}}</td>
<td>{{.Overall.Min}}</td><td>{{.Overall.Max}}</td>
<td>{{f2 .Overall.P25}}</td><td>{{f2 .Overall.P75}}</td><td>{{f2 .Overall.P90}}</td><td>{{f2 .Overall.P95}}</td></tr>
</table>
</div>
{{end}}{{end}}
{{range .Charts}}
<div class="section">
<h2>{{.Title}}</h2>
<svg xmlns="http://www.w3.org/2000/svg" width="{{.Width}}" height="{{.Height}}" viewBox="0 0 {{.Width}} {{.Height}}">
<line x1="{{.Pad}}" y1="{{.PlotBottom}}" x2="{{.PlotRight}}" y2="{{.PlotBottom}}" stroke="#999"/>
<line x1="{{.Pad}}" y1="{{.Pad}}" x2="{{.Pad}}" y2="{{.PlotBottom}}" stroke="#999"/>
<text x="{{.Pad}}" y="{{add .PlotBottom 16}}" font-size="11">{{.From}}</text>
<text x="{{.PlotRight}}" y="{{add .PlotBottom 16}}" font-size="11" text-anchor="end">{{.To}}</text>
<text x="4" y="{{.Pad}}" font-size="11">{{.YMax}}</text>
{{range .Lines}}<polyline fill="none" stroke="{{.Color}}" stroke-width="1.5" points="{{.Points}}"><title>{{.Key}}</title></polyline>
{{end}}</svg>
<p>{{range .Lines}}<span style="color: {{.Color}}">&#9632;</span> <code>{{.Key}}</code> {{end}}</p>
</div>
{{end}}
<div class="section">
<h2>Connections</h2>
<table>
<tr><th>Connection</th><th>PIDs</th><th>Count</th><th>Mean</th><th>Median</th><th>StdDev</th><th>Min</th><th>Max</th><th>Increases</th><th>Decreases</th></tr>
{{range .Summary.ByConnection}}<tr><td><code>{{.Key}}</code></td><td>{{.PIDs}}</td><td>{{.Stats.Count}}</td><td>{{f2 .Stats.Mean}}</td><td>{{f2 .Stats.Median}}</td><td>{{f2 .Stats.StdDev}}</td><td>{{.Stats.Min}}</td><td>{{.Stats.Max}}</td><td>{{.Dynamics.Increases}}</td><td>{{.Dynamics.Decreases}}</td></tr>
{{end}}</table>
</div>

<div class="section">
<h2>Processes</h2>
<table>
<tr><th>PID</th><th>Connections</th><th>Count</th><th>Mean</th><th>Median</th><th>StdDev</th><th>Min</th><th>Max</th></tr>
{{range .Summary.ByPID}}<tr><td>{{.PID}}</td><td>{{.Connections}}</td><td>{{.Stats.Count}}</td><td>{{f2 .Stats.Mean}}</td><td>{{f2 .Stats.Median}}</td><td>{{f2 .Stats.StdDev}}</td><td>{{.Stats.Min}}</td><td>{{.Stats.Max}}</td></tr>
{{end}}</table>
</div>
{{range .Groupings}}
<div class="section">
<h2>Grouping {{.Name}} ({{join .Fields ", "}})</h2>
<table>
<tr><th>Key</th><th>Count</th><th>Mean</th><th>Min</th><th>Max</th></tr>
{{range .Groups}}<tr><td><code>{{.Key}}</code></td><td>{{.Stats.Count}}</td><td>{{f2 .Stats.Mean}}</td><td>{{.Stats.Min}}</td><td>{{.Stats.Max}}</td></tr>
{{end}}</table>
</div>
{{end}}
<div class="section">
<h2>Timeline ({{.BucketWidth}} buckets)</h2>
<table>
<tr><th>Start</th><th>Count</th><th>Mean</th><th>Min</th><th>Max</th></tr>
{{range .Buckets}}<tr><td>{{ts .Start}}</td><td>{{.Count}}</td><td>{{f2 .MeanCwnd}}</td><td>{{.MinCwnd}}</td><td>{{.MaxCwnd}}</td></tr>
{{end}}</table>
</div>
{{if .Detections}}
<div class="section">
<h2>Detections</h2>
<table>
<tr><th>Rule</th><th>Level</th><th>Matches</th><th>First</th><th>Last</th><th>Connections</th></tr>
{{range .Detections}}<tr><td>{{.Title}} <code>{{.RuleID}}</code></td><td>{{.Level}}</td><td>{{.Matches}}</td><td>{{ts .First}}</td><td>{{ts .Last}}</td><td>{{join .Connections ", "}}</td></tr>
{{end}}</table>
</div>
{{end}}{{if .Alerts}}
<div class="section">
<h2>Alerts</h2>
<ul>
{{range .Alerts}}<li><b>{{.Rule}}</b>: <code>{{.Metric}} {{.Operator}} {{.Limit}}</code>, observed <span class="value">{{.Observed}}</span></li>
{{end}}</ul>
</div>
{{end}}
</body>
</html>
`))
