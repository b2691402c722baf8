package report

import (
	"fmt"
	"html/template"
	"time"
)

var htmlReport = template.Must(template.New("report").Funcs(template.FuncMap{
	"pct": func(v float64) string { return fmt.Sprintf("%.1f%%", v) },
	"when": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.Format("Mon Jan 2 15:04")
	},
}).Parse(reportHTMLTemplate))

const reportHTMLTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>{{.Heading}}</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; color: #333; background: #f4f4f4; margin: 0; padding: 24px; }
.container { max-width: 720px; margin: 0 auto; background: #fff; border-radius: 8px; box-shadow: 0 2px 8px rgba(0,0,0,0.1); overflow: hidden; }
.header { background: #2d3e50; color: #fff; padding: 20px 24px; }
.header h1 { margin: 0; font-size: 20px; }
.header p { margin: 6px 0 0; opacity: 0.8; font-size: 13px; }
.summary { display: flex; flex-wrap: wrap; padding: 16px 24px; border-bottom: 1px solid #eee; }
.metric { flex: 1 1 140px; margin: 8px 0; }
.metric .value { font-size: 22px; font-weight: 600; }
.metric .label { font-size: 12px; color: #777; text-transform: uppercase; }
table { width: 100%; border-collapse: collapse; font-size: 14px; }
th, td { padding: 10px 24px; text-align: left; border-bottom: 1px solid #eee; }
th { background: #fafafa; font-size: 12px; color: #777; text-transform: uppercase; }
tr.busiest td { background: #fff8e1; }
tr.disabled td { color: #aaa; }
.footer { padding: 16px 24px; font-size: 12px; color: #999; }
</style>
</head>
<body>
<div class="container">
  <div class="header">
    <h1>{{.Heading}}</h1>
    <p>{{.WindowStart.Format "Monday, January 2, 2006 15:04"}} to {{.WindowEnd.Format "Monday, January 2, 2006 15:04"}}</p>
  </div>
  <div class="summary">
    <div class="metric"><div class="value">{{.Summary.TotalRegions}}</div><div class="label">Regions</div></div>
    <div class="metric"><div class="value">{{.Summary.TotalComparisons}}</div><div class="label">Comparisons</div></div>
    <div class="metric"><div class="value">{{.Summary.TotalActivities}}</div><div class="label">Activities</div></div>
    <div class="metric"><div class="value">{{pct .Summary.AverageActivityRate}}</div><div class="label">Activity rate</div></div>
    <div class="metric"><div class="value">{{if .Summary.BusiestRegion}}{{.Summary.BusiestRegion}}{{else}}none{{end}}</div><div class="label">Busiest region</div></div>
  </div>
  <table>
    <thead>
      <tr><th>Region</th><th>Comparisons</th><th>Activities</th><th>Rate</th><th>Avg change</th><th>Last activity</th></tr>
    </thead>
    <tbody>
    {{- $busiest := .Summary.BusiestRegion}}
    {{- range .Entries}}
      <tr class="{{if and $busiest (eq .RegionName $busiest)}}busiest{{end}}{{if .Disabled}} disabled{{end}}">
        <td>{{.RegionName}}{{if .Disabled}} (disabled){{end}}</td>
        <td>{{.TotalComparisons}}</td>
        <td>{{.ActivityCount}}</td>
        <td>{{pct .ActivityRate}}</td>
        <td>{{pct .AverageChangePercentage}}</td>
        <td>{{when .LastActivityTime}}</td>
      </tr>
    {{- else}}
      <tr><td colspan="6">No regions configured.</td></tr>
    {{- end}}
    </tbody>
  </table>
  <div class="footer">Report {{.ID}} generated {{.GeneratedAt.Format "2006-01-02 15:04:05 MST"}}{{if .SystemName}} by {{.SystemName}}{{end}}.</div>
</div>
</body>
</html>
`
