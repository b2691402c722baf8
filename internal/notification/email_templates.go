package notification

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"mime"
	"path/filepath"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/mikeyg42/capturer/internal/report"
)

// ReportEmailData feeds the report email templates.
type ReportEmailData struct {
	SystemName  string
	Period      string
	WindowStart string
	WindowEnd   string
	Summary     report.Summary
	Entries     []report.Entry
	ReportID    string
	Attachment  string
	Format      string
}

// NewReportEmailData flattens a report for the templates.
func NewReportEmailData(r *report.Report, systemName, period string, format report.Format, attachment string) *ReportEmailData {
	if systemName == "" {
		systemName = "Capturer"
	}
	switch strings.ToLower(period) {
	case "daily":
		period = "Daily"
	case "weekly":
		period = "Weekly"
	default:
		period = "On-demand"
	}
	return &ReportEmailData{
		SystemName:  systemName,
		Period:      period,
		WindowStart: r.WindowStart.Format("Mon Jan 2 15:04"),
		WindowEnd:   r.WindowEnd.Format("Mon Jan 2 15:04"),
		Summary:     r.Summary,
		Entries:     r.Entries,
		ReportID:    r.ID,
		Attachment:  attachment,
		Format:      string(format),
	}
}

// Subject returns the email subject line.
func (d *ReportEmailData) Subject() string {
	return fmt.Sprintf("%s %s activity report: %d activities in %d regions",
		d.SystemName, strings.ToLower(d.Period), d.Summary.TotalActivities, d.Summary.TotalRegions)
}

// RenderReportEmail renders both HTML and text versions of the report email.
func RenderReportEmail(data *ReportEmailData) (htmlBody, textBody string, err error) {
	var htmlBuf bytes.Buffer
	if err := reportHTML.Execute(&htmlBuf, data); err != nil {
		return "", "", fmt.Errorf("failed to execute HTML template: %w", err)
	}
	var textBuf bytes.Buffer
	if err := reportText.Execute(&textBuf, data); err != nil {
		return "", "", fmt.Errorf("failed to execute text template: %w", err)
	}
	return htmlBuf.String(), textBuf.String(), nil
}

// ComposeReportEmail builds the full message for a delivery.
func ComposeReportEmail(d Delivery, from, fromName, systemName string) (*ReportEmail, error) {
	name := ""
	if d.AttachmentPath != "" {
		name = filepath.Base(d.AttachmentPath)
	}
	data := NewReportEmailData(d.Report, systemName, d.Period, d.Format, name)
	htmlBody, textBody, err := RenderReportEmail(data)
	if err != nil {
		return nil, err
	}

	email := &ReportEmail{
		From:       from,
		FromName:   fromName,
		To:         d.Recipients,
		Subject:    data.Subject(),
		TextBody:   textBody,
		HTMLBody:   htmlBody,
		MessageID:  generateMessageID(d.Report.ID),
		ReportID:   d.Report.ID,
		SystemName: data.SystemName,
		Date:       time.Now(),
	}
	if d.AttachmentPath != "" {
		a, err := AttachmentFromFile(d.AttachmentPath)
		if err != nil {
			return nil, err
		}
		email.Attachments = append(email.Attachments, a)
	}
	return email, nil
}

// CreateDisplayName creates a properly encoded display name for email headers
func CreateDisplayName(name, address string) string {
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", name), address)
}

var templateFuncs = map[string]any{
	"pct": func(v float64) string { return fmt.Sprintf("%.1f%%", v) },
	"when": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.Format("Mon 15:04")
	},
}

var (
	reportHTML = htmltemplate.Must(htmltemplate.New("html").Funcs(templateFuncs).Parse(reportHTMLTemplate))
	reportText = texttemplate.Must(texttemplate.New("text").Funcs(templateFuncs).Parse(reportTextTemplate))
)

const reportHTMLTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Period}} activity report</title>
</head>
<body style="margin: 0; padding: 0; background-color: #f4f4f7; font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Arial, sans-serif;">
    <div style="display: none; max-height: 0; overflow: hidden;">
        {{.Summary.TotalActivities}} activities across {{.Summary.TotalRegions}} regions, {{.WindowStart}} to {{.WindowEnd}}
    </div>
    <div style="max-width: 600px; margin: 0 auto; background: #ffffff;">
        <div style="background: #2d3e50; color: #ffffff; padding: 24px 20px;">
            <h1 style="margin: 0; font-size: 22px; font-weight: 400;">{{.SystemName}} {{.Period}} Activity Report</h1>
            <p style="margin: 8px 0 0 0; opacity: 0.85;">{{.WindowStart}} to {{.WindowEnd}}</p>
        </div>
        <div style="padding: 20px;">
            <p>Comparisons: <strong>{{.Summary.TotalComparisons}}</strong><br>
            Activities: <strong>{{.Summary.TotalActivities}}</strong><br>
            Activity rate: <strong>{{pct .Summary.AverageActivityRate}}</strong><br>
            Busiest region: <strong>{{if .Summary.BusiestRegion}}{{.Summary.BusiestRegion}}{{else}}none{{end}}</strong></p>
            <table style="width: 100%; border-collapse: collapse; font-size: 14px;">
                <tr style="background: #fafafa;"><th align="left">Region</th><th align="right">Activities</th><th align="right">Rate</th><th align="right">Last</th></tr>
                {{- range .Entries}}
                <tr><td>{{.RegionName}}</td><td align="right">{{.ActivityCount}}/{{.TotalComparisons}}</td><td align="right">{{pct .ActivityRate}}</td><td align="right">{{when .LastActivityTime}}</td></tr>
                {{- end}}
            </table>
            {{- if .Attachment}}
            <p style="color: #666;">The full report is attached ({{.Attachment}}).</p>
            {{- end}}
        </div>
        <div style="background: #f8f9fa; color: #666; padding: 16px 20px; font-size: 12px;">
            Report {{.ReportID}}. This is an automated message.
        </div>
    </div>
</body>
</html>`

const reportTextTemplate = `{{.SystemName}} {{.Period}} Activity Report
{{.WindowStart}} to {{.WindowEnd}}

Comparisons:    {{.Summary.TotalComparisons}}
Activities:     {{.Summary.TotalActivities}}
Activity rate:  {{pct .Summary.AverageActivityRate}}
Busiest region: {{if .Summary.BusiestRegion}}{{.Summary.BusiestRegion}}{{else}}none{{end}}

{{range .Entries}}- {{.RegionName}}: {{.ActivityCount}}/{{.TotalComparisons}} ({{pct .ActivityRate}}), last {{when .LastActivityTime}}
{{end}}{{if .Attachment}}
The full report is attached ({{.Attachment}}).
{{end}}
Report {{.ReportID}}. This is an automated message.
`
