package report

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Exporter writes a report to a file and returns its path.
type Exporter interface {
	Export(r *Report, format Format) (string, error)
}

// FileExporter writes reports into Dir.
type FileExporter struct {
	Dir        string
	SystemName string
}

var _ Exporter = (*FileExporter)(nil)

// NewFileExporter creates dir if needed.
func NewFileExporter(dir, systemName string) (*FileExporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create reports directory %s: %w", dir, err)
	}
	return &FileExporter{Dir: dir, SystemName: systemName}, nil
}

// FileName is the base name used for a report in the given format.
func FileName(r *Report, format Format) string {
	id := r.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("activity-report-%s-%s%s", r.GeneratedAt.Format("20060102-150405"), id, format.Ext())
}

// Export renders r in format and writes it atomically into the directory.
func (e *FileExporter) Export(r *Report, format Format) (string, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case FormatHTML:
		err = WriteHTML(&buf, r, e.SystemName)
	case FormatCSV:
		err = WriteCSV(&buf, r)
	case FormatJSON:
		err = WriteJSON(&buf, r)
	case FormatZIP:
		err = WriteZIP(&buf, r, e.SystemName)
	default:
		err = fmt.Errorf("unknown report format %q", format)
	}
	if err != nil {
		return "", err
	}

	path := filepath.Join(e.Dir, FileName(r, format))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

// WriteHTML renders the HTML report.
func WriteHTML(w io.Writer, r *Report, systemName string) error {
	data := struct {
		*Report
		Heading    string
		SystemName string
	}{r, r.Title(systemName), systemName}
	if err := htmlReport.Execute(w, data); err != nil {
		return fmt.Errorf("failed to execute HTML template: %w", err)
	}
	return nil
}

var csvHeader = []string{
	"region", "total_comparisons", "activity_count", "activity_rate_pct",
	"average_change_pct", "last_activity", "session_start", "disabled",
}

// WriteCSV writes one row per region.
func WriteCSV(w io.Writer, r *Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range r.Entries {
		row := []string{
			e.RegionName,
			strconv.FormatUint(e.TotalComparisons, 10),
			strconv.FormatUint(e.ActivityCount, 10),
			strconv.FormatFloat(e.ActivityRate, 'f', 2, 64),
			strconv.FormatFloat(e.AverageChangePercentage, 'f', 2, 64),
			formatTime(e.LastActivityTime),
			formatTime(e.SessionStart),
			strconv.FormatBool(e.Disabled),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes the report as indented JSON.
func WriteJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteZIP bundles the HTML and CSV renderings.
func WriteZIP(w io.Writer, r *Report, systemName string) error {
	zw := zip.NewWriter(w)
	parts := []struct {
		format Format
		write  func(io.Writer) error
	}{
		{FormatHTML, func(w io.Writer) error { return WriteHTML(w, r, systemName) }},
		{FormatCSV, func(w io.Writer) error { return WriteCSV(w, r) }},
	}
	for _, p := range parts {
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     FileName(r, p.format),
			Method:   zip.Deflate,
			Modified: r.GeneratedAt,
		})
		if err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", p.format, err)
		}
		if err := p.write(fw); err != nil {
			return err
		}
	}
	return zw.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
