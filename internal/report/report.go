// Package report turns tracker snapshots into immutable activity reports and
// renders them as HTML, CSV or ZIP files.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mikeyg42/capturer/internal/tracker"
)

// Format is a report output format.
type Format string

const (
	FormatHTML Format = "html"
	FormatCSV  Format = "csv"
	FormatZIP  Format = "zip"
	FormatJSON Format = "json"
)

// ParseFormat accepts html, csv, zip or json in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatHTML, FormatCSV, FormatZIP, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown report format %q", s)
	}
}

// Ext returns the file extension, with the dot.
func (f Format) Ext() string { return "." + string(f) }

// Entry is one region row of a report.
type Entry struct {
	RegionName              string    `json:"region_name"`
	TotalComparisons        uint64    `json:"total_comparisons"`
	ActivityCount           uint64    `json:"activity_count"`
	AverageChangePercentage float64   `json:"average_change_percentage"`
	ActivityRate            float64   `json:"activity_rate"`
	LastActivityTime        time.Time `json:"last_activity_time,omitempty"`
	SessionStart            time.Time `json:"session_start"`
	Disabled                bool      `json:"disabled,omitempty"`
}

// Summary aggregates all entries.
type Summary struct {
	TotalRegions        int     `json:"total_regions"`
	TotalComparisons    uint64  `json:"total_comparisons"`
	TotalActivities     uint64  `json:"total_activities"`
	AverageActivityRate float64 `json:"average_activity_rate"`
	BusiestRegion       string  `json:"busiest_region"`
}

// Report is an immutable snapshot of region activity over a time window.
type Report struct {
	ID          string    `json:"id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	GeneratedAt time.Time `json:"generated_at"`
	Entries     []Entry   `json:"entries"`
	Summary     Summary   `json:"summary"`
}

// Build creates a report from a stats snapshot. Entry order follows the
// snapshot order, which also breaks ties for the busiest region.
func Build(stats []tracker.Stats, start, end time.Time) *Report {
	r := &Report{
		ID:          uuid.NewString(),
		WindowStart: start,
		WindowEnd:   end,
		GeneratedAt: end,
		Entries:     make([]Entry, 0, len(stats)),
	}

	var busiest uint64
	for _, s := range stats {
		r.Entries = append(r.Entries, Entry{
			RegionName:              s.RegionName,
			TotalComparisons:        s.TotalComparisons,
			ActivityCount:           s.ActivityCount,
			AverageChangePercentage: s.AverageChangePercentage(),
			ActivityRate:            rate(s.ActivityCount, s.TotalComparisons),
			LastActivityTime:        s.LastActivityTime,
			SessionStart:            s.SessionStart,
			Disabled:                s.Disabled,
		})

		r.Summary.TotalComparisons += s.TotalComparisons
		r.Summary.TotalActivities += s.ActivityCount
		if s.ActivityCount > busiest {
			busiest = s.ActivityCount
			r.Summary.BusiestRegion = s.RegionName
		}
	}
	r.Summary.TotalRegions = len(stats)
	r.Summary.AverageActivityRate = rate(r.Summary.TotalActivities, r.Summary.TotalComparisons)
	return r
}

// WindowStats subtracts baseline (the snapshot taken when the previous report
// went out) from current, so consecutive windows do not count the same
// comparisons twice. Regions that were reset or added since the baseline are
// returned unchanged.
func WindowStats(current, baseline []tracker.Stats) []tracker.Stats {
	prev := make(map[string]tracker.Stats, len(baseline))
	for _, s := range baseline {
		prev[s.RegionName] = s
	}

	out := make([]tracker.Stats, 0, len(current))
	for _, s := range current {
		p, ok := prev[s.RegionName]
		if ok && p.SessionStart.Equal(s.SessionStart) &&
			p.TotalComparisons <= s.TotalComparisons && p.ActivityCount <= s.ActivityCount {
			s.TotalComparisons -= p.TotalComparisons
			s.ActivityCount -= p.ActivityCount
			s.CumulativeChangePercentage -= p.CumulativeChangePercentage
			if s.CumulativeChangePercentage < 0 || s.TotalComparisons == 0 {
				s.CumulativeChangePercentage = 0
			}
			if !s.LastActivityTime.After(p.LastActivityTime) {
				// no activity since the previous window
				s.LastActivityTime = time.Time{}
			}
		}
		out = append(out, s)
	}
	return out
}

// Busiest returns the entry of the busiest region, if any.
func (r *Report) Busiest() (Entry, bool) {
	for _, e := range r.Entries {
		if e.RegionName == r.Summary.BusiestRegion && r.Summary.BusiestRegion != "" {
			return e, true
		}
	}
	return Entry{}, false
}

// Title is a human-readable report title.
func (r *Report) Title(systemName string) string {
	if systemName == "" {
		systemName = "Capturer"
	}
	return fmt.Sprintf("%s activity report %s to %s", systemName,
		r.WindowStart.Format("Jan 2 15:04"), r.WindowEnd.Format("Jan 2 15:04"))
}

func rate(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(part) / float64(total)
}
