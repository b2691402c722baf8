// Package tracker keeps the per-region baseline sample and running activity
// statistics. Trackers are not safe for concurrent mutation: a monitoring
// session owns them from a single goroutine and hands out Stats copies.
package tracker

import (
	"image"
	"time"

	"github.com/mikeyg42/capturer/internal/region"
)

// State is the baseline state of a tracker.
type State int

const (
	NoBaseline State = iota
	HasBaseline
)

func (s State) String() string {
	if s == HasBaseline {
		return "has_baseline"
	}
	return "no_baseline"
}

// Stats are the running statistics of one region for the current session.
type Stats struct {
	RegionName                 string    `json:"region_name"`
	TotalComparisons           uint64    `json:"total_comparisons"`
	ActivityCount              uint64    `json:"activity_count"`
	CumulativeChangePercentage float64   `json:"cumulative_change_percentage"`
	LastActivityTime           time.Time `json:"last_activity_time,omitempty"`
	SessionStart               time.Time `json:"session_start"`

	LastChangePercentage float64 `json:"last_change_percentage"`
	HasBaseline          bool    `json:"has_baseline"`
	Disabled             bool    `json:"disabled"`
}

// AverageChangePercentage is the mean change across all comparisons, 0 when none.
func (s Stats) AverageChangePercentage() float64 {
	if s.TotalComparisons == 0 {
		return 0
	}
	return s.CumulativeChangePercentage / float64(s.TotalComparisons)
}

// Outcome is the read-only result of evaluating a new sample against the
// stored baseline. It is applied later by Apply.
type Outcome struct {
	Sample   *image.RGBA
	Compared bool
	Result   region.ComparisonResult
}

// Tracker holds the baseline and statistics of one region.
type Tracker struct {
	name      string
	tolerance uint8
	threshold float64

	last  *image.RGBA
	stats Stats
}

// New creates a tracker in the NoBaseline state.
func New(name string, tolerance uint8, thresholdPercent float64, now time.Time) *Tracker {
	return &Tracker{
		name:      name,
		tolerance: tolerance,
		threshold: thresholdPercent,
		stats:     Stats{RegionName: name, SessionStart: now},
	}
}

// Name returns the region name.
func (t *Tracker) Name() string { return t.name }

// State returns the current baseline state.
func (t *Tracker) State() State {
	if t.last == nil {
		return NoBaseline
	}
	return HasBaseline
}

// SetDetection changes tolerance and threshold for subsequent comparisons.
func (t *Tracker) SetDetection(tolerance uint8, thresholdPercent float64) {
	t.tolerance = tolerance
	t.threshold = thresholdPercent
}

// Evaluate compares sample with the baseline without changing any state.
// A missing baseline or a size change yields Compared=false.
func (t *Tracker) Evaluate(sample *image.RGBA) Outcome {
	out := Outcome{Sample: sample}
	if t.last == nil {
		return out
	}
	pct, err := region.Compare(t.last, sample, t.tolerance)
	if err != nil {
		// size changed since the last tick: the new sample becomes the baseline
		return out
	}
	out.Compared = true
	out.Result = region.Classify(pct, t.threshold)
	return out
}

// Apply commits an outcome produced by Evaluate. The sample always replaces
// the stored baseline.
func (t *Tracker) Apply(out Outcome, now time.Time) {
	if out.Compared {
		t.stats.TotalComparisons++
		t.stats.CumulativeChangePercentage += out.Result.ChangePercentage
		t.stats.LastChangePercentage = out.Result.ChangePercentage
		if out.Result.HasActivity {
			t.stats.ActivityCount++
			t.stats.LastActivityTime = now
		}
	}
	t.last = out.Sample
}

// Observe evaluates and applies a sample in one step.
func (t *Tracker) Observe(sample *image.RGBA, now time.Time) Outcome {
	out := t.Evaluate(sample)
	t.Apply(out, now)
	return out
}

// Reset drops the baseline and zeroes all counters.
func (t *Tracker) Reset(now time.Time) {
	t.last = nil
	t.stats = Stats{RegionName: t.name, SessionStart: now, Disabled: t.stats.Disabled}
}

// SetDisabled marks the region as disabled for reporting purposes.
func (t *Tracker) SetDisabled(disabled bool) { t.stats.Disabled = disabled }

// Stats returns a copy of the current statistics.
func (t *Tracker) Stats() Stats {
	s := t.stats
	s.HasBaseline = t.last != nil
	return s
}
