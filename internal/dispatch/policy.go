// Package dispatch decides when a scheduled report is due and delivers it.
package dispatch

import (
	"fmt"
	"time"

	"github.com/mikeyg42/capturer/internal/config"
	"github.com/mikeyg42/capturer/internal/report"
)

const (
	ModeDaily  = "daily"
	ModeWeekly = "weekly"
)

// State of the current dispatch window.
type State int

const (
	Idle State = iota
	DueToday
	Sent
)

func (s State) String() string {
	switch s {
	case DueToday:
		return "due"
	case Sent:
		return "sent"
	default:
		return "idle"
	}
}

// Decision is the result of one policy check.
type Decision struct {
	Due bool `json:"due"`
	// Mode is "daily" or "weekly".
	Mode string `json:"mode"`
	// Period identifies the dispatch window: a date or an ISO week.
	Period      string        `json:"period"`
	Format      report.Format `json:"format"`
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
	// Attempt is 1 for the first try within the period.
	Attempt int `json:"attempt"`
}

// Outcome is what Record did with an attempt.
type Outcome int

const (
	// Delivered: the period is done and the window advanced.
	Delivered Outcome = iota
	// RetryLater: the period stays open for another attempt.
	RetryLater
	// Dropped: attempts are used up; the period is closed undelivered.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "sent"
	case RetryLater:
		return "failed"
	default:
		return "dropped"
	}
}

// Policy tracks dispatch windows in memory. It is not safe for concurrent
// use; the Dispatcher serializes calls.
type Policy struct {
	cfg config.ScheduleConfig

	windowStart time.Time

	period   string
	attempts int
	closed   bool // sent or dropped
}

// NewPolicy starts the first report window at windowStart.
func NewPolicy(cfg config.ScheduleConfig, windowStart time.Time) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Policy{cfg: cfg, windowStart: windowStart}
}

// PeriodKey names the dispatch window containing t in local time of t.
func PeriodKey(t time.Time, daily bool) string {
	if daily {
		return t.Format("2006-01-02")
	}
	y, w := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}

func (p *Policy) mode() string {
	if p.cfg.IsDaily {
		return ModeDaily
	}
	return ModeWeekly
}

func (p *Policy) format() report.Format {
	if p.cfg.IsDaily {
		return report.FormatHTML
	}
	return report.FormatZIP
}

// scheduled reports whether now is on a delivery day at or after the email time.
func (p *Policy) scheduled(now time.Time) bool {
	if !p.cfg.EmailTime.Reached(now) {
		return false
	}
	if p.cfg.IsDaily {
		return p.cfg.DeliversOn(now.Weekday())
	}
	return now.Weekday() == time.Weekday(p.cfg.WeeklyDeliveryDay)
}

// State reports the state of the window containing now.
func (p *Policy) State(now time.Time) State {
	key := PeriodKey(now, p.cfg.IsDaily)
	if key == p.period && p.closed {
		return Sent
	}
	if p.scheduled(now) {
		return DueToday
	}
	return Idle
}

// WindowStart is the start of the next report window.
func (p *Policy) WindowStart() time.Time { return p.windowStart }

// Check reports whether a report is due at now.
func (p *Policy) Check(now time.Time) Decision {
	key := PeriodKey(now, p.cfg.IsDaily)
	d := Decision{
		Mode:        p.mode(),
		Period:      key,
		Format:      p.format(),
		WindowStart: p.windowStart,
		WindowEnd:   now,
	}
	if key != p.period {
		p.period, p.attempts, p.closed = key, 0, false
	}
	if p.closed || !p.scheduled(now) {
		return d
	}
	d.Due = true
	d.Attempt = p.attempts + 1
	return d
}

// Record registers the result of delivering d. Success closes the period
// and moves the window start to d.WindowEnd. Failure keeps the period open
// until MaxAttempts is reached.
func (p *Policy) Record(d Decision, err error) Outcome {
	if d.Period != p.period {
		p.period, p.attempts, p.closed = d.Period, 0, false
	}
	p.attempts++
	if err == nil {
		p.closed = true
		p.windowStart = d.WindowEnd
		return Delivered
	}
	if p.attempts >= p.cfg.MaxAttempts {
		p.closed = true
		return Dropped
	}
	return RetryLater
}
