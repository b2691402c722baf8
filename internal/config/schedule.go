package config

import (
	"fmt"
	"strings"
	"time"
)

// Weekday is a time.Weekday that reads and writes as its English name.
type Weekday time.Weekday

// ParseWeekday accepts full or three-letter English day names, any case.
func ParseWeekday(s string) (Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || (len(s) == 3 && strings.HasPrefix(name, s)) {
			return Weekday(d), nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

func (d Weekday) String() string { return time.Weekday(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Weekday) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(d.String())), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Weekday) UnmarshalText(b []byte) error {
	v, err := ParseWeekday(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// TimeOfDay is a wall-clock time with minute resolution, written as "HH:MM".
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("time of day must be HH:MM: %w", err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// MarshalText implements encoding.TextMarshaler.
func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Minutes returns minutes since midnight.
func (t TimeOfDay) Minutes() int { return t.Hour*60 + t.Minute }

// Reached reports whether the wall clock of now is at or past t.
func (t TimeOfDay) Reached(now time.Time) bool {
	return now.Hour()*60+now.Minute() >= t.Minutes()
}

// ScheduleConfig controls sampling, detection and report delivery.
type ScheduleConfig struct {
	IsDaily           bool      `yaml:"is_daily" json:"is_daily"`
	DeliveryDays      []Weekday `yaml:"delivery_days" json:"delivery_days"`
	WeeklyDeliveryDay Weekday   `yaml:"weekly_delivery_day" json:"weekly_delivery_day"`
	EmailTime         TimeOfDay `yaml:"email_time" json:"email_time"`

	MonitoringIntervalSeconds uint    `yaml:"monitoring_interval_seconds" json:"monitoring_interval_seconds"`
	ActivityThresholdPercent  float64 `yaml:"activity_threshold_percent" json:"activity_threshold_percent"`
	PixelTolerance            uint8   `yaml:"pixel_tolerance" json:"pixel_tolerance"`

	// CheckSpec is the cron spec on which the dispatch policy is evaluated.
	CheckSpec string `yaml:"check_spec" json:"check_spec"`
	// MaxAttempts bounds delivery attempts per dispatch window.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
}

// Interval returns the monitoring interval as a duration.
func (s ScheduleConfig) Interval() time.Duration {
	return time.Duration(s.MonitoringIntervalSeconds) * time.Second
}

// DeliversOn reports whether d is one of the daily delivery days.
func (s ScheduleConfig) DeliversOn(d time.Weekday) bool {
	for _, day := range s.DeliveryDays {
		if time.Weekday(day) == d {
			return true
		}
	}
	return false
}

// Weekdays returns Monday through Friday.
func Weekdays() []Weekday {
	return []Weekday{
		Weekday(time.Monday), Weekday(time.Tuesday), Weekday(time.Wednesday),
		Weekday(time.Thursday), Weekday(time.Friday),
	}
}
