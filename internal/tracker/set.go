package tracker

import "time"

// Set is an ordered collection of trackers keyed by region name. Iteration
// and snapshots follow the order in which regions were first added.
type Set struct {
	order    []string
	trackers map[string]*Tracker
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{trackers: make(map[string]*Tracker)}
}

// Ensure returns the tracker for name, creating it if needed.
func (s *Set) Ensure(name string, tolerance uint8, thresholdPercent float64, now time.Time) *Tracker {
	if t, ok := s.trackers[name]; ok {
		return t
	}
	t := New(name, tolerance, thresholdPercent, now)
	s.trackers[name] = t
	s.order = append(s.order, name)
	return t
}

// Get looks up a tracker by region name.
func (s *Set) Get(name string) (*Tracker, bool) {
	t, ok := s.trackers[name]
	return t, ok
}

// Names returns region names in first-seen order.
func (s *Set) Names() []string {
	return append([]string(nil), s.order...)
}

// Len returns the number of trackers.
func (s *Set) Len() int { return len(s.order) }

// ResetAll resets every tracker.
func (s *Set) ResetAll(now time.Time) {
	for _, name := range s.order {
		s.trackers[name].Reset(now)
	}
}

// SetDetection updates tolerance and threshold on every tracker.
func (s *Set) SetDetection(tolerance uint8, thresholdPercent float64) {
	for _, t := range s.trackers {
		t.SetDetection(tolerance, thresholdPercent)
	}
}

// Snapshot copies the statistics of every tracker in first-seen order.
// The result shares no memory with the set.
func (s *Set) Snapshot() []Stats {
	out := make([]Stats, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.trackers[name].Stats())
	}
	return out
}
