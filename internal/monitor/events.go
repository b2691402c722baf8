package monitor

import (
	"time"

	"github.com/mikeyg42/capturer/internal/region"
	"github.com/mikeyg42/capturer/internal/tracker"
)

// EventType identifies what happened during a tick.
type EventType int

const (
	// ActivityChanged is emitted for every region that was compared.
	ActivityChanged EventType = iota
	// CaptureFailed is emitted when a tick was skipped.
	CaptureFailed
	// RegionDisabled is emitted once when a region stops fitting the frame.
	RegionDisabled
)

func (t EventType) String() string {
	switch t {
	case ActivityChanged:
		return "activity_changed"
	case CaptureFailed:
		return "capture_failed"
	case RegionDisabled:
		return "region_disabled"
	default:
		return "unknown"
	}
}

// MarshalText lets events serialize with readable types.
func (t EventType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Event is delivered to listeners from the scheduler goroutine.
type Event struct {
	Type   EventType               `json:"type"`
	At     time.Time               `json:"at"`
	Region string                  `json:"region,omitempty"`
	Result region.ComparisonResult `json:"result"`
	Stats  tracker.Stats           `json:"stats"`
	// Err is set for CaptureFailed and RegionDisabled.
	Err error `json:"-"`
	// Message is Err's text, for serialization.
	Message string `json:"message,omitempty"`
}

// Listener receives scheduler events. HandleEvent runs on the scheduler
// goroutine and must not block.
type Listener interface {
	HandleEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) HandleEvent(e Event) { f(e) }
