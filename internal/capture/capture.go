// Package capture provides full-frame screen captures for the monitoring loop.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/kbinani/screenshot"
)

// ErrCaptureFailed wraps every failure to obtain a frame. A failed capture
// aborts only the current tick.
var ErrCaptureFailed = errors.New("screen capture failed")

// Source produces full frames of the monitored display.
type Source interface {
	Capture(ctx context.Context) (image.Image, error)
	// Bounds is the size of the frames Capture returns, used to validate
	// regions before monitoring starts.
	Bounds() image.Rectangle
}

// Display describes one active display.
type Display struct {
	Index  int             `json:"index"`
	Bounds image.Rectangle `json:"bounds"`
}

// Displays lists the active displays.
func Displays() []Display {
	n := screenshot.NumActiveDisplays()
	out := make([]Display, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Display{Index: i, Bounds: screenshot.GetDisplayBounds(i)})
	}
	return out
}

// ScreenSource captures one display with github.com/kbinani/screenshot.
type ScreenSource struct {
	display int
	bounds  image.Rectangle
}

// NewScreenSource resolves the display index. A negative index selects the
// primary display (the one whose bounds start at 0,0).
func NewScreenSource(display int) (*ScreenSource, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return nil, fmt.Errorf("%w: no active displays found", ErrCaptureFailed)
	}

	if display < 0 {
		display = 0
		for i := 0; i < n; i++ {
			b := screenshot.GetDisplayBounds(i)
			if b.Min.X == 0 && b.Min.Y == 0 {
				display = i
				break
			}
		}
	}
	if display >= n {
		return nil, fmt.Errorf("display %d not available (%d active)", display, n)
	}

	return &ScreenSource{
		display: display,
		bounds:  screenshot.GetDisplayBounds(display),
	}, nil
}

// Capture grabs the display. The context is only checked before capturing;
// the platform call itself cannot be interrupted.
func (s *ScreenSource) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := screenshot.CaptureRect(s.bounds)
	if err != nil {
		return nil, fmt.Errorf("%w: display %d: %v", ErrCaptureFailed, s.display, err)
	}
	return img, nil
}

// Bounds returns the display bounds translated to origin (0,0).
func (s *ScreenSource) Bounds() image.Rectangle {
	return image.Rect(0, 0, s.bounds.Dx(), s.bounds.Dy())
}

// Display returns the display index in use.
func (s *ScreenSource) Display() int { return s.display }

// FuncSource adapts a function to Source. It backs test doubles and
// non-screen inputs such as image files.
type FuncSource struct {
	Fn   func(ctx context.Context) (image.Image, error)
	Size image.Rectangle
}

// Capture calls Fn and wraps its error in ErrCaptureFailed.
func (f FuncSource) Capture(ctx context.Context) (image.Image, error) {
	img, err := f.Fn(ctx)
	if err != nil {
		if errors.Is(err, ErrCaptureFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	return img, nil
}

// Bounds returns Size.
func (f FuncSource) Bounds() image.Rectangle { return f.Size }
