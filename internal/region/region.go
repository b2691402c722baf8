// Package region holds the named screen rectangles that are monitored for
// activity and the pure functions that operate on them: cropping a sample out
// of a full frame, comparing two samples, and classifying the difference.
package region

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
)

var (
	// ErrBoundsInvalid is returned when a region does not fit inside the frame.
	ErrBoundsInvalid = errors.New("region bounds outside frame")
	// ErrDimensionMismatch is returned by Compare when the two samples differ in size.
	// Callers treat it as a missing baseline, not as activity.
	ErrDimensionMismatch = errors.New("sample dimensions differ")
)

// Region is a named rectangle of the captured screen. Bounds are relative to
// the top-left corner of the frame.
type Region struct {
	Name    string          `json:"name"`
	Bounds  image.Rectangle `json:"bounds"`
	Enabled bool            `json:"enabled"`
}

// New builds a region from x, y, width and height.
func New(name string, x, y, w, h int, enabled bool) Region {
	return Region{
		Name:    name,
		Bounds:  image.Rect(x, y, x+w, y+h),
		Enabled: enabled,
	}
}

// BoundsError describes a region that cannot be cropped from a frame.
type BoundsError struct {
	Region string
	Bounds image.Rectangle
	Frame  image.Rectangle
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("region %q %v not inside frame %v", e.Region, e.Bounds, e.Frame)
}

func (e *BoundsError) Unwrap() error { return ErrBoundsInvalid }

// CheckBounds reports whether r fits inside a frame of the given size.
func CheckBounds(r Region, frame image.Rectangle) error {
	size := image.Rect(0, 0, frame.Dx(), frame.Dy())
	if r.Bounds.Empty() || !r.Bounds.In(size) {
		return &BoundsError{Region: r.Name, Bounds: r.Bounds, Frame: size}
	}
	return nil
}

// Crop copies the region's pixels out of frame into a new RGBA buffer whose
// origin is (0,0). The frame is not modified.
func Crop(frame image.Image, r Region) (*image.RGBA, error) {
	fb := frame.Bounds()
	if err := CheckBounds(r, fb); err != nil {
		return nil, err
	}

	w, h := r.Bounds.Dx(), r.Bounds.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	src := r.Bounds.Add(fb.Min)

	if rgba, ok := frame.(*image.RGBA); ok {
		rowLen := w * 4
		for y := 0; y < h; y++ {
			off := rgba.PixOffset(src.Min.X, src.Min.Y+y)
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+rowLen], rgba.Pix[off:off+rowLen])
		}
		return dst, nil
	}

	draw.Draw(dst, dst.Bounds(), frame, src.Min, draw.Src)
	return dst, nil
}
