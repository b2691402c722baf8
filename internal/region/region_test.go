package region

import (
	"errors"
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func noise(w, h int, seed int64) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	rng.Read(img.Pix)
	return img
}

func TestCropCopiesPixels(t *testing.T) {
	frame := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			frame.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 7, A: 255})
		}
	}

	r := New("Desk", 2, 1, 3, 4, true)
	sample, err := Crop(frame, r)
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 3, 4), sample.Bounds())
	for y := 0; y < 4; y++ {
		for x := 0; x < 3; x++ {
			assert.Equal(t, color.RGBA{R: uint8(x + 2), G: uint8(y + 1), B: 7, A: 255}, sample.RGBAAt(x, y))
		}
	}

	// the sample must not alias the frame
	sample.SetRGBA(0, 0, color.RGBA{})
	assert.Equal(t, color.RGBA{R: 2, G: 1, B: 7, A: 255}, frame.RGBAAt(2, 1))
}

func TestCropHandlesOffsetFrames(t *testing.T) {
	// screen captures of secondary displays can have a non-zero origin
	frame := image.NewRGBA(image.Rect(100, 50, 110, 60))
	frame.SetRGBA(101, 51, color.RGBA{R: 200, A: 255})

	sample, err := Crop(frame, New("corner", 1, 1, 2, 2, true))
	require.NoError(t, err)
	assert.Equal(t, uint8(200), sample.RGBAAt(0, 0).R)
}

func TestCropGenericImage(t *testing.T) {
	frame := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	frame.Set(3, 3, color.NRGBA{G: 90, A: 255})

	sample, err := Crop(frame, New("br", 2, 2, 2, 2, true))
	require.NoError(t, err)
	assert.Equal(t, uint8(90), sample.RGBAAt(1, 1).G)
}

func TestCropOutOfBounds(t *testing.T) {
	frame := image.NewRGBA(image.Rect(0, 0, 10, 10))

	cases := []struct {
		name string
		r    Region
	}{
		{"past right edge", New("a", 8, 0, 5, 5, true)},
		{"negative origin", New("b", -1, 0, 5, 5, true)},
		{"empty", New("c", 1, 1, 0, 5, true)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Crop(frame, tc.r)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrBoundsInvalid))

			var be *BoundsError
			require.True(t, errors.As(err, &be))
			assert.Equal(t, tc.r.Name, be.Region)
		})
	}
}

func TestCompareIdentityIsZero(t *testing.T) {
	for seed := int64(0); seed < 5; seed++ {
		img := noise(16, 9, seed)
		pct, err := Compare(img, img, 0)
		require.NoError(t, err)
		assert.Zero(t, pct)
	}
}

func TestCompareIsSymmetric(t *testing.T) {
	for seed := int64(1); seed < 6; seed++ {
		a, b := noise(12, 12, seed), noise(12, 12, seed+100)
		for _, tol := range []uint8{0, 10, 128, 255} {
			ab, err := Compare(a, b, tol)
			require.NoError(t, err)
			ba, err := Compare(b, a, tol)
			require.NoError(t, err)
			assert.Equal(t, ab, ba, "seed=%d tol=%d", seed, tol)
		}
	}
}

func TestCompareTolerance(t *testing.T) {
	a := solid(10, 10, color.RGBA{R: 100, G: 100, B: 100, A: 255})
	b := solid(10, 10, color.RGBA{R: 100, G: 110, B: 100, A: 255})

	pct, err := Compare(a, b, 10)
	require.NoError(t, err)
	assert.Zero(t, pct, "difference equal to tolerance is not a change")

	pct, err = Compare(a, b, 9)
	require.NoError(t, err)
	assert.Equal(t, 100.0, pct)
}

func TestCompareIgnoresAlpha(t *testing.T) {
	a := solid(4, 4, color.RGBA{R: 1, G: 2, B: 3, A: 255})
	b := solid(4, 4, color.RGBA{R: 1, G: 2, B: 3, A: 0})
	pct, err := Compare(a, b, 0)
	require.NoError(t, err)
	assert.Zero(t, pct)
}

func TestCompareCountsChangedPixels(t *testing.T) {
	a := solid(10, 10, color.RGBA{A: 255})
	b := solid(10, 10, color.RGBA{A: 255})
	for x := 0; x < 5; x++ {
		b.SetRGBA(x, 0, color.RGBA{B: 255, A: 255})
	}

	pct, err := Compare(a, b, 10)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, pct, 1e-9)
}

func TestCompareDimensionMismatch(t *testing.T) {
	_, err := Compare(solid(4, 4, color.RGBA{}), solid(4, 5, color.RGBA{}), 0)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestCompareEmpty(t *testing.T) {
	empty := image.NewRGBA(image.Rect(0, 0, 0, 0))
	pct, err := Compare(empty, empty, 0)
	require.NoError(t, err)
	assert.Zero(t, pct)
}

func TestClassifyMonotonic(t *testing.T) {
	const threshold = 2.0
	values := []float64{0, 0.5, 1.99, 2, 2.01, 50, 100}
	seenActive := false
	for _, v := range values {
		res := Classify(v, threshold)
		assert.Equal(t, v, res.ChangePercentage)
		if seenActive {
			assert.True(t, res.HasActivity, "activity must stay true above %v", v)
		}
		if res.HasActivity {
			seenActive = true
		}
		assert.Equal(t, v >= threshold, res.HasActivity)
	}
}
