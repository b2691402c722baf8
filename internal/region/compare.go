package region

import "image"

// ComparisonResult is the outcome of comparing a region against its previous sample.
type ComparisonResult struct {
	ChangePercentage float64 `json:"change_percentage"`
	HasActivity      bool    `json:"has_activity"`
}

// Compare returns the percentage (0..100) of pixels whose largest R, G or B
// difference exceeds tolerance. Alpha is ignored. Samples must have the same
// dimensions, otherwise ErrDimensionMismatch is returned.
func Compare(a, b *image.RGBA, tolerance uint8) (float64, error) {
	ab, bb := a.Bounds(), b.Bounds()
	if ab.Dx() != bb.Dx() || ab.Dy() != bb.Dy() {
		return 0, ErrDimensionMismatch
	}

	w, h := ab.Dx(), ab.Dy()
	total := w * h
	if total == 0 {
		return 0, nil
	}

	changed := 0
	for y := 0; y < h; y++ {
		ra := a.PixOffset(ab.Min.X, ab.Min.Y+y)
		rb := b.PixOffset(bb.Min.X, bb.Min.Y+y)
		for x := 0; x < w; x++ {
			i, j := ra+x*4, rb+x*4
			d := absDiff(a.Pix[i], b.Pix[j])
			if g := absDiff(a.Pix[i+1], b.Pix[j+1]); g > d {
				d = g
			}
			if bl := absDiff(a.Pix[i+2], b.Pix[j+2]); bl > d {
				d = bl
			}
			if d > tolerance {
				changed++
			}
		}
	}

	return 100 * float64(changed) / float64(total), nil
}

// Classify applies the activity threshold to a change percentage.
func Classify(changePercentage, thresholdPercent float64) ComparisonResult {
	return ComparisonResult{
		ChangePercentage: changePercentage,
		HasActivity:      changePercentage >= thresholdPercent,
	}
}

func absDiff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}
