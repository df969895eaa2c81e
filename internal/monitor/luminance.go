package monitor

import "image"

const (
	// luminanceStride subsamples the frame: every 10th pixel in each
	// dimension is enough to detect a covered lens.
	luminanceStride = 10

	// darknessThreshold: mean luminance (0-255) below this is treated as a
	// covered or obscured camera.
	darknessThreshold = 15.0
)

// meanLuminance computes the mean pixel brightness over a uniform subsample
// of the frame, on a 0-255 scale.
func meanLuminance(img image.Image, stride int) float64 {
	if img == nil || stride < 1 {
		return 0
	}
	bounds := img.Bounds()
	var sum float64
	var count int
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stride {
		for x := bounds.Min.X; x < bounds.Max.X; x += stride {
			r, g, b, _ := img.At(x, y).RGBA()
			sum += float64((r>>8)+(g>>8)+(b>>8)) / 3
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}
