package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"

	"golang.org/x/image/draw"
)

// TargetHeight keeps the host display's aspect ratio for a frame
// resampled to width: width / (screenW / screenH), rounded.
func TargetHeight(width, screenW, screenH int) (int, error) {
	if width <= 0 {
		return 0, fmt.Errorf("invalid target width %d", width)
	}
	if screenW <= 0 || screenH <= 0 {
		return 0, fmt.Errorf("invalid screen geometry %dx%d", screenW, screenH)
	}
	ratio := float64(screenW) / float64(screenH)
	h := int(math.Round(float64(width) / ratio))
	if h < 1 {
		h = 1
	}
	return h, nil
}

// encodeFrame resamples src to width x height and encodes it as PNG.
func encodeFrame(src image.Image, width, height int) ([]byte, error) {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
