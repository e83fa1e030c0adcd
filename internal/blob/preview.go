package blob

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	_ "image/jpeg"

	"golang.org/x/image/draw"
)

// DefaultPreviewWidth matches the thumbnail width used by the page listings.
const DefaultPreviewWidth = 400

// Preview fetches a blob and returns a PNG scaled to width, preserving aspect
// ratio. Images already narrower than width are re-encoded unscaled.
func Preview(ctx context.Context, s Store, id string, width int) ([]byte, error) {
	data, err := s.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	return Resize(data, width)
}

// Resize scales an encoded image to width and encodes it as PNG.
func Resize(data []byte, width int) ([]byte, error) {
	if width <= 0 {
		width = DefaultPreviewWidth
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	b := src.Bounds()
	dst := src
	if b.Dx() > width {
		height := b.Dy() * width / b.Dx()
		if height < 1 {
			height = 1
		}
		scaled := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), src, b, draw.Over, nil)
		dst = scaled
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("failed to encode preview: %w", err)
	}
	return buf.Bytes(), nil
}
