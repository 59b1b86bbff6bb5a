package render

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// Fit crops a screenshot to the width:height aspect ratio around its center,
// scales it with Lanczos resampling and encodes the result as PNG.
func Fit(data []byte, width, height int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty screenshot", ErrInvalid)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: target size %dx%d", ErrInvalid, width, height)
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode screenshot: %v", ErrInvalid, err)
	}
	if b := src.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: screenshot has no pixels", ErrInvalid)
	}

	out := imaging.Fill(src, width, height, imaging.Center, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
