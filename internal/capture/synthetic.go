package capture

import (
	"bytes"
	"fmt"
	"image/color"
	"time"

	"github.com/andresmejia3/proctor/internal/types"
	"github.com/disintegration/imaging"
)

// Synthetic returns a Static source serving a plain grey JPEG, for running without a camera.
func Synthetic(width, height int) (Static, error) {
	img := imaging.New(width, height, color.NRGBA{R: 96, G: 96, B: 96, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return Static{}, fmt.Errorf("failed to encode synthetic frame: %w", err)
	}
	return Static{Frame: &types.Frame{Seq: 1, Data: buf.Bytes(), CapturedAt: time.Now()}}, nil
}
