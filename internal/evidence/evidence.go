package evidence

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/andresmejia3/proctor/internal/notify"
	"github.com/andresmejia3/proctor/internal/types"
	"github.com/disintegration/imaging"
)

// Writer stores the frame behind each violation as a JPEG still, with the detection box outlined.
type Writer struct {
	Dir      string
	MaxWidth int // 0 keeps the original size
}

// Path returns where the snapshot for one event lives.
func (w Writer) Path(sessionID string, seq int) string {
	return filepath.Join(w.Dir, sessionID, fmt.Sprintf("%04d.jpg", seq))
}

// Save decodes the event snapshot, outlines its box and writes it under Dir/<session>/.
// Events without a snapshot are skipped.
func (w Writer) Save(sessionID string, ev types.ViolationEvent) (string, error) {
	if len(ev.Snapshot) == 0 {
		return "", nil
	}

	// 1. Decode
	src, err := imaging.Decode(bytes.NewReader(ev.Snapshot))
	if err != nil {
		return "", fmt.Errorf("failed to decode snapshot %d: %w", ev.Seq, err)
	}

	// 2. Downscale (keeps aspect ratio)
	if w.MaxWidth > 0 && src.Bounds().Dx() > w.MaxWidth {
		src = imaging.Resize(src, w.MaxWidth, 0, imaging.Lanczos)
	}

	// 3. Outline the detection
	img := imaging.Clone(src)
	if ev.BoundingBox != nil {
		outline(img, boxRect(*ev.BoundingBox, img.Bounds()), severityColor(ev.Severity), 2)
	}

	// 4. Write
	path := w.Path(sessionID, ev.Seq)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create evidence directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := imaging.Encode(f, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to encode snapshot %d: %w", ev.Seq, err)
	}
	return path, f.Close()
}

// Notifier saves a snapshot for every violation notification.
func (w Writer) Notifier() notify.Notifier {
	return notify.Func(func(_ context.Context, n notify.Notification) error {
		if n.Kind != notify.KindViolation || n.Event == nil {
			return nil
		}
		_, err := w.Save(n.Session.ID, *n.Event)
		return err
	})
}

// boxRect maps a normalized box onto pixel bounds.
func boxRect(b types.BoundingBox, bounds image.Rectangle) image.Rectangle {
	dx, dy := float64(bounds.Dx()), float64(bounds.Dy())
	r := image.Rect(
		int(math.Round(b.X*dx)),
		int(math.Round(b.Y*dy)),
		int(math.Round((b.X+b.Width)*dx)),
		int(math.Round((b.Y+b.Height)*dy)),
	)
	return r.Add(bounds.Min)
}

func severityColor(s types.Severity) color.NRGBA {
	switch s {
	case types.SeverityHigh:
		return color.NRGBA{R: 230, G: 30, B: 30, A: 255}
	case types.SeverityMedium:
		return color.NRGBA{R: 240, G: 160, B: 0, A: 255}
	default:
		return color.NRGBA{R: 240, G: 220, B: 0, A: 255}
	}
}

// outline draws a rectangle border of the given thickness directly into the pixel buffer.
func outline(img *image.NRGBA, rect image.Rectangle, c color.NRGBA, thickness int) {
	// Clip rect to image bounds to prevent panics
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}

	stride := img.Stride
	pix := img.Pix
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y

	set := func(x, y int) {
		off := (y-imgMinY)*stride + (x-imgMinX)*4
		pix[off] = c.R
		pix[off+1] = c.G
		pix[off+2] = c.B
		pix[off+3] = c.A
	}

	for t := 0; t < thickness; t++ {
		top, bottom := rect.Min.Y+t, rect.Max.Y-1-t
		left, right := rect.Min.X+t, rect.Max.X-1-t
		if top > bottom || left > right {
			return
		}
		for x := left; x <= right; x++ {
			set(x, top)
			set(x, bottom)
		}
		for y := top; y <= bottom; y++ {
			set(left, y)
			set(right, y)
		}
	}
}
