package evidence

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/proctor/internal/notify"
	"github.com/andresmejia3/proctor/internal/types"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 40, G: 40, B: 40, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG))
	return buf.Bytes()
}

func TestSaveWritesDownscaledSnapshot(t *testing.T) {
	dir := t.TempDir()
	w := Writer{Dir: dir, MaxWidth: 320}

	ev := types.NewViolationEvent(4, types.Detection{
		Type:        types.ViolationPhone,
		Confidence:  0.9,
		BoundingBox: &types.BoundingBox{X: 0.25, Y: 0.25, Width: 0.5, Height: 0.5},
	})
	ev.Snapshot = testJPEG(t, 640, 480)

	path, err := w.Save("sess-1", ev)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sess-1", "0004.jpg"), path)

	saved, err := imaging.Open(path)
	require.NoError(t, err)
	assert.Equal(t, 320, saved.Bounds().Dx())
	assert.Equal(t, 240, saved.Bounds().Dy())

	// The outline is red-dominant on a grey frame (JPEG is lossy, so compare loosely)
	r, g, _, _ := saved.At(80, 120).RGBA()
	assert.Greater(t, r>>8, g>>8+60)
}

func TestSaveSkipsEmptySnapshot(t *testing.T) {
	w := Writer{Dir: t.TempDir()}
	path, err := w.Save("sess-1", types.ViolationEvent{Seq: 1})
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestSaveRejectsGarbage(t *testing.T) {
	w := Writer{Dir: t.TempDir()}
	_, err := w.Save("sess-1", types.ViolationEvent{Seq: 1, Snapshot: []byte("not a jpeg")})
	assert.Error(t, err)
}

func TestOutlineClipsToBounds(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 10, 10))
	red := color.NRGBA{R: 255, A: 255}

	assert.NotPanics(t, func() {
		outline(img, image.Rect(-5, -5, 20, 20), red, 2)
	})
	assert.Equal(t, red, img.NRGBAAt(0, 0))
	assert.Equal(t, red, img.NRGBAAt(9, 9))
	assert.Equal(t, color.NRGBA{}, img.NRGBAAt(5, 5), "interior stays untouched")
}

func TestBoxRect(t *testing.T) {
	r := boxRect(types.BoundingBox{X: 0.1, Y: 0.2, Width: 0.5, Height: 0.5}, image.Rect(0, 0, 200, 100))
	assert.Equal(t, image.Rect(20, 20, 120, 70), r)
}

func TestNotifierOnlySavesViolations(t *testing.T) {
	dir := t.TempDir()
	n := Writer{Dir: dir}.Notifier()

	ev := types.NewViolationEvent(1, types.Detection{Type: types.ViolationNoFace, Confidence: 0.9})
	ev.Snapshot = testJPEG(t, 64, 48)

	require.NoError(t, n.Notify(context.Background(), notify.Notification{Kind: notify.KindStarted}))
	require.NoError(t, n.Notify(context.Background(), notify.Notification{
		Kind:    notify.KindViolation,
		Session: types.SessionRecord{ID: "sess-2"},
		Event:   &ev,
	}))

	_, err := imaging.Open(filepath.Join(dir, "sess-2", "0001.jpg"))
	assert.NoError(t, err)
}
