package coords

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrames() []Frame {
	return []Frame{
		{Reference: DefaultReference, True: Size{W: 1920, H: 1080}},
		{Reference: DefaultReference, True: Size{W: 1366, H: 768}},
		{Reference: DefaultReference, True: Size{W: 800, H: 600}},
		{Reference: DefaultReference, True: DefaultReference},
	}
}

func TestNewFrameRejectsEmptySizes(t *testing.T) {
	_, err := NewFrame(Size{}, Size{W: 10, H: 10})
	require.Error(t, err)
	_, err = NewFrame(DefaultReference, Size{W: 0, H: 720})
	require.Error(t, err)

	f, err := NewFrame(DefaultReference, Size{W: 1920, H: 1080})
	require.NoError(t, err)
	assert.Equal(t, 1920, f.True.W)
}

func TestToTrueScales(t *testing.T) {
	f := Frame{Reference: DefaultReference, True: Size{W: 1920, H: 1080}}
	got := f.ToTrue(Point{X: 640, Y: 360})
	assert.InDelta(t, 960, got.X, 1e-9)
	assert.InDelta(t, 540, got.Y, 1e-9)
}

func TestRoundTripWithinContainedRegion(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, f := range testFrames() {
		for i := 0; i < 500; i++ {
			p := Point{
				X: rng.Float64() * float64(f.Reference.W),
				Y: rng.Float64() * float64(f.Reference.H),
			}
			if !f.Contains(p) {
				continue
			}
			back := f.ToReference(f.ToTrue(p))
			assert.InDelta(t, p.X, back.X, 1e-6, "frame %v point %v", f.True, p)
			assert.InDelta(t, p.Y, back.Y, 1e-6, "frame %v point %v", f.True, p)
		}
	}
}

func TestToTrueClampsAndIsIdempotent(t *testing.T) {
	for _, f := range testFrames() {
		outside := []Point{
			{X: -50, Y: -10},
			{X: float64(f.Reference.W) * 3, Y: float64(f.Reference.H) * 3},
			{X: float64(f.Reference.W), Y: 0},
		}
		for _, p := range outside {
			q := f.ToTrue(p)
			assert.GreaterOrEqual(t, q.X, 0.0)
			assert.GreaterOrEqual(t, q.Y, 0.0)
			assert.LessOrEqual(t, q.X, float64(f.True.W-1))
			assert.LessOrEqual(t, q.Y, float64(f.True.H-1))

			again := f.ToTrue(f.ToReference(q))
			assert.InDelta(t, q.X, again.X, 1e-6)
			assert.InDelta(t, q.Y, again.Y, 1e-6)
		}
	}
}

func TestDeltaDoesNotClamp(t *testing.T) {
	f := Frame{Reference: DefaultReference, True: Size{W: 2560, H: 1440}}
	dx, dy := f.Delta(-5000, 100)
	assert.InDelta(t, -10000, dx, 1e-9)
	assert.InDelta(t, 200, dy, 1e-9)
}

func TestTrackerMoveThereAndBack(t *testing.T) {
	tr := NewTracker(DefaultReference)
	start := tr.Position("t1")
	assert.Equal(t, Point{X: 640, Y: 360}, start)

	_, mid := tr.Move("t1", 100, 50)
	assert.Equal(t, Point{X: 740, Y: 410}, mid)
	_, end := tr.Move("t1", -100, -50)
	assert.Equal(t, start, end)

	f := Frame{Reference: DefaultReference, True: Size{W: 1920, H: 1080}}
	assert.Equal(t, f.ToTrue(start), f.ToTrue(end))
}

func TestTrackerClampsAndIsPerTarget(t *testing.T) {
	tr := NewTracker(DefaultReference)
	_, to := tr.Move("a", 5000, -5000)
	assert.Equal(t, Point{X: 1279, Y: 0}, to)
	assert.Equal(t, Point{X: 640, Y: 360}, tr.Position("b"))

	tr.Reset("a")
	assert.Equal(t, Point{X: 640, Y: 360}, tr.Position("a"))

	tr.Set("a", Point{X: 3, Y: 4})
	tr.Forget("a")
	assert.Equal(t, Point{X: 640, Y: 360}, tr.Position("a"))
}

func TestViewportCacheExpires(t *testing.T) {
	c := NewViewportCache(time.Second)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Put("t", Size{W: 800, H: 600})
	got, ok := c.Get("t")
	require.True(t, ok)
	assert.Equal(t, Size{W: 800, H: 600}, got)

	now = now.Add(2 * time.Second)
	_, ok = c.Get("t")
	assert.False(t, ok)

	c.Put("t", Size{W: 1, H: 1})
	c.Invalidate("t")
	_, ok = c.Get("t")
	assert.False(t, ok)
}

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestResampleIsExactAndDeterministic(t *testing.T) {
	src := solid(300, 170, color.RGBA{R: 10, G: 200, B: 30, A: 255})
	src.Set(5, 5, color.RGBA{R: 255, A: 255})

	a := Resample(src, Size{W: 128, H: 72})
	b := Resample(src, Size{W: 128, H: 72})
	assert.Equal(t, image.Rect(0, 0, 128, 72), a.Bounds())
	assert.Equal(t, a.Pix, b.Pix)

	c := a.RGBAAt(100, 60)
	assert.InDelta(t, 200, int(c.G), 1)
}

func TestNormalizeProducesReferenceSizedJPEG(t *testing.T) {
	var raw bytes.Buffer
	require.NoError(t, png.Encode(&raw, solid(400, 200, color.Black)))

	cursor := Point{X: 32, Y: 18}
	out, err := Normalize(raw.Bytes(), Size{W: 64, H: 36}, 90, &cursor)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", out.Format)
	assert.Equal(t, Size{W: 400, H: 200}, out.Source)

	img, err := jpeg.Decode(bytes.NewReader(out.Data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 36), img.Bounds())

	r, _, _, _ := img.At(32, 18).RGBA()
	assert.Greater(t, r>>8, uint32(150), "cursor should be painted at the tracked position")
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	_, err := Normalize([]byte("not an image"), DefaultReference, 90, nil)
	require.Error(t, err)
}

func TestDrawCursorStaysInBounds(t *testing.T) {
	img := solid(10, 10, color.Black)
	DrawCursor(img, Point{X: 0, Y: 0})
	assert.Equal(t, cursorFill, img.RGBAAt(0, 0))
	DrawCursor(img, Point{X: 500, Y: 500})
}
