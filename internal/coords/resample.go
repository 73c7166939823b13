package coords

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// Capture is an encoded image in the reference frame.
type Capture struct {
	Data   []byte `json:"-"`
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	// Source is the size of the raw capture before resampling.
	Source Size `json:"source"`
}

// Resample scales src to exactly to pixels with bilinear interpolation. The
// output depends only on the input pixels and the target size.
func Resample(src image.Image, to Size) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, to.W, to.H))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// Normalize decodes a PNG or JPEG capture, resamples it to the reference
// size and re-encodes it as JPEG. When cursor is non-nil a pointer marker is
// painted at that reference position.
func Normalize(data []byte, to Size, quality int, cursor *Point) (Capture, error) {
	if !to.Valid() {
		return Capture{}, fmt.Errorf("normalize: invalid target size %s", to)
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Capture{}, fmt.Errorf("decode capture: %w", err)
	}
	b := src.Bounds()
	img := Resample(src, to)
	if cursor != nil {
		DrawCursor(img, *cursor)
	}

	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return Capture{}, fmt.Errorf("encode capture: %w", err)
	}
	return Capture{
		Data:   buf.Bytes(),
		Format: "jpeg",
		Width:  to.W,
		Height: to.H,
		Source: Size{W: b.Dx(), H: b.Dy()},
	}, nil
}

const cursorRadius = 6

var (
	cursorFill    = color.RGBA{R: 255, G: 40, B: 40, A: 255}
	cursorOutline = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// DrawCursor paints a small ringed dot centred on p. Parts falling outside
// img are skipped.
func DrawCursor(img draw.Image, p Point) {
	cx, cy := int(p.X+0.5), int(p.Y+0.5)
	bounds := img.Bounds()
	outer := (cursorRadius + 2) * (cursorRadius + 2)
	inner := cursorRadius * cursorRadius
	for dy := -cursorRadius - 2; dy <= cursorRadius+2; dy++ {
		for dx := -cursorRadius - 2; dx <= cursorRadius+2; dx++ {
			x, y := cx+dx, cy+dy
			if !(image.Point{X: x, Y: y}).In(bounds) {
				continue
			}
			d := dx*dx + dy*dy
			switch {
			case d <= inner:
				img.Set(x, y, cursorFill)
			case d <= outer:
				img.Set(x, y, cursorOutline)
			}
		}
	}
}
