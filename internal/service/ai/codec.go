package ai

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"

	"visiongate/internal/model"
)

// JPEGQuality is the quality of annotated output images.
const JPEGQuality = 90

var boxColor = color.RGBA{R: 255, A: 255}

// StdCodec decodes JPEG, PNG, GIF, BMP and WebP and encodes annotated
// images as JPEG, without cgo.
type StdCodec struct{}

// Decode implements Codec.
func (StdCodec) Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("decoded image is empty")
	}
	return img, nil
}

// Encode draws a box and a label per detection and encodes the result as JPEG.
func (StdCodec) Encode(img image.Image, detections []model.Detection) ([]byte, error) {
	canvas := image.NewRGBA(img.Bounds())
	draw.Draw(canvas, canvas.Bounds(), img, img.Bounds().Min, draw.Src)

	for _, d := range detections {
		box := d.Box.Intersect(canvas.Bounds())
		if box.Empty() {
			continue
		}
		drawRect(canvas, box, 2)
		drawLabel(canvas, fmt.Sprintf("%s (%.2f)", d.Label, d.Confidence), box.Min)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func drawRect(dst *image.RGBA, r image.Rectangle, thickness int) {
	src := image.NewUniform(boxColor)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}

func drawLabel(dst *image.RGBA, label string, at image.Point) {
	face := basicfont.Face7x13
	y := at.Y - 5
	if y < dst.Bounds().Min.Y+face.Ascent {
		y = at.Y + face.Ascent + 2
	}
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(boxColor),
		Face: face,
		Dot:  fixed.P(at.X, y),
	}
	d.DrawString(label)
}

// Validate decodes data in full and reports any failure as model.ErrDecode.
func Validate(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", model.ErrDecode)
	}
	if _, err := (StdCodec{}).Decode(data); err != nil {
		return fmt.Errorf("%w: %v", model.ErrDecode, err)
	}
	return nil
}
