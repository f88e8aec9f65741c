package annotate

import (
	"fmt"
	"image"
	"image/color"
	"os"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"

	"camstream-go/internal/types"
)

var (
	boxColor   = color.RGBA{R: 0x20, G: 0xE0, B: 0x40, A: 0xFF}
	labelColor = color.RGBA{A: 0xFF}
	badgeColor = color.RGBA{A: 0xA0}
)

// Overlay draws detection boxes, labels and the FPS badge onto frames.
type Overlay struct {
	face    font.Face
	drawFPS bool
}

// NewOverlay loads a TTF face from fontPath, or falls back to the built-in
// bitmap face when fontPath is empty.
func NewOverlay(fontPath string, drawFPS bool) (*Overlay, error) {
	o := &Overlay{face: basicfont.Face7x13, drawFPS: drawFPS}
	if fontPath == "" {
		return o, nil
	}
	data, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("read font: %w", err)
	}
	f, err := truetype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	o.face = truetype.NewFace(f, &truetype.Options{Size: 16})
	return o, nil
}

// Draw returns a copy of img with the overlay applied. img is left untouched.
func (o *Overlay) Draw(img image.Image, detections []types.Detection, fps float64) image.Image {
	if len(detections) == 0 && !o.drawFPS {
		return img
	}
	dc := gg.NewContextForImage(img)
	dc.SetFontFace(o.face)

	for _, d := range detections {
		x1, y1, x2, y2 := d.Box[0], d.Box[1], d.Box[2], d.Box[3]
		dc.SetColor(boxColor)
		dc.SetLineWidth(2)
		dc.DrawRectangle(x1, y1, x2-x1, y2-y1)
		dc.Stroke()

		label := fmt.Sprintf("%s %.2f", d.Class, d.Confidence)
		w, h := dc.MeasureString(label)
		top := y1 - h - 6
		if top < 0 {
			top = y1
		}
		dc.DrawRectangle(x1, top, w+8, h+6)
		dc.Fill()
		dc.SetColor(labelColor)
		dc.DrawStringAnchored(label, x1+4, top+3, 0, 1)
	}

	if o.drawFPS {
		text := fmt.Sprintf("FPS: %.1f", fps)
		w, h := dc.MeasureString(text)
		dc.SetColor(badgeColor)
		dc.DrawRoundedRectangle(8, 8, w+16, h+12, 4)
		dc.Fill()
		dc.SetColor(boxColor)
		dc.DrawStringAnchored(text, 16, 14, 0, 1)
	}
	return dc.Image()
}
