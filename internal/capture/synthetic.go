package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"time"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"

	"camstream-go/internal/types"
)

// Synthetic renders a moving test pattern at a fixed rate. With Limit > 0
// the stream ends after that many frames.
type Synthetic struct {
	Width  int
	Height int
	FPS    int
	Limit  int

	interval time.Duration
	next     time.Time
	count    int
}

func NewSynthetic(width, height, fps, limit int) *Synthetic {
	return &Synthetic{Width: width, Height: height, FPS: fps, Limit: limit}
}

func (s *Synthetic) Open(context.Context) error {
	if s.Width < 1 || s.Height < 1 {
		return fmt.Errorf("invalid synthetic size %dx%d", s.Width, s.Height)
	}
	if s.FPS > 0 {
		s.interval = time.Duration(float64(time.Second) / float64(s.FPS))
	}
	s.next = time.Now()
	s.count = 0
	return nil
}

func (s *Synthetic) Read(ctx context.Context) (types.RawFrame, error) {
	if s.Limit > 0 && s.count >= s.Limit {
		return types.RawFrame{}, io.EOF
	}
	if wait := time.Until(s.next); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return types.RawFrame{}, ctx.Err()
		case <-timer.C:
		}
	}
	s.next = s.next.Add(s.interval)
	if now := time.Now(); s.next.Before(now) {
		s.next = now
	}

	now := time.Now()
	img := s.render(s.count, now)
	s.count++
	return types.RawFrame{Image: img, CapturedAt: now}, nil
}

func (s *Synthetic) Close() error { return nil }

func (s *Synthetic) render(n int, at time.Time) image.Image {
	w, h := float64(s.Width), float64(s.Height)
	dc := gg.NewContext(s.Width, s.Height)

	grad := gg.NewLinearGradient(0, 0, w, h)
	grad.AddColorStop(0, colorRGB(0.12, 0.14, 0.2))
	grad.AddColorStop(1, colorRGB(0.25, 0.28, 0.35))
	dc.SetFillStyle(grad)
	dc.DrawRectangle(0, 0, w, h)
	dc.Fill()

	// a bright disc orbiting the centre gives viewers visible motion
	phase := float64(n) / 30 * math.Pi
	cx := w/2 + math.Cos(phase)*w/4
	cy := h/2 + math.Sin(phase)*h/4
	dc.SetRGB(0.95, 0.75, 0.2)
	dc.DrawCircle(cx, cy, math.Min(w, h)/10)
	dc.Fill()

	dc.SetFontFace(basicfont.Face7x13)
	dc.SetRGB(1, 1, 1)
	dc.DrawStringAnchored(fmt.Sprintf("frame %d", n), 10, h-24, 0, 1)
	dc.DrawStringAnchored(at.Format("15:04:05.000"), 10, h-10, 0, 1)
	return dc.Image()
}

func colorRGB(r, g, b float64) color.Color {
	return color.RGBA{R: uint8(r * 255), G: uint8(g * 255), B: uint8(b * 255), A: 255}
}
