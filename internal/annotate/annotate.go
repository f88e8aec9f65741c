// Package annotate runs the optional detector on each frame and draws the
// results.
package annotate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
	"time"

	"go.uber.org/zap"

	"camstream-go/internal/types"
)

// Detector finds objects in a picture. Boxes are x1, y1, x2, y2 in pixels.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]types.Detection, error)
	Close() error
}

// Annotator decodes a raw frame, runs the detector and draws the overlay.
type Annotator struct {
	detector Detector
	overlay  *Overlay
	timeout  time.Duration
}

// New builds an Annotator. detector may be nil for an overlay-only pipeline.
func New(detector Detector, overlay *Overlay, timeout time.Duration) *Annotator {
	return &Annotator{detector: detector, overlay: overlay, timeout: timeout}
}

func (a *Annotator) Annotate(ctx context.Context, raw types.RawFrame, fps float64) (image.Image, []types.Detection, error) {
	img := raw.Image
	if img == nil {
		if len(raw.Data) == 0 {
			return nil, nil, errors.New("empty frame")
		}
		decoded, err := jpeg.Decode(bytes.NewReader(raw.Data))
		if err != nil {
			return nil, nil, fmt.Errorf("decode frame: %w", err)
		}
		img = decoded
	}

	var detections []types.Detection
	if a.detector != nil {
		dctx := ctx
		if a.timeout > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(ctx, a.timeout)
			defer cancel()
		}
		dets, err := a.detector.Detect(dctx, img)
		if err != nil {
			return nil, nil, fmt.Errorf("detect: %w", err)
		}
		detections = dets
	}

	if a.overlay != nil {
		img = a.overlay.Draw(img, detections, fps)
	}
	return img, detections, nil
}

func (a *Annotator) Close() error {
	if a.detector == nil {
		return nil
	}
	return a.detector.Close()
}

// NewDetector resolves a model reference: "" means no detector, ws:// or
// wss:// a remote detection server, *.onnx a local YOLO model.
func NewDetector(ref, classesPath string, logger *zap.Logger) (Detector, error) {
	switch {
	case ref == "":
		return nil, nil
	case strings.HasPrefix(ref, "ws://"), strings.HasPrefix(ref, "wss://"):
		return NewRemoteDetector(ref, logger), nil
	case strings.HasSuffix(strings.ToLower(ref), ".onnx"):
		classes, err := LoadClasses(classesPath)
		if err != nil {
			return nil, err
		}
		yolo, err := NewYOLO(ref, classes, logger)
		if err != nil {
			return nil, err
		}
		return yolo, nil
	default:
		return nil, fmt.Errorf("unsupported model reference %q", ref)
	}
}
