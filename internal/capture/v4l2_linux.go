//go:build linux

package capture

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
	"go.uber.org/zap"

	"camstream-go/internal/pipeline"
	"camstream-go/internal/types"
)

// V4L2Source captures MJPEG directly from a video4linux device.
type V4L2Source struct {
	path   string
	width  int
	height int
	fps    int
	logger *zap.Logger

	dev    *device.Device
	cancel context.CancelFunc
	frames <-chan []byte
}

func NewV4L2Source(path string, width, height, fps int, logger *zap.Logger) *V4L2Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &V4L2Source{path: path, width: width, height: height, fps: fps, logger: logger.Named("v4l2")}
}

func (s *V4L2Source) Open(ctx context.Context) error {
	dev, err := device.Open(
		s.path,
		device.WithBufferSize(2),
		device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: v4l2.PixelFmtMJPEG,
			Width:       uint32(s.width),
			Height:      uint32(s.height),
		}),
		device.WithFPS(uint32(s.fps)),
	)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	if err := dev.Start(ctx); err != nil {
		cancel()
		_ = dev.Close()
		return fmt.Errorf("start %s: %w", s.path, err)
	}
	s.dev = dev
	s.cancel = cancel
	s.frames = dev.GetOutput()

	if pix, err := dev.GetPixFormat(); err == nil {
		s.logger.Info("v4l2 capture started",
			zap.String("device", s.path),
			zap.Uint32("width", pix.Width),
			zap.Uint32("height", pix.Height),
		)
	}
	return nil
}

func (s *V4L2Source) Read(ctx context.Context) (types.RawFrame, error) {
	select {
	case <-ctx.Done():
		return types.RawFrame{}, ctx.Err()
	case frame, ok := <-s.frames:
		if !ok {
			return types.RawFrame{}, io.EOF
		}
		if len(frame) == 0 {
			return types.RawFrame{}, pipeline.ErrNoFrame
		}
		// the device reuses its buffers
		data := make([]byte, len(frame))
		copy(data, frame)
		return types.RawFrame{Data: data, CapturedAt: time.Now()}, nil
	}
}

func (s *V4L2Source) Close() error {
	if s.dev == nil {
		return nil
	}
	s.cancel()
	err := s.dev.Close()
	s.dev = nil
	return err
}
