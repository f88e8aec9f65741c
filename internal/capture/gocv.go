//go:build gocv

package capture

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"camstream-go/internal/pipeline"
	"camstream-go/internal/types"
)

// GoCVSource reads through OpenCV's VideoCapture.
type GoCVSource struct {
	source string
	width  int
	height int
	logger *zap.Logger

	capture *gocv.VideoCapture
	img     gocv.Mat
	device  bool
	failed  int
}

func NewGoCVSource(source string, width, height int, logger *zap.Logger) *GoCVSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GoCVSource{source: source, width: width, height: height, logger: logger.Named("gocv")}
}

func (s *GoCVSource) Open(context.Context) error {
	var (
		capture *gocv.VideoCapture
		err     error
	)
	if id, convErr := strconv.Atoi(s.source); convErr == nil {
		capture, err = gocv.OpenVideoCapture(id)
		s.device = true
	} else {
		capture, err = gocv.OpenVideoCapture(s.source)
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", s.source, err)
	}
	if !capture.IsOpened() {
		_ = capture.Close()
		return fmt.Errorf("open %s: capture not opened", s.source)
	}
	if s.width > 0 && s.height > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(s.width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(s.height))
	}
	s.capture = capture
	s.img = gocv.NewMat()
	s.logger.Info("gocv capture opened", zap.String("source", s.source))
	return nil
}

func (s *GoCVSource) Read(ctx context.Context) (types.RawFrame, error) {
	if err := ctx.Err(); err != nil {
		return types.RawFrame{}, err
	}
	if ok := s.capture.Read(&s.img); !ok {
		s.failed++
		return types.RawFrame{}, grabFailure(s.device, s.failed)
	}
	if s.img.Empty() {
		return types.RawFrame{}, pipeline.ErrNoFrame
	}
	s.failed = 0
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, s.img)
	if err != nil {
		return types.RawFrame{}, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()
	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())
	return types.RawFrame{Data: data, CapturedAt: time.Now()}, nil
}

func (s *GoCVSource) Close() error {
	if s.capture == nil {
		return nil
	}
	err := s.capture.Close()
	_ = s.img.Close()
	s.capture = nil
	return err
}
