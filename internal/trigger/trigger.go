// Package trigger decides whether a frame's detections warrant a snapshot
// and writes it.
package trigger

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"camstream-go/internal/output"
	"camstream-go/internal/types"
)

// Match reports the first detection of class whose confidence is strictly
// above minConfidence.
func Match(detections []types.Detection, class string, minConfidence float64) (types.Detection, bool) {
	if class == "" {
		return types.Detection{}, false
	}
	for _, d := range detections {
		if d.Confidence > minConfidence && strings.EqualFold(d.Class, class) {
			return d, true
		}
	}
	return types.Detection{}, false
}

// FileName names a snapshot by class and capture second. Two triggers within
// the same second share a name and the later one wins.
func FileName(class string, capturedAt time.Time) string {
	return fmt.Sprintf("detected_%s_%d.jpg", sanitize(class), capturedAt.Unix())
}

type Sink struct {
	dir           string
	class         string
	minConfidence float64
	logger        *zap.Logger

	write  func(path string, data []byte) error
	failed atomic.Uint64
}

func NewSink(dir, class string, minConfidence float64, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		dir:           dir,
		class:         class,
		minConfidence: minConfidence,
		logger:        logger.Named("trigger"),
		write:         output.WriteJPEG,
	}
}

// MaybePersist writes the frame once if any detection matches. Write errors
// are logged and swallowed.
func (s *Sink) MaybePersist(detections []types.Detection, jpeg []byte, capturedAt time.Time) (string, bool) {
	d, ok := Match(detections, s.class, s.minConfidence)
	if !ok {
		return "", false
	}
	path := filepath.Join(s.dir, FileName(s.class, capturedAt))
	if err := s.write(path, jpeg); err != nil {
		if s.failed.Add(1)%100 == 1 {
			s.logger.Warn("snapshot write failed", zap.String("path", path), zap.Error(err))
		}
		return "", false
	}
	s.logger.Info("snapshot saved",
		zap.String("path", path),
		zap.String("class", d.Class),
		zap.Float64("confidence", d.Confidence),
	)
	return path, true
}

func (s *Sink) Failed() uint64 {
	return s.failed.Load()
}

func sanitize(class string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, class)
}
