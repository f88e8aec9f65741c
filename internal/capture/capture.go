// Package capture provides the frame sources the producer reads from.
package capture

import (
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"camstream-go/internal/config"
	"camstream-go/internal/pipeline"
)

// DetectKind picks a source kind for an "auto" source string.
func DetectKind(source string) string {
	switch {
	case source == config.SourceSynthetic || strings.HasPrefix(source, "synthetic:"):
		return config.SourceSynthetic
	case strings.HasPrefix(source, "tcp://"), strings.HasPrefix(source, "ipc://"), strings.HasPrefix(source, "inproc://"):
		return config.SourceZMQ
	case isDeviceIndex(source), strings.HasPrefix(source, "/dev/video"):
		if runtime.GOOS == "linux" {
			return config.SourceV4L2
		}
		return config.SourceFFmpeg
	default:
		return config.SourceFFmpeg
	}
}

// DevicePath maps a numeric camera index to its video4linux node.
func DevicePath(source string) string {
	if isDeviceIndex(source) {
		return "/dev/video" + source
	}
	return source
}

func Open(cfg config.AppConfig, logger *zap.Logger) (pipeline.Source, error) {
	kind := cfg.SourceKind
	if kind == "" || kind == config.SourceAuto {
		kind = DetectKind(cfg.Source)
	}
	logger.Info("capture source selected", zap.String("source", cfg.Source), zap.String("kind", kind))

	switch kind {
	case config.SourceSynthetic:
		limit := 0
		if rest, ok := strings.CutPrefix(cfg.Source, "synthetic:"); ok {
			n, err := strconv.Atoi(rest)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid synthetic frame limit %q", rest)
			}
			limit = n
		}
		return NewSynthetic(cfg.SourceWidth, cfg.SourceHeight, cfg.SourceFPS, limit), nil
	case config.SourceZMQ:
		return NewZMQSource(cfg.Source, cfg.LogEvery, logger), nil
	case config.SourceV4L2:
		return NewV4L2Source(DevicePath(cfg.Source), cfg.SourceWidth, cfg.SourceHeight, cfg.SourceFPS, logger), nil
	case config.SourceFFmpeg:
		return NewFFmpegSource(DevicePath(cfg.Source), cfg.SourceWidth, cfg.SourceHeight, cfg.SourceFPS, logger), nil
	case config.SourceGoCV:
		return NewGoCVSource(cfg.Source, cfg.SourceWidth, cfg.SourceHeight, logger), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}
}

// maxFailedGrabs consecutive failed grabs on a file mean the stream ended.
const maxFailedGrabs = 3

// grabFailure classifies a failed grab. A live device keeps retrying; a file
// that fails maxFailedGrabs times in a row is exhausted.
func grabFailure(device bool, failed int) error {
	if !device && failed >= maxFailedGrabs {
		return io.EOF
	}
	return pipeline.ErrNoFrame
}

func isDeviceIndex(source string) bool {
	n, err := strconv.Atoi(source)
	return err == nil && n >= 0
}
