package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/zap"

	"camstream-go/internal/types"
)

// FFmpegSource decodes any ffmpeg input (file, rtsp://, http://, device)
// into an MJPEG pipe and splits it into frames.
type FFmpegSource struct {
	input   string
	width   int
	height  int
	fps     int
	quality int
	logger  *zap.Logger

	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout io.ReadCloser
	frames chan []byte
	errc   chan error
}

func NewFFmpegSource(input string, width, height, fps int, logger *zap.Logger) *FFmpegSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpegSource{
		input:   input,
		width:   width,
		height:  height,
		fps:     fps,
		quality: 5,
		logger:  logger.Named("ffmpeg"),
	}
}

func (s *FFmpegSource) args() []string {
	inKw := ffmpeg.KwArgs{}
	if strings.HasPrefix(s.input, "rtsp://") {
		inKw["rtsp_transport"] = "tcp"
	}
	if strings.HasPrefix(s.input, "/dev/video") {
		inKw["f"] = "v4l2"
	}
	outKw := ffmpeg.KwArgs{
		"f":        "mjpeg",
		"q:v":      s.quality,
		"loglevel": "error",
	}
	if s.width > 0 && s.height > 0 {
		outKw["s"] = fmt.Sprintf("%dx%d", s.width, s.height)
	}
	if s.fps > 0 {
		outKw["r"] = s.fps
	}
	return ffmpeg.Input(s.input, inKw).Output("pipe:", outKw).Compile().Args
}

func (s *FFmpegSource) Open(ctx context.Context) error {
	args := s.args()
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	s.cmd = cmd
	s.cancel = cancel
	s.stdout = stdout
	s.frames = make(chan []byte, 2)
	s.errc = make(chan error, 1)
	s.logger.Info("ffmpeg started", zap.String("input", s.input), zap.Strings("args", args[1:]))

	go s.pump()
	return nil
}

// pump splits stdout into frames. The frames channel closes at end of stream.
func (s *FFmpegSource) pump() {
	defer close(s.frames)
	sc := newJPEGScanner(bufio.NewReaderSize(s.stdout, 256*1024))
	for sc.Scan() {
		frame := make([]byte, len(sc.Bytes()))
		copy(frame, sc.Bytes())
		s.frames <- frame
	}
	if err := sc.Err(); err != nil {
		s.errc <- err
	}
}

// drain discards frames until pump has finished reading stdout. Wait closes
// the pipe, so it must not run before this returns.
func (s *FFmpegSource) drain() {
	for range s.frames {
	}
}

func (s *FFmpegSource) Read(ctx context.Context) (types.RawFrame, error) {
	select {
	case <-ctx.Done():
		return types.RawFrame{}, ctx.Err()
	case frame, ok := <-s.frames:
		if !ok {
			select {
			case err := <-s.errc:
				return types.RawFrame{}, fmt.Errorf("ffmpeg stream: %w", err)
			default:
				return types.RawFrame{}, io.EOF
			}
		}
		return types.RawFrame{Data: frame, CapturedAt: time.Now()}, nil
	}
}

func (s *FFmpegSource) Close() error {
	if s.cmd == nil {
		return nil
	}
	s.cancel()
	s.drain()
	err := s.cmd.Wait()
	s.cmd = nil
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
