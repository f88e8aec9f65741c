package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"camstream-go/internal/types"
)

const (
	DefaultPollInterval = 10 * time.Millisecond
	DefaultIdleInterval = 50 * time.Millisecond
)

// FrameWriter emits one frame to a viewer, e.g. as one multipart part.
type FrameWriter interface {
	WriteFrame(frame *types.Frame) error
}

type SessionConfig struct {
	PollInterval time.Duration
	IdleInterval time.Duration
	// Dedupe skips frames the viewer has already been sent.
	Dedupe bool
	// Internal sessions, such as the frame mirror, are not counted as viewers.
	Internal bool
}

// Session is one viewer reading the latest frame at its own cadence.
type Session struct {
	ID string

	b      *Broadcaster
	lc     *Lifecycle
	cfg    SessionConfig
	logger *zap.Logger

	sent    uint64
	lastSeq uint64
}

func NewSession(b *Broadcaster, lc *Lifecycle, cfg SessionConfig, logger *zap.Logger) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Session{
		ID:     id,
		b:      b,
		lc:     lc,
		cfg:    cfg,
		logger: logger.With(zap.String("session", id)),
	}
}

// Run emits frames until the lifecycle leaves running (nil), ctx is cancelled
// (ctx.Err()) or a write fails. It never blocks the producer.
func (s *Session) Run(ctx context.Context, w FrameWriter) error {
	if !s.cfg.Internal {
		s.b.sessions.Add(1)
		defer s.b.sessions.Add(-1)
	}
	s.logger.Debug("session started")

	err := s.loop(ctx, w)
	s.logger.Debug("session ended", zap.Uint64("sent", s.sent), zap.Uint64("last_seq", s.lastSeq), zap.Error(err))
	return err
}

func (s *Session) loop(ctx context.Context, w FrameWriter) error {
	for {
		if !s.lc.Running() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		// Take the wake channel before reading so a publish in between is not missed.
		updated := s.b.Updated()
		frame, ok := s.b.Latest()
		if !ok || (s.cfg.Dedupe && frame.Seq == s.lastSeq) {
			s.wait(ctx, s.cfg.IdleInterval, updated)
			continue
		}

		if err := w.WriteFrame(frame); err != nil {
			return fmt.Errorf("write frame %d: %w", frame.Seq, err)
		}
		s.sent++
		s.lastSeq = frame.Seq

		s.wait(ctx, s.cfg.PollInterval, nil)
	}
}

func (s *Session) wait(ctx context.Context, d time.Duration, updated <-chan struct{}) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-s.lc.Stopping():
	case <-updated:
	case <-timer.C:
	}
}
