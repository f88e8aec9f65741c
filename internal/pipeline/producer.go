// Package pipeline runs the single producer that reads, annotates, throttles,
// encodes and publishes frames.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"camstream-go/internal/broadcast"
	"camstream-go/internal/events"
	"camstream-go/internal/logging"
	"camstream-go/internal/types"
)

var (
	// ErrNoFrame is returned by a Source for an empty read that is not the end
	// of the stream.
	ErrNoFrame           = errors.New("no frame available")
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrSourceExhausted   = errors.New("source exhausted")
	ErrStopTimeout       = errors.New("producer did not stop in time")
	ErrAlreadyStarted    = errors.New("producer already started")
)

// Source yields raw frames. Read returns io.EOF at the end of the stream and
// ErrNoFrame for an empty read.
type Source interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (types.RawFrame, error)
	Close() error
}

// Annotator turns a raw frame into the picture to publish plus the
// detections found in it. fps is the current smoothed publish rate.
type Annotator interface {
	Annotate(ctx context.Context, frame types.RawFrame, fps float64) (image.Image, []types.Detection, error)
}

type Publisher interface {
	Publish(frame *types.Frame) bool
}

// Trigger persists the encoded frame when the detections match and returns
// where it was written.
type Trigger interface {
	MaybePersist(detections []types.Detection, jpeg []byte, capturedAt time.Time) (string, bool)
}

type EventPublisher interface {
	Publish(ev events.Event)
}

type ProducerState int32

const (
	Idle ProducerState = iota
	ProducerRunning
	Draining
	ProducerStopped
)

func (s ProducerState) String() string {
	switch s {
	case Idle:
		return "idle"
	case ProducerRunning:
		return "running"
	case Draining:
		return "draining"
	case ProducerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const DefaultEmptyReadBackoff = 50 * time.Millisecond

type Config struct {
	// MinInterval is the lower bound on publish spacing; zero disables it.
	MinInterval time.Duration
	// MaxEmptyReads consecutive ErrNoFrame reads count as exhaustion.
	MaxEmptyReads int
	// EmptyReadBackoff is the pause after an empty read; default 50ms.
	EmptyReadBackoff time.Duration
	LogEvery         int
}

// Deps are the collaborators of a Producer. Annotator, Trigger and Events are
// optional; without an Annotator the source bytes are published unchanged.
type Deps struct {
	Source    Source
	Annotator Annotator
	Encoder   Encoder
	Publisher Publisher
	Trigger   Trigger
	Events    EventPublisher
}

type Stats struct {
	State          string  `json:"state"`
	FPS            float64 `json:"fps"`
	Read           uint64  `json:"read_total"`
	Published      uint64  `json:"published_total"`
	AnnotateErrors uint64  `json:"annotate_errors_total"`
	EncodeErrors   uint64  `json:"encode_errors_total"`
	Triggers       uint64  `json:"triggers_total"`
	EmptyReads     uint64  `json:"empty_reads_total"`
}

type Producer struct {
	deps   Deps
	cfg    Config
	lc     *broadcast.Lifecycle
	logger *zap.Logger

	annotateLog *logging.EveryN
	encodeLog   *logging.EveryN

	state   atomic.Int32
	started atomic.Bool
	fpsBits atomic.Uint64

	read           atomic.Uint64
	published      atomic.Uint64
	annotateErrors atomic.Uint64
	encodeErrors   atomic.Uint64
	triggers       atomic.Uint64
	emptyReads     atomic.Uint64

	done  chan struct{}
	errMu sync.Mutex
	err   error
	seq   uint64
	rate  *RateState
}

func New(deps Deps, cfg Config, lc *broadcast.Lifecycle, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Encoder == nil {
		deps.Encoder = JPEGEncoder{}
	}
	if cfg.MaxEmptyReads < 1 {
		cfg.MaxEmptyReads = 100
	}
	if cfg.EmptyReadBackoff <= 0 {
		cfg.EmptyReadBackoff = DefaultEmptyReadBackoff
	}
	return &Producer{
		deps:        deps,
		cfg:         cfg,
		lc:          lc,
		logger:      logger.Named("producer"),
		annotateLog: logging.NewEveryN(cfg.LogEvery),
		encodeLog:   logging.NewEveryN(cfg.LogEvery),
		done:        make(chan struct{}),
		rate:        NewRateState(cfg.MinInterval),
	}
}

// Start opens the source and launches the loop. A source that cannot be
// opened leaves the producer and the lifecycle stopped.
func (p *Producer) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := p.deps.Source.Open(ctx); err != nil {
		err = fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		p.setErr(err)
		p.state.Store(int32(ProducerStopped))
		p.lc.MarkStopped()
		close(p.done)
		return err
	}
	p.state.Store(int32(ProducerRunning))
	p.logger.Info("producer started", zap.Duration("min_interval", p.cfg.MinInterval))
	go p.run(ctx)
	return nil
}

// Stop requests a stop and waits for the loop to release the source, bounded
// by ctx.
func (p *Producer) Stop(ctx context.Context) error {
	p.lc.RequestStop()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrStopTimeout, ctx.Err())
	}
}

// Done is closed once the producer has stopped and released its source.
func (p *Producer) Done() <-chan struct{} {
	return p.done
}

// Err is the reason the loop ended; nil after a requested stop.
func (p *Producer) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

func (p *Producer) State() ProducerState {
	return ProducerState(p.state.Load())
}

func (p *Producer) Stats() Stats {
	return Stats{
		State:          p.State().String(),
		FPS:            math.Float64frombits(p.fpsBits.Load()),
		Read:           p.read.Load(),
		Published:      p.published.Load(),
		AnnotateErrors: p.annotateErrors.Load(),
		EncodeErrors:   p.encodeErrors.Load(),
		Triggers:       p.triggers.Load(),
		EmptyReads:     p.emptyReads.Load(),
	}
}

func (p *Producer) setErr(err error) {
	p.errMu.Lock()
	p.err = err
	p.errMu.Unlock()
}

func (p *Producer) run(ctx context.Context) {
	defer close(p.done)

	// A stop request cancels blocking reads so an idle source cannot hold the
	// loop past the request.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.lc.Stopping():
			cancel()
		case <-ctx.Done():
		}
	}()

	err := p.guardedLoop(ctx)
	if err != nil {
		p.setErr(err)
		p.logger.Warn("producer loop ended", zap.Error(err))
	}

	p.state.Store(int32(Draining))
	if cerr := p.deps.Source.Close(); cerr != nil {
		p.logger.Warn("close source", zap.Error(cerr))
	}
	p.state.Store(int32(ProducerStopped))
	p.lc.MarkStopped()
	p.logger.Info("producer stopped",
		zap.Uint64("published", p.published.Load()),
		zap.Uint64("read", p.read.Load()),
	)
}

// guardedLoop turns a panic in a collaborator into a terminal error.
func (p *Producer) guardedLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("producer panic: %v", r)
		}
	}()
	return p.loop(ctx)
}

func (p *Producer) loop(ctx context.Context) error {
	empty := 0
	for {
		if !p.lc.Running() || ctx.Err() != nil {
			return nil
		}

		raw, err := p.deps.Source.Read(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrNoFrame):
			empty++
			p.emptyReads.Add(1)
			if empty >= p.cfg.MaxEmptyReads {
				return fmt.Errorf("%w: %d consecutive empty reads", ErrSourceExhausted, empty)
			}
			p.sleep(ctx, p.cfg.EmptyReadBackoff)
			continue
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w: end of stream", ErrSourceExhausted)
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("%w: %w", ErrSourceExhausted, err)
		}
		empty = 0
		p.read.Add(1)
		if raw.CapturedAt.IsZero() {
			raw.CapturedAt = time.Now()
		}

		img, detections, err := p.annotate(ctx, raw)
		if err != nil {
			n := p.annotateErrors.Add(1)
			if p.annotateLog.Allow() {
				p.logger.Warn("annotation failed, frame skipped", zap.Error(err), zap.Uint64("count", n))
			}
			continue
		}

		if !p.throttle(ctx) {
			return nil
		}
		now := time.Now()
		p.rate.Observe(now)
		fps := p.rate.FPS()
		p.fpsBits.Store(math.Float64bits(fps))

		data, err := p.encode(raw, img)
		if err != nil {
			n := p.encodeErrors.Add(1)
			if p.encodeLog.Allow() {
				p.logger.Warn("encode failed, frame dropped", zap.Error(err), zap.Uint64("count", n))
			}
			continue
		}

		p.seq++
		var triggered string
		if p.deps.Trigger != nil && len(detections) > 0 {
			if path, ok := p.deps.Trigger.MaybePersist(detections, data, raw.CapturedAt); ok {
				p.triggers.Add(1)
				triggered = path
			}
		}

		frame := &types.Frame{Seq: p.seq, CapturedAt: raw.CapturedAt, JPEG: data}
		if p.deps.Publisher.Publish(frame) {
			p.published.Add(1)
		}
		p.emit(frame, fps, detections, triggered)

		if p.lc.State() != broadcast.Running {
			return nil
		}
	}
}

func (p *Producer) annotate(ctx context.Context, raw types.RawFrame) (image.Image, []types.Detection, error) {
	if p.deps.Annotator == nil {
		return raw.Image, nil, nil
	}
	return p.deps.Annotator.Annotate(ctx, raw, p.rate.FPS())
}

// encode reuses the source bytes when nothing was drawn on the frame.
func (p *Producer) encode(raw types.RawFrame, img image.Image) ([]byte, error) {
	if p.deps.Annotator == nil && len(raw.Data) > 0 {
		return raw.Data, nil
	}
	return p.deps.Encoder.Encode(img)
}

func (p *Producer) emit(frame *types.Frame, fps float64, detections []types.Detection, triggered string) {
	if p.deps.Events == nil {
		return
	}
	if len(detections) > 0 {
		ev := events.New(events.TypeDetection, frame.Seq, frame.CapturedAt, detections)
		ev.FPS = fps
		p.deps.Events.Publish(ev)
	}
	if triggered != "" {
		ev := events.New(events.TypeTrigger, frame.Seq, frame.CapturedAt, detections)
		ev.Path = triggered
		p.deps.Events.Publish(ev)
	}
}

// throttle sleeps out the remaining emit budget. It reports false when a stop
// or cancellation interrupted the wait.
func (p *Producer) throttle(ctx context.Context) bool {
	wait := p.rate.Remaining(time.Now())
	if wait <= 0 {
		return true
	}
	return p.sleep(ctx, wait)
}

func (p *Producer) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-p.lc.Stopping():
		return false
	}
}
