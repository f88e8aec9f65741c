package events

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
	Close() error
}

type sinkWorker struct {
	sink    Sink
	ch      chan Event
	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

type SinkStats struct {
	Sent    uint64 `json:"sent_total"`
	Dropped uint64 `json:"dropped_total"`
	Failed  uint64 `json:"failed_total"`
}

// Fanout hands every event to each sink through its own bounded queue. A slow
// sink loses events; Publish never waits.
type Fanout struct {
	logger *zap.Logger
	buffer int

	mu      sync.RWMutex
	workers []*sinkWorker
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewFanout(logger *zap.Logger, buffer int) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer < 1 {
		buffer = 1
	}
	return &Fanout{logger: logger.Named("events"), buffer: buffer}
}

// Add registers a sink. Sinks must be added before Start.
func (f *Fanout) Add(sink Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started || f.closed {
		return
	}
	f.workers = append(f.workers, &sinkWorker{sink: sink, ch: make(chan Event, f.buffer)})
}

func (f *Fanout) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started || f.closed {
		return
	}
	f.started = true
	ctx, f.cancel = context.WithCancel(ctx)
	for _, w := range f.workers {
		f.wg.Add(1)
		go f.run(ctx, w)
	}
}

func (f *Fanout) run(ctx context.Context, w *sinkWorker) {
	defer f.wg.Done()
	for ev := range w.ch {
		if err := w.sink.Send(ctx, ev); err != nil {
			if w.failed.Add(1)%100 == 1 {
				f.logger.Warn("event sink failed", zap.String("sink", w.sink.Name()), zap.Error(err))
			}
			continue
		}
		w.sent.Add(1)
	}
}

func (f *Fanout) Publish(ev Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for _, w := range f.workers {
		select {
		case w.ch <- ev:
		default:
			w.dropped.Add(1)
		}
	}
}

func (f *Fanout) Stats() map[string]SinkStats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]SinkStats, len(f.workers))
	for _, w := range f.workers {
		out[w.sink.Name()] = SinkStats{
			Sent:    w.sent.Load(),
			Dropped: w.dropped.Load(),
			Failed:  w.failed.Load(),
		}
	}
	return out
}

// Close drains queued events, stops the workers and closes every sink.
func (f *Fanout) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	for _, w := range f.workers {
		close(w.ch)
	}
	started := f.started
	f.mu.Unlock()

	if started {
		f.wg.Wait()
		f.cancel()
	}
	var firstErr error
	for _, w := range f.workers {
		if err := w.sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
