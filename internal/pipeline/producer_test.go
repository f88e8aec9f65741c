package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"camstream-go/internal/broadcast"
	"camstream-go/internal/events"
	"camstream-go/internal/types"
)

type fakeSource struct {
	frames   [][]byte
	infinite bool
	openErr  error
	readErr  func(i int) error

	mu     sync.Mutex
	i      int
	closed atomic.Bool
}

func (s *fakeSource) Open(context.Context) error { return s.openErr }

func (s *fakeSource) Read(context.Context) (types.RawFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.i
	s.i++
	if s.readErr != nil {
		if err := s.readErr(i); err != nil {
			return types.RawFrame{}, err
		}
	}
	if s.infinite {
		return types.RawFrame{Data: []byte{byte(i)}}, nil
	}
	if i >= len(s.frames) {
		return types.RawFrame{}, io.EOF
	}
	return types.RawFrame{Data: s.frames[i]}, nil
}

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

type publishRecord struct {
	frame *types.Frame
	at    time.Time
}

type recordingPublisher struct {
	mu      sync.Mutex
	records []publishRecord
}

func (p *recordingPublisher) Publish(f *types.Frame) bool {
	p.mu.Lock()
	p.records = append(p.records, publishRecord{frame: f, at: time.Now()})
	p.mu.Unlock()
	return true
}

func (p *recordingPublisher) snapshot() []publishRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishRecord(nil), p.records...)
}

type funcAnnotator func(raw types.RawFrame) (image.Image, []types.Detection, error)

func (f funcAnnotator) Annotate(_ context.Context, raw types.RawFrame, _ float64) (image.Image, []types.Detection, error) {
	return f(raw)
}

func solid() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	return img
}

func waitDone(t *testing.T, p *Producer) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("producer did not stop")
	}
}

func TestProducerPublishesInOrderThenStops(t *testing.T) {
	src := &fakeSource{frames: [][]byte{[]byte("f1"), []byte("f2"), []byte("f3")}}
	pub := &recordingPublisher{}
	lc := broadcast.NewLifecycle()
	p := New(Deps{Source: src, Publisher: pub}, Config{}, lc, nil)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, p)

	records := pub.snapshot()
	if len(records) != 3 {
		t.Fatalf("expected 3 publishes, got %d", len(records))
	}
	for i, want := range []string{"f1", "f2", "f3"} {
		if string(records[i].frame.JPEG) != want || records[i].frame.Seq != uint64(i+1) {
			t.Fatalf("publish %d: got seq=%d %q", i, records[i].frame.Seq, records[i].frame.JPEG)
		}
	}
	if p.State() != ProducerStopped || lc.State() != broadcast.Stopped {
		t.Fatalf("unexpected states: producer=%s lifecycle=%s", p.State(), lc.State())
	}
	if !errors.Is(p.Err(), ErrSourceExhausted) {
		t.Fatalf("expected exhaustion, got %v", p.Err())
	}
	if !src.closed.Load() {
		t.Fatalf("source not released")
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestProducerThrottlesPublishSpacing(t *testing.T) {
	const rate = 50.0
	interval := time.Duration(float64(time.Second) / rate)
	src := &fakeSource{infinite: true}
	pub := &recordingPublisher{}
	lc := broadcast.NewLifecycle()
	p := New(Deps{Source: src, Publisher: pub}, Config{MinInterval: interval}, lc, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.snapshot()) < 8 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	records := pub.snapshot()
	if len(records) < 8 {
		t.Fatalf("expected at least 8 publishes, got %d", len(records))
	}
	tolerance := 3 * time.Millisecond
	for i := 1; i < len(records); i++ {
		if gap := records[i].at.Sub(records[i-1].at); gap < interval-tolerance {
			t.Fatalf("publish %d came %v after the previous one, limit %v", i, gap, interval)
		}
	}
	if fps := p.Stats().FPS; fps <= 0 || fps > rate*1.2 {
		t.Fatalf("smoothed fps out of range: %v", fps)
	}
}

func TestStopRequestAllowsAtMostOneMorePublish(t *testing.T) {
	src := &fakeSource{infinite: true}
	pub := &recordingPublisher{}
	lc := broadcast.NewLifecycle()
	p := New(Deps{Source: src, Publisher: pub}, Config{MinInterval: 2 * time.Millisecond}, lc, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for len(pub.snapshot()) < 3 {
		time.Sleep(time.Millisecond)
	}

	lc.RequestStop()
	before := len(pub.snapshot())
	waitDone(t, p)
	if after := len(pub.snapshot()); after > before+1 {
		t.Fatalf("producer published %d frames after the stop request", after-before)
	}
	if p.Err() != nil {
		t.Fatalf("requested stop reported an error: %v", p.Err())
	}
	if lc.State() != broadcast.Stopped || !src.closed.Load() {
		t.Fatalf("producer did not drain: lifecycle=%s closed=%v", lc.State(), src.closed.Load())
	}
}

// idleSource never yields a frame; Read returns only when ctx ends, the way
// the zmq source loops over receive timeouts.
type idleSource struct {
	closed atomic.Bool
}

func (s *idleSource) Open(context.Context) error { return nil }

func (s *idleSource) Read(ctx context.Context) (types.RawFrame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return types.RawFrame{}, err
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (s *idleSource) Close() error {
	s.closed.Store(true)
	return nil
}

func TestStopReleasesIdleSource(t *testing.T) {
	src := &idleSource{}
	lc := broadcast.NewLifecycle()
	p := New(Deps{Source: src, Publisher: &recordingPublisher{}}, Config{}, lc, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("stop took %v against an idle source", elapsed)
	}
	if p.State() != ProducerStopped || lc.State() != broadcast.Stopped {
		t.Fatalf("unexpected states: producer=%s lifecycle=%s", p.State(), lc.State())
	}
	if !src.closed.Load() {
		t.Fatalf("source not released")
	}
	if p.Err() != nil {
		t.Fatalf("requested stop reported an error: %v", p.Err())
	}
}

func TestEmptyReadBackoffDefault(t *testing.T) {
	p := New(Deps{Source: &idleSource{}, Publisher: &recordingPublisher{}}, Config{}, broadcast.NewLifecycle(), nil)
	if p.cfg.EmptyReadBackoff != 50*time.Millisecond {
		t.Fatalf("unexpected default backoff %v", p.cfg.EmptyReadBackoff)
	}
}

func TestSourceUnavailableStopsImmediately(t *testing.T) {
	src := &fakeSource{openErr: errors.New("no such device")}
	lc := broadcast.NewLifecycle()
	p := New(Deps{Source: src, Publisher: &recordingPublisher{}}, Config{}, lc, nil)

	err := p.Start(context.Background())
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	waitDone(t, p)
	if lc.State() != broadcast.Stopped {
		t.Fatalf("lifecycle not stopped: %s", lc.State())
	}
}

func TestAnnotationAndEncodeFailuresSkipFrames(t *testing.T) {
	src := &fakeSource{frames: [][]byte{{1}, {2}, {3}, {4}}}
	pub := &recordingPublisher{}
	ann := funcAnnotator(func(raw types.RawFrame) (image.Image, []types.Detection, error) {
		switch raw.Data[0] {
		case 2:
			return nil, nil, errors.New("model crashed on this frame")
		case 3:
			// nil image fails to encode
			return nil, nil, nil
		}
		return solid(), nil, nil
	})
	p := New(Deps{Source: src, Annotator: ann, Publisher: pub}, Config{}, broadcast.NewLifecycle(), nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, p)

	records := pub.snapshot()
	if len(records) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(records))
	}
	if records[0].frame.Seq != 1 || records[1].frame.Seq != 2 {
		t.Fatalf("sequence numbers not contiguous: %d %d", records[0].frame.Seq, records[1].frame.Seq)
	}
	if records[0].frame.JPEG[0] != 0xFF || records[0].frame.JPEG[1] != 0xD8 {
		t.Fatalf("annotated frame was not JPEG encoded")
	}
	stats := p.Stats()
	if stats.AnnotateErrors != 1 || stats.EncodeErrors != 1 || stats.Read != 4 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestEmptyReadsAreBounded(t *testing.T) {
	src := &fakeSource{infinite: true, readErr: func(int) error { return ErrNoFrame }}
	p := New(Deps{Source: src, Publisher: &recordingPublisher{}}, Config{MaxEmptyReads: 5, EmptyReadBackoff: time.Millisecond}, broadcast.NewLifecycle(), nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, p)
	if !errors.Is(p.Err(), ErrSourceExhausted) {
		t.Fatalf("expected exhaustion, got %v", p.Err())
	}
	if got := p.Stats().EmptyReads; got != 5 {
		t.Fatalf("expected 5 empty reads, got %d", got)
	}
}

func TestReadErrorDrains(t *testing.T) {
	src := &fakeSource{infinite: true, readErr: func(i int) error {
		if i == 2 {
			return errors.New("device unplugged")
		}
		return nil
	}}
	pub := &recordingPublisher{}
	p := New(Deps{Source: src, Publisher: pub}, Config{}, broadcast.NewLifecycle(), nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, p)
	if !errors.Is(p.Err(), ErrSourceExhausted) || !strings.Contains(p.Err().Error(), "unplugged") {
		t.Fatalf("unexpected error: %v", p.Err())
	}
	if len(pub.snapshot()) != 2 {
		t.Fatalf("expected 2 publishes before the failure")
	}
}

func TestPanicInAnnotatorIsTerminal(t *testing.T) {
	src := &fakeSource{infinite: true}
	ann := funcAnnotator(func(types.RawFrame) (image.Image, []types.Detection, error) {
		panic("index out of range")
	})
	lc := broadcast.NewLifecycle()
	p := New(Deps{Source: src, Annotator: ann, Publisher: &recordingPublisher{}}, Config{}, lc, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, p)
	if p.Err() == nil || !strings.Contains(p.Err().Error(), "panic") {
		t.Fatalf("expected panic error, got %v", p.Err())
	}
	if !src.closed.Load() || lc.State() != broadcast.Stopped {
		t.Fatalf("producer did not drain after panic")
	}
}

type fakeTrigger struct{ calls int }

func (f *fakeTrigger) MaybePersist(dets []types.Detection, jpeg []byte, _ time.Time) (string, bool) {
	f.calls++
	if dets[0].Confidence > 0.6 {
		return "detections/detected_cup_1.jpg", true
	}
	return "", false
}

type eventRecorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *eventRecorder) Publish(ev events.Event) {
	r.mu.Lock()
	r.got = append(r.got, ev)
	r.mu.Unlock()
}

func TestTriggerAndEventsPerFrame(t *testing.T) {
	src := &fakeSource{frames: [][]byte{{1}, {2}, {3}}}
	confidences := map[byte]float64{1: 0.9, 2: 0.5}
	ann := funcAnnotator(func(raw types.RawFrame) (image.Image, []types.Detection, error) {
		c, ok := confidences[raw.Data[0]]
		if !ok {
			return solid(), nil, nil
		}
		return solid(), []types.Detection{{Class: "cup", Confidence: c}}, nil
	})
	trig := &fakeTrigger{}
	rec := &eventRecorder{}
	p := New(Deps{Source: src, Annotator: ann, Publisher: &recordingPublisher{}, Trigger: trig, Events: rec}, Config{}, broadcast.NewLifecycle(), nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, p)

	if trig.calls != 2 {
		t.Fatalf("trigger consulted %d times, want 2", trig.calls)
	}
	if p.Stats().Triggers != 1 {
		t.Fatalf("expected one trigger, got %d", p.Stats().Triggers)
	}
	var kinds []events.Type
	for _, ev := range rec.got {
		kinds = append(kinds, ev.Type)
	}
	want := []events.Type{events.TypeDetection, events.TypeTrigger, events.TypeDetection}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected events: %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("unexpected events: %v", kinds)
		}
	}
	if rec.got[1].Path == "" || rec.got[1].Seq != 1 {
		t.Fatalf("trigger event missing path or seq: %+v", rec.got[1])
	}
}

func TestRateStateSmoothing(t *testing.T) {
	r := NewRateState(100 * time.Millisecond)
	t0 := time.Unix(1000, 0)
	if r.Remaining(t0) != 0 {
		t.Fatalf("first emit must not wait")
	}
	r.Observe(t0)
	if got := r.Remaining(t0.Add(30 * time.Millisecond)); got != 70*time.Millisecond {
		t.Fatalf("unexpected remaining budget: %v", got)
	}
	if got := r.Remaining(t0.Add(time.Second)); got != 0 {
		t.Fatalf("budget must not go negative: %v", got)
	}
	r.Observe(t0.Add(100 * time.Millisecond))
	if math.Abs(r.FPS()-10) > 1e-9 {
		t.Fatalf("first sample should seed the average: %v", r.FPS())
	}
	r.Observe(t0.Add(150 * time.Millisecond))
	if math.Abs(r.FPS()-12) > 1e-9 {
		t.Fatalf("expected 0.2*20 + 0.8*10 = 12, got %v", r.FPS())
	}
}
