package broadcast

import (
	"sync"
	"sync/atomic"
)

type State int32

const (
	Running State = iota
	StopRequested
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case StopRequested:
		return "stop-requested"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Lifecycle is the stop signal shared by the producer and every session.
// It only moves forward: running -> stop-requested -> stopped.
type Lifecycle struct {
	state    atomic.Int32
	stopping chan struct{}
	stopped  chan struct{}

	stoppingOnce sync.Once
	stoppedOnce  sync.Once
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		stopping: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

func (l *Lifecycle) Running() bool {
	return l.State() == Running
}

// RequestStop reports whether this call performed the transition.
func (l *Lifecycle) RequestStop() bool {
	if !l.state.CompareAndSwap(int32(Running), int32(StopRequested)) {
		return false
	}
	l.stoppingOnce.Do(func() { close(l.stopping) })
	return true
}

func (l *Lifecycle) MarkStopped() {
	l.state.Store(int32(Stopped))
	l.stoppingOnce.Do(func() { close(l.stopping) })
	l.stoppedOnce.Do(func() { close(l.stopped) })
}

// Stopping is closed once the state leaves running.
func (l *Lifecycle) Stopping() <-chan struct{} {
	return l.stopping
}

// Done is closed once the state reaches stopped.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.stopped
}
