package pipeline

import "time"

// emaAlpha weights the newest instantaneous rate.
const emaAlpha = 0.2

// RateState tracks the last emit time and a smoothed frame rate. It belongs
// to the producer goroutine and is not safe for concurrent use.
type RateState struct {
	minInterval time.Duration
	last        time.Time
	fps         float64
}

func NewRateState(minInterval time.Duration) *RateState {
	return &RateState{minInterval: minInterval}
}

// Remaining is how long to wait at now before the next emit is allowed.
func (r *RateState) Remaining(now time.Time) time.Duration {
	if r.minInterval <= 0 || r.last.IsZero() {
		return 0
	}
	wait := r.minInterval - now.Sub(r.last)
	if wait < 0 {
		return 0
	}
	return wait
}

// Observe records an emit at now and folds the instantaneous rate into the
// average. The first measured rate seeds it.
func (r *RateState) Observe(now time.Time) {
	if !r.last.IsZero() {
		if dt := now.Sub(r.last).Seconds(); dt > 0 {
			inst := 1 / dt
			if r.fps == 0 {
				r.fps = inst
			} else {
				r.fps = emaAlpha*inst + (1-emaAlpha)*r.fps
			}
		}
	}
	r.last = now
}

func (r *RateState) FPS() float64 {
	return r.fps
}
