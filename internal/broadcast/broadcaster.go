// Package broadcast holds the latest-frame slot shared between the producer
// and every viewer, the lifecycle signal they all observe, and the per-viewer
// session loop.
package broadcast

import (
	"sync"
	"sync/atomic"

	"camstream-go/internal/types"
)

// Broadcaster owns the single latest-frame slot. Publish swaps a pointer under
// the lock; frames are immutable once published so readers share them freely.
type Broadcaster struct {
	mu      sync.Mutex
	latest  *types.Frame
	updated chan struct{}

	published atomic.Uint64
	rejected  atomic.Uint64
	reads     atomic.Uint64
	sessions  atomic.Int64
}

type Stats struct {
	Published      uint64 `json:"published_total"`
	Rejected       uint64 `json:"rejected_total"`
	Reads          uint64 `json:"reads_total"`
	LatestSeq      uint64 `json:"latest_seq"`
	ActiveSessions int64  `json:"active_sessions"`
}

func New() *Broadcaster {
	return &Broadcaster{updated: make(chan struct{})}
}

// Publish replaces the slot contents and wakes anyone waiting on Updated.
// Frames whose sequence number does not advance are rejected so readers only
// ever move forward.
func (b *Broadcaster) Publish(frame *types.Frame) bool {
	if frame == nil {
		return false
	}
	b.mu.Lock()
	if b.latest != nil && frame.Seq <= b.latest.Seq {
		b.mu.Unlock()
		b.rejected.Add(1)
		return false
	}
	b.latest = frame
	wake := b.updated
	b.updated = make(chan struct{})
	b.mu.Unlock()

	close(wake)
	b.published.Add(1)
	return true
}

// Latest returns the most recently published frame, or false before the
// first publish.
func (b *Broadcaster) Latest() (*types.Frame, bool) {
	b.mu.Lock()
	frame := b.latest
	b.mu.Unlock()
	b.reads.Add(1)
	return frame, frame != nil
}

// Updated returns a channel that is closed by the next successful Publish.
func (b *Broadcaster) Updated() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updated
}

func (b *Broadcaster) Stats() Stats {
	stats := Stats{
		Published:      b.published.Load(),
		Rejected:       b.rejected.Load(),
		Reads:          b.reads.Load(),
		ActiveSessions: b.sessions.Load(),
	}
	b.mu.Lock()
	if b.latest != nil {
		stats.LatestSeq = b.latest.Seq
	}
	b.mu.Unlock()
	return stats
}
