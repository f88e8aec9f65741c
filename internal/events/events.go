// Package events distributes per-frame detection and trigger notifications
// to optional sinks without ever blocking the producer.
package events

import (
	"time"

	"github.com/google/uuid"

	"camstream-go/internal/types"
)

type Type string

const (
	TypeDetection Type = "detection"
	TypeTrigger   Type = "trigger"
)

type Event struct {
	ID         string            `json:"id" cbor:"id"`
	Type       Type              `json:"type" cbor:"type"`
	Seq        uint64            `json:"seq" cbor:"seq"`
	Timestamp  time.Time         `json:"timestamp" cbor:"timestamp"`
	FPS        float64           `json:"fps,omitempty" cbor:"fps,omitempty"`
	Detections []types.Detection `json:"detections" cbor:"detections"`
	Path       string            `json:"path,omitempty" cbor:"path,omitempty"`
}

func New(typ Type, seq uint64, at time.Time, detections []types.Detection) Event {
	dets := make([]types.Detection, len(detections))
	copy(dets, detections)
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Seq:        seq,
		Timestamp:  at,
		Detections: dets,
	}
}
