package events

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"camstream-go/internal/output"
)

// ChannelSink forwards events to a channel, e.g. the websocket broadcaster.
type ChannelSink struct {
	name string
	out  chan<- any
}

func NewChannelSink(name string, out chan<- any) *ChannelSink {
	return &ChannelSink{name: name, out: out}
}

func (s *ChannelSink) Name() string { return s.name }

func (s *ChannelSink) Send(ctx context.Context, ev Event) error {
	select {
	case s.out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ChannelSink) Close() error { return nil }

// RawLogSink appends CBOR-encoded events to a raw log file.
type RawLogSink struct {
	writer *output.RawLogWriter
}

func NewRawLogSink(writer *output.RawLogWriter) *RawLogSink {
	return &RawLogSink{writer: writer}
}

func (s *RawLogSink) Name() string { return "rawlog" }

func (s *RawLogSink) Send(_ context.Context, ev Event) error {
	payload, err := cbor.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return s.writer.Record(payload)
}

func (s *RawLogSink) Close() error {
	return s.writer.Close()
}
