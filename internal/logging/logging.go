package logging

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func New(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	return zap.NewProduction()
}

// EveryN lets through the first of every n calls, for errors that would
// otherwise be logged once per frame.
type EveryN struct {
	n       uint64
	counter atomic.Uint64
}

func NewEveryN(n int) *EveryN {
	if n < 1 {
		n = 1
	}
	return &EveryN{n: uint64(n)}
}

func (e *EveryN) Allow() bool {
	return (e.counter.Add(1)-1)%e.n == 0
}

func (e *EveryN) Count() uint64 {
	return e.counter.Load()
}
