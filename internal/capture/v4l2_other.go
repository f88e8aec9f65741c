//go:build !linux

package capture

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"camstream-go/internal/types"
)

type V4L2Source struct{}

func NewV4L2Source(string, int, int, int, *zap.Logger) *V4L2Source {
	return &V4L2Source{}
}

func (s *V4L2Source) Open(context.Context) error {
	return errors.New("v4l2 capture is only available on linux")
}

func (s *V4L2Source) Read(context.Context) (types.RawFrame, error) {
	return types.RawFrame{}, errors.New("v4l2 source not open")
}

func (s *V4L2Source) Close() error { return nil }
