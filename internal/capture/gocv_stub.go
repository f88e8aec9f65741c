//go:build !gocv

package capture

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"camstream-go/internal/types"
)

type GoCVSource struct{}

func NewGoCVSource(string, int, int, *zap.Logger) *GoCVSource {
	return &GoCVSource{}
}

func (s *GoCVSource) Open(context.Context) error {
	return errors.New("gocv capture not enabled; build with -tags gocv")
}

func (s *GoCVSource) Read(context.Context) (types.RawFrame, error) {
	return types.RawFrame{}, errors.New("gocv source not open")
}

func (s *GoCVSource) Close() error { return nil }
