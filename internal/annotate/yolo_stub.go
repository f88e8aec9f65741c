//go:build !gocv

package annotate

import (
	"context"
	"errors"
	"image"

	"go.uber.org/zap"

	"camstream-go/internal/types"
)

type YOLO struct{}

func NewYOLO(string, []string, *zap.Logger) (*YOLO, error) {
	return nil, errors.New("onnx models need gocv; build with -tags gocv")
}

func (y *YOLO) Detect(context.Context, image.Image) ([]types.Detection, error) {
	return nil, errors.New("yolo detector not enabled")
}

func (y *YOLO) Close() error { return nil }
