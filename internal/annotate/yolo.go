//go:build gocv

package annotate

import (
	"context"
	"fmt"
	"image"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"camstream-go/internal/types"
)

const (
	inputSize      = 640
	scoreThreshold = 0.25
	nmsThreshold   = 0.45
)

// YOLO runs a YOLOv8 ONNX export through the OpenCV DNN module.
type YOLO struct {
	mu          sync.Mutex
	net         gocv.Net
	params      gocv.ImageToBlobParams
	outputNames []string
	classes     []string
	logger      *zap.Logger
}

func NewYOLO(modelPath string, classes []string, logger *zap.Logger) (*YOLO, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return nil, fmt.Errorf("load model %s", modelPath)
	}
	_ = net.SetPreferableBackend(gocv.NetBackendOpenCV)
	_ = net.SetPreferableTarget(gocv.NetTargetCPU)

	outputNames := getOutputNames(&net)
	if len(outputNames) == 0 {
		_ = net.Close()
		return nil, fmt.Errorf("model %s has no output layers", modelPath)
	}

	params := gocv.NewImageToBlobParams(
		1.0/255.0,
		image.Pt(inputSize, inputSize),
		gocv.NewScalar(0, 0, 0, 0),
		true,
		gocv.MatTypeCV32F,
		gocv.DataLayoutNCHW,
		gocv.PaddingModeLetterbox,
		gocv.NewScalar(114, 114, 114, 0),
	)
	logger.Named("yolo").Info("model loaded", zap.String("path", modelPath), zap.Int("classes", len(classes)))
	return &YOLO{
		net:         net,
		params:      params,
		outputNames: outputNames,
		classes:     classes,
		logger:      logger.Named("yolo"),
	}, nil
}

func (y *YOLO) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer src.Close()

	y.mu.Lock()
	defer y.mu.Unlock()

	blob := gocv.BlobFromImageWithParams(src, y.params)
	defer blob.Close()
	y.net.SetInput(blob, "")

	probs := y.net.ForwardLayers(y.outputNames)
	defer func() {
		for _, prob := range probs {
			_ = prob.Close()
		}
	}()
	if len(probs) == 0 {
		return nil, nil
	}

	boxes, confidences, classIDs := y.decode(probs[0])
	if len(boxes) == 0 {
		return nil, nil
	}
	imageBoxes := y.params.BlobRectsToImageRects(boxes, image.Pt(src.Cols(), src.Rows()))
	indices := gocv.NMSBoxes(imageBoxes, confidences, scoreThreshold, nmsThreshold)

	detections := make([]types.Detection, 0, len(indices))
	for _, idx := range indices {
		r := imageBoxes[idx]
		detections = append(detections, types.Detection{
			Class:      y.className(classIDs[idx]),
			Confidence: float64(confidences[idx]),
			Box:        [4]float64{float64(r.Min.X), float64(r.Min.Y), float64(r.Max.X), float64(r.Max.Y)},
		})
	}
	return detections, nil
}

// decode reads the 1 x (4+classes) x anchors YOLOv8 output.
func (y *YOLO) decode(out gocv.Mat) ([]image.Rectangle, []float32, []int) {
	transposed := gocv.NewMat()
	defer transposed.Close()
	gocv.TransposeND(out, []int{0, 2, 1}, &transposed)
	rows := transposed.Reshape(1, transposed.Size()[1])
	defer rows.Close()

	var (
		boxes       []image.Rectangle
		confidences []float32
		classIDs    []int
	)
	cols := rows.Cols()
	for i := 0; i < rows.Rows(); i++ {
		row := rows.RowRange(i, i+1)
		scores := row.ColRange(4, cols)
		_, confidence, _, classLoc := gocv.MinMaxLoc(scores)
		_ = scores.Close()
		_ = row.Close()
		if confidence < scoreThreshold {
			continue
		}
		cx := rows.GetFloatAt(i, 0)
		cy := rows.GetFloatAt(i, 1)
		w := rows.GetFloatAt(i, 2)
		h := rows.GetFloatAt(i, 3)
		boxes = append(boxes, image.Rect(int(cx-w/2), int(cy-h/2), int(cx+w/2), int(cy+h/2)))
		confidences = append(confidences, confidence)
		classIDs = append(classIDs, classLoc.X)
	}
	return boxes, confidences, classIDs
}

func (y *YOLO) className(id int) string {
	if id >= 0 && id < len(y.classes) {
		return y.classes[id]
	}
	return fmt.Sprintf("class_%d", id)
}

func (y *YOLO) Close() error {
	y.mu.Lock()
	defer y.mu.Unlock()
	return y.net.Close()
}

func getOutputNames(net *gocv.Net) []string {
	var outputLayers []string
	for _, i := range net.GetUnconnectedOutLayers() {
		layer := net.GetLayer(i)
		layerName := layer.GetName()
		if layerName != "_input" {
			outputLayers = append(outputLayers, layerName)
		}
	}
	return outputLayers
}
