package annotate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"camstream-go/internal/types"
)

const defaultRemoteTimeout = 2 * time.Second

// remoteResult is one entry of the detection server's JSON reply.
type remoteResult struct {
	Label      string    `json:"label"`
	Confidence float32   `json:"confidence"`
	Box        []float32 `json:"box"`
}

// RemoteDetector sends each frame as a JPEG binary message to a detection
// server and reads one JSON array of results back. A failed exchange drops
// the connection; the next call redials.
type RemoteDetector struct {
	url    string
	dialer *websocket.Dialer
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewRemoteDetector(url string, logger *zap.Logger) *RemoteDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteDetector{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		logger: logger.Named("remote-detector"),
	}
}

func (d *RemoteDetector) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	conn, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRemoteTimeout)
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	if err := conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
		d.drop(err)
		return nil, fmt.Errorf("send frame: %w", err)
	}
	_, message, err := conn.ReadMessage()
	if err != nil {
		d.drop(err)
		return nil, fmt.Errorf("read result: %w", err)
	}

	var results []remoteResult
	if err := json.Unmarshal(message, &results); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	detections := make([]types.Detection, 0, len(results))
	for _, r := range results {
		det := types.Detection{Class: r.Label, Confidence: float64(r.Confidence)}
		if len(r.Box) == 4 {
			for i, v := range r.Box {
				det.Box[i] = float64(v)
			}
		}
		detections = append(detections, det)
	}
	return detections, nil
}

func (d *RemoteDetector) connect(ctx context.Context) (*websocket.Conn, error) {
	if d.conn != nil {
		return d.conn, nil
	}
	conn, _, err := d.dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}
	d.logger.Info("connected to detection server", zap.String("url", d.url))
	d.conn = conn
	return conn, nil
}

func (d *RemoteDetector) drop(err error) {
	d.logger.Warn("detection server connection lost", zap.Error(err))
	_ = d.conn.Close()
	d.conn = nil
}

func (d *RemoteDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	_ = d.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := d.conn.Close()
	d.conn = nil
	return err
}
