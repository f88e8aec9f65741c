package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// CBOR tags for typed pixel arrays (RFC 8746).
const (
	tagMultiDimArray = 40
	tagUint8         = 64
	tagUint16LE      = 69
)

const (
	MessageImage = "image"
	MessageEnd   = "end"
)

// Envelope is one message on the zmq feed:
//
//	{ "type": "image", "seq": <uint>, "timestamp": <float seconds>, "jpeg": <bytes> }
//
// An image message carries either "jpeg" or "pixels", a tag 40 array of
// rows x cols (grey) or rows x cols x 3 (RGB) samples.
type Envelope struct {
	Type      string
	Seq       uint64
	Timestamp time.Time
	JPEG      []byte
	Image     image.Image
}

func EncodeJPEGEnvelope(seq uint64, at time.Time, jpeg []byte) ([]byte, error) {
	return cbor.Marshal(map[string]any{
		"type":      MessageImage,
		"seq":       seq,
		"timestamp": float64(at.UnixNano()) / 1e9,
		"jpeg":      jpeg,
	})
}

func EncodeEndEnvelope() ([]byte, error) {
	return cbor.Marshal(map[string]any{"type": MessageEnd})
}

func DecodeEnvelope(msg []byte) (Envelope, error) {
	var payload map[string]any
	if err := cbor.Unmarshal(msg, &payload); err != nil {
		return Envelope{}, fmt.Errorf("cbor decode: %w", err)
	}

	msgType, _ := payload["type"].(string)
	env := Envelope{Type: msgType}
	if msgType != MessageImage {
		return env, nil
	}

	if v, ok := payload["seq"]; ok {
		seq, err := toInt(v)
		if err != nil {
			return env, fmt.Errorf("invalid seq: %w", err)
		}
		env.Seq = uint64(seq)
	}
	if v, ok := payload["timestamp"]; ok {
		ts, err := toFloat(v)
		if err != nil {
			return env, fmt.Errorf("invalid timestamp: %w", err)
		}
		sec, frac := math.Modf(ts)
		env.Timestamp = time.Unix(int64(sec), int64(frac*1e9))
	}

	if data, ok := payload["jpeg"].([]byte); ok && len(data) > 0 {
		env.JPEG = data
		return env, nil
	}
	if pixels, ok := payload["pixels"]; ok {
		img, err := decodeMultiDimArray(pixels)
		if err != nil {
			return env, fmt.Errorf("invalid pixels: %w", err)
		}
		env.Image = img
		return env, nil
	}
	return env, errors.New("image message without jpeg or pixels")
}

func decodeMultiDimArray(value any) (image.Image, error) {
	tag, ok := value.(cbor.Tag)
	if !ok || tag.Number != tagMultiDimArray {
		return nil, fmt.Errorf("expected multidim tag 40")
	}

	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return nil, fmt.Errorf("invalid multidim array content")
	}

	dimsRaw, ok := items[0].([]any)
	if !ok || (len(dimsRaw) != 2 && len(dimsRaw) != 3) {
		return nil, fmt.Errorf("invalid multidim dimensions")
	}
	dims := make([]int, len(dimsRaw))
	for i, d := range dimsRaw {
		n, err := toInt(d)
		if err != nil {
			return nil, err
		}
		if n < 1 {
			return nil, fmt.Errorf("dimension %d is %d", i, n)
		}
		dims[i] = n
	}
	rows, cols := dims[0], dims[1]
	channels := 1
	if len(dims) == 3 {
		channels = dims[2]
	}

	elemTag, ok := items[1].(cbor.Tag)
	if !ok {
		return nil, fmt.Errorf("expected typed array tag")
	}
	data, ok := elemTag.Content.([]byte)
	if !ok {
		return nil, fmt.Errorf("unsupported typed array content %T", elemTag.Content)
	}

	switch {
	case elemTag.Number == tagUint8 && channels == 1:
		return reshapeGray(data, rows, cols)
	case elemTag.Number == tagUint8 && channels == 3:
		return reshapeRGB(data, rows, cols)
	case elemTag.Number == tagUint16LE && channels == 1:
		return reshapeGray16(data, rows, cols)
	default:
		return nil, fmt.Errorf("unsupported typed array tag %d with %d channels", elemTag.Number, channels)
	}
}

func reshapeGray(flat []byte, rows, cols int) (*image.Gray, error) {
	if rows*cols != len(flat) {
		return nil, errors.New("dimension mismatch")
	}
	img := image.NewGray(image.Rect(0, 0, cols, rows))
	copy(img.Pix, flat)
	return img, nil
}

func reshapeRGB(flat []byte, rows, cols int) (*image.RGBA, error) {
	if rows*cols*3 != len(flat) {
		return nil, errors.New("dimension mismatch")
	}
	img := image.NewRGBA(image.Rect(0, 0, cols, rows))
	for i := 0; i < rows*cols; i++ {
		img.Pix[i*4] = flat[i*3]
		img.Pix[i*4+1] = flat[i*3+1]
		img.Pix[i*4+2] = flat[i*3+2]
		img.Pix[i*4+3] = 0xFF
	}
	return img, nil
}

func reshapeGray16(flat []byte, rows, cols int) (*image.Gray16, error) {
	if rows*cols*2 != len(flat) {
		return nil, errors.New("dimension mismatch")
	}
	img := image.NewGray16(image.Rect(0, 0, cols, rows))
	for i := 0; i < rows*cols; i++ {
		// image.Gray16 stores big-endian samples
		binary.BigEndian.PutUint16(img.Pix[i*2:], binary.LittleEndian.Uint16(flat[i*2:]))
	}
	return img, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("unsupported float type %T", v)
	}
}
