package pipeline

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
)

type Encoder interface {
	Encode(img image.Image) ([]byte, error)
}

type JPEGEncoder struct {
	Quality int
}

func (e JPEGEncoder) Encode(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, errors.New("nil image")
	}
	quality := e.Quality
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
