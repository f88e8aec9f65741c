package types

import (
	"image"
	"time"
)

// Frame is one published, JPEG-encoded frame. It must not be modified after
// it has been handed to the broadcaster.
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	JPEG       []byte
}

// RawFrame is what a capture source yields. Sources fill Data with an encoded
// JPEG, Image with a decoded picture, or both.
type RawFrame struct {
	Data       []byte
	Image      image.Image
	CapturedAt time.Time
}

type Detection struct {
	Class      string     `json:"class" cbor:"class"`
	Confidence float64    `json:"confidence" cbor:"confidence"`
	Box        [4]float64 `json:"box" cbor:"box"`
}
