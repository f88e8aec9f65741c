package capture

import (
	"context"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"camstream-go/internal/logging"
	"camstream-go/internal/types"
)

// recvTimeout bounds each blocking receive so Read can observe ctx.
const recvTimeout = 200 * time.Millisecond

// ZMQSource pulls CBOR envelopes from a zmq PUSH peer.
type ZMQSource struct {
	endpoint string
	logger   *zap.Logger
	skipLog  *logging.EveryN

	socket *zmq4.Socket
}

func NewZMQSource(endpoint string, logEvery int, logger *zap.Logger) *ZMQSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZMQSource{
		endpoint: endpoint,
		logger:   logger.Named("zmq"),
		skipLog:  logging.NewEveryN(logEvery),
	}
}

func (s *ZMQSource) Open(context.Context) error {
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return err
	}
	if err := socket.SetRcvtimeo(recvTimeout); err != nil {
		_ = socket.Close()
		return err
	}
	if err := socket.SetRcvhwm(4); err != nil {
		_ = socket.Close()
		return err
	}
	if err := socket.Connect(s.endpoint); err != nil {
		_ = socket.Close()
		return fmt.Errorf("connect %s: %w", s.endpoint, err)
	}
	s.socket = socket
	s.logger.Info("zmq source connected", zap.String("endpoint", s.endpoint))
	return nil
}

// Read blocks until an image envelope arrives, an end envelope (io.EOF) or
// ctx is done. Undecodable messages are skipped.
func (s *ZMQSource) Read(ctx context.Context) (types.RawFrame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return types.RawFrame{}, err
		}
		msg, err := s.socket.RecvBytes(0)
		if err != nil {
			if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
				continue
			}
			return types.RawFrame{}, fmt.Errorf("zmq recv: %w", err)
		}

		env, err := DecodeEnvelope(msg)
		if err != nil {
			if s.skipLog.Allow() {
				s.logger.Warn("skipping message", zap.Error(err), zap.Uint64("skipped", s.skipLog.Count()))
			}
			continue
		}
		switch env.Type {
		case MessageImage:
		case MessageEnd:
			return types.RawFrame{}, io.EOF
		default:
			if s.skipLog.Allow() {
				s.logger.Debug("ignoring message type", zap.String("type", env.Type))
			}
			continue
		}

		at := env.Timestamp
		if at.IsZero() {
			at = time.Now()
		}
		return types.RawFrame{Data: env.JPEG, Image: env.Image, CapturedAt: at}, nil
	}
}

func (s *ZMQSource) Close() error {
	if s.socket == nil {
		return nil
	}
	err := s.socket.Close()
	s.socket = nil
	return err
}
