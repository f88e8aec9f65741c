// Package mirror copies the latest published frame into Redis so other
// processes can pick it up without opening the HTTP stream.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"camstream-go/internal/broadcast"
	"camstream-go/internal/logging"
	"camstream-go/internal/types"
)

const writeTimeout = time.Second

type Store interface {
	SetLatest(ctx context.Context, prefix string, jpeg, meta []byte, ttl time.Duration) error
}

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// SetLatest writes <prefix>:latest and <prefix>:latest:meta in one transaction.
func (s *RedisStore) SetLatest(ctx context.Context, prefix string, jpeg, meta []byte, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, prefix+":latest", jpeg, ttl)
		p.Set(ctx, prefix+":latest:meta", meta, ttl)
		return nil
	})
	return err
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type Meta struct {
	Seq        uint64    `json:"seq"`
	CapturedAt time.Time `json:"captured_at"`
	Size       int       `json:"size"`
}

// Mirror writes each new frame to a Store. It follows the stream like a viewer
// but is not counted as one. Store failures are logged and never end the mirror.
type Mirror struct {
	store   Store
	prefix  string
	ttl     time.Duration
	logger  *zap.Logger
	failLog *logging.EveryN

	written atomic.Uint64
	failed  atomic.Uint64
}

func New(store Store, prefix string, ttl time.Duration, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		store:   store,
		prefix:  prefix,
		ttl:     ttl,
		logger:  logger.Named("mirror"),
		failLog: logging.NewEveryN(50),
	}
}

func (m *Mirror) WriteFrame(frame *types.Frame) error {
	meta, err := json.Marshal(Meta{Seq: frame.Seq, CapturedAt: frame.CapturedAt, Size: len(frame.JPEG)})
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := m.store.SetLatest(ctx, m.prefix, frame.JPEG, meta, m.ttl); err != nil {
		m.failed.Add(1)
		if m.failLog.Allow() {
			m.logger.Warn("mirror write failed", zap.Uint64("seq", frame.Seq), zap.Error(err))
		}
		return nil
	}
	m.written.Add(1)
	return nil
}

// Run follows the broadcaster until the lifecycle stops or ctx ends.
func (m *Mirror) Run(ctx context.Context, b *broadcast.Broadcaster, lc *broadcast.Lifecycle, poll time.Duration) error {
	s := broadcast.NewSession(b, lc, broadcast.SessionConfig{PollInterval: poll, Dedupe: true, Internal: true}, m.logger)
	return s.Run(ctx, m)
}

func (m *Mirror) Written() uint64 { return m.written.Load() }

func (m *Mirror) Failed() uint64 { return m.failed.Load() }
