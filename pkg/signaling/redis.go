package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/LingByte/CareCall/pkg/webrtc/constants"
	"github.com/redis/go-redis/v9"
)

const (
	defaultStreamPrefix = "carecall:signal:"
	streamField         = "m"
)

// RedisOptions tunes the stream layout.
type RedisOptions struct {
	Prefix string
	MaxLen int64
	TTL    time.Duration
	// Block bounds one XREAD call; Next loops until ctx is done.
	Block time.Duration
}

// RedisTransport stores each session as a Redis stream. Publish is XADD,
// subscribe is XREAD BLOCK from the last stream id seen.
type RedisTransport struct {
	client redis.UniversalClient
	opts   RedisOptions
}

// NewRedisTransport wraps an existing client
func NewRedisTransport(client redis.UniversalClient, opts RedisOptions) *RedisTransport {
	if opts.Prefix == "" {
		opts.Prefix = defaultStreamPrefix
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = constants.DefaultStreamMaxLen
	}
	if opts.TTL <= 0 {
		opts.TTL = constants.DefaultStreamTTL
	}
	if opts.Block <= 0 {
		opts.Block = time.Second
	}
	return &RedisTransport{client: client, opts: opts}
}

func (t *RedisTransport) key(sessionID string) string {
	return t.opts.Prefix + sessionID
}

// Publish appends data to the session stream and refreshes its TTL.
func (t *RedisTransport) Publish(ctx context.Context, sessionID string, data []byte) error {
	key := t.key(sessionID)
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: t.opts.MaxLen,
			Values: map[string]interface{}{streamField: string(data)},
		})
		pipe.Expire(ctx, key, t.opts.TTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("xadd %s: %w", key, err)
	}
	return nil
}

// Subscribe reads entries with ids greater than after.
func (t *RedisTransport) Subscribe(ctx context.Context, sessionID, after string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if after == StartCursor {
		after = "0"
	}
	return &redisSubscription{t: t, key: t.key(sessionID), last: after}, nil
}

type redisSubscription struct {
	t      *RedisTransport
	key    string
	last   string
	buf    []redis.XMessage
	closed atomic.Bool
}

func (s *redisSubscription) Next(ctx context.Context) (Envelope, error) {
	for {
		if s.closed.Load() {
			return Envelope{}, ErrSubscriptionClosed
		}
		if len(s.buf) > 0 {
			msg := s.buf[0]
			s.buf = s.buf[1:]
			s.last = msg.ID
			raw, ok := msg.Values[streamField].(string)
			if !ok {
				// foreign entry on our stream
				continue
			}
			return Envelope{Cursor: msg.ID, Data: []byte(raw)}, nil
		}
		if err := ctx.Err(); err != nil {
			return Envelope{}, err
		}

		streams, err := s.t.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.key, s.last},
			Count:   64,
			Block:   s.t.opts.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Envelope{}, ctxErr
			}
			return Envelope{}, fmt.Errorf("xread %s: %w", s.key, err)
		}
		for _, stream := range streams {
			s.buf = append(s.buf, stream.Messages...)
		}
	}
}

func (s *redisSubscription) Close() error {
	s.closed.Store(true)
	return nil
}
