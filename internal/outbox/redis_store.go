package outbox

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKeyPrefix = "outbox"
	redisTxMaxRetries     = 32
)

// RedisStore keeps record payloads in a hash and insertion order in a sorted
// set scored by a monotonic sequence. Mutations run in WATCH/MULTI
// transactions and retry on conflict.
type RedisStore struct {
	client   *redis.Client
	orderKey string
	opsKey   string
	seqKey   string
	now      func() time.Time
}

// NewRedisStore parses a redis:// or rediss:// DSN. An optional "prefix"
// query parameter namespaces the keys.
func NewRedisStore(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	query := parsed.Query()
	prefix := strings.TrimSpace(query.Get("prefix"))
	query.Del("prefix")
	parsed.RawQuery = query.Encode()
	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}
	return NewRedisStoreFromClient(redis.NewClient(opts), prefix), nil
}

func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisStore{
		client:   client,
		orderKey: prefix + ":order",
		opsKey:   prefix + ":ops",
		seqKey:   prefix + ":seq",
		now:      time.Now,
	}
}

func (s *RedisStore) Enqueue(ctx context.Context, op Operation) error {
	payload, err := EncodeOperation(op)
	if err != nil {
		return err
	}
	return s.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, s.opsKey, op.ID).Result()
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicate
		}
		seq, err := tx.Incr(ctx, s.seqKey).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.opsKey, op.ID, payload)
			pipe.ZAdd(ctx, s.orderKey, redis.Z{Score: float64(seq), Member: op.ID})
			return nil
		})
		return err
	}, s.opsKey)
}

func (s *RedisStore) GetAll(ctx context.Context) ([]Operation, error) {
	ids, err := s.client.ZRange(ctx, s.orderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	out := []Operation{}
	if len(ids) == 0 {
		return out, nil
	}
	payloads, err := s.client.HMGet(ctx, s.opsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load operations: %w", err)
	}
	for _, raw := range payloads {
		payload, ok := raw.(string)
		if !ok {
			// removed between ZRANGE and HMGET
			continue
		}
		op, err := DecodeOperation([]byte(payload))
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Operation, error) {
	payload, err := s.client.HGet(ctx, s.opsKey, strings.TrimSpace(id)).Result()
	if errors.Is(err, redis.Nil) {
		return Operation{}, ErrNotFound
	}
	if err != nil {
		return Operation{}, err
	}
	return DecodeOperation([]byte(payload))
}

func (s *RedisStore) Update(ctx context.Context, op Operation) error {
	payload, err := EncodeOperation(op)
	if err != nil {
		return err
	}
	return s.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, s.opsKey, op.ID).Result()
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.opsKey, op.ID, payload)
			return nil
		})
		return err
	}, s.opsKey)
}

func (s *RedisStore) Claim(ctx context.Context, id, owner string, until time.Time) (Operation, error) {
	id = strings.TrimSpace(id)
	var out Operation
	err := s.watch(ctx, func(tx *redis.Tx) error {
		payload, err := tx.HGet(ctx, s.opsKey, id).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		op, err := DecodeOperation([]byte(payload))
		if err != nil {
			return err
		}
		if !op.claimable(s.now()) {
			return ErrClaimed
		}
		op = claimed(op, owner, until)
		next, err := EncodeOperation(op)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.opsKey, id, next)
			return nil
		})
		if err == nil {
			out = op
		}
		return err
	}, s.opsKey)
	return out, err
}

func (s *RedisStore) Remove(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.HDel(ctx, s.opsKey, id)
		pipe.ZRem(ctx, s.orderKey, id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("remove operation: %w", err)
	}
	return del.Val() > 0, nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.HLen(ctx, s.opsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.opsKey, s.orderKey).Err(); err != nil {
		return fmt.Errorf("clear operations: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < redisTxMaxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis transaction retries exhausted")
}
