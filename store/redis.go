package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	redisStateKey = "scp:state"
	maxTxRetries  = 25
)

// RedisBackend stores the state under one key and runs transactions as a
// compare-and-swap loop: WATCH the key, reload, mutate in memory, then
// MULTI/SET/EXEC. If another writer touched the key first the EXEC fails and
// the whole operation retries from a fresh reload, up to maxTxRetries, after
// which ErrTxConflict surfaces.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) View(ctx context.Context, fn func(*State) error) error {
	st, err := b.load(ctx, b.client)
	if err != nil {
		return err
	}
	return fn(st)
}

func (b *RedisBackend) Tx(ctx context.Context, fn func(*State) error) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := b.client.Watch(ctx, func(tx *redis.Tx) error {
			st, err := b.load(ctx, tx)
			if err != nil {
				return err
			}
			if err := fn(st); err != nil {
				return err
			}
			raw, err := json.Marshal(st)
			if err != nil {
				return fmt.Errorf("encoding state: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, redisStateKey, raw, 0)
				return nil
			})
			return err
		}, redisStateKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrTxConflict
}

// Shared is true: Redis is the one backend multiple hub workers may point
// at.
func (b *RedisBackend) Shared() bool { return true }

func (b *RedisBackend) Close() error { return b.client.Close() }

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (b *RedisBackend) load(ctx context.Context, c redisGetter) (*State, error) {
	raw, err := c.Get(ctx, redisStateKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading state from redis: %w", err)
	}
	return decodeState(raw)
}
