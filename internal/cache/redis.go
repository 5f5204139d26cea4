package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implementa Cache sobre go-redis. Contadores sobrevivem a restart do processo.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

type RedisOption func(*Redis)

func WithRedisPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = strings.Trim(prefix, ":") }
}

func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) { r.now = now }
}

func NewRedis(rdb redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		rdb:    rdb,
		prefix: "ratelimit",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Increment roda INCR e PEXPIRE no mesmo MULTI/EXEC: a chave nunca fica sem TTL.
func (r *Redis) Increment(ctx context.Context, category, key string, window time.Duration) (int64, error) {
	k := counterKey(r.prefix, category, key, WindowIndex(r.now(), window))

	var incr *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.PExpire(ctx, k, window+ExpiryBuffer)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis increment %s: %w", k, err)
	}
	return incr.Val(), nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

// Delete usa o retorno do DEL: entre instâncias concorrentes só uma recebe 1.
func (r *Redis) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Del(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
