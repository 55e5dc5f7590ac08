package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/config"
)

// RedisStore implements Store on a Redis server.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// OpenRedis connects to the server at cfg.URL and verifies it with a PING.
func OpenRedis(ctx context.Context, cfg config.RedisCacheConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	s := NewRedisStore(redis.NewClient(opts), cfg.KeyPrefix)
	if err := s.Ping(ctx); err != nil {
		s.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, err
	}
	return s, nil
}

// NewRedisStore wraps an existing client. Every key is prefixed with prefix.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) k(key string) string {
	return s.prefix + key
}

// Set stores value with SET, dropping any TTL.
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, s.k(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, mapRedisErr(err))
	}
	return nil
}

// Get returns the string at key, or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, s.k(key)).Result()
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, mapRedisErr(err))
	}
	return v, nil
}

// HashSet writes fields with HSET. The key keeps its TTL.
func (s *RedisStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, 2*len(fields))
	for f, v := range fields {
		args = append(args, f, v)
	}
	if err := s.rdb.HSet(ctx, s.k(key), args...).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, mapRedisErr(err))
	}
	return nil
}

// HashGet reads fields with HMGET, leaving out the missing ones.
func (s *RedisStore) HashGet(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	if len(fields) == 0 {
		return out, nil
	}
	vals, err := s.rdb.HMGet(ctx, s.k(key), fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget %s: %w", key, mapRedisErr(err))
	}
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[fields[i]] = str
		}
	}
	return out, nil
}

// HashGetAll returns the whole hash, empty for a missing key.
func (s *RedisStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	vals, err := s.rdb.HGetAll(ctx, s.k(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", key, mapRedisErr(err))
	}
	return vals, nil
}

// ListPushBounded runs LREM, RPUSH, LRANGE and LTRIM in one MULTI block.
func (s *RedisStore) ListPushBounded(ctx context.Context, key, member string, limit int) ([]string, error) {
	k := s.k(key)
	var trimmed *redis.StringSliceCmd

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, k, 0, member)
		pipe.RPush(ctx, k, member)
		if limit > 0 {
			trimmed = pipe.LRange(ctx, k, 0, int64(-limit-1))
			pipe.LTrim(ctx, k, int64(-limit), -1)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis list push %s: %w", key, mapRedisErr(err))
	}
	if trimmed == nil {
		return nil, nil
	}
	return trimmed.Val(), nil
}

// ListRemove removes every occurrence of member.
func (s *RedisStore) ListRemove(ctx context.Context, key, member string) error {
	if err := s.rdb.LRem(ctx, s.k(key), 0, member).Err(); err != nil {
		return fmt.Errorf("redis lrem %s: %w", key, mapRedisErr(err))
	}
	return nil
}

// ListMembers returns the list oldest first.
func (s *RedisStore) ListMembers(ctx context.Context, key string) ([]string, error) {
	vals, err := s.rdb.LRange(ctx, s.k(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", key, mapRedisErr(err))
	}
	return vals, nil
}

// ExpireAt sets a millisecond deadline with PEXPIREAT.
func (s *RedisStore) ExpireAt(ctx context.Context, key string, at time.Time) error {
	if err := s.rdb.PExpireAt(ctx, s.k(key), at).Err(); err != nil {
		return fmt.Errorf("redis pexpireat %s: %w", key, mapRedisErr(err))
	}
	return nil
}

// Persist removes the TTL of key.
func (s *RedisStore) Persist(ctx context.Context, key string) error {
	if err := s.rdb.Persist(ctx, s.k(key)).Err(); err != nil {
		return fmt.Errorf("redis persist %s: %w", key, mapRedisErr(err))
	}
	return nil
}

// Deadline derives the eviction time from PTTL, so it is accurate to the
// round trip of the call.
func (s *RedisStore) Deadline(ctx context.Context, key string) (time.Time, bool, error) {
	ttl, err := s.rdb.PTTL(ctx, s.k(key)).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis pttl %s: %w", key, mapRedisErr(err))
	}
	// -1 means no expiry and -2 a missing key; go-redis keeps both as raw values.
	if ttl < 0 {
		return time.Time{}, false, nil
	}
	return time.Now().Add(ttl), true, nil
}

// Delete removes keys in one DEL.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = s.k(key)
	}
	if err := s.rdb.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", mapRedisErr(err))
	}
	return nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func mapRedisErr(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	var rerr redis.Error
	if errors.As(err, &rerr) && strings.HasPrefix(rerr.Error(), "WRONGTYPE") {
		return fmt.Errorf("%w: %w", ErrWrongType, err)
	}
	return err
}
