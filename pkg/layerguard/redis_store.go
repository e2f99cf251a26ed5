package layerguard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey holds the lock hash.
const DefaultRedisKey = "synq:layer_lock"

// redisCASScript replaces the lock hash only if its version matches.
// KEYS[1] = lock hash
// ARGV[1] = expected version (0 when absent)
// ARGV[2..5] = layer, updated_at, owner, new version
var redisCASScript = redis.NewScript(`
local key = KEYS[1]
local expected = tonumber(ARGV[1])

local current = redis.call("HGET", key, "version")
if not current then
    current = 0
else
    current = tonumber(current) or 0
end

if current ~= expected then
    return 0
end

redis.call("HSET", key, "layer", ARGV[2], "updated_at", ARGV[3], "owner", ARGV[4], "version", ARGV[5])
return 1
`)

// RedisStore keeps the lock in a redis hash.
type RedisStore struct {
	client *redis.Client
	key    string
}

// OpenRedis connects using a redis:// URL.
func OpenRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(client, DefaultRedisKey), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Load(ctx context.Context) (*Lock, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, &CorruptLockError{Err: fmt.Errorf("version: %w", err)}
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, fields["updated_at"])
	if err != nil {
		return nil, &CorruptLockError{Version: version, Err: fmt.Errorf("updated_at: %w", err)}
	}
	return &Lock{
		Layer:     fields["layer"],
		UpdatedAt: updatedAt,
		Owner:     fields["owner"],
		Version:   version,
	}, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, prev int64, next Lock) (bool, error) {
	res, err := redisCASScript.Run(ctx, s.client, []string{s.key},
		prev,
		next.Layer,
		next.UpdatedAt.UTC().Format(time.RFC3339Nano),
		next.Owner,
		next.Version,
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis cas: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
