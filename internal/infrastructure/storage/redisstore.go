package storage

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs Store with Redis, the durable option for a POS
// terminal running an embedded redis-server and for the reconciliation
// server's idempotency/session cache.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.key(key), value, 0).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// CAS implements compare-and-swap via a Lua script so the check and
// the write happen atomically on the Redis server.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == '' then
	if cur then
		return 0
	end
else
	if cur == false or cur ~= ARGV[1] then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

func (s *RedisStore) CAS(ctx context.Context, key string, oldValue, newValue []byte) (bool, error) {
	oldArg := ""
	if oldValue != nil {
		oldArg = string(oldValue)
	}
	res, err := casScript.Run(ctx, s.client, []string{s.key(key)}, oldArg, string(newValue)).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
