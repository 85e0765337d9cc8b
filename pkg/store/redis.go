package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each namespace in one Redis hash. Suitable when several
// engine nodes share workflow state; Redis persistence (AOF) must be enabled
// for the durability contract to hold.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore wraps a Redis client. keyPrefix isolates multiple engines
// sharing one Redis instance; it may be empty.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (r *RedisStore) hashKey(ns string) string {
	if r.keyPrefix == "" {
		return ns
	}
	return r.keyPrefix + ":" + ns
}

func (r *RedisStore) Get(ctx context.Context, ns, key string) (json.RawMessage, error) {
	v, err := r.client.HGet(ctx, r.hashKey(ns), key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s/%s: %w", ns, key, err)
	}
	return v, nil
}

func (r *RedisStore) Set(ctx context.Context, ns, key string, value json.RawMessage) error {
	if err := r.client.HSet(ctx, r.hashKey(ns), key, []byte(value)).Err(); err != nil {
		return fmt.Errorf("redis set %s/%s: %w", ns, key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, ns, key string) error {
	if err := r.client.HDel(ctx, r.hashKey(ns), key).Err(); err != nil {
		return fmt.Errorf("redis delete %s/%s: %w", ns, key, err)
	}
	return nil
}

func (r *RedisStore) GetGroup(ctx context.Context, ns string) ([]json.RawMessage, error) {
	all, err := r.client.HGetAll(ctx, r.hashKey(ns)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis group %s: %w", ns, err)
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		out = append(out, json.RawMessage(all[k]))
	}
	return out, nil
}

func (r *RedisStore) Keys(ctx context.Context, ns, prefix string) ([]string, error) {
	all, err := r.client.HKeys(ctx, r.hashKey(ns)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys %s: %w", ns, err)
	}
	out := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}
