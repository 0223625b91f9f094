package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"modelswarm/internal/domain"
)

const redisCachePrefix = "modelswarm:descriptor:"

// RedisCacheBackend shares resolved descriptors between processes.
type RedisCacheBackend struct {
	client *redis.Client
}

func NewRedisCacheBackend(client *redis.Client) *RedisCacheBackend {
	return &RedisCacheBackend{client: client}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func (r *RedisCacheBackend) Get(ctx context.Context, key string) (domain.Descriptor, bool, error) {
	data, err := r.client.Get(ctx, redisCachePrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Descriptor{}, false, nil
		}
		return domain.Descriptor{}, false, err
	}
	var d domain.Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return domain.Descriptor{}, false, err
	}
	return d, true, nil
}

func (r *RedisCacheBackend) Set(ctx context.Context, key string, d domain.Descriptor, ttl time.Duration) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisCachePrefix+key, data, ttl).Err()
}

func (r *RedisCacheBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisCachePrefix+key).Err()
}

func (r *RedisCacheBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
