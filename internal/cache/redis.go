package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"nostr-threadfeed/internal/types"
)

// RedisStore implements Store using Redis, one JSON value per pubkey
type RedisStore struct {
	ttlGuard
	client *redis.Client
	prefix string
}

// NewRedisStore connects to cfg.RedisURL.
// URL format: redis://[:password@]host:port/db
func NewRedisStore(cfg Config) (*RedisStore, error) {
	if cfg.RedisURL == "" {
		return nil, errors.New("redis URL not configured")
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	// Connection pool settings
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{
		ttlGuard: newTTLGuard(cfg),
		client:   client,
		prefix:   cfg.KeyPrefix,
	}, nil
}

func (r *RedisStore) key(pubkey string) string {
	return r.prefix + "profile:" + pubkey
}

func (r *RedisStore) Get(ctx context.Context, pubkey string) (types.ProfileRecord, bool, error) {
	data, err := r.client.Get(ctx, r.key(pubkey)).Bytes()
	if err == redis.Nil {
		return types.ProfileRecord{}, false, nil
	}
	if err != nil {
		return types.ProfileRecord{}, false, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return types.ProfileRecord{}, false, err
	}
	if r.expired(rec.FetchedAt) {
		return types.ProfileRecord{}, false, nil
	}
	return rec, true, nil
}

func (r *RedisStore) Put(ctx context.Context, rec types.ProfileRecord) error {
	rec.FetchedAt = r.now()
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(rec.PubKey), data, r.ttl).Err()
}

// scan walks every profile key, calling fn with the key and its decoded record
func (r *RedisStore) scan(ctx context.Context, fn func(key string, rec types.ProfileRecord)) error {
	iter := r.client.Scan(ctx, 0, r.key("*"), 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := r.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return err
		}
		rec, err := decodeRecord(data)
		if err != nil {
			continue
		}
		fn(key, rec)
	}
	return iter.Err()
}

func (r *RedisStore) ListAll(ctx context.Context) ([]types.ProfileRecord, error) {
	var out []types.ProfileRecord
	err := r.scan(ctx, func(_ string, rec types.ProfileRecord) {
		if !r.expired(rec.FetchedAt) {
			out = append(out, rec)
		}
	})
	return out, err
}

func (r *RedisStore) DeleteExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	var stale []string
	err := r.scan(ctx, func(key string, rec types.ProfileRecord) {
		if r.olderThan(rec.FetchedAt, maxAge) {
			stale = append(stale, key)
		}
	})
	if err != nil || len(stale) == 0 {
		return 0, err
	}
	n, err := r.client.Del(ctx, stale...).Result()
	return int(n), err
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
