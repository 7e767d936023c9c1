package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPersister keeps the record of one client namespace in a Redis key.
//
// It suits backend-for-frontend deployments where several processes serve the
// same user session.
type RedisPersister struct {
	redis redis.UniversalClient
	key   string
	ttl   time.Duration
}

// NewRedisPersister returns a persister writing to prefix + "as:" + namespace.
// A positive ttl bounds how long an idle record survives.
func NewRedisPersister(rdb redis.UniversalClient, prefix, namespace string, ttl time.Duration) *RedisPersister {
	if namespace == "" {
		namespace = "default"
	}
	return &RedisPersister{
		redis: rdb,
		key:   prefix + "as:" + namespace,
		ttl:   ttl,
	}
}

// Key returns the Redis key the record is stored under.
func (p *RedisPersister) Key() string {
	return p.key
}

// Load implements Persister.
func (p *RedisPersister) Load(ctx context.Context) (*Record, error) {
	data, err := p.redis.Get(ctx, p.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return Decode(data)
}

// Save implements Persister.
func (p *RedisPersister) Save(ctx context.Context, rec *Record) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	if err := p.redis.Set(ctx, p.key, data, p.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements Persister.
func (p *RedisPersister) Delete(ctx context.Context) error {
	if err := p.redis.Del(ctx, p.key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Ping measures the round-trip latency to Redis.
func (p *RedisPersister) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := p.redis.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("redis ping: %w", err)
	}
	return time.Since(start), nil
}

var _ Persister = (*RedisPersister)(nil)
