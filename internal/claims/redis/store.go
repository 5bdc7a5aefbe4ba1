// Package redis keeps delivery claims in Redis so every distributed worker
// sees the same set of finished task keys.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/manga-crawl-engine/internal/claims"
)

const keyPrefix = "mangacrawler:done:"

// kv is the slice of Redis the store needs.
type kv interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

type client struct {
	rdb *goredis.Client
}

func (c client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (c client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (c client) Close() error {
	return c.rdb.Close()
}

// Options locates the Redis instance.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Store implements claims.Store with SETNX.
type Store struct {
	kv  kv
	ttl time.Duration
}

var _ claims.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Store, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return newWithKV(client{rdb: rdb}, opts.TTL), nil
}

func newWithKV(store kv, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = claims.DefaultTTL
	}
	return &Store{kv: store, ttl: ttl}
}

// Done implements claims.Store.
func (s *Store) Done(ctx context.Context, key string) (bool, error) {
	ok, err := s.kv.Exists(ctx, keyPrefix+key)
	if err != nil {
		return false, fmt.Errorf("check claim %s: %w", key, err)
	}
	return ok, nil
}

// MarkDone implements claims.Store.
func (s *Store) MarkDone(ctx context.Context, key string) (bool, error) {
	ok, err := s.kv.SetNX(ctx, keyPrefix+key, "1", s.ttl)
	if err != nil {
		return false, fmt.Errorf("mark claim %s: %w", key, err)
	}
	return ok, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.kv.Close()
}
