// Package kv wraps the key-value store (Redis) used for caching, single-
// flight locking, quota counters, and the event bus pub/sub channel.
//
// The subscribe-mode constraint (§9 of the design notes) is modeled
// structurally: Store exposes two independent client handles, Cmd and
// Sub. Cmd is a stateless, multiplexed connection used for get/set/incr/
// expire/publish. Sub is reserved for a single long-lived Subscribe call;
// it must never be used to issue ordinary commands while subscribed. The
// two are never the same *redis.Client to make that mistake impossible to
// make by accident.
package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store owns the two Redis connections the rest of the system depends on.
type Store struct {
	Cmd *redis.Client
	Sub *redis.Client
}

// Config describes how to reach the key-value store.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Open dials both connections. Each gets its own connection pool so a
// blocked subscriber can never starve command traffic or vice versa.
func Open(cfg Config) *Store {
	opts := func() *redis.Options {
		return &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	return &Store{
		Cmd: redis.NewClient(opts()),
		Sub: redis.NewClient(opts()),
	}
}

// Ping verifies both connections are reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.Cmd.Ping(ctx).Err(); err != nil {
		return err
	}
	return s.Sub.Ping(ctx).Err()
}

// Close closes both connections.
func (s *Store) Close() error {
	err1 := s.Cmd.Close()
	err2 := s.Sub.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Get returns the raw value at key, redis.Nil if absent.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	return s.Cmd.Get(ctx, key).Result()
}

// Set stores value at key with an optional TTL (ttl<=0 means no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.Cmd.Set(ctx, key, value, ttl).Err()
}

// SetNX performs a compare-and-set-if-absent, returning true iff this call
// created the key.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.Cmd.SetNX(ctx, key, value, ttl).Result()
}

// Incr atomically increments key and returns the post-increment value.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.Cmd.Incr(ctx, key).Result()
}

// ExpireAt sets an absolute expiry on key.
func (s *Store) ExpireAt(ctx context.Context, key string, at time.Time) error {
	return s.Cmd.ExpireAt(ctx, key, at).Err()
}

// Delete removes key, best-effort.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.Cmd.Del(ctx, key).Err()
}

// Publish publishes payload on channel using the command connection, per
// the subscribe-mode split: publishing is stateless and belongs on Cmd.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	return s.Cmd.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a dedicated subscription on the Sub connection. The
// caller owns the returned *redis.PubSub for the lifetime of the
// subscription; Sub must not be used for anything else concurrently.
func (s *Store) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return s.Sub.Subscribe(ctx, channel)
}
