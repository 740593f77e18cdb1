// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package store wraps the external key-value store (Redis) with the
// narrow set of operations the broker needs. The invite service and
// the invite rate limiter use it for data; the HTTP health endpoints
// only call Ping.
// Keys are ASCII and colon-namespaced; values are opaque strings the
// store never parses.
package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/demo-session-broker/pkg/errors"
)

// Store is the narrow contract the core depends on. Every method other
// than Ping surfaces failures to the caller; none silently succeeds.
type Store interface {
	// Get returns the value at key, or ("", false, nil) if absent.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes value at key. If ttl > 0 the key expires after ttl.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del removes key, if present.
	Del(ctx context.Context, key string) error
	// Incr atomically increments the integer at key (creating it at 0
	// first if absent) and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets a TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Ping reports whether the store is reachable. Ping failures are
	// never surfaced as a generic store error — callers use it to decide
	// health rather than to gate hot-path operations.
	Ping(ctx context.Context) error
}

// RedisStore is the production Store backed by a Redis (or
// Redis-protocol-compatible) server.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials url (a redis:// URL) and returns a Store.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.New(errors.ErrInvalidConfig, "invalid store URL", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewRedisStoreFromClient wraps an already-constructed client; used by
// tests that stand up a miniredis server.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.New(errors.ErrStoreError, "store get failed", err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.New(errors.ErrStoreError, "store set failed", err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return errors.New(errors.ErrStoreError, "store del failed", err)
	}
	return nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, errors.New(errors.ErrStoreError, "store incr failed", err)
	}
	return n, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return errors.New(errors.ErrStoreError, "store expire failed", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client's resources.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Key namespace helpers, keeping the literal key shapes from spec.md
// §6 "Store keys" in one place.
func InviteKey(token string) string      { return "invite:" + token }
func InviteAttemptsKey(ip string) string { return "invite:attempts:" + ip }

// InviteIndexKey names the single key holding the JSON-encoded list of
// every invite token ever created, used by Service.List since the
// Store contract has no native set or scan primitive.
func InviteIndexKey() string { return "invite:index" }
