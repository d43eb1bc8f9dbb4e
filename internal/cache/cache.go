// Package cache is the shared cache store used for rate-limit windows,
// firewall penalties, agent load counters, classification memoization and
// serialized channel sessions.
//
// The set of supported operations is closed: every backend implements the
// Store interface directly instead of dispatching commands by name.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key does not exist or has expired.
var ErrMiss = errors.New("cache: miss")

// ScoredMember is one entry of a sorted set.
type ScoredMember struct {
	Member string
	Score  float64
}

// Store is the closed set of cache operations the core relies on.
// A ttl of zero or less means "no expiry" for both Set and Expire; Expire
// never deletes the key.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)
	// ZOldest returns the lowest-scored member; ok is false for an empty set.
	ZOldest(ctx context.Context, key string) (m ScoredMember, ok bool, err error)

	LPush(ctx context.Context, key string, values ...string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
