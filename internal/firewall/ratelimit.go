package firewall

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convoflow/internal/cache"
)

func windowKey(sender string, rule RateLimitRule) string {
	return fmt.Sprintf("ratelimit:user:%s:window:%ds", sender, int(rule.Window/time.Second))
}

// rateLimiter is a sliding-window counter over timestamped sorted-set entries.
type rateLimiter struct {
	store cache.Store
	rules []RateLimitRule
}

// rateCheck is the outcome of evaluating the windows.
type rateCheck struct {
	violated  *RateLimitRule
	remaining int
	// retryAfter is how long until the oldest entry leaves the violated window.
	retryAfter time.Duration
}

// check evaluates each rule in order and stops at the first violated one.
// remaining reports the tightest capacity seen across the evaluated rules.
func (r *rateLimiter) check(ctx context.Context, sender string, now time.Time) (rateCheck, error) {
	res := rateCheck{remaining: -1}
	nowMs := float64(now.UnixMilli())
	for i := range r.rules {
		rule := r.rules[i]
		key := windowKey(sender, rule)
		start := nowMs - float64(rule.Window.Milliseconds())
		if err := r.store.ZRemRangeByScore(ctx, key, math.Inf(-1), start); err != nil {
			return res, err
		}
		count, err := r.store.ZCount(ctx, key, start, math.Inf(1))
		if err != nil {
			return res, err
		}
		left := rule.MaxRequests - int(count)
		if left < 0 {
			left = 0
		}
		if res.remaining < 0 || left < res.remaining {
			res.remaining = left
		}
		if int(count) >= rule.MaxRequests {
			res.violated = &rule
			oldest, ok, err := r.store.ZOldest(ctx, key)
			if err != nil {
				return res, err
			}
			if ok {
				exit := time.UnixMilli(int64(oldest.Score)).Add(rule.Window)
				if exit.After(now) {
					res.retryAfter = exit.Sub(now)
				}
			}
			return res, nil
		}
	}
	return res, nil
}

// record adds the request to every window.
func (r *rateLimiter) record(ctx context.Context, sender string, now time.Time) error {
	member := uuid.NewString()
	for _, rule := range r.rules {
		key := windowKey(sender, rule)
		if err := r.store.ZAdd(ctx, key, float64(now.UnixMilli()), member); err != nil {
			return err
		}
		if err := r.store.Expire(ctx, key, rule.Window); err != nil {
			return err
		}
	}
	return nil
}

func (r *rateLimiter) counts(ctx context.Context, sender string, now time.Time) ([]WindowStatus, error) {
	out := make([]WindowStatus, 0, len(r.rules))
	nowMs := float64(now.UnixMilli())
	for _, rule := range r.rules {
		start := nowMs - float64(rule.Window.Milliseconds())
		n, err := r.store.ZCount(ctx, windowKey(sender, rule), start, math.Inf(1))
		if err != nil {
			return nil, err
		}
		out = append(out, WindowStatus{
			WindowSeconds: int(rule.Window / time.Second),
			Count:         n,
			MaxRequests:   rule.MaxRequests,
		})
	}
	return out, nil
}

func (r *rateLimiter) reset(ctx context.Context, sender string) error {
	keys := make([]string, 0, len(r.rules))
	for _, rule := range r.rules {
		keys = append(keys, windowKey(sender, rule))
	}
	return r.store.Del(ctx, keys...)
}
