package firewall

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/convoflow/internal/cache"
)

const maxPenaltyMultiplier = 5

// BaseDuration is the block length for a first violation of the given severity.
func BaseDuration(s Severity) time.Duration {
	switch s {
	case SeverityLow:
		return time.Minute
	case SeverityMedium:
		return 5 * time.Minute
	case SeverityHigh:
		return 15 * time.Minute
	case SeverityCritical:
		return time.Hour
	}
	return time.Minute
}

// BlockDuration is a pure function of severity and the sender's violation count.
func BlockDuration(s Severity, count int64) time.Duration {
	if count < 1 {
		count = 1
	}
	mult := count
	if mult > maxPenaltyMultiplier {
		mult = maxPenaltyMultiplier
	}
	d := BaseDuration(s) * time.Duration(mult)
	if s == SeverityCritical && count > 2 {
		d *= 2
	}
	return d
}

// ShouldAutoBlock reports whether a violation of severity s, being the
// count-th for this sender, escalates to a block.
func ShouldAutoBlock(s Severity, count int64) bool {
	switch s {
	case SeverityCritical, SeverityHigh:
		return true
	case SeverityMedium:
		return count >= 2
	case SeverityLow:
		return count >= 5
	}
	return false
}

func blockedUntilKey(sender string) string   { return "firewall:user:" + sender + ":blocked_until" }
func violationCountKey(sender string) string { return "firewall:user:" + sender + ":violation_count" }

// penalties stores violation counters and block deadlines.
type penalties struct {
	store cache.Store
	ttl   time.Duration
}

// blockedUntil returns the active block deadline, if any.
func (p *penalties) blockedUntil(ctx context.Context, sender string, now time.Time) (time.Time, bool, error) {
	raw, err := p.store.Get(ctx, blockedUntilKey(sender))
	if errors.Is(err, cache.ErrMiss) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse blocked_until %q: %w", raw, err)
	}
	until := time.UnixMilli(ms)
	if !until.After(now) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func (p *penalties) violationCount(ctx context.Context, sender string) (int64, error) {
	raw, err := p.store.Get(ctx, violationCountKey(sender))
	if errors.Is(err, cache.ErrMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// recordViolation bumps the counter and refreshes its decay TTL.
func (p *penalties) recordViolation(ctx context.Context, sender string) (int64, error) {
	key := violationCountKey(sender)
	n, err := p.store.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := p.store.Expire(ctx, key, p.ttl); err != nil {
		return n, err
	}
	return n, nil
}

// block extends the sender's block to at least until. The deadline never moves backwards.
func (p *penalties) block(ctx context.Context, sender string, until, now time.Time) (time.Time, error) {
	if existing, ok, err := p.blockedUntil(ctx, sender, now); err != nil {
		return time.Time{}, err
	} else if ok && existing.After(until) {
		until = existing
	}
	val := strconv.FormatInt(until.UnixMilli(), 10)
	if err := p.store.Set(ctx, blockedUntilKey(sender), val, until.Sub(now)); err != nil {
		return time.Time{}, err
	}
	return until, nil
}

func (p *penalties) reset(ctx context.Context, sender string) error {
	return p.store.Del(ctx, blockedUntilKey(sender), violationCountKey(sender))
}
