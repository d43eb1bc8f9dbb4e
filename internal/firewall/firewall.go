// Package firewall gates inbound messages per sender with sliding-window
// rate limits, content checks and escalating penalties.
package firewall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/nextlevelbuilder/convoflow/internal/cache"
)

// ErrResetRefused is returned by Reset when the sender is a repeat offender and force is not set.
var ErrResetRefused = errors.New("firewall: sender has too many violations for a manual reset")

// resetThreshold is the violation count from which Reset requires force.
const resetThreshold = 5

// BehaviorCheck inspects a message beyond content rules. Returning an error degrades the check.
type BehaviorCheck func(ctx context.Context, senderID, text string) ([]Violation, error)

// Firewall evaluates inbound messages. Safe for concurrent use.
type Firewall struct {
	store     cache.Store
	limiter   *rateLimiter
	penalties *penalties
	maxRisk   int

	mu       sync.RWMutex
	content  ContentPolicy
	behavior []BehaviorCheck

	now func() time.Time
}

// New creates a firewall backed by store. Zero-valued fields fall back to DefaultConfig.
func New(store cache.Store, cfg Config) *Firewall {
	def := DefaultConfig()
	if len(cfg.Rules) == 0 {
		cfg.Rules = def.Rules
	}
	if cfg.MaxRiskScore <= 0 {
		cfg.MaxRiskScore = def.MaxRiskScore
	}
	if cfg.ViolationTTL <= 0 {
		cfg.ViolationTTL = def.ViolationTTL
	}
	return &Firewall{
		store:     store,
		limiter:   &rateLimiter{store: store, rules: cfg.Rules},
		penalties: &penalties{store: store, ttl: cfg.ViolationTTL},
		maxRisk:   cfg.MaxRiskScore,
		content:   cfg.Content,
		now:       time.Now,
	}
}

// SetClock overrides the time source (tests).
func (f *Firewall) SetClock(now func() time.Time) { f.now = now }

// SetContentPolicy swaps the content rules, e.g. after a config reload.
func (f *Firewall) SetContentPolicy(p ContentPolicy) {
	f.mu.Lock()
	f.content = p
	f.mu.Unlock()
}

// AddBehaviorCheck registers an additional check run after the content checks.
func (f *Firewall) AddBehaviorCheck(c BehaviorCheck) {
	f.mu.Lock()
	f.behavior = append(f.behavior, c)
	f.mu.Unlock()
}

// CheckMessage decides whether a message from senderID may proceed.
// Cache failures degrade to ALLOW.
func (f *Firewall) CheckMessage(ctx context.Context, senderID, text string) Result {
	res, err := f.check(ctx, senderID, text)
	if err != nil {
		slog.Warn("security.firewall_degraded", "sender_id", senderID, "error", err)
		return Result{Action: ActionAllow, Remaining: -1}
	}
	return res
}

func (f *Firewall) check(ctx context.Context, sender, text string) (Result, error) {
	now := f.now()

	until, blocked, err := f.penalties.blockedUntil(ctx, sender, now)
	if err != nil {
		return Result{}, err
	}
	if blocked {
		v := Violation{Type: ViolationUserBlocked, Severity: SeverityHigh, Message: "sender is blocked"}
		return Result{
			Action:          ActionBlock,
			Violations:      []Violation{v},
			RiskScore:       v.Severity.Score(),
			CooldownSeconds: cooldownSeconds(until, now),
			Remaining:       0,
		}, nil
	}

	rc, err := f.limiter.check(ctx, sender, now)
	if err != nil {
		return Result{}, err
	}

	var violations []Violation
	if rc.violated != nil {
		violations = append(violations, Violation{
			Type:     ViolationRateLimit,
			Severity: rc.violated.Severity,
			Message:  fmt.Sprintf("%d messages allowed per %s", rc.violated.MaxRequests, rc.violated.Window),
		})
	}

	f.mu.RLock()
	policy := f.content
	behavior := append([]BehaviorCheck(nil), f.behavior...)
	f.mu.RUnlock()

	cv, err := f.checkContent(ctx, sender, text, policy)
	if err != nil {
		return Result{}, err
	}
	violations = append(violations, cv...)

	for _, b := range behavior {
		bv, err := b(ctx, sender, text)
		if err != nil {
			slog.Debug("firewall behavior check failed", "sender_id", sender, "error", err)
			continue
		}
		violations = append(violations, bv...)
	}

	res := Result{Violations: violations, Remaining: rc.remaining}
	worst := Severity("")
	for _, v := range violations {
		res.RiskScore += v.Severity.Score()
		if v.Severity.rank() > worst.rank() {
			worst = v.Severity
		}
	}
	res.Action = f.decide(rc.violated != nil, worst, res.RiskScore)

	if len(violations) > 0 {
		count, err := f.penalties.recordViolation(ctx, sender)
		if err != nil {
			return Result{}, err
		}
		if res.Action != ActionBlock && ShouldAutoBlock(worst, count) {
			res.Action = ActionBlock
		}
		if res.Action == ActionBlock {
			d := BlockDuration(worst, count)
			if rc.violated != nil && rc.violated.BlockDuration > d {
				d = rc.violated.BlockDuration
			}
			if rc.retryAfter > d {
				d = rc.retryAfter
			}
			blockedUntil, err := f.penalties.block(ctx, sender, now.Add(d), now)
			if err != nil {
				return Result{}, err
			}
			res.CooldownSeconds = cooldownSeconds(blockedUntil, now)
			res.Remaining = 0
			slog.Warn("security.firewall_block",
				"sender_id", sender,
				"severity", worst,
				"violation_count", count,
				"risk_score", res.RiskScore,
				"cooldown_s", res.CooldownSeconds)
			return res, nil
		}
	}

	if err := f.limiter.record(ctx, sender, now); err != nil {
		return Result{}, err
	}
	if err := f.rememberMessage(ctx, sender, text, policy.RecentSize); err != nil {
		return Result{}, err
	}
	if res.Remaining > 0 {
		res.Remaining--
	}
	if res.Action == ActionWarn {
		slog.Info("security.firewall_warn", "sender_id", sender, "risk_score", res.RiskScore)
	}
	return res, nil
}

// decide applies the verdict policy in order.
func (f *Firewall) decide(rateLimited bool, worst Severity, risk int) Action {
	switch {
	case rateLimited:
		return ActionBlock
	case worst == SeverityCritical:
		return ActionBlock
	case risk >= f.maxRisk:
		return ActionBlock
	case worst == SeverityHigh:
		return ActionBlock
	case worst == SeverityMedium:
		return ActionWarn
	}
	return ActionAllow
}

// Status reports block state, violation count and window usage for senderID.
func (f *Firewall) Status(ctx context.Context, senderID string) (Status, error) {
	now := f.now()
	st := Status{SenderID: senderID}
	until, blocked, err := f.penalties.blockedUntil(ctx, senderID, now)
	if err != nil {
		return st, err
	}
	if blocked {
		st.Blocked = true
		st.BlockedUntil = &until
	}
	if st.ViolationCount, err = f.penalties.violationCount(ctx, senderID); err != nil {
		return st, err
	}
	if st.Windows, err = f.limiter.counts(ctx, senderID, now); err != nil {
		return st, err
	}
	return st, nil
}

// Reset clears the block, counters and windows for senderID. Repeat offenders
// need force.
func (f *Firewall) Reset(ctx context.Context, senderID string, force bool) error {
	if !force {
		n, err := f.penalties.violationCount(ctx, senderID)
		if err != nil {
			return err
		}
		if n >= resetThreshold {
			return ErrResetRefused
		}
	}
	if err := f.penalties.reset(ctx, senderID); err != nil {
		return err
	}
	if err := f.limiter.reset(ctx, senderID); err != nil {
		return err
	}
	slog.Info("security.firewall_reset", "sender_id", senderID, "force", force)
	return f.store.Del(ctx, recentKey(senderID))
}

func cooldownSeconds(until, now time.Time) int {
	return int(math.Ceil(until.Sub(now).Seconds()))
}
