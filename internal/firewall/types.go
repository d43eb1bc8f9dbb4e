package firewall

import (
	"regexp"
	"time"
)

// Action is the firewall verdict for one inbound message.
type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionWarn  Action = "WARN"
	ActionBlock Action = "BLOCK"
)

// Severity grades a violation. It drives both the verdict and the penalty.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// rank orders severities for comparison.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Score is the risk contribution of a single violation.
func (s Severity) Score() int {
	switch s {
	case SeverityLow:
		return 10
	case SeverityMedium:
		return 25
	case SeverityHigh:
		return 50
	case SeverityCritical:
		return 100
	}
	return 0
}

// ViolationType identifies which check produced a violation.
type ViolationType string

const (
	ViolationRateLimit     ViolationType = "RATE_LIMIT_EXCEEDED"
	ViolationTooLong       ViolationType = "MESSAGE_TOO_LONG"
	ViolationTooShort      ViolationType = "MESSAGE_TOO_SHORT"
	ViolationDuplicate     ViolationType = "DUPLICATE_MESSAGE"
	ViolationSuspiciousURL ViolationType = "SUSPICIOUS_URL"
	ViolationBlocked       ViolationType = "BLOCKED_CONTENT"
	ViolationUserBlocked   ViolationType = "USER_BLOCKED"
)

// Violation is a single failed check.
type Violation struct {
	Type     ViolationType `json:"type"`
	Severity Severity      `json:"severity"`
	Message  string        `json:"message"`
}

// Result is the outcome of CheckMessage.
type Result struct {
	Action          Action      `json:"action"`
	Violations      []Violation `json:"violations"`
	RiskScore       int         `json:"riskScore"`
	CooldownSeconds int         `json:"cooldownSeconds,omitempty"`
	// Remaining is the capacity left in the most restrictive rate window, -1 when unknown.
	Remaining int `json:"remaining"`
}

// RateLimitRule is one sliding window.
type RateLimitRule struct {
	Window        time.Duration
	MaxRequests   int
	BlockDuration time.Duration
	Severity      Severity
}

// ContentPolicy holds the content checks that can be swapped at runtime.
type ContentPolicy struct {
	MinLength     int
	MaxLength     int
	MaxDuplicates int // consecutive identical messages tolerated
	RecentSize    int // length of the recent-message list
	URLPatterns   []*regexp.Regexp
	Denylist      []string
}

// Config configures a Firewall.
type Config struct {
	Rules        []RateLimitRule
	MaxRiskScore int
	ViolationTTL time.Duration
	Content      ContentPolicy
}

// DefaultConfig returns the built-in limits.
func DefaultConfig() Config {
	return Config{
		Rules: []RateLimitRule{
			{Window: 60 * time.Second, MaxRequests: 20, BlockDuration: 300 * time.Second, Severity: SeverityHigh},
			{Window: 10 * time.Second, MaxRequests: 5, BlockDuration: 60 * time.Second, Severity: SeverityMedium},
		},
		MaxRiskScore: 100,
		ViolationTTL: 30 * 24 * time.Hour,
		Content: ContentPolicy{
			MinLength:     1,
			MaxLength:     4096,
			MaxDuplicates: 3,
			RecentSize:    10,
			URLPatterns:   DefaultURLPatterns(),
		},
	}
}

// DefaultURLPatterns matches shortened links, raw IP hosts and credential-phishing style URLs.
func DefaultURLPatterns() []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(`(?i)https?://(bit\.ly|tinyurl\.com|goo\.gl|t\.co|ow\.ly|is\.gd)/`),
		regexp.MustCompile(`(?i)https?://\d{1,3}(\.\d{1,3}){3}`),
		regexp.MustCompile(`(?i)https?://[^\s]*(login|verify|account|secure)[^\s]*\.(xyz|top|click|zip)`),
	}
}

// Status reports the stored state for one sender.
type Status struct {
	SenderID       string         `json:"senderId"`
	Blocked        bool           `json:"blocked"`
	BlockedUntil   *time.Time     `json:"blockedUntil,omitempty"`
	ViolationCount int64          `json:"violationCount"`
	Windows        []WindowStatus `json:"windows"`
}

// WindowStatus is the current request count for one rule.
type WindowStatus struct {
	WindowSeconds int   `json:"windowSeconds"`
	Count         int64 `json:"count"`
	MaxRequests   int   `json:"maxRequests"`
}
