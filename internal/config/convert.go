package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nextlevelbuilder/convoflow/internal/authsession"
	"github.com/nextlevelbuilder/convoflow/internal/cache"
	"github.com/nextlevelbuilder/convoflow/internal/channels"
	"github.com/nextlevelbuilder/convoflow/internal/classifier"
	"github.com/nextlevelbuilder/convoflow/internal/firewall"
	"github.com/nextlevelbuilder/convoflow/internal/gateway"
	"github.com/nextlevelbuilder/convoflow/internal/matcher"
	"github.com/nextlevelbuilder/convoflow/internal/pipeline"
	"github.com/nextlevelbuilder/convoflow/internal/providers"
	"github.com/nextlevelbuilder/convoflow/internal/store"
	"github.com/nextlevelbuilder/convoflow/internal/tracing"
)

func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ToStoreConfig converts DatabaseConfig to store.StoreConfig.
func (d DatabaseConfig) ToStoreConfig() store.StoreConfig {
	return store.StoreConfig{Driver: d.Driver, DSN: d.DSN}
}

// ToCacheConfig converts RedisConfig to cache.RedisConfig.
func (r RedisConfig) ToCacheConfig() cache.RedisConfig {
	return cache.RedisConfig{Addr: r.Addr, Password: r.Password, DB: r.DB}
}

// ToRuntimeConfig converts ChannelsConfig to channels.Config.
// A negative debounce disables coalescing.
func (cc ChannelsConfig) ToRuntimeConfig() channels.Config {
	debounce := millis(cc.InboundDebounceMs)
	if cc.InboundDebounceMs < 0 {
		debounce = -1
	}
	return channels.Config{
		Debounce:         debounce,
		RestartPause:     millis(cc.RestartPauseMs),
		ShutdownTimeout:  millis(cc.ShutdownTimeoutMs),
		QRTimeout:        seconds(cc.QRTimeoutSeconds),
		RestoreWait:      millis(cc.RestoreWaitMs),
		SendRate:         cc.SendRate,
		SendBurst:        cc.SendBurst,
		StartConcurrency: cc.StartConcurrency,
	}
}

// ToSessionConfig converts AuthConfig to authsession.Config.
func (a AuthConfig) ToSessionConfig() authsession.Config {
	return authsession.Config{
		TTL:   time.Duration(a.TTLMinutes) * time.Minute,
		Grace: time.Duration(a.GraceMinutes) * time.Minute,
	}
}

func parseSeverity(s string) (firewall.Severity, error) {
	sev := firewall.Severity(strings.ToUpper(strings.TrimSpace(s)))
	switch sev {
	case firewall.SeverityLow, firewall.SeverityMedium, firewall.SeverityHigh, firewall.SeverityCritical:
		return sev, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// ToFirewallConfig converts FirewallConfig to firewall.Config.
func (f FirewallConfig) ToFirewallConfig() (firewall.Config, error) {
	rules := make([]firewall.RateLimitRule, 0, len(f.Rules))
	for i, r := range f.Rules {
		if r.WindowSeconds <= 0 || r.MaxRequests <= 0 {
			return firewall.Config{}, fmt.Errorf("firewall.rules[%d]: window_seconds and max_requests must be positive", i)
		}
		sev, err := parseSeverity(r.Severity)
		if err != nil {
			return firewall.Config{}, fmt.Errorf("firewall.rules[%d]: %w", i, err)
		}
		rules = append(rules, firewall.RateLimitRule{
			Window:        seconds(r.WindowSeconds),
			MaxRequests:   r.MaxRequests,
			BlockDuration: seconds(r.BlockSeconds),
			Severity:      sev,
		})
	}
	content, err := f.Content.ToContentPolicy()
	if err != nil {
		return firewall.Config{}, err
	}
	return firewall.Config{
		Rules:        rules,
		MaxRiskScore: f.MaxRiskScore,
		ViolationTTL: time.Duration(f.ViolationTTLHours) * time.Hour,
		Content:      content,
	}, nil
}

// ToContentPolicy compiles the content rules. Empty URL patterns keep the built-in set.
func (cr ContentRulesConfig) ToContentPolicy() (firewall.ContentPolicy, error) {
	patterns := firewall.DefaultURLPatterns()
	if len(cr.URLPatterns) > 0 {
		patterns = make([]*regexp.Regexp, 0, len(cr.URLPatterns))
		for _, p := range cr.URLPatterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return firewall.ContentPolicy{}, fmt.Errorf("firewall.content.url_patterns %q: %w", p, err)
			}
			patterns = append(patterns, re)
		}
	}
	return firewall.ContentPolicy{
		MinLength:     cr.MinLength,
		MaxLength:     cr.MaxLength,
		MaxDuplicates: cr.MaxDuplicates,
		RecentSize:    cr.RecentSize,
		URLPatterns:   patterns,
		Denylist:      []string(cr.Denylist),
	}, nil
}

// ToClassifierConfig converts ClassifierConfig to classifier.Config.
func (cc ClassifierConfig) ToClassifierConfig() classifier.Config {
	return classifier.Config{
		HistoryLimit: cc.HistoryLimit,
		AITimeout:    millis(cc.AITimeoutMs),
		CacheTTL:     seconds(cc.CacheTTLSeconds),
		Model:        cc.Model,
	}
}

// AIEnabled reports whether an AI backend is configured.
func (cc ClassifierConfig) AIEnabled() bool {
	return cc.APIBase != "" && cc.APIKey != ""
}

// ToRetryConfig converts ClassifierConfig to providers.RetryConfig with defaults applied.
func (cc ClassifierConfig) ToRetryConfig() providers.RetryConfig {
	cfg := providers.DefaultRetryConfig()
	if cc.MaxRetries > 0 {
		cfg.Attempts = cc.MaxRetries + 1
	}
	return cfg
}

// ToMatcherConfig converts MatcherConfig to matcher.Config.
func (m MatcherConfig) ToMatcherConfig() matcher.Config {
	return matcher.Config{
		MaxCandidates: m.MaxCandidates,
		LoadTTL:       seconds(m.LoadTTLSeconds),
	}
}

// StepBackoff returns the base retry backoff for workflow steps.
func (w WorkflowConfig) StepBackoff() time.Duration {
	return millis(w.StepBackoffMs)
}

// ToPipelineConfig converts RepliesConfig to pipeline.Config.
func (r RepliesConfig) ToPipelineConfig() pipeline.Config {
	return pipeline.Config{
		BlockedReply: r.Blocked,
		NoAgentReply: r.NoAgent,
		Timeout:      millis(r.ProcessTimeoutMs),
	}
}

// ToServerConfig converts GatewayConfig to gateway.Config.
func (g GatewayConfig) ToServerConfig() gateway.Config {
	return gateway.Config{
		Host:           g.Host,
		Port:           g.Port,
		Token:          g.Token,
		AllowedOrigins: []string(g.AllowedOrigins),
		RateLimitRPM:   g.RateLimitRPM,
		PublicDir:      g.PublicDir,
	}
}

// ToTracingConfig converts TelemetryConfig to tracing.Config.
func (t TelemetryConfig) ToTracingConfig() tracing.Config {
	return tracing.Config{
		Enabled:     t.Enabled,
		Endpoint:    t.Endpoint,
		Protocol:    t.Protocol,
		Insecure:    t.Insecure,
		ServiceName: t.ServiceName,
		Headers:     t.Headers,
		SampleRatio: t.SampleRatio,
	}
}
