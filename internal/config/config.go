package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/convoflow/internal/workflow"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration of the convoflow server.
type Config struct {
	Gateway     GatewayConfig     `json:"gateway"`
	Database    DatabaseConfig    `json:"database,omitempty"`
	Redis       RedisConfig       `json:"redis,omitempty"`
	Channels    ChannelsConfig    `json:"channels"`
	Auth        AuthConfig        `json:"auth,omitempty"`
	Firewall    FirewallConfig    `json:"firewall"`
	Classifier  ClassifierConfig  `json:"classifier"`
	Matcher     MatcherConfig     `json:"matcher,omitempty"`
	Workflow    WorkflowConfig    `json:"workflow,omitempty"`
	Replies     RepliesConfig     `json:"replies,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`
	mu          sync.RWMutex
}

// DatabaseConfig selects the SQL backend.
// DSN is NEVER read from config.json (secret), only from env CONVOFLOW_DATABASE_DSN.
type DatabaseConfig struct {
	Driver string `json:"driver,omitempty"` // "postgres" (default) or "sqlite"
	DSN    string `json:"-"`
}

// RedisConfig configures the shared cache. An empty Addr selects the in-process cache.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"-"` // from env CONVOFLOW_REDIS_PASSWORD only
	DB       int    `json:"db,omitempty"`
}

// AuthConfig controls pairing sessions.
type AuthConfig struct {
	TTLMinutes   int `json:"ttl_minutes,omitempty"`   // pending session lifetime (default 15)
	GraceMinutes int `json:"grace_minutes,omitempty"` // finished sessions stay readable this long (default 5)
}

// FirewallRule is one sliding-window rate limit.
type FirewallRule struct {
	WindowSeconds int    `json:"window_seconds"`
	MaxRequests   int    `json:"max_requests"`
	BlockSeconds  int    `json:"block_seconds"`
	Severity      string `json:"severity"` // LOW, MEDIUM, HIGH or CRITICAL
}

// ContentRulesConfig holds the content checks. These are re-applied on hot reload.
type ContentRulesConfig struct {
	MinLength     int                 `json:"min_length,omitempty"`
	MaxLength     int                 `json:"max_length,omitempty"`
	MaxDuplicates int                 `json:"max_duplicates,omitempty"` // consecutive identical messages tolerated
	RecentSize    int                 `json:"recent_size,omitempty"`
	URLPatterns   []string            `json:"url_patterns,omitempty"` // regexps; empty keeps the built-in set
	Denylist      FlexibleStringSlice `json:"denylist,omitempty"`
}

// FirewallConfig configures the conversational firewall.
type FirewallConfig struct {
	Rules             []FirewallRule     `json:"rules,omitempty"`
	MaxRiskScore      int                `json:"max_risk_score,omitempty"`
	ViolationTTLHours int                `json:"violation_ttl_hours,omitempty"` // default 720 (30 days)
	Content           ContentRulesConfig `json:"content,omitempty"`
}

// ClassifierConfig configures intention classification and its AI backend.
type ClassifierConfig struct {
	HistoryLimit    int    `json:"history_limit,omitempty"`     // default 15
	AITimeoutMs     int    `json:"ai_timeout_ms,omitempty"`     // default 1500
	CacheTTLSeconds int    `json:"cache_ttl_seconds,omitempty"` // default 300
	Provider        string `json:"provider,omitempty"`          // display name of the AI backend
	APIBase         string `json:"api_base,omitempty"`          // OpenAI-compatible endpoint; empty disables AI
	APIKey          string `json:"-"`                           // from env CONVOFLOW_AI_API_KEY only
	Model           string `json:"model,omitempty"`
	MaxRetries      int    `json:"max_retries,omitempty"`
}

// MatcherConfig configures agent selection.
type MatcherConfig struct {
	MaxCandidates  int `json:"max_candidates,omitempty"`   // default 50
	LoadTTLSeconds int `json:"load_ttl_seconds,omitempty"` // default 60
}

// WorkflowConfig declares the flows available to intentions.
type WorkflowConfig struct {
	StepBackoffMs int                 `json:"step_backoff_ms,omitempty"` // default 500
	Flows         []workflow.FlowDef `json:"flows,omitempty"`
}

// RepliesConfig holds the courtesy replies sent by the pipeline.
type RepliesConfig struct {
	Blocked          string `json:"blocked,omitempty"`
	NoAgent          string `json:"no_agent,omitempty"`
	ProcessTimeoutMs int    `json:"process_timeout_ms,omitempty"` // per inbound message (default 30000)
}

// MaintenanceConfig holds cron expressions for housekeeping jobs. Empty disables a job.
type MaintenanceConfig struct {
	AuthSweep     string `json:"auth_sweep,omitempty"`     // default "* * * * *"
	ChannelHealth string `json:"channel_health,omitempty"` // default "*/5 * * * *"
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
// When enabled, spans are exported to an OTLP-compatible backend (Jaeger, Tempo, Datadog, etc.).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext connection (set true for local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "convoflow")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
	SampleRatio float64           `json:"sample_ratio,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Database = src.Database
	c.Redis = src.Redis
	c.Channels = src.Channels
	c.Auth = src.Auth
	c.Firewall = src.Firewall
	c.Classifier = src.Classifier
	c.Matcher = src.Matcher
	c.Workflow = src.Workflow
	c.Replies = src.Replies
	c.Maintenance = src.Maintenance
	c.Telemetry = src.Telemetry
}

// ContentRules returns the current content rules under the read lock.
func (c *Config) ContentRules() ContentRulesConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Firewall.Content
}
