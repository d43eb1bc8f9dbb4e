package config

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         18800,
			RateLimitRPM: 120,
			PublicDir:    "./public",
		},
		Database: DatabaseConfig{Driver: "postgres"},
		Channels: ChannelsConfig{
			InboundDebounceMs: 1000,
			RestartPauseMs:    2000,
			ShutdownTimeoutMs: 10000,
			QRTimeoutSeconds:  30,
			RestoreWaitMs:     10000,
			SendRate:          5,
			SendBurst:         10,
			StartConcurrency:  4,
			QRDir:             "./public/qr",
			QRURLPrefix:       "/public/qr",
			Providers:         FlexibleStringSlice{"whatsapp", "telegram", "discord"},
		},
		Auth: AuthConfig{TTLMinutes: 15, GraceMinutes: 5},
		Firewall: FirewallConfig{
			Rules: []FirewallRule{
				{WindowSeconds: 60, MaxRequests: 20, BlockSeconds: 300, Severity: "HIGH"},
				{WindowSeconds: 10, MaxRequests: 5, BlockSeconds: 60, Severity: "MEDIUM"},
			},
			MaxRiskScore:      100,
			ViolationTTLHours: 30 * 24,
			Content: ContentRulesConfig{
				MinLength:     1,
				MaxLength:     4096,
				MaxDuplicates: 3,
				RecentSize:    10,
			},
		},
		Classifier: ClassifierConfig{
			HistoryLimit:    15,
			AITimeoutMs:     1500,
			CacheTTLSeconds: 300,
			Provider:        "openai",
			Model:           "gpt-4o-mini",
			MaxRetries:      2,
		},
		Matcher:  MatcherConfig{MaxCandidates: 50, LoadTTLSeconds: 60},
		Workflow: WorkflowConfig{StepBackoffMs: 500},
		Replies: RepliesConfig{
			Blocked:          "You are sending messages too quickly. Please wait a moment and try again.",
			NoAgent:          "All of our agents are busy right now. We will get back to you shortly.",
			ProcessTimeoutMs: 30000,
		},
		Maintenance: MaintenanceConfig{
			AuthSweep:     "* * * * *",
			ChannelHealth: "*/5 * * * *",
		},
		Telemetry: TelemetryConfig{ServiceName: "convoflow"},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Existing variables win. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Secrets
	envStr("CONVOFLOW_DATABASE_DSN", &c.Database.DSN)
	envStr("CONVOFLOW_REDIS_PASSWORD", &c.Redis.Password)
	envStr("CONVOFLOW_AI_API_KEY", &c.Classifier.APIKey)
	envStr("CONVOFLOW_GATEWAY_TOKEN", &c.Gateway.Token)

	envStr("CONVOFLOW_DATABASE_DRIVER", &c.Database.Driver)
	envStr("CONVOFLOW_REDIS_ADDR", &c.Redis.Addr)
	envStr("CONVOFLOW_AI_API_BASE", &c.Classifier.APIBase)
	envStr("CONVOFLOW_AI_MODEL", &c.Classifier.Model)

	// Gateway host/port
	envStr("CONVOFLOW_HOST", &c.Gateway.Host)
	envInt("CONVOFLOW_PORT", &c.Gateway.Port)
	envStr("CONVOFLOW_PUBLIC_DIR", &c.Gateway.PublicDir)

	// Telemetry
	envStr("CONVOFLOW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CONVOFLOW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CONVOFLOW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("CONVOFLOW_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("CONVOFLOW_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Validate checks the parts of the config that can be wrong in ways the
// components would only discover at runtime.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver %q: want postgres or sqlite", c.Database.Driver)
	}
	if _, err := c.Firewall.ToFirewallConfig(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Workflow.Flows))
	for _, f := range c.Workflow.Flows {
		if f.Name == "" {
			return fmt.Errorf("workflow flow without name")
		}
		if seen[f.Name] {
			return fmt.Errorf("workflow flow %q defined twice", f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// Save writes the config to a JSON file. Secrets are never written.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config, used to skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}
