package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/convoflow/internal/firewall"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	rc := cfg.Channels.ToRuntimeConfig()
	assert.Equal(t, time.Second, rc.Debounce)
	assert.Equal(t, 2*time.Second, rc.RestartPause)
	assert.Equal(t, 10*time.Second, rc.RestoreWait)
	assert.Equal(t, 10*time.Second, rc.ShutdownTimeout)

	sc := cfg.Auth.ToSessionConfig()
	assert.Equal(t, 15*time.Minute, sc.TTL)
	assert.Equal(t, 5*time.Minute, sc.Grace)

	cc := cfg.Classifier.ToClassifierConfig()
	assert.Equal(t, 15, cc.HistoryLimit)
	assert.Equal(t, 1500*time.Millisecond, cc.AITimeout)
	assert.Equal(t, 5*time.Minute, cc.CacheTTL)

	mc := cfg.Matcher.ToMatcherConfig()
	assert.Equal(t, 50, mc.MaxCandidates)
	assert.Equal(t, 60*time.Second, mc.LoadTTL)

	fc, err := cfg.Firewall.ToFirewallConfig()
	require.NoError(t, err)
	assert.Equal(t, firewall.DefaultConfig().Rules, fc.Rules)
	assert.Equal(t, 100, fc.MaxRiskScore)
	assert.Equal(t, 30*24*time.Hour, fc.ViolationTTL)
	assert.Len(t, fc.Content.URLPatterns, len(firewall.DefaultURLPatterns()))

	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, Default().Gateway.Port, cfg.Gateway.Port)
}

func TestLoadJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{
		// comments and trailing commas are fine
		gateway: { port: 9000, token: "from-file" },
		database: { driver: "sqlite" },
		firewall: {
			rules: [{ window_seconds: 30, max_requests: 3, block_seconds: 90, severity: "critical" }],
			content: { denylist: ["casino", 42] },
		},
		workflow: {
			flows: [{ name: "booking", steps: [{ id: "ask", action: "reply", params: { text: "hi" } }] }],
		},
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Gateway.Port)
	assert.Equal(t, "0.0.0.0", cfg.Gateway.Host, "unset fields keep defaults")
	assert.Empty(t, cfg.Gateway.Token, "secrets are never read from the file")
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, FlexibleStringSlice{"casino", "42"}, cfg.Firewall.Content.Denylist)
	assert.Equal(t, 4096, cfg.Firewall.Content.MaxLength)
	require.Len(t, cfg.Workflow.Flows, 1)
	assert.Equal(t, "booking", cfg.Workflow.Flows[0].Name)

	fc, err := cfg.Firewall.ToFirewallConfig()
	require.NoError(t, err)
	require.Len(t, fc.Rules, 1)
	assert.Equal(t, firewall.RateLimitRule{
		Window: 30 * time.Second, MaxRequests: 3, BlockDuration: 90 * time.Second, Severity: firewall.SeverityCritical,
	}, fc.Rules[0])
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"severity", `{firewall: {rules: [{window_seconds: 1, max_requests: 1, severity: "loud"}]}}`, "unknown severity"},
		{"rule bounds", `{firewall: {rules: [{window_seconds: 0, max_requests: 1, severity: "LOW"}]}}`, "must be positive"},
		{"url pattern", `{firewall: {content: {url_patterns: ["("]}}}`, "url_patterns"},
		{"driver", `{database: {driver: "oracle"}}`, "database.driver"},
		{"flow dup", `{workflow: {flows: [{name: "a", steps: []}, {name: "a", steps: []}]}}`, "defined twice"},
		{"syntax", `{gateway: `, "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			writeFile(t, path, tt.body)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONVOFLOW_DATABASE_DSN", "postgres://x")
	t.Setenv("CONVOFLOW_GATEWAY_TOKEN", "secret")
	t.Setenv("CONVOFLOW_AI_API_KEY", "sk-1")
	t.Setenv("CONVOFLOW_AI_API_BASE", "http://ai.local/v1")
	t.Setenv("CONVOFLOW_PORT", "7000")
	t.Setenv("CONVOFLOW_REDIS_ADDR", "redis:6379")
	t.Setenv("CONVOFLOW_TELEMETRY_ENABLED", "1")

	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{gateway: {port: 9000}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://x", cfg.Database.DSN)
	assert.Equal(t, "secret", cfg.Gateway.Token)
	assert.Equal(t, 7000, cfg.Gateway.Port, "env wins over file")
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.True(t, cfg.Classifier.AIEnabled())
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	writeFile(t, path, "CONVOFLOW_TEST_A=from-file\nCONVOFLOW_TEST_B=from-file\n")
	t.Setenv("CONVOFLOW_TEST_B", "from-env")
	t.Cleanup(func() { os.Unsetenv("CONVOFLOW_TEST_A") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("CONVOFLOW_TEST_A"))
	assert.Equal(t, "from-env", os.Getenv("CONVOFLOW_TEST_B"), "existing variables win")
}

func TestSaveOmitsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Token = "tok"
	cfg.Database.DSN = "dsn"
	cfg.Classifier.APIKey = "key"
	cfg.Redis.Password = "pw"

	path := filepath.Join(t.TempDir(), "sub", "config.json")
	require.NoError(t, Save(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, secret := range []string{`"tok"`, `"dsn"`, `"key"`, `"pw"`} {
		assert.NotContains(t, string(data), secret)
	}

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Gateway.Port, loaded.Gateway.Port)
	assert.Equal(t, cfg.Firewall.Rules, loaded.Firewall.Rules)
	assert.Empty(t, loaded.Gateway.Token)
}

func TestContentPolicyCustomPatterns(t *testing.T) {
	cr := ContentRulesConfig{MaxLength: 10, URLPatterns: []string{`evil\.example`}, Denylist: FlexibleStringSlice{"spam"}}
	p, err := cr.ToContentPolicy()
	require.NoError(t, err)
	require.Len(t, p.URLPatterns, 1)
	assert.True(t, p.URLPatterns[0].MatchString("http://evil.example/x"))
	assert.Equal(t, []string{"spam"}, p.Denylist)
}

func TestNegativeDebounceDisables(t *testing.T) {
	cc := ChannelsConfig{InboundDebounceMs: -1}
	assert.Less(t, int64(cc.ToRuntimeConfig().Debounce), int64(0))
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{firewall: {content: {denylist: ["initial"]}}}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 8)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { got <- c })
	}()

	// The watcher may not be registered yet, so keep writing new content
	// (slower than the reload debounce) until a reload comes through.
	tick := time.NewTicker(400 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(5 * time.Second)
	for i := 0; ; i++ {
		select {
		case c := <-got:
			rules := c.ContentRules()
			require.Len(t, rules.Denylist, 1)
			assert.True(t, strings.HasPrefix(rules.Denylist[0], "spam-"))
			cancel()
			require.NoError(t, <-done)
			return
		case <-tick.C:
			writeFile(t, path, fmt.Sprintf(`{firewall: {content: {denylist: ["spam-%d"]}}}`, i))
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestWatchSkipsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{}`)

	ctx, cancel := context.WithTimeout(context.Background(), 800*time.Millisecond)
	defer cancel()

	called := false
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = os.WriteFile(path, []byte(`{broken`), 0o600)
	}()
	require.NoError(t, Watch(ctx, path, func(*Config) { called = true }))
	assert.False(t, called)
}
