package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/convoflow/internal/authsession"
	"github.com/nextlevelbuilder/convoflow/internal/cache"
	"github.com/nextlevelbuilder/convoflow/internal/channels"
	"github.com/nextlevelbuilder/convoflow/internal/channels/discord"
	"github.com/nextlevelbuilder/convoflow/internal/channels/telegram"
	"github.com/nextlevelbuilder/convoflow/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/convoflow/internal/config"
	"github.com/nextlevelbuilder/convoflow/internal/firewall"
	"github.com/nextlevelbuilder/convoflow/internal/maintenance"
	"github.com/nextlevelbuilder/convoflow/internal/providers"
	"github.com/nextlevelbuilder/convoflow/internal/store"
	"github.com/nextlevelbuilder/convoflow/internal/store/sqlstore"
	"github.com/nextlevelbuilder/convoflow/internal/workflow"
	"github.com/nextlevelbuilder/convoflow/pkg/protocol"
)

// openCache connects to Redis when configured, otherwise falls back to the
// in-process cache (single instance only).
func openCache(ctx context.Context, cfg *config.Config) (cache.Store, func(), error) {
	if cfg.Redis.Addr == "" {
		slog.Info("using in-process cache")
		return cache.NewMemory(), func() {}, nil
	}
	rc, err := cache.NewRedis(ctx, cfg.Redis.ToCacheConfig())
	if err != nil {
		return nil, nil, err
	}
	slog.Info("using redis cache", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
	return rc, func() {
		if err := rc.Close(); err != nil {
			slog.Warn("redis close failed", "error", err)
		}
	}, nil
}

// storeConfig resolves the database settings. The DSN comes from the
// environment only; SQLite falls back to a local file.
func storeConfig(cfg *config.Config) (store.StoreConfig, error) {
	sc := cfg.Database.ToStoreConfig()
	if sc.DSN == "" && sc.Driver != sqlstore.DriverSQLite {
		return sc, fmt.Errorf("CONVOFLOW_DATABASE_DSN environment variable is not set")
	}
	return sc, nil
}

// openDatabase applies pending migrations and opens the store connection.
func openDatabase(cfg *config.Config) (*sqlstore.DB, error) {
	sc, err := storeConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := sqlstore.MigrateUp(sc); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := sqlstore.Open(sc)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// registerDrivers installs the driver factory for every enabled provider and
// returns the names that were registered.
func registerDrivers(rt *channels.Runtime, enabled []string) []string {
	factories := map[string]channels.DriverFactory{
		protocol.ProviderWhatsApp: whatsapp.Factory,
		protocol.ProviderTelegram: telegram.Factory,
		protocol.ProviderDiscord:  discord.Factory,
	}
	var names []string
	for _, name := range enabled {
		name = strings.ToLower(strings.TrimSpace(name))
		f, ok := factories[name]
		if !ok {
			slog.Warn("unknown channel provider in config", "provider", name)
			continue
		}
		rt.RegisterFactory(name, f)
		names = append(names, name)
	}
	return names
}

// buildAIProvider returns nil when no AI backend is configured, leaving the
// classifier on the heuristic path.
func buildAIProvider(cc config.ClassifierConfig) providers.Provider {
	if !cc.AIEnabled() {
		slog.Info("ai classification disabled, using heuristic only")
		return nil
	}
	p := providers.NewOpenAIProvider(cc.Provider, cc.APIKey, cc.APIBase, cc.Model).
		WithRetry(cc.ToRetryConfig())
	slog.Info("registered provider", "name", cc.Provider, "model", cc.Model)
	return p
}

// buildMaintenance registers the housekeeping jobs whose schedule is set.
func buildMaintenance(mc config.MaintenanceConfig, sessions *authsession.Manager, rt *channels.Runtime) (*maintenance.Scheduler, error) {
	sched := maintenance.New()
	if mc.AuthSweep != "" {
		if err := sched.Add(maintenance.AuthSweepJob(mc.AuthSweep, sessions)); err != nil {
			return nil, err
		}
	}
	if mc.ChannelHealth != "" {
		if err := sched.Add(maintenance.ChannelHealthJob(mc.ChannelHealth, rt)); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// watchConfig applies hot-reloadable settings: firewall content rules and
// workflow definitions. Everything else needs a restart.
func watchConfig(ctx context.Context, path string, cfg *config.Config, fw *firewall.Firewall, flows *workflow.Registry, actions workflow.Actions) {
	err := config.Watch(ctx, path, func(next *config.Config) {
		policy, err := next.Firewall.Content.ToContentPolicy()
		if err != nil {
			slog.Warn("config.reload_rejected", "error", err)
			return
		}
		if err := flows.Load(next.Workflow.Flows, actions); err != nil {
			slog.Warn("config.reload_rejected", "error", err)
			return
		}
		fw.SetContentPolicy(policy)
		cfg.ReplaceFrom(next)
		slog.Info("config applied",
			"denylist", len(policy.Denylist),
			"url_patterns", len(policy.URLPatterns),
			"flows", flows.Names(),
		)
	})
	if err != nil {
		slog.Warn("config watcher stopped", "error", err)
	}
}
