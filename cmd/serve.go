package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/convoflow/internal/authsession"
	"github.com/nextlevelbuilder/convoflow/internal/bus"
	"github.com/nextlevelbuilder/convoflow/internal/channels"
	"github.com/nextlevelbuilder/convoflow/internal/classifier"
	"github.com/nextlevelbuilder/convoflow/internal/firewall"
	"github.com/nextlevelbuilder/convoflow/internal/gateway"
	"github.com/nextlevelbuilder/convoflow/internal/matcher"
	"github.com/nextlevelbuilder/convoflow/internal/orchestrator"
	"github.com/nextlevelbuilder/convoflow/internal/pipeline"
	"github.com/nextlevelbuilder/convoflow/internal/qr"
	"github.com/nextlevelbuilder/convoflow/internal/store/sqlstore"
	"github.com/nextlevelbuilder/convoflow/internal/tracing"
	"github.com/nextlevelbuilder/convoflow/internal/workflow"
	"github.com/nextlevelbuilder/convoflow/pkg/protocol"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the channel runtime, message pipeline and HTTP gateway (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry.ToTracingConfig(), Version)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	kv, closeCache, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	stores := sqlstore.NewStores(db)

	msgBus := bus.New()

	fwCfg, err := cfg.Firewall.ToFirewallConfig()
	if err != nil {
		return err
	}
	fw := firewall.New(kv, fwCfg)

	sessions := authsession.NewManager(kv, cfg.Auth.ToSessionConfig())
	defer sessions.Shutdown()

	rt := channels.NewRuntime(cfg.Channels.ToRuntimeConfig(), channels.Deps{
		Channels: stores.Channels,
		Auth:     sessions,
		QR:       &qr.Renderer{Dir: cfg.Channels.QRDir, URLPrefix: cfg.Channels.QRURLPrefix},
		Events:   msgBus,
	})
	providerNames := registerDrivers(rt, cfg.Channels.Providers)

	cls := classifier.New(classifier.Deps{
		Conversations: stores.Conversations,
		Messages:      stores.Messages,
		Intentions:    stores.Intentions,
		Cache:         kv,
		AI:            buildAIProvider(cfg.Classifier),
	}, cfg.Classifier.ToClassifierConfig())

	match := matcher.New(matcher.Deps{
		Agents:        stores.Agents,
		Conversations: stores.Conversations,
		Channels:      stores.Channels,
		Cache:         kv,
	}, cfg.Matcher.ToMatcherConfig())

	flows := workflow.NewRegistry()
	engine := workflow.NewEngine(workflow.Deps{
		Conversations: stores.Conversations,
		Intentions:    stores.Intentions,
		Registry:      flows,
		Executor:      workflow.NewExecutor(cfg.Workflow.StepBackoff()),
		Events:        msgBus,
	})

	orch := orchestrator.New(orchestrator.Deps{
		Conversations: stores.Conversations,
		Classifier:    cls,
		Matcher:       match,
		Workflow:      engine,
		Typing:        rt,
		Events:        msgBus,
	})

	pipe := pipeline.New(pipeline.Deps{
		Stores:       stores,
		Firewall:     fw,
		Orchestrator: orch,
		Sender:       rt,
		Loads:        match,
		Events:       msgBus,
	}, cfg.Replies.ToPipelineConfig())

	actions := workflow.Actions{Replier: pipe, Events: msgBus}
	if err := flows.Load(cfg.Workflow.Flows, actions); err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}
	rt.SetMessageHandler(pipe.HandleInbound)

	sched, err := buildMaintenance(cfg.Maintenance, sessions, rt)
	if err != nil {
		return err
	}

	server := gateway.NewServer(cfg.Gateway.ToServerConfig(), gateway.Deps{
		Channels:      stores.Channels,
		Runtime:       rt,
		Sessions:      sessions,
		Firewall:      fw,
		Workflows:     engine,
		Conversations: pipe,
		Events:        msgBus,
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		watchConfig(ctx, resolveConfigPath(), cfg, fw, flows, actions)
	}()

	started, err := rt.InitializeActiveChannels(ctx)
	if err != nil {
		slog.Warn("channel initialization incomplete", "started", started, "error", err)
	}

	slog.Info("convoflow starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"database", db.Driver(),
		"providers", providerNames,
		"channels", started,
		"flows", flows.Names(),
		"jobs", sched.Jobs(),
	)

	serveErr := server.Start(ctx)
	if serveErr != nil {
		slog.Error("gateway error", "error", serveErr)
		stop()
	}

	slog.Info("graceful shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		slog.Warn("channel shutdown reported errors", "error", err)
	}
	wg.Wait()
	return serveErr
}
