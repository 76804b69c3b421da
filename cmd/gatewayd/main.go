// Command gatewayd is the host-side agent gateway: it connects out to the
// orchestrator, registers this host's execution capabilities, then runs,
// streams, and reports on dispatched agent tasks while maintaining the
// local memory store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/basket/go-gateway/internal/app"
	"github.com/basket/go-gateway/internal/audit"
	"github.com/basket/go-gateway/internal/bus"
	"github.com/basket/go-gateway/internal/config"
	"github.com/basket/go-gateway/internal/cron"
	"github.com/basket/go-gateway/internal/executor"
	"github.com/basket/go-gateway/internal/link"
	"github.com/basket/go-gateway/internal/memory"
	"github.com/basket/go-gateway/internal/otel"
	"github.com/basket/go-gateway/internal/protocol"
	"github.com/basket/go-gateway/internal/runner"
	"github.com/basket/go-gateway/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gatewayd:", err)
		os.Exit(1)
	}
}

func run() error {
	homeDir, err := config.HomeDir()
	if err != nil {
		return err
	}
	cfg, err := config.Load(homeDir)
	if err != nil {
		return err
	}

	logger, logCloser, err := telemetry.NewLogger(homeDir, cfg.LogLevel, false)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := audit.Init(homeDir); err != nil {
		logger.Warn("audit log unavailable", "error", err)
	}
	defer audit.Close()

	provider, err := otel.Init(ctx, otel.Config{
		Enabled: cfg.OtelEnable,
		HostID:  cfg.HostID,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer provider.Shutdown(context.Background())
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	eventBus := bus.NewWithLogger(logger)

	store, err := memory.Open(homeDir, logger)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer store.Close()

	newRunner := func(cwd string, env map[string]string, sink runner.EventSink) *runner.Client {
		return runner.New(runner.Options{
			CWD:    cwd,
			Env:    env,
			Port:   cfg.OpencodePort,
			Sink:   sink,
			Logger: logger,
		})
	}

	var llm *memory.LLMExtractor
	if *cfg.Memory.LLMExtractEnabled {
		extractClient := app.NewExtractClient(func() *runner.Client {
			return newRunner(cfg.CWD, nil, nil)
		})
		llm, err = memory.NewLLMExtractor(extractClient, "", logger)
		if err != nil {
			return fmt.Errorf("init llm extractor: %w", err)
		}
	}

	manager := memory.NewManager(memory.ManagerOptions{
		HostID:  cfg.HostID,
		Store:   store,
		Journal: memory.NewJournal(homeDir),
		LLM:     llm,
		Bus:     eventBus,
		Logger:  logger,
		Settings: memory.Settings{
			Enabled:             *cfg.Memory.Enabled,
			GatewayStoreEnabled: *cfg.Memory.GatewayStoreEnabled,
			RustStoreEnabled:    *cfg.Memory.RustStoreEnabled,
			AutoWrite:           *cfg.Memory.AutoWrite,
			PromptInjection:     *cfg.Memory.PromptInjection,
			TokenBudget:         cfg.Memory.TokenBudget,
			RetrievalTopK:       cfg.Memory.RetrievalTopK,
			LLMExtractEnabled:   *cfg.Memory.LLMExtractEnabled,
		},
	})

	capabilities := protocol.Capabilities{
		HostName:      cfg.HostName,
		AgentTypes:    []string{"opencode"},
		MaxConcurrent: cfg.MaxConcurrent,
		CWD:           cfg.CWD,
	}

	var gatewayApp *app.App
	exec := executor.New(executor.Options{
		AllowedRoots:  cfg.AllowedProjectRoots,
		MaxConcurrent: cfg.MaxConcurrent,
		NewChild: func(cwd string, env map[string]string, sink runner.EventSink) executor.Child {
			return newRunner(cwd, env, sink)
		},
		Memory: manager,
		Sink: func(taskID string, ev protocol.AgentEvent) {
			gatewayApp.EventSink()(taskID, ev)
		},
		Bus:    eventBus,
		Logger: logger,
	})

	gatewayLink := link.New(link.Options{
		ServerURL:    cfg.ServerURL,
		AuthToken:    cfg.AuthToken,
		HostID:       cfg.HostID,
		Capabilities: capabilities,
		Bus:          eventBus,
		Logger:       logger,
	})

	gatewayApp = app.New(app.Options{
		Sender:   gatewayLink,
		Executor: exec,
		Memory:   manager,
		ModelsChild: func() app.ModelsChild {
			return newRunner(cfg.CWD, nil, nil)
		},
		Metrics: metrics,
		Logger:  logger,
	})

	gatewayLink.SetHandler(gatewayApp.HandleMessage)

	maintenance, err := cron.NewScheduler(cron.Config{
		Manager: manager,
		Bus:     eventBus,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("init maintenance scheduler: %w", err)
	}
	maintenance.Start(ctx)
	defer maintenance.Stop()

	watchSettings(ctx, homeDir, manager, logger)
	countReconnects(ctx, eventBus, metrics)

	logger.Info("gateway starting",
		"host_id", cfg.HostID,
		"server_url", cfg.ServerURL,
		"max_concurrent", cfg.MaxConcurrent,
	)
	if err := gatewayLink.Connect(ctx); err != nil {
		// The reconnect loop keeps trying; only log here.
		logger.Warn("initial connect failed", "error", err)
	}

	<-ctx.Done()
	logger.Info("gateway shutting down")
	exec.Shutdown()
	gatewayApp.Drain()
	gatewayLink.Disconnect()
	return nil
}

// watchSettings applies live memory-settings changes from config.yaml.
func watchSettings(ctx context.Context, homeDir string, manager *memory.Manager, logger *slog.Logger) {
	watcher := config.NewWatcher(homeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
		return
	}
	go func() {
		for range watcher.Events() {
			cfg, err := config.Load(homeDir)
			if err != nil {
				logger.Warn("config reload failed", "error", err)
				continue
			}
			manager.UpdateSettings(memory.SettingsPatch{
				Enabled:             cfg.Memory.Enabled,
				GatewayStoreEnabled: cfg.Memory.GatewayStoreEnabled,
				RustStoreEnabled:    cfg.Memory.RustStoreEnabled,
				AutoWrite:           cfg.Memory.AutoWrite,
				PromptInjection:     cfg.Memory.PromptInjection,
				TokenBudget:         &cfg.Memory.TokenBudget,
				RetrievalTopK:       &cfg.Memory.RetrievalTopK,
				LLMExtractEnabled:   cfg.Memory.LLMExtractEnabled,
			})
			logger.Info("memory settings reloaded from config.yaml")
		}
	}()
}

// countReconnects feeds link reconnect events into the metrics counter.
func countReconnects(ctx context.Context, eventBus *bus.Bus, metrics *otel.Metrics) {
	sub := eventBus.Subscribe(bus.TopicLinkReconnecting)
	go func() {
		defer eventBus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub.Ch():
				if !ok {
					return
				}
				metrics.Reconnects.Add(ctx, 1)
			}
		}
	}()
}
