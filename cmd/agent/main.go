package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/agent"
	"github.com/lalithlochan/tandem/internal/config"
	"github.com/lalithlochan/tandem/internal/engine"
	"github.com/lalithlochan/tandem/internal/fanout"
	"github.com/lalithlochan/tandem/internal/locale"
	"github.com/lalithlochan/tandem/internal/observ"
	"github.com/lalithlochan/tandem/internal/push"
	"github.com/lalithlochan/tandem/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateAgent(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "tandem-agent")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	handle, err := storage.Open(ctx, cfg.Store.Backend, cfg.DB, cfg.Mongo, logger)
	if err != nil {
		return err
	}
	defer handle.Close()
	store := handle.Store

	catalog, err := locale.Load(cfg.Locale.CatalogFile, cfg.Locale.Default)
	if err != nil {
		return fmt.Errorf("failed to load locale catalog: %w", err)
	}
	builder := push.NewBuilder(catalog, cfg.Push.DeepLinkBase)

	// The agent never pushes remotely; the dispatcher only resolves
	// recipients for the fan-out.
	dispatcher := push.NewDispatcher(store, nil, builder, logger)
	eng := engine.New(store, store, fanout.New(store, dispatcher, logger), dispatcher, builder, cfg.EngineConfig(), logger)

	var sink agent.Sink
	switch cfg.Agent.Sink {
	case config.SinkWebhook:
		sink = agent.NewWebhookSink(cfg.Agent.Webhook, logger)
	default:
		sink = agent.NewLogSink(logger)
	}

	job := agent.New(eng, agent.NewTimerScheduler(sink, logger), cfg.Agent.Config, logger)

	logger.Info("starting tandem agent",
		zap.String("env", cfg.Env),
		zap.String("recipient_id", cfg.Agent.UserID),
		zap.String("sink", cfg.Agent.Sink),
		zap.String("store", handle.Backend),
	)

	if err := job.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent job: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	job.Stop()
	logger.Info("agent stopped")

	return nil
}
