package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/api"
	"github.com/lalithlochan/tandem/internal/circuitbreaker"
	"github.com/lalithlochan/tandem/internal/config"
	"github.com/lalithlochan/tandem/internal/engine"
	"github.com/lalithlochan/tandem/internal/fanout"
	"github.com/lalithlochan/tandem/internal/locale"
	"github.com/lalithlochan/tandem/internal/metrics"
	"github.com/lalithlochan/tandem/internal/observ"
	"github.com/lalithlochan/tandem/internal/push"
	"github.com/lalithlochan/tandem/internal/redis"
	"github.com/lalithlochan/tandem/internal/sqs"
	"github.com/lalithlochan/tandem/internal/storage"
	"github.com/lalithlochan/tandem/internal/worker"
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
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "tandem-server")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting tandem server",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.Store.Backend),
	)

	ctx, cancel := context.WithCancel(context.Background())
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

	// Push transport behind the circuit breaker.
	breaker := circuitbreaker.New(cfg.Breaker, logger,
		circuitbreaker.OnStateChange(func(name string, _, to circuitbreaker.State) {
			metrics.SetBreakerState(name, int(to))
		}),
	)
	var transport push.Transport
	snsTransport, err := push.NewSNSTransport(ctx, cfg.SNS, logger)
	if err != nil {
		logger.Warn("sns transport unavailable, push delivery disabled", zap.Error(err))
	} else {
		transport = circuitbreaker.NewProtectedTransport(snsTransport, breaker, logger)
	}

	dispatcher := push.NewDispatcher(store, transport, builder, logger)
	coordinator := fanout.New(store, dispatcher, logger)

	var opts []engine.Option
	healthChecks := []api.HealthFunc{handle.Health}

	// Redis: per-attempt dispatch claims and admin rate limiting.
	var rateLimiter *redis.RateLimiter
	if cfg.Redis.Enabled() {
		redisClient, err := redis.New(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Warn("redis unavailable, dispatch claims and rate limiting disabled",
				zap.Error(err),
				zap.String("host", cfg.Redis.Host),
			)
		} else {
			defer redisClient.Close()
			claims := redis.NewClaimStore(redisClient, instanceID(), redis.DefaultClaimTTL, logger)
			opts = append(opts, engine.WithClaims(claims))
			rateLimiter = redis.NewRateLimiter(redisClient, logger, cfg.Admin)
		}
	}

	// SQS: reminder change events.
	var sqsClient sqs.API
	if cfg.SQS.QueueURL != "" {
		client, err := sqs.NewClient(ctx, cfg.SQS)
		if err != nil {
			logger.Warn("sqs unavailable, change events handled inline", zap.Error(err))
		} else {
			sqsClient = client
			opts = append(opts, engine.WithChangePublisher(sqs.NewProducer(client, cfg.SQS.QueueURL, logger)))
		}
	}

	eng := engine.New(store, store, coordinator, dispatcher, builder, cfg.Dispatch.Engine, logger, opts...)

	consumerDone := make(chan struct{})
	if sqsClient != nil {
		consumer := sqs.NewConsumer(sqsClient, cfg.SQS.QueueURL, eng, logger)
		go func() {
			defer close(consumerDone)
			consumer.Run(ctx)
		}()
	} else {
		close(consumerDone)
	}

	// SES: daily failure digest for operators.
	var mailer worker.DigestMailer
	if cfg.SES.FromEmail != "" && len(cfg.SES.OperatorEmails) > 0 {
		sesMailer, err := worker.NewSESDigestMailer(ctx, cfg.SES, logger)
		if err != nil {
			logger.Warn("ses unavailable, failure digest disabled", zap.Error(err))
		} else {
			mailer = sesMailer
		}
	}

	w := worker.New(eng, store, mailer, cfg.Dispatch.Worker, logger)
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	handler := api.NewHandler(logger, eng, w, breaker, healthChecks...)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, rateLimiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := w.Stop(shutdownCtx); err != nil {
		logger.Warn("worker did not stop in time", zap.Error(err))
	}
	cancel()
	<-consumerDone

	logger.Info("server stopped gracefully")
	return runErr
}

// instanceID names this process in dispatch claims.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return host + "-" + uuid.NewString()[:8]
}
