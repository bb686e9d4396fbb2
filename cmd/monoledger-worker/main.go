package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"monoledger/internal/amqp"
	"monoledger/internal/config"
	"monoledger/internal/log"
	"monoledger/internal/monobank"
	"monoledger/internal/notify"
	"monoledger/internal/poller"
	"monoledger/internal/reconcile"
	"monoledger/internal/scheduler"
	"monoledger/internal/storage"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	// Setup structured logging
	logger := log.New(log.Config{Level: slog.LevelInfo, Component: log.ComponentApp})
	log.SetDefault(logger)
	workerLog := logger.WithComponent(log.ComponentScheduler)

	workerLog.Info("Starting monoledger-worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	var notifier notify.Notifier = notify.NewLogNotifier()
	if cfg.TelegramBotToken != "" && !cfg.TestMode {
		notifier = notify.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)
		logger.Info("Telegram notifications enabled")
	}

	provider := monobank.NewClient(cfg.MonobankAPIURL)
	engine := reconcile.NewEngine(repo)
	accountPoller := poller.New(provider, repo, engine, notifier, cfg.PollFailThreshold)

	sched := scheduler.New(repo, accountPoller, engine, provider, notifier, scheduler.Options{
		RefreshInterval:  cfg.RefreshInterval,
		DispatchInterval: cfg.DispatchInterval,
		MaxAttempts:      cfg.JobMaxAttempts,
		ExecTimeout:      cfg.JobExecTimeout,
		AutoFetch:        cfg.AutoFetchEnabled,
		ApplyWebhooks:    cfg.ApplyWebhooks,
		WebhookURL:       cfg.MonobankWebhookURL,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	// The AMQP consumer is the fast path for webhook jobs; the
	// scheduler's dispatch sweep is the durable backup when the broker
	// is down.
	if cfg.AMQPURL != "" && !cfg.TestMode {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("AMQP unavailable, relying on dispatch sweep only", "error", err)
		} else {
			defer amqpClient.Close()
			g.Go(func() error {
				err := amqpClient.ConsumeJobs(gctx, func(msg *amqp.JobMessage) error {
					return sched.HandleWebhookMessage(gctx, msg.JobID)
				})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		sched.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		workerLog.Error("Worker stopped with error", "error", err)
		os.Exit(1)
	}
	workerLog.Info("Worker stopped gracefully")
}
