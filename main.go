// Package main runs a service that provisions disposable mailboxes and
// notifies subscribers over chat when new mail arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"tempmail-notifier/config"
	"tempmail-notifier/mailtm"
	"tempmail-notifier/notify"
	"tempmail-notifier/poll"
	"tempmail-notifier/server"
	"tempmail-notifier/service"
	"tempmail-notifier/state"
	"tempmail-notifier/stats"
	docstore "tempmail-notifier/storage"
	"time"

	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load("")
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	level, _ := cfg.Level() // validated by Load
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	mail := mailtm.New(&http.Client{Timeout: cfg.RequestTimeout}, cfg.MailAPIURL, logger)

	recorder, flush, closeRecorder, err := newRecorder(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRecorder()

	var provider notify.Provider
	if cfg.TelegramToken == "" {
		logger.Info("Mock chat mode enabled (no TELEGRAM_BOT_TOKEN)")
		provider = notify.NewMockProvider(logger)
	} else {
		provider = notify.NewTelegramProvider(cfg.TelegramToken, cfg.TelegramAPIURL, logger)
	}

	registry := state.NewRegistry()
	seen := state.NewLastSeen()

	monitor := poll.New(mail, registry, seen, notify.New(provider, logger), recorder, logger, poll.Config{
		Interval:       cfg.PollInterval,
		RequestTimeout: cfg.RequestTimeout,
		Concurrency:    cfg.PollConcurrency,
	})

	svc := service.New(mail, registry, seen, state.NewSessions(), recorder, logger, service.Config{
		PropagationDelay: cfg.PropagationDelay,
		MintDelay:        time.Second,
		MintAttempts:     uint(cfg.MintAttempts),
		RequestTimeout:   cfg.RequestTimeout,
	})

	srv := server.New(&server.Config{
		Service:            svc,
		Poller:             monitor,
		Logger:             logger,
		ProvisionPerMinute: cfg.ProvisionPerMinute,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if flush != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			flush(ctx)
		}()
	}

	monitor.Start(ctx)
	err = srv.ListenAndServe(ctx, cfg.Port)

	// Stop polling before the final stats flush so it sees every notification
	cancel()
	monitor.Stop()
	wg.Wait()
	return err
}

// newRecorder picks the counter backend. Redis counters are shared and need no
// flushing; memory counters are restored from storage and flushed by the
// returned loop.
func newRecorder(ctx context.Context, cfg *config.Config, logger *slog.Logger) (stats.Recorder, func(context.Context), func(), error) {
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		counters := stats.NewRedis(rdb, cfg.RedisKey, logger)
		if err := counters.Ping(ctx); err != nil {
			if closeErr := rdb.Close(); closeErr != nil {
				logger.Warn("Failed to close redis client", "error", closeErr)
			}
			return nil, nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("Using Redis counters", "key", cfg.RedisKey)
		return counters, nil, func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("Failed to close redis client", "error", err)
			}
		}, nil
	}

	store, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	counters := stats.NewMemory(store, logger)
	if err := counters.Restore(ctx); err != nil {
		logger.Warn("Failed to restore stats, starting from zero", "error", err)
	}
	run := func(ctx context.Context) { counters.Run(ctx, cfg.StatsFlushInterval) }
	return counters, run, closeStore, nil
}

func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*docstore.Store, func(), error) {
	if cfg.LocalStorage != "" {
		logger.Info("Running in local storage mode", "storage_path", cfg.LocalStorage)
		if err := os.MkdirAll(cfg.LocalStorage, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		return docstore.New(nil, "", cfg.LocalStorage, logger), func() {}, nil
	}

	var opts []option.ClientOption
	if cfg.StorageEndpoint != "" {
		logger.Info("Using storage emulator", "endpoint", cfg.StorageEndpoint)
		opts = append(opts, option.WithEndpoint(cfg.StorageEndpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize storage client: %w", err)
	}
	logger.Info("Using cloud storage", "bucket", cfg.StorageBucket)
	return docstore.New(client, cfg.StorageBucket, "", logger), func() {
		if err := client.Close(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}, nil
}
