package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ezoutreach/internal/api"
	"ezoutreach/internal/config"
	"ezoutreach/internal/repository"
	"ezoutreach/internal/service/completion"
	"ezoutreach/internal/service/scheduler"
	"ezoutreach/migrations"
	"ezoutreach/pkg/db"
	"ezoutreach/pkg/httpserver"
	"ezoutreach/pkg/logger"
	"ezoutreach/pkg/loop"
	"ezoutreach/pkg/mq"
	"ezoutreach/pkg/outbox"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	log.Info("Starting scheduler...",
		zap.String("db_host", cfg.DB.Host),
		zap.Int("db_port", cfg.DB.Port),
		zap.String("mq_url", cfg.MQ.URL),
	)

	// DB
	pool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := db.Migrate(context.Background(), pool, migrations.FS, log); err != nil {
			log.Fatal("Failed to apply migrations", zap.Error(err))
		}
	}

	// MQ Publisher
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	// Repositories
	outboxRepo := outbox.NewRepository(pool)
	campaignRepo := repository.NewCampaignRepository(pool)
	recipientRepo := repository.NewRecipientRepository(pool, outboxRepo)
	sendRepo := repository.NewSendRepository(pool)
	batchRepo := repository.NewBatchRepository(pool, outboxRepo)

	// Services
	sched := scheduler.New(campaignRepo, recipientRepo, cfg.Scheduler, log)
	checker := completion.NewChecker(campaignRepo, sendRepo, recipientRepo, cfg.Completion, log)
	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log).
		WithMaxRetries(cfg.Outbox.MaxRetries).
		WithInterval(cfg.Outbox.Interval).
		WithBatchSize(cfg.Outbox.BatchSize)

	loops := make([]*loop.Loop, 0, 3)
	for _, j := range []struct {
		name     string
		interval time.Duration
		tick     loop.TickFunc
	}{
		{"scheduler", sched.Interval(), sched.Tick},
		{"completion-sweep", checker.Interval(), checker.Sweep},
		{"outbox-dispatcher", dispatcher.Interval(), dispatcher.Tick},
	} {
		l, err := loop.New(j.name, j.interval, j.tick, log)
		if err != nil {
			log.Fatal("Failed to init loop", zap.String("loop", j.name), zap.Error(err))
		}
		loops = append(loops, l)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func(l *loop.Loop) {
			defer wg.Done()
			l.Run(ctx)
		}(l)
	}

	// Ops server + operator API
	router := httpserver.NewRouter(httpserver.Options{
		Checks: map[string]httpserver.Check{
			"db": pool.Ping,
			"mq": func(context.Context) error {
				if !publisher.IsConnected() {
					return errors.New("publisher disconnected")
				}
				return nil
			},
		},
		Replayer:   outbox.NewReplayService(outboxRepo, publisher, log),
		Completion: checker,
	}, log)
	api.Register(router.Group("/admin"),
		api.NewBatchHandler(batchRepo, log),
		api.NewCampaignHandler(campaignRepo, sendRepo, recipientRepo, log),
	)
	srv := httpserver.NewServer(cfg.OpsPort(8090), router, log)
	srv.Start()

	log.Info("Scheduler is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down scheduler gracefully...")
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Ops server shutdown error", zap.Error(err))
	}

	log.Info("Scheduler shutdown complete")
}
