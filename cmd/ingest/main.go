package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ezoutreach/internal/config"
	"ezoutreach/internal/model"
	"ezoutreach/internal/provider"
	"ezoutreach/internal/provider/hosted"
	"ezoutreach/internal/provider/smtp"
	"ezoutreach/internal/repository"
	"ezoutreach/internal/service/completion"
	"ezoutreach/internal/service/registry"
	"ezoutreach/internal/service/reply"
	"ezoutreach/migrations"
	"ezoutreach/pkg/clientcache"
	"ezoutreach/pkg/db"
	"ezoutreach/pkg/httpserver"
	"ezoutreach/pkg/logger"
	"ezoutreach/pkg/loop"
	"ezoutreach/pkg/outbox"
	"ezoutreach/pkg/ratelimit"
	redisclient "ezoutreach/pkg/redis"
	"ezoutreach/pkg/util"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	log.Info("Starting reply ingestion...",
		zap.Duration("poll_interval", cfg.Reply.PollInterval),
		zap.Duration("lookback", cfg.Reply.Lookback),
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

	// Redis
	rdb, err := redisclient.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Fatal("Failed to init Redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	outboxRepo := outbox.NewRepository(pool)
	campaignRepo := repository.NewCampaignRepository(pool)
	recipientRepo := repository.NewRecipientRepository(pool, outboxRepo)
	sendRepo := repository.NewSendRepository(pool)
	emailRepo := repository.NewEmailRepository(pool, outboxRepo)
	mailboxRepo := repository.NewMailboxRepository(pool)
	replyRepo := repository.NewReplyRepository(pool)
	registryRepo := repository.NewRegistryRepository(pool)

	// Mailbox readers
	clients := clientcache.New[provider.Client](cfg.ClientCache.TTL, cfg.ClientCache.CleanupInterval, log)
	defer clients.Close()
	resolver := provider.NewResolver(clients, log)
	resolver.Register(model.SenderHosted, hosted.New)
	resolver.Register(model.SenderSMTP, smtp.New)

	// Services
	reg := registry.New(registryRepo, rdb, cfg.Registry, log)
	checker := completion.NewChecker(campaignRepo, sendRepo, recipientRepo, cfg.Completion, log)
	processor := reply.NewProcessor(replyRepo, reg, checker, log)
	dedupTTL := cfg.Reply.DedupTTL
	if dedupTTL <= 0 {
		dedupTTL = reply.DefaultDedupTTL
	}
	deduper := util.NewDeduper(rdb, dedupTTL, log)
	limiter := ratelimit.NewMailboxLimiter(cfg.RateLimit.Caps, cfg.RateLimit.Default)
	ingester := reply.NewIngester(mailboxRepo, emailRepo, resolver, limiter, processor, deduper, cfg.Reply, log)

	poller, err := loop.New("reply-ingest", ingester.Interval(), ingester.Poll, log)
	if err != nil {
		log.Fatal("Failed to init poll loop", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.Run(ctx)
	}()

	// Ops server
	router := httpserver.NewRouter(httpserver.Options{
		Checks: map[string]httpserver.Check{
			"db":    pool.Ping,
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		Completion: checker,
	}, log)
	srv := httpserver.NewServer(cfg.OpsPort(8092), router, log)
	srv.Start()

	log.Info("Reply ingestion is running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down reply ingestion gracefully...")
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Ops server shutdown error", zap.Error(err))
	}

	log.Info("Reply ingestion shutdown complete")
}
