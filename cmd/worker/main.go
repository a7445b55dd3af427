package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqcontracts "ezoutreach/contracts/mq"
	"ezoutreach/internal/config"
	"ezoutreach/internal/model"
	"ezoutreach/internal/mqhandler"
	"ezoutreach/internal/provider"
	"ezoutreach/internal/provider/hosted"
	"ezoutreach/internal/provider/smtp"
	"ezoutreach/internal/provider/verifier"
	"ezoutreach/internal/repository"
	"ezoutreach/internal/service/completion"
	"ezoutreach/internal/service/orchestrator"
	"ezoutreach/internal/service/registry"
	"ezoutreach/internal/service/verification"
	"ezoutreach/migrations"
	"ezoutreach/pkg/clientcache"
	"ezoutreach/pkg/db"
	"ezoutreach/pkg/httpserver"
	"ezoutreach/pkg/logger"
	"ezoutreach/pkg/mq"
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

	log.Info("Starting worker...",
		zap.String("mq_url", cfg.MQ.URL),
		zap.String("delivery_mode", string(cfg.Orchestrator.DeliveryMode)),
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

	// MQ Publisher，用于 DLQ
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	// Repositories
	outboxRepo := outbox.NewRepository(pool)
	campaignRepo := repository.NewCampaignRepository(pool)
	stepRepo := repository.NewStepRepository(pool)
	recipientRepo := repository.NewRecipientRepository(pool, outboxRepo)
	sendRepo := repository.NewSendRepository(pool)
	emailRepo := repository.NewEmailRepository(pool, outboxRepo)
	mailboxRepo := repository.NewMailboxRepository(pool)
	batchRepo := repository.NewBatchRepository(pool, outboxRepo)
	registryRepo := repository.NewRegistryRepository(pool)

	// Provider clients
	clients := clientcache.New[provider.Client](cfg.ClientCache.TTL, cfg.ClientCache.CleanupInterval, log)
	defer clients.Close()
	resolver := provider.NewResolver(clients, log)
	resolver.Register(model.SenderHosted, hosted.New)
	resolver.Register(model.SenderSMTP, smtp.New)

	verifierClient, err := verifier.New(cfg.Verifier, log)
	if err != nil {
		log.Fatal("Failed to init verifier client", zap.Error(err))
	}

	// Services
	reg := registry.New(registryRepo, rdb, cfg.Registry, log)
	checker := completion.NewChecker(campaignRepo, sendRepo, recipientRepo, cfg.Completion, log)
	limiter := ratelimit.NewMailboxLimiter(cfg.RateLimit.Caps, cfg.RateLimit.Default)
	orch := orchestrator.New(orchestrator.Stores{
		Campaigns:  campaignRepo,
		Steps:      stepRepo,
		Recipients: recipientRepo,
		Sends:      sendRepo,
		Emails:     emailRepo,
		Mailboxes:  mailboxRepo,
	}, reg, resolver, limiter, checker, cfg.Orchestrator, log)
	verifyWorker := verification.New(batchRepo, reg, verifierClient, cfg.Verification, log)
	deduper := util.NewDeduper(rdb, cfg.Dedup.TTL, log)

	// Handlers
	handlers := map[string]mq.MessageHandler{
		mqcontracts.RoutingKeyCampaignSend: mqhandler.NewCampaignSendHandler(orch, log).Handle,
		mqcontracts.RoutingKeyVerifyBatch:  mqhandler.NewVerifyBatchHandler(verifyWorker, deduper, log).Handle,
		mqcontracts.RoutingKeyEmailDeliver: mqhandler.NewEmailDeliverHandler(orch, log).Handle,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for routingKey, handler := range handlers {
		queue := mqcontracts.QueueName(routingKey)
		log.Info("Initializing consumer", zap.String("queue", queue))
		consumer, err := mq.NewConsumer(cfg.MQ.URL, queue, routingKey, log,
			mq.WithPrefetch(cfg.MQ.Prefetch),
			mq.WithDeadLetter(publisher),
		)
		if err != nil {
			log.Fatal("Failed to init consumer", zap.String("queue", queue), zap.Error(err))
		}
		consumer.SetHandler(handler)
		defer consumer.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.StartConsuming(ctx); err != nil {
				// 连接断开后退出进程，由编排层重启
				log.Fatal("Consumer failed", zap.String("queue", queue), zap.Error(err))
			}
		}()
	}

	// Ops server
	router := httpserver.NewRouter(httpserver.Options{
		Checks: map[string]httpserver.Check{
			"db":    pool.Ping,
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			"mq": func(context.Context) error {
				if !publisher.IsConnected() {
					return errors.New("publisher disconnected")
				}
				return nil
			},
		},
		Completion: checker,
	}, log)
	srv := httpserver.NewServer(cfg.OpsPort(8091), router, log)
	srv.Start()

	log.Info("All consumers started, worker is ready to process messages")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down worker gracefully...")
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Ops server shutdown error", zap.Error(err))
	}

	log.Info("Worker shutdown complete")
}
