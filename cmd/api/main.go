package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/nongsan/marketplace-api/internal/config"
	"github.com/nongsan/marketplace-api/internal/events"
	"github.com/nongsan/marketplace-api/internal/handler"
	"github.com/nongsan/marketplace-api/internal/ledger"
	"github.com/nongsan/marketplace-api/internal/metrics"
	"github.com/nongsan/marketplace-api/internal/repository"
	"github.com/nongsan/marketplace-api/internal/service"
	"github.com/nongsan/marketplace-api/internal/vnpay"
	"github.com/nongsan/marketplace-api/internal/worker"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}
	log = log.With("service", cfg.Server.ServiceName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// PostgreSQL
	poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN())
	if err != nil {
		log.Error("parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = cfg.DB.MaxConns

	dbPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error("connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		log.Error("ping database", "error", err)
		os.Exit(1)
	}
	applied, err := repository.Migrate(ctx, dbPool)
	if err != nil {
		log.Error("migrate database", "error", err)
		os.Exit(1)
	}
	log.Info("connected to PostgreSQL", "migrations_applied", applied)

	// Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("connect to Redis", "error", err)
		os.Exit(1)
	}
	log.Info("connected to Redis")

	// RabbitMQ: one channel consumes the mirror queue, the other publishes to it.
	amqpConn, err := amqp.Dial(cfg.RabbitMQ.URL)
	if err != nil {
		log.Error("connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer amqpConn.Close()

	consumeCh, err := amqpConn.Channel()
	if err != nil {
		log.Error("open RabbitMQ channel", "error", err)
		os.Exit(1)
	}
	defer consumeCh.Close()

	if err := worker.SetupRabbitMQ(consumeCh); err != nil {
		log.Error("setup RabbitMQ", "error", err)
		os.Exit(1)
	}

	publishCh, err := amqpConn.Channel()
	if err != nil {
		log.Error("open RabbitMQ channel", "error", err)
		os.Exit(1)
	}
	defer publishCh.Close()
	log.Info("connected to RabbitMQ")

	// Kafka
	var publisher events.Publisher = events.Nop()
	if len(cfg.Kafka.Brokers) > 0 {
		producer := events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Server.ServiceName, 256, log)
		producer.Start()
		defer producer.Close()
		publisher = producer
		log.Info("publishing domain events", "topic", cfg.Kafka.Topic)
	}

	// Ledger
	var ledgerClient ledger.Client
	if cfg.Ledger.Enabled() {
		c, closeLedger, err := ledger.Dial(ctx, cfg.Ledger.RPCURL, cfg.Ledger.ContractAddress)
		if err != nil {
			log.Error("connect to ledger", "error", err)
			os.Exit(1)
		}
		defer closeLedger()
		ledgerClient = c
		log.Info("connected to ledger", "contract", cfg.Ledger.ContractAddress)
	} else {
		log.Warn("ledger disabled; registrations are not checked and drift is not reconciled")
	}

	m := metrics.New()
	gateway := vnpay.NewClient(vnpay.Config{
		TmnCode:     cfg.VNPay.TmnCode,
		HashSecret:  cfg.VNPay.HashSecret,
		PayURL:      cfg.VNPay.PayURL,
		ReturnURL:   cfg.VNPay.ReturnURL,
		Locale:      cfg.VNPay.Locale,
		OrderType:   cfg.VNPay.OrderType,
		ExpireAfter: cfg.VNPay.ExpireAfter,
	})

	// Repositories
	userRepo := repository.NewUserRepository(dbPool)
	productRepo := repository.NewProductRepository(dbPool)
	orderRepo := repository.NewOrderRepository(dbPool)
	paymentRepo := repository.NewPaymentRepository(dbPool)

	// Services
	authSvc := service.NewAuthService(userRepo, cfg.JWT.Secret, cfg.JWT.Expiration)
	productSvc := service.NewProductService(productRepo, ledgerClient, redisClient, m, log)
	orderSvc := service.NewOrderService(orderRepo, productRepo, redisClient, publisher, log)
	paymentSvc := service.NewPaymentService(paymentRepo, productRepo, gateway, cfg.VNPay.ExpireAfter, log)
	reconciler := service.NewReconciler(service.ReconcilerDeps{
		Products: productRepo,
		Orders:   orderRepo,
		Payments: paymentRepo,
		Gateway:  gateway,
		Redis:    redisClient,
		Events:   publisher,
		Metrics:  m,
		Mirror:   worker.NewMirrorPublisher(publishCh),
		Policy:   service.MirrorFailurePolicy(cfg.Settlement.MirrorFailurePolicy),
		Logger:   log,
	})

	// Workers
	mirrorWorker := worker.NewMirrorWorker(consumeCh, reconciler, ledgerClient, redisClient, m, worker.MirrorWorkerConfig{
		MaxAttempts: cfg.Settlement.MaxRetryAttempts,
		Backoff:     cfg.Settlement.RetryBackoff,
	}, log)
	if err := mirrorWorker.Start(ctx); err != nil {
		log.Error("start mirror worker", "error", err)
		os.Exit(1)
	}

	var reconcileWorker *worker.ReconcileWorker
	if ledgerClient != nil && cfg.Reconcile.Enabled {
		sync := service.NewLedgerSync(productRepo, ledgerClient, redisClient, m, log)
		reconcileWorker = worker.NewReconcileWorker(sync, cfg.Reconcile.Interval, log)
		reconcileWorker.Start(ctx)
	}

	router := handler.NewRouter(handler.Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Check{
			"postgres": dbPool.Ping,
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
			"rabbitmq": func(context.Context) error {
				if amqpConn.IsClosed() {
					return amqp.ErrClosed
				}
				return nil
			},
		}),
		Auth:       handler.NewAuthHandler(authSvc, log),
		Product:    handler.NewProductHandler(productSvc, log),
		Settlement: handler.NewSettlementHandler(reconciler, log),
		Payment:    handler.NewPaymentHandler(paymentSvc, reconciler, log),
		Order:      handler.NewOrderHandler(orderSvc, log),
	}, cfg.JWT.Secret, m)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", "error", err)
	}

	mirrorWorker.Stop()
	if reconcileWorker != nil {
		reconcileWorker.Stop()
	}
	cancel()
	log.Info("server stopped")
}
