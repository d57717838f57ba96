package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/team-noonchissaum/IgLoo-sub001/libs/health"
	"github.com/team-noonchissaum/IgLoo-sub001/libs/httpmiddleware"
	"github.com/team-noonchissaum/IgLoo-sub001/libs/kafka"
	"github.com/team-noonchissaum/IgLoo-sub001/libs/logging"
	"github.com/team-noonchissaum/IgLoo-sub001/libs/metrics"
	"github.com/team-noonchissaum/IgLoo-sub001/libs/redislock"
	"github.com/team-noonchissaum/IgLoo-sub001/libs/trace"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/cache"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/config"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/consumer"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/engine"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/handlers"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/notify"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/scheduler"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/service"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/storage"
	"log/slog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	auctionMetrics := service.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Error("redis connection failed", "error", err)
		os.Exit(1)
	}

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()
	publisher := kafka.Publisher(producer)
	if strings.TrimSpace(cfg.Kafka.Topics.DeadLetter) != "" {
		publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)
	}

	store := storage.New(pool, logger).
		WithImminentBounds(cfg.Lifecycle.ImminentMinMin, cfg.Lifecycle.ImminentMaxMin)
	fastPath := cache.NewFastPath(redisClient)
	locks := redislock.NewManager(redisClient, "lock")

	bidEngine := engine.NewEngine(locks, fastPath, store, publisher, cfg.Kafka.Topics.BidsAccepted, cfg.Bidding, logger)
	view := service.NewView(fastPath, store, logger)
	canceler := service.NewCanceler(store, fastPath, logger)
	moderator := service.NewModerator(store, fastPath, logger)

	notifier := notify.NewNotifier(publisher, cfg.Kafka.Topics.Notifications, fastPath, store, logger)
	lifecycle := scheduler.New(store, fastPath, notifier, publisher, cfg.Kafka.Topics.OrdersCompleted, cfg.Lifecycle, auctionMetrics, logger)

	consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
	if err != nil {
		logger.Error("kafka consumer init failed", "error", err)
		os.Exit(1)
	}
	consumerGroup.WithRetryPolicy(kafka.RetryPolicy{MaxAttempts: 3, Backoff: time.Second})
	consumerGroup.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter)
	defer consumerGroup.Close()

	bidConsumer := consumer.NewBidConsumer(store, fastPath, auctionMetrics, logger)
	sweeper := consumer.NewPendingSweeper(fastPath, store, publisher, cfg.Kafka.Topics.BidsAccepted,
		cfg.Bidding.PendingSweepEvery, cfg.Bidding.PendingMaxAge, auctionMetrics, logger)

	handler := handlers.New(bidEngine, view, canceler, moderator, logger)
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler.Register(router, []byte(cfg.Auth.JWTSecret))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	ready.SetReady(true)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go func() {
		logger.Info("auction http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		logger.Info("auction consumer starting", "topic", cfg.Kafka.Topics.BidsAccepted)
		if err := consumerGroup.Consume(workerCtx, []string{cfg.Kafka.Topics.BidsAccepted}, bidConsumer); err != nil {
			logger.Error("kafka consumer error", "error", err)
		}
	}()

	go func() {
		logger.Info("auction lifecycle scheduler starting")
		lifecycle.Run(workerCtx)
	}()

	go func() {
		logger.Info("pending bid sweeper starting", "interval", cfg.Bidding.PendingSweepEvery)
		sweeper.Run(workerCtx)
	}()

	waitForShutdown(httpServer, ready, workerCancel, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
