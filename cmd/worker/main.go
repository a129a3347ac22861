package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"casa/internal/bootstrap"
	"casa/internal/config"
	"casa/internal/mqhandler"
	"casa/internal/service/notification"
	"casa/pkg/logger"
	"casa/pkg/mq"
	"casa/pkg/otel"
	"casa/pkg/outbox"
	"casa/pkg/util"
)

const healthAddr = ":8085"

func main() {
	cfg, err := config.Load(bootstrap.ConfigDir())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log := logger.NewLogger(cfg.LogLevel)
	defer log.Sync()

	if cfg.Memory() {
		log.Fatal("Worker needs postgres and rabbitmq; in memory mode the api process handles events itself")
	}

	log.Info("Starting casa worker...",
		zap.String("db_host", cfg.DB.Host),
		zap.String("mq_url", cfg.MQ.URL),
	)

	shutdownOtel, err := otel.Init(cfg.Otel, log)
	if err != nil {
		log.Fatal("Failed to init OpenTelemetry", zap.Error(err))
	}
	defer shutdownOtel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := bootstrap.OpenBackend(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to init storage", zap.Error(err))
	}
	defer backend.Close()

	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	// Outbox dispatcher
	if !cfg.Outbox.DispatchInAPI {
		dispatcher := outbox.NewDispatcher(backend.Outbox, publisher, log).
			WithInterval(cfg.Outbox.Interval).
			WithBatchSize(cfg.Outbox.BatchSize).
			WithMaxRetries(cfg.Outbox.MaxRetries)
		go dispatcher.Start(ctx)
		log.Info("Outbox dispatcher started")
	}

	// Dedup / retry counters
	var (
		deduper mqhandler.Deduper
		retries mqhandler.RetryCounter
	)
	if rdb := bootstrap.OpenRedis(ctx, cfg, log); rdb != nil {
		defer rdb.Close()
		deduper = util.NewDeduper(rdb, cfg.Worker.DedupTTL, log)
		retries = util.NewRetryCounter(rdb, cfg.Worker.RetryTTL)
	}

	notificationService := notification.NewService(backend.Store.Notifications(), log)
	handler := mqhandler.NewNotificationHandler(notificationService, deduper, retries, publisher, cfg.Worker.MaxRetries, log)

	var consumers []*mq.Consumer
	for _, r := range handler.Routes() {
		log.Info("Initializing MQ consumer",
			zap.String("queue", r.Queue),
			zap.String("routing_key", r.RoutingKey),
		)
		consumer, err := mq.NewConsumer(cfg.MQ.URL, r.Queue, r.RoutingKey, log)
		if err != nil {
			log.Fatal("Failed to init consumer", zap.String("queue", r.Queue), zap.Error(err))
		}
		consumer.SetHandler(r.Handle)
		consumers = append(consumers, consumer)

		go func(c *mq.Consumer, queue string) {
			if err := c.StartConsuming(); err != nil {
				log.Fatal("Consumer failed", zap.String("queue", queue), zap.Error(err))
			}
		}(consumer, r.Queue)
	}

	// HTTP server (health checks + metrics)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/readyz", func(c *gin.Context) {
		pingCtx, pingCancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer pingCancel()
		if err := backend.Store.Ping(pingCtx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready"})
			return
		}
		if !publisher.IsConnected() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "mq_not_ready"})
			return
		}
		for _, consumer := range consumers {
			if !consumer.IsConnected() {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "consumer_not_ready"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{Addr: healthAddr, Handler: engine, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info("HTTP server starting", zap.String("addr", healthAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("casa worker is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down casa worker gracefully...")
	cancel()
	for _, c := range consumers {
		c.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("casa worker shutdown complete")
}
