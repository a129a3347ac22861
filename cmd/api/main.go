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
	"go.uber.org/zap"

	"casa/internal/api"
	"casa/internal/bootstrap"
	"casa/internal/config"
	"casa/internal/mqhandler"
	"casa/internal/service"
	"casa/internal/service/approval"
	"casa/internal/service/auth"
	"casa/internal/service/document"
	"casa/internal/service/evaluation"
	"casa/internal/service/notification"
	"casa/internal/service/project"
	"casa/internal/service/prompt"
	"casa/pkg/logger"
	"casa/pkg/mq"
	"casa/pkg/otel"
	"casa/pkg/outbox"
	"casa/pkg/redis"
)

// publisher outbox 投递目标：RabbitMQ 或进程内总线
type publisher interface {
	outbox.Publisher
	IsConnected() bool
}

func main() {
	cfg, err := config.Load(bootstrap.ConfigDir())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log := logger.NewLogger(cfg.LogLevel)
	defer log.Sync()

	log.Info("Starting casa api...",
		zap.String("env", cfg.Env),
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("port", cfg.Server.Port),
	)

	shutdownOtel, err := otel.Init(cfg.Otel, log)
	if err != nil {
		log.Fatal("Failed to init OpenTelemetry", zap.Error(err))
	}
	defer shutdownOtel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	backend, err := bootstrap.OpenBackend(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to init storage", zap.Error(err))
	}
	defer backend.Close()
	store := backend.Store

	// Redis (prompt cache)
	var promptCache prompt.Cache
	if rdb := bootstrap.OpenRedis(ctx, cfg, log); rdb != nil {
		defer rdb.Close()
		promptCache = redis.NewJSONCache(rdb, "prompt:", cfg.Prompt.CacheTTL)
	}

	// Services
	gates := service.NewGates(log)
	promptService := prompt.NewService(store, promptCache, log)
	router := bootstrap.NewLLMRouter(cfg.LLM, log)
	authService := auth.NewService(store.Users(), cfg.JWT.Secret, cfg.JWT.TTL, log)
	projectService := project.NewService(store, gates, log)
	evaluationService := evaluation.NewService(store, promptService, router, cfg.LLM.Personas, log)
	documentService := document.NewService(store, promptService, router, log)
	approvalService := approval.NewService(store, gates, log)
	notificationService := notification.NewService(store.Notifications(), log)

	// Event publisher
	var pub publisher
	dispatchInAPI := cfg.Outbox.DispatchInAPI
	if cfg.Memory() {
		// 没有 worker 进程，通知处理器直接挂在本地总线上
		bus := mq.NewLocalBus(log)
		handler := mqhandler.NewNotificationHandler(notificationService, nil, nil, nil, cfg.Worker.MaxRetries, log)
		for _, r := range handler.Routes() {
			bus.Subscribe(r.RoutingKey, r.Handle)
		}
		pub = bus
		dispatchInAPI = true

		n, err := promptService.Seed(ctx)
		if err != nil {
			log.Fatal("Failed to seed prompts", zap.Error(err))
		}
		log.Info("Seeded default prompts", zap.Int("created", n))
	} else {
		rabbit, err := mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			log.Fatal("Failed to init MQ publisher", zap.Error(err))
		}
		defer rabbit.Close()
		pub = rabbit
	}

	if dispatchInAPI {
		dispatcher := outbox.NewDispatcher(backend.Outbox, pub, log).
			WithInterval(cfg.Outbox.Interval).
			WithBatchSize(cfg.Outbox.BatchSize).
			WithMaxRetries(cfg.Outbox.MaxRetries)
		go dispatcher.Start(ctx)
		log.Info("Outbox dispatcher running in api process")
	}
	replayService := outbox.NewReplayService(backend.Outbox, pub, log)

	// HTTP
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := api.NewRouter(api.RouterDeps{
		JWTSecret:     cfg.JWT.Secret,
		Store:         store,
		Publisher:     pub,
		Logger:        log,
		Auth:          api.NewAuthHandler(authService, log),
		Projects:      api.NewProjectHandler(projectService, log),
		AI:            api.NewAIHandler(evaluationService, documentService, log),
		Approvals:     api.NewApprovalHandler(approvalService, log),
		Notifications: api.NewNotificationHandler(notificationService, log),
		Admin:         api.NewAdminHandler(authService, promptService, replayService, log),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down casa api gracefully...")
	cancel()

	// SSE 生成可能持续较久，给足时间
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("casa api shutdown complete")
}
