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

	"genledger/internal/config"
	"genledger/internal/handler"
	"genledger/internal/infrastructure/cache"
	"genledger/internal/infrastructure/database"
	"genledger/internal/infrastructure/mq"
	"genledger/internal/job"
	"genledger/internal/logger"
	"genledger/internal/metrics"
	"genledger/internal/pricing"
	"genledger/internal/provider"
	"genledger/internal/service"
	"genledger/pkg/idgen"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

func main() {
	// 加载配置
	configPath := os.Getenv("GENLEDGER_CONFIG")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("加载配置失败")
	}

	logg := logger.New(cfg.Log.Level, cfg.Log.Pretty)
	metrics.Register(prometheus.DefaultRegisterer)

	// 初始化 ID 生成器
	idgen.Init(cfg.Server.WorkerID)

	// 初始化数据库
	db, err := database.Open(&cfg.Database)
	if err != nil {
		logg.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("初始化数据库失败")
	}

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化 Redis
	redisClient, err := cache.NewRedis(ctx, &cfg.Redis)
	if err != nil {
		logg.Fatal().Err(err).Msg("初始化 Redis 失败")
	}
	defer redisClient.Close()

	// 初始化 Kafka
	producer, err := mq.NewProducer(&cfg.Kafka)
	if err != nil {
		logg.Fatal().Err(err).Strs("brokers", cfg.Kafka.Brokers).Msg("初始化 Kafka 失败")
	}
	defer producer.Close()

	registry, err := provider.NewRegistryFromConfig(&cfg.Provider, &http.Client{}, logg)
	if err != nil {
		logg.Fatal().Err(err).Msg("初始化供应商客户端失败")
	}

	hostname, _ := os.Hostname()
	owner := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	ledger := service.NewLedgerService(db, cfg.Ledger, logg)
	finalizer := service.NewFinalizer(db, ledger, cfg.Kafka.Topic.GenerationEvents, logg)
	services := handler.Services{
		Ledger:    ledger,
		Gateway:   service.NewGatewayService(db, ledger, finalizer, pricing.NewTable(cfg.Pricing), registry, cfg.Provider.SubmitTimeout, logg),
		Webhook:   service.NewWebhookService(db, registry, finalizer, logg),
		Reconcile: service.NewReconcileService(db, registry, finalizer, redisClient, cfg.Reconcile, owner, logg),
		Audit:     service.NewAuditService(db, ledger, finalizer, redisClient, cfg.Audit, logg),
	}

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, producer, cfg.Outbox, logg)
	go outboxSender.Start(ctx)

	sweepJob := job.NewSweepJob(services.Reconcile, cfg.Reconcile, logg)
	go sweepJob.Start(ctx)

	auditJob := job.NewAuditJob(services.Audit, cfg.Audit, logg)
	go auditJob.Start(ctx)

	// 设置路由
	limiter := handler.NewUserLimiter(cfg.Server.SubmitRateLimit, cfg.Server.SubmitBurst)
	router := handler.SetupRouter(handler.NewHandler(services, limiter, logg), cfg, prometheus.DefaultGatherer, logg)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.WithCORS(router, cfg.Server.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 在 goroutine 中启动服务器
	go func() {
		logg.Info().Int("port", cfg.Server.Port).Strs("providers", registry.Names()).Msg("服务启动")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Fatal().Err(err).Msg("服务启动失败")
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Info().Msg("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error().Err(err).Msg("服务关闭异常")
	}

	logg.Info().Msg("服务已关闭")
}
