// Package main 是聊天后端的入口点。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pai-smart-chat/internal/config"
	"pai-smart-chat/internal/handler"
	"pai-smart-chat/internal/repository"
	"pai-smart-chat/internal/service"
	"pai-smart-chat/pkg/database"
	"pai-smart-chat/pkg/kafka"
	"pai-smart-chat/pkg/llm"
	"pai-smart-chat/pkg/log"
	"pai-smart-chat/pkg/metrics"
	"pai-smart-chat/pkg/storage"
	"pai-smart-chat/pkg/token"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "path to config file")
	flag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库和 Redis
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. 初始化 Repository
	conversationRepo := repository.NewConversationRepository(database.DB)
	usageRepo := repository.NewUsageRepository(database.RDB)
	requestRepo := repository.NewRequestRepository(database.RDB)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	usageService := service.NewUsageService(usageRepo, cfg.Usage, m)
	conversationService := service.NewConversationService(conversationRepo)

	chatOpts := service.ChatServiceOptions{Metrics: m}
	if cfg.Kafka.Brokers != "" {
		producer := kafka.NewProducer(cfg.Kafka)
		defer producer.Close()
		chatOpts.Publisher = producer
		// 6. 启动后台 Kafka 消费者，把用量事件写入 Redis 计数
		go kafka.StartConsumer(rootCtx, cfg.Kafka, usageService)
	} else {
		log.Info("未配置 Kafka，用量将直接写入 Redis")
	}
	chatService := service.NewChatService(llm.NewClient(cfg.LLM), requestRepo, usageService, chatOpts)

	services := handler.Services{
		Chat:          chatService,
		Conversations: conversationService,
		Usage:         usageService,
	}
	if cfg.MinIO.Endpoint != "" {
		store, err := storage.NewMinIO(rootCtx, cfg.MinIO)
		if err != nil {
			log.Fatal("初始化 MinIO 失败", err)
		}
		services.Attachments = service.NewAttachmentService(store, cfg.MinIO.PresignExpiry)
	}

	// 7. 注册路由
	r := handler.NewRouter(cfg.Server.Mode, jwtManager, services, m)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	// 停止 Kafka 消费者
	cancel()
	log.Info("服务已优雅关闭")
}
