package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/primsh/relay/internal/config"
	"github.com/primsh/relay/internal/directory"
	"github.com/primsh/relay/internal/expiry"
	"github.com/primsh/relay/internal/health"
	"github.com/primsh/relay/internal/jmap"
	"github.com/primsh/relay/internal/logger"
	"github.com/primsh/relay/internal/monitoring"
	"github.com/primsh/relay/internal/secrets"
	"github.com/primsh/relay/internal/service"
	"github.com/primsh/relay/internal/storage"
	"github.com/primsh/relay/internal/storage/memory"
	redisstorage "github.com/primsh/relay/internal/storage/redis"
	sqlstorage "github.com/primsh/relay/internal/storage/sql"
	httptransport "github.com/primsh/relay/internal/transport/http"
)

// main 启动邮箱生命周期与事件投递服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 初始化日志系统
	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     "",
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Info("starting relay server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("mail_domain", cfg.Mailbox.Domain),
	)

	// 初始化存储层
	var store storage.Store
	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		store, err = sqlstorage.NewStore(
			cfg.Database.Type,
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime,
		)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize database storage: %v", err))
		}
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	} else {
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	}
	defer store.Close()

	// 事件去重缓存（可选）
	var events storage.EventCache
	if cfg.Redis.Address != "" {
		cache, err := redisstorage.NewEventCache(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn("redis unavailable, event de-duplication disabled", zap.Error(err))
		} else {
			events = cache
			log.Info("redis event cache initialized", zap.String("address", cfg.Redis.Address))
		}
	}

	// 凭证加密
	cipher, err := secrets.NewCipher(cfg.Crypto.Key)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize cipher: %v", err))
	}
	if cipher == nil {
		log.Warn("crypto key not configured, mailbox credentials will not be reusable")
	}

	// 后端客户端
	directoryClient := directory.NewClient(cfg.Backend, log)
	jmapClient := jmap.NewClient(cfg.Backend, log)

	// 监控与健康检查
	metrics := monitoring.NewMetrics()
	healthChecker := health.NewChecker(store, log)

	// 引擎与服务层
	expiryEngine := expiry.NewEngine(store, directoryClient, cfg.Expiry, metrics, log)
	deliveryEngine := service.NewDeliveryEngine(store, cipher, cfg.Webhook, metrics, log)

	mailboxService := service.NewMailboxService(store, directoryClient, jmapClient, expiryEngine, cipher, cfg.Mailbox, metrics, log)
	messageService := service.NewMessageService(store, jmapClient, expiryEngine, cipher, log)
	webhookService := service.NewWebhookService(store, events, cipher, deliveryEngine, expiryEngine, cfg.Ingest, metrics, log)

	// HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		MailboxService: mailboxService,
		MessageService: messageService,
		WebhookService: webhookService,
		Metrics:        metrics,
		Health:         healthChecker,
		Logger:         log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 过期扫描 goroutine
	group.Go(func() error {
		if err := expiryEngine.Run(groupCtx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	// 优雅停机 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		// 等待在途 Webhook 投递收尾
		deliveryEngine.Wait()
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Error("server exited with error", zap.Error(err))
	}
	log.Info("server stopped")
}
