// Package httptransport 提供 HTTP 路由与处理器。
package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/primsh/relay/internal/config"
	"github.com/primsh/relay/internal/health"
	"github.com/primsh/relay/internal/middleware"
	"github.com/primsh/relay/internal/monitoring"
	"github.com/primsh/relay/internal/service"
)

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	mailboxes *service.MailboxService
	messages  *service.MessageService
	webhooks  *service.WebhookService
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	MailboxService *service.MailboxService
	MessageService *service.MessageService
	WebhookService *service.WebhookService
	Metrics        *monitoring.Metrics
	Health         *health.Checker
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	if !deps.Config.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(middleware.RecoveryHandler(deps.Logger))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(deps.Metrics.GinMiddleware())

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", middleware.OwnerHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// 允许所有来源时需清空凭证支持
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := &Handler{
		mailboxes: deps.MailboxService,
		messages:  deps.MessageService,
		webhooks:  deps.WebhookService,
	}

	rateLimit := middleware.NewRateLimiter(deps.Config.RateLimit)
	principal := middleware.RequirePrincipal()

	// 运维端点
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/live", gin.WrapF(deps.Health.Live()))
	router.GET("/ready", gin.WrapF(deps.Health.Ready()))
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	v1 := router.Group("/v1")
	{
		// 入站事件由后端推送，用批次签名而非调用方身份认证
		v1.POST("/ingest", handler.ingest)

		authed := v1.Group("")
		authed.Use(principal, rateLimit.Handler())
		{
			mailboxes := authed.Group("/mailboxes")
			{
				mailboxes.POST("", handler.createMailbox)
				mailboxes.GET("", handler.listMailboxes)
				mailboxes.GET("/:id", handler.getMailbox)
				mailboxes.POST("/:id/renew", handler.renewMailbox)
				mailboxes.DELETE("/:id", handler.deleteMailbox)

				mailboxes.GET("/:id/messages", handler.listMessages)
				mailboxes.GET("/:id/messages/:messageId", handler.getMessage)
				mailboxes.POST("/:id/messages", handler.sendMessage)
			}

			webhooks := authed.Group("/webhooks")
			{
				webhooks.POST("", handler.registerWebhook)
				webhooks.GET("", handler.listWebhooks)
				webhooks.DELETE("/:id", handler.deleteWebhook)
				webhooks.POST("/:id/reactivate", handler.reactivateWebhook)
				webhooks.GET("/:id/deliveries", handler.listDeliveries)
			}
		}
	}

	return router
}
