package httptransport

import (
	"io"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/primsh/relay/internal/middleware"
)

// ========== Webhook Handlers ==========

// registerWebhookRequest 注册 Webhook 请求体
type registerWebhookRequest struct {
	MailboxID string   `json:"mailboxId" binding:"required"`
	URL       string   `json:"url" binding:"required"`
	Secret    string   `json:"secret"` // 可选的签名密钥
	Events    []string `json:"events"` // 为空默认订阅 message.received
	// AllowInsecure 允许 http 回调地址，仅供本地调试
	AllowInsecure bool `json:"allowInsecure"`
}

func (h *Handler) registerWebhook(c *gin.Context) {
	var req registerWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	webhook, err := h.webhooks.Register(
		c.Request.Context(),
		middleware.Owner(c),
		req.MailboxID,
		req.URL,
		req.Secret,
		req.Events,
		req.AllowInsecure,
	)
	if err != nil {
		handleError(c, err)
		return
	}
	Created(c, webhook)
}

func (h *Handler) listWebhooks(c *gin.Context) {
	webhooks, err := h.webhooks.List(c.Request.Context(), middleware.Owner(c), c.Query("mailboxId"))
	if err != nil {
		handleError(c, err)
		return
	}
	Success(c, gin.H{
		"items": webhooks,
		"total": len(webhooks),
	})
}

func (h *Handler) deleteWebhook(c *gin.Context) {
	if err := h.webhooks.Delete(middleware.Owner(c), c.Param("id")); err != nil {
		handleError(c, err)
		return
	}
	NoContent(c)
}

func (h *Handler) reactivateWebhook(c *gin.Context) {
	webhook, err := h.webhooks.Reactivate(middleware.Owner(c), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	Success(c, webhook)
}

func (h *Handler) listDeliveries(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	deliveries, err := h.webhooks.Deliveries(middleware.Owner(c), c.Param("id"), limit)
	if err != nil {
		handleError(c, err)
		return
	}
	Success(c, gin.H{
		"items": deliveries,
		"total": len(deliveries),
	})
}

// ingest 接收邮件后端推送的签名事件批次。
// 签名覆盖原始请求体字节，必须在反序列化之前校验。
func (h *Handler) ingest(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	accepted, err := h.webhooks.Ingest(c.Request.Context(), body, c.GetHeader("X-Signature"))
	if err != nil {
		handleError(c, err)
		return
	}
	Success(c, gin.H{"accepted": accepted})
}
