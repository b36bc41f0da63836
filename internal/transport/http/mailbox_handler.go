package httptransport

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/primsh/relay/internal/middleware"
)

// ========== Mailbox Handlers ==========

// createMailboxRequest 创建邮箱请求体
type createMailboxRequest struct {
	Domain    string `json:"domain"`    // 可选，默认使用系统域名
	ExpiresIn string `json:"expiresIn"` // 可选的生存时间，如 "24h"，默认使用系统配置
}

// parseExpiresIn 解析可选的生存时间字段。空值返回 0，交给服务层取默认值。
func parseExpiresIn(raw string) (time.Duration, bool) {
	if raw == "" {
		return 0, true
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil || ttl <= 0 {
		return 0, false
	}
	return ttl, true
}

func (h *Handler) createMailbox(c *gin.Context) {
	var req createMailboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	ttl, ok := parseExpiresIn(req.ExpiresIn)
	if !ok {
		BadRequest(c, MsgInvalidExpiresIn)
		return
	}

	mailbox, err := h.mailboxes.Create(c.Request.Context(), middleware.Owner(c), req.Domain, ttl)
	if err != nil {
		handleError(c, err)
		return
	}
	Created(c, mailbox)
}

func (h *Handler) listMailboxes(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))
	includeExpired := c.Query("includeExpired") == "true"

	mailboxes, total, err := h.mailboxes.List(middleware.Owner(c), page, pageSize, includeExpired)
	if err != nil {
		handleError(c, err)
		return
	}
	Success(c, gin.H{
		"items":    mailboxes,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

func (h *Handler) getMailbox(c *gin.Context) {
	mailbox, err := h.mailboxes.Get(c.Request.Context(), middleware.Owner(c), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	Success(c, mailbox)
}

// renewMailboxRequest 续期请求体
type renewMailboxRequest struct {
	ExpiresIn string `json:"expiresIn"` // 新的生存时间，从当前时间起算
}

func (h *Handler) renewMailbox(c *gin.Context) {
	var req renewMailboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	ttl, ok := parseExpiresIn(req.ExpiresIn)
	if !ok {
		BadRequest(c, MsgInvalidExpiresIn)
		return
	}

	mailbox, err := h.mailboxes.Renew(c.Request.Context(), middleware.Owner(c), c.Param("id"), ttl)
	if err != nil {
		handleError(c, err)
		return
	}
	Success(c, mailbox)
}

func (h *Handler) deleteMailbox(c *gin.Context) {
	if err := h.mailboxes.Delete(c.Request.Context(), middleware.Owner(c), c.Param("id")); err != nil {
		handleError(c, err)
		return
	}
	NoContent(c)
}
