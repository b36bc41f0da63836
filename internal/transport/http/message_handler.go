package httptransport

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/primsh/relay/internal/domain"
	"github.com/primsh/relay/internal/middleware"
)

// ========== Message Handlers ==========

func (h *Handler) listMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	messages, err := h.messages.List(c.Request.Context(), middleware.Owner(c), c.Param("id"), limit)
	if err != nil {
		handleError(c, err)
		return
	}
	Success(c, gin.H{
		"items": messages,
		"total": len(messages),
	})
}

func (h *Handler) getMessage(c *gin.Context) {
	message, err := h.messages.Get(c.Request.Context(), middleware.Owner(c), c.Param("id"), c.Param("messageId"))
	if err != nil {
		handleError(c, err)
		return
	}
	Success(c, message)
}

// sendMessageRequest 发信请求体
type sendMessageRequest struct {
	To      []domain.EmailAddress `json:"to"`
	Subject string                `json:"subject"`
	Body    string                `json:"body"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	messageID, err := h.messages.Send(c.Request.Context(), middleware.Owner(c), c.Param("id"), req.To, req.Subject, req.Body)
	if err != nil {
		handleError(c, err)
		return
	}
	Created(c, gin.H{"messageId": messageID})
}
