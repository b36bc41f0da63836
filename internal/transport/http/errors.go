package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/primsh/relay/internal/domain"
	"github.com/primsh/relay/internal/service"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	service.ErrMailboxNotFound:   "邮箱不存在",
	service.ErrMailboxExpired:    "邮箱已过期",
	service.ErrInvalidTTL:        "过期时间超出允许范围",
	service.ErrInvalidDomain:     "域名不在允许列表中",
	service.ErrAddressConflict:   "地址生成冲突，请重试",
	service.ErrMessageNotFound:   "邮件不存在",
	service.ErrMissingSendFields: "发信请求缺少必填字段",
	service.ErrWebhookNotFound:   "Webhook 不存在",
	service.ErrInvalidWebhookURL: "Webhook URL 无效，仅支持 HTTPS",
	service.ErrInvalidEvents:     "订阅了未知的事件类型",
	service.ErrInvalidSignature:  "事件签名校验失败",
	service.ErrMalformedEvents:   "事件批次格式错误",
	service.ErrMissingCryptoKey:  "服务器内部错误，请稍后重试",
}

// 业务错误对应的 HTTP 状态码。未列出的错误按 500 处理。
var errorStatus = map[error]int{
	service.ErrMailboxNotFound:   http.StatusNotFound,
	service.ErrMailboxExpired:    http.StatusGone,
	service.ErrInvalidTTL:        http.StatusBadRequest,
	service.ErrInvalidDomain:     http.StatusBadRequest,
	service.ErrAddressConflict:   http.StatusConflict,
	service.ErrMessageNotFound:   http.StatusNotFound,
	service.ErrMissingSendFields: http.StatusBadRequest,
	service.ErrWebhookNotFound:   http.StatusNotFound,
	service.ErrInvalidWebhookURL: http.StatusBadRequest,
	service.ErrInvalidEvents:     http.StatusBadRequest,
	service.ErrInvalidSignature:  http.StatusUnauthorized,
	service.ErrMalformedEvents:   http.StatusBadRequest,
	service.ErrMissingCryptoKey:  http.StatusInternalServerError,
}

// 通用错误消息
const (
	MsgInvalidRequest   = "请求参数格式错误"
	MsgInvalidExpiresIn = "过期时间格式无效"
	MsgInternalError    = "服务器内部错误，请稍后重试"
)

// handleError 把业务错误翻译为统一响应。
// 后端错误（目录 / 会话发现）原样透传上游状态码，网络层失败
// 没有上游状态码，归为 502；会话发现的认证拒绝单独归为无权限。
func handleError(c *gin.Context, err error) {
	if backendErr, ok := domain.AsBackendError(err); ok {
		if domain.IsBackendForbidden(err) {
			Error(c, http.StatusForbidden, "邮件后端拒绝认证")
			return
		}
		status := backendErr.StatusCode
		if status <= 0 {
			status = http.StatusBadGateway
		}
		Error(c, status, "邮件后端错误: "+backendErr.Reason)
		return
	}

	for sentinel, status := range errorStatus {
		if errors.Is(err, sentinel) {
			Error(c, status, errorMessages[sentinel])
			return
		}
	}
	InternalError(c, MsgInternalError)
}
