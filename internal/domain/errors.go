package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// BackendError 邮件后端（目录管理 API / 会话发现）返回的类型化错误。
//
// 上游状态码必须原样透传给调用方（编排层不做包装），因此错误本身携带
// HTTP 状态码与机器可读的原因标识。
type BackendError struct {
	StatusCode int    // 上游 HTTP 状态码，网络失败时为 0
	Reason     string // 机器可读原因，如 "discovery_failed"、"principal_conflict"
	Message    string
}

// Error 实现 error 接口。
func (e *BackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("backend error (%d %s): %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("backend error (%s): %s", e.Reason, e.Message)
}

// NewBackendError 创建后端错误。
func NewBackendError(statusCode int, reason, message string) *BackendError {
	return &BackendError{StatusCode: statusCode, Reason: reason, Message: message}
}

// AsBackendError 提取链上的 *BackendError。
func AsBackendError(err error) (*BackendError, bool) {
	var be *BackendError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsBackendNotFound 判断是否为后端 404（资源在上游已不存在）。
func IsBackendNotFound(err error) bool {
	be, ok := AsBackendError(err)
	return ok && be.StatusCode == http.StatusNotFound
}

// IsBackendForbidden 判断是否为后端认证拒绝（401/403）。
func IsBackendForbidden(err error) bool {
	be, ok := AsBackendError(err)
	return ok && (be.StatusCode == http.StatusUnauthorized || be.StatusCode == http.StatusForbidden)
}
