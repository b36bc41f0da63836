package service

import "errors"

var (
	// ErrMailboxNotFound 邮箱不存在，或不属于当前调用方。
	// 所有权不匹配与不存在刻意返回同一个错误，避免通过 ID 枚举资源。
	ErrMailboxNotFound = errors.New("mailbox not found")
	// ErrMailboxExpired 邮箱已过期
	ErrMailboxExpired = errors.New("mailbox expired")
	// ErrInvalidTTL 生存时间超出允许范围
	ErrInvalidTTL = errors.New("ttl out of range")
	// ErrInvalidDomain 域名不在允许列表中
	ErrInvalidDomain = errors.New("domain not allowed")
	// ErrAddressConflict 地址冲突重试耗尽
	ErrAddressConflict = errors.New("address generation conflict")
	// ErrMessageNotFound 邮件不存在
	ErrMessageNotFound = errors.New("message not found")
	// ErrMissingSendFields 发信请求缺少必填字段
	ErrMissingSendFields = errors.New("missing required send fields")
	// ErrWebhookNotFound Webhook 不存在，或不属于当前调用方
	ErrWebhookNotFound = errors.New("webhook not found")
	// ErrInvalidWebhookURL Webhook URL 非法（非 HTTPS 且未显式放行）
	ErrInvalidWebhookURL = errors.New("invalid webhook url")
	// ErrInvalidEvents 订阅了未知的事件类型
	ErrInvalidEvents = errors.New("invalid event types")
	// ErrInvalidSignature 入站事件批次签名校验失败
	ErrInvalidSignature = errors.New("invalid ingest signature")
	// ErrMalformedEvents 入站事件批次无法解析
	ErrMalformedEvents = errors.New("malformed event batch")
	// ErrMissingCryptoKey 缺少加密材料，属于本地配置缺陷
	ErrMissingCryptoKey = errors.New("crypto key not configured")
)
