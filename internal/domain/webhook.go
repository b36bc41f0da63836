package domain

import "time"

// WebhookEventType Webhook 事件类型
type WebhookEventType string

const (
	WebhookEventMessageReceived WebhookEventType = "message.received" // 新邮件到达
)

// WebhookStatus Webhook 状态
type WebhookStatus string

const (
	WebhookStatusActive WebhookStatus = "active" // 正常投递
	WebhookStatusPaused WebhookStatus = "paused" // 连续失败达到阈值后熔断，需显式恢复
)

// Webhook 订阅配置
type Webhook struct {
	ID        string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MailboxID string        `json:"mailboxId" gorm:"type:varchar(36);index;not null"`
	Owner     string        `json:"owner" gorm:"type:varchar(128);index"`
	URL       string        `json:"url" gorm:"type:varchar(500);not null"`
	SecretEnc string        `json:"-" gorm:"type:text"` // 签名密钥（加密保存），为空表示不签名
	Events    []string      `json:"events" gorm:"serializer:json;type:json"`
	Status    WebhookStatus `json:"status" gorm:"type:varchar(16);index"`

	// ConsecutiveFailures 连续失败计数：按整轮投递（所有尝试）统计，
	// 任意一次 2xx 即归零，达到阈值后 Status 翻转为 paused。
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	CreatedAt           time.Time `json:"createdAt"`
}

// SubscribedTo 判断是否订阅了指定事件。
func (w *Webhook) SubscribedTo(event WebhookEventType) bool {
	for _, e := range w.Events {
		if e == string(event) {
			return true
		}
	}
	return false
}

// WebhookDelivery 单次投递尝试的追加记录，仅用于可观测性，不回读驱动逻辑。
type WebhookDelivery struct {
	ID          string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	WebhookID   string     `json:"webhookId" gorm:"type:varchar(36);index"`
	MessageID   string     `json:"messageId" gorm:"type:varchar(255)"`
	Attempt     int        `json:"attempt"`
	StatusCode  *int       `json:"statusCode"`  // nil 表示网络/超时失败
	Error       *string    `json:"error"`       // nil 表示成功
	CompletedAt *time.Time `json:"completedAt"` // nil 表示请求未完成
	CreatedAt   time.Time  `json:"createdAt"`
}

// WebhookPayload 推送给订阅方 URL 的事件载荷。
type WebhookPayload struct {
	Event         string         `json:"event"`
	MailboxID     string         `json:"mailboxId"`
	MessageID     string         `json:"messageId"`
	From          EmailAddress   `json:"from"`
	To            []EmailAddress `json:"to"`
	Subject       string         `json:"subject"`
	Preview       string         `json:"preview"`
	ReceivedAt    time.Time      `json:"receivedAt"`
	Size          int64          `json:"size"`
	HasAttachment bool           `json:"hasAttachment"`
	DeliveredAt   time.Time      `json:"deliveredAt"`
}
