package storage

import (
	"errors"
	"time"

	"github.com/primsh/relay/internal/domain"
)

var (
	// ErrMailboxNotFound 邮箱未找到错误
	ErrMailboxNotFound = errors.New("mailbox not found")
	// ErrWebhookNotFound Webhook 未找到错误
	ErrWebhookNotFound = errors.New("webhook not found")
	// ErrAddressExists 地址已存在错误
	ErrAddressExists = errors.New("address already exists")
)

// MailboxRepository 定义邮箱数据存取操作。
//
// 所有更新均为按 ID 的单行写入；并发正确性依赖每行写入的幂等性，
// 而非多行事务。
type MailboxRepository interface {
	SaveMailbox(mailbox *domain.Mailbox) error
	GetMailbox(id string) (*domain.Mailbox, error)
	GetMailboxByAddress(address string) (*domain.Mailbox, error)
	// ListMailboxesByOwner 按所有者分页查询，返回 (本页数据, 总数)。
	ListMailboxesByOwner(owner string, page, pageSize int, includeExpired bool) ([]domain.Mailbox, int, error)
	UpdateMailboxExpiry(id string, expiresAt time.Time) error
	UpdateMailboxSession(id string, session *domain.Session) error
	// MarkMailboxExpired 将邮箱置为 expired 并写入清理结果标记。幂等。
	MarkMailboxExpired(id string, cleanupFailed bool) error
	// UpdateMailboxCleanup 更新清理重试状态。
	UpdateMailboxCleanup(id string, failed bool, attempts int, deadLettered bool) error
	DeleteMailbox(id string) error
	// ListExpiredBefore 返回截止时间之前到期、仍为 active 的邮箱。
	ListExpiredBefore(cutoff time.Time, limit int) ([]domain.Mailbox, error)
	// ListCleanupFailures 返回清理失败待重试（未死信）的邮箱。
	ListCleanupFailures(limit int) ([]domain.Mailbox, error)
}

// WebhookRepository 定义 Webhook 数据存取操作。
type WebhookRepository interface {
	CreateWebhook(webhook *domain.Webhook) error
	GetWebhook(id string) (*domain.Webhook, error)
	ListWebhooksByMailbox(mailboxID string) ([]domain.Webhook, error)
	ListWebhooksByOwner(owner string) ([]domain.Webhook, error)
	// UpdateWebhookDeliveryState 由投递引擎写入失败计数与熔断状态。
	UpdateWebhookDeliveryState(id string, consecutiveFailures int, status domain.WebhookStatus) error
	DeleteWebhook(id string) error
	// RecordDelivery 追加一条投递日志（每次尝试一条）。
	RecordDelivery(delivery *domain.WebhookDelivery) error
	ListDeliveries(webhookID string, limit int) ([]domain.WebhookDelivery, error)
}

// EventCache 定义入站事件去重操作。后端可能重复推送同一事件，
// 已处理的消息 ID 在 TTL 内不再触发扇出。
type EventCache interface {
	// SeenEvent 判断事件是否已处理过。
	SeenEvent(messageID string) (bool, error)
	// MarkEvent 标记事件已处理。
	MarkEvent(messageID string, ttl time.Duration) error
}

// Store 定义完整的存储接口。
type Store interface {
	MailboxRepository
	WebhookRepository

	Close() error
	Health() error
}
