package domain

import (
	"time"
)

// MailboxStatus 邮箱生命周期状态
type MailboxStatus string

const (
	MailboxStatusActive  MailboxStatus = "active"  // 活跃
	MailboxStatusExpired MailboxStatus = "expired" // 已过期（后端资源可能尚未清理完成）
	MailboxStatusDeleted MailboxStatus = "deleted" // 已删除
)

// Mailbox 表示托管在邮件后端上的临时邮箱业务实体。
//
// 状态只允许单向迁移 active -> expired -> 删除，任何代码路径都不得把
// expired 改回 active。
type Mailbox struct {
	ID        string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Address   string        `json:"address" gorm:"type:varchar(255);uniqueIndex"`
	LocalPart string        `json:"localPart" gorm:"type:varchar(255)"`
	Domain    string        `json:"domain" gorm:"type:varchar(100);index"`
	Owner     string        `json:"owner" gorm:"type:varchar(128);index"` // 调用方身份（如钱包地址）
	Status    MailboxStatus `json:"status" gorm:"type:varchar(16);index"`

	// SecretHash 用于校验邮箱凭证；SecretEnc 为加密保存的原始凭证，
	// 供后续对后端重放（会话发现、收发邮件）。
	SecretHash string `json:"-" gorm:"type:varchar(255)"`
	SecretEnc  string `json:"-" gorm:"type:text"`

	// Session 为缓存的会话描述符。nil 表示尚未发现（Uncached 分支），
	// 一旦写入即复用，不再重复发现。
	Session *Session `json:"session,omitempty" gorm:"serializer:json;type:json"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt" gorm:"index"`

	// 清理失败状态，仅在 Status == expired 时有意义。
	CleanupFailed   bool `json:"cleanupFailed" gorm:"index"`
	CleanupAttempts int  `json:"cleanupAttempts"`
	DeadLettered    bool `json:"deadLettered"` // 重试耗尽，需人工处理
}

// PastDeadline 判断邮箱是否已越过过期时间。
func (m *Mailbox) PastDeadline(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

// AccountName 返回邮箱在邮件后端上的主体（principal）名称。
func (m *Mailbox) AccountName() string {
	return m.LocalPart
}
