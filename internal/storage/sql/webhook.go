package sql

import (
	"gorm.io/gorm"

	"github.com/primsh/relay/internal/domain"
	"github.com/primsh/relay/internal/storage"
)

// CreateWebhook 创建 Webhook
func (s *Store) CreateWebhook(webhook *domain.Webhook) error {
	return s.db.Create(webhook).Error
}

// GetWebhook 获取 Webhook
func (s *Store) GetWebhook(id string) (*domain.Webhook, error) {
	var webhook domain.Webhook
	if err := s.db.First(&webhook, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, storage.ErrWebhookNotFound
		}
		return nil, err
	}
	return &webhook, nil
}

// ListWebhooksByMailbox 列出邮箱下的全部 Webhook。
func (s *Store) ListWebhooksByMailbox(mailboxID string) ([]domain.Webhook, error) {
	var webhooks []domain.Webhook
	err := s.db.Where("mailbox_id = ?", mailboxID).Find(&webhooks).Error
	return webhooks, err
}

// ListWebhooksByOwner 列出调用方拥有的全部 Webhook。
func (s *Store) ListWebhooksByOwner(owner string) ([]domain.Webhook, error) {
	var webhooks []domain.Webhook
	err := s.db.Where("owner = ?", owner).Find(&webhooks).Error
	return webhooks, err
}

// UpdateWebhookDeliveryState 更新失败计数与熔断状态。
func (s *Store) UpdateWebhookDeliveryState(id string, consecutiveFailures int, status domain.WebhookStatus) error {
	result := s.db.Model(&domain.Webhook{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"consecutive_failures": consecutiveFailures,
			"status":               status,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrWebhookNotFound
	}
	return nil
}

// DeleteWebhook 删除 Webhook 及其投递日志。
func (s *Store) DeleteWebhook(id string) error {
	if err := s.db.Delete(&domain.WebhookDelivery{}, "webhook_id = ?", id).Error; err != nil {
		return err
	}
	result := s.db.Delete(&domain.Webhook{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrWebhookNotFound
	}
	return nil
}

// RecordDelivery 追加一条投递日志。
func (s *Store) RecordDelivery(delivery *domain.WebhookDelivery) error {
	return s.db.Create(delivery).Error
}

// ListDeliveries 获取投递日志，按时间倒序。
func (s *Store) ListDeliveries(webhookID string, limit int) ([]domain.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 20
	}
	var deliveries []domain.WebhookDelivery
	err := s.db.
		Where("webhook_id = ?", webhookID).
		Order("created_at DESC").
		Limit(limit).
		Find(&deliveries).Error
	return deliveries, err
}
