package memory

import (
	"time"

	"github.com/primsh/relay/internal/domain"
	"github.com/primsh/relay/internal/storage"
)

// CreateWebhook 创建 Webhook
func (s *Store) CreateWebhook(webhook *domain.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *webhook
	s.webhooks[webhook.ID] = &cp

	if s.webhooksByMailbox[webhook.MailboxID] == nil {
		s.webhooksByMailbox[webhook.MailboxID] = make(map[string]*domain.Webhook)
	}
	s.webhooksByMailbox[webhook.MailboxID][webhook.ID] = &cp

	return nil
}

// GetWebhook 获取 Webhook
func (s *Store) GetWebhook(id string) (*domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	webhook, exists := s.webhooks[id]
	if !exists {
		return nil, storage.ErrWebhookNotFound
	}
	cp := *webhook
	return &cp, nil
}

// ListWebhooksByMailbox 列出邮箱下的全部 Webhook。
func (s *Store) ListWebhooksByMailbox(mailboxID string) ([]domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byMailbox := s.webhooksByMailbox[mailboxID]
	result := make([]domain.Webhook, 0, len(byMailbox))
	for _, webhook := range byMailbox {
		result = append(result, *webhook)
	}
	return result, nil
}

// ListWebhooksByOwner 列出调用方拥有的全部 Webhook。
func (s *Store) ListWebhooksByOwner(owner string) ([]domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Webhook, 0)
	for _, webhook := range s.webhooks {
		if webhook.Owner == owner {
			result = append(result, *webhook)
		}
	}
	return result, nil
}

// UpdateWebhookDeliveryState 更新失败计数与熔断状态。
func (s *Store) UpdateWebhookDeliveryState(id string, consecutiveFailures int, status domain.WebhookStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	webhook, exists := s.webhooks[id]
	if !exists {
		return storage.ErrWebhookNotFound
	}
	webhook.ConsecutiveFailures = consecutiveFailures
	webhook.Status = status
	return nil
}

// DeleteWebhook 删除 Webhook
func (s *Store) DeleteWebhook(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	webhook, exists := s.webhooks[id]
	if !exists {
		return storage.ErrWebhookNotFound
	}

	delete(s.webhooks, id)
	delete(s.webhooksByMailbox[webhook.MailboxID], id)
	delete(s.deliveries, id)
	return nil
}

// RecordDelivery 追加一条投递日志。
func (s *Store) RecordDelivery(delivery *domain.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = time.Now().UTC()
	}
	cp := *delivery
	s.deliveries[delivery.WebhookID] = append(s.deliveries[delivery.WebhookID], &cp)

	// 每个 Webhook 最多保留 100 条记录
	if len(s.deliveries[delivery.WebhookID]) > 100 {
		s.deliveries[delivery.WebhookID] = s.deliveries[delivery.WebhookID][1:]
	}
	return nil
}

// ListDeliveries 获取投递日志，按时间倒序。
func (s *Store) ListDeliveries(webhookID string, limit int) ([]domain.WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.deliveries[webhookID]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}

	result := make([]domain.WebhookDelivery, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, *entries[i])
	}
	return result, nil
}
