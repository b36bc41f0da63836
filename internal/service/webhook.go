package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/primsh/relay/internal/config"
	"github.com/primsh/relay/internal/domain"
	"github.com/primsh/relay/internal/expiry"
	"github.com/primsh/relay/internal/monitoring"
	"github.com/primsh/relay/internal/secrets"
	"github.com/primsh/relay/internal/storage"
)

// eventDedupTTL 入站事件去重窗口
const eventDedupTTL = 24 * time.Hour

// WebhookService 订阅管理与入站事件扇出
type WebhookService struct {
	store     storage.Store
	events    storage.EventCache // 可为 nil，表示不做去重
	cipher    *secrets.Cipher
	deliverer *DeliveryEngine
	expiry    *expiry.Engine
	ingest    config.IngestConfig
	metrics   *monitoring.Metrics
	log       *zap.Logger
}

// NewWebhookService 创建 Webhook 服务
func NewWebhookService(
	store storage.Store,
	events storage.EventCache,
	cipher *secrets.Cipher,
	deliverer *DeliveryEngine,
	expiryEngine *expiry.Engine,
	ingest config.IngestConfig,
	metrics *monitoring.Metrics,
	log *zap.Logger,
) *WebhookService {
	return &WebhookService{
		store:     store,
		events:    events,
		cipher:    cipher,
		deliverer: deliverer,
		expiry:    expiryEngine,
		ingest:    ingest,
		metrics:   metrics,
		log:       log.Named("webhook"),
	}
}

// validateURL 校验订阅地址。默认仅允许 HTTPS，
// allowInsecure 为本地调试留的逐请求放行口子。
func validateURL(raw string, allowInsecure bool) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return ErrInvalidWebhookURL
	}
	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if allowInsecure {
			return nil
		}
		return ErrInvalidWebhookURL
	default:
		return ErrInvalidWebhookURL
	}
}

func validateEvents(events []string) ([]string, error) {
	if len(events) == 0 {
		return []string{string(domain.WebhookEventMessageReceived)}, nil
	}
	for _, e := range events {
		if e != string(domain.WebhookEventMessageReceived) {
			return nil, ErrInvalidEvents
		}
	}
	return events, nil
}

// fetchOwnedMailbox 按 ID 取出属于调用方的邮箱（先做惰性对账）。
func (s *WebhookService) fetchOwnedMailbox(ctx context.Context, owner, mailboxID string) (*domain.Mailbox, error) {
	mailbox, err := s.store.GetMailbox(mailboxID)
	if errors.Is(err, storage.ErrMailboxNotFound) {
		return nil, ErrMailboxNotFound
	}
	if err != nil {
		return nil, err
	}
	if mailbox.Owner != owner {
		return nil, ErrMailboxNotFound
	}
	return s.expiry.EnsureFresh(ctx, mailbox, time.Now().UTC())
}

// Register 为邮箱注册 Webhook 订阅。签名密钥加密保存，空密钥表示不签名。
func (s *WebhookService) Register(ctx context.Context, owner, mailboxID, rawURL, secret string, events []string, allowInsecure bool) (*domain.Webhook, error) {
	mailbox, err := s.fetchOwnedMailbox(ctx, owner, mailboxID)
	if err != nil {
		return nil, err
	}
	if mailbox.Status != domain.MailboxStatusActive {
		return nil, ErrMailboxExpired
	}
	if err := validateURL(rawURL, allowInsecure); err != nil {
		return nil, err
	}
	events, err = validateEvents(events)
	if err != nil {
		return nil, err
	}

	secretEnc := ""
	if secret != "" {
		secretEnc, err = s.cipher.Encrypt(secret)
		if errors.Is(err, secrets.ErrNoKey) {
			return nil, ErrMissingCryptoKey
		}
		if err != nil {
			return nil, err
		}
	}

	webhook := &domain.Webhook{
		ID:        uuid.New().String(),
		MailboxID: mailboxID,
		Owner:     owner,
		URL:       rawURL,
		SecretEnc: secretEnc,
		Events:    events,
		Status:    domain.WebhookStatusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateWebhook(webhook); err != nil {
		return nil, err
	}

	s.log.Info("Webhook 已注册",
		zap.String("webhook_id", webhook.ID),
		zap.String("mailbox_id", mailboxID),
		zap.String("url", rawURL),
	)
	return webhook, nil
}

// List 列出调用方的 Webhook。mailboxID 非空时限定到单个邮箱。
func (s *WebhookService) List(ctx context.Context, owner, mailboxID string) ([]domain.Webhook, error) {
	if mailboxID == "" {
		return s.store.ListWebhooksByOwner(owner)
	}
	if _, err := s.fetchOwnedMailbox(ctx, owner, mailboxID); err != nil {
		return nil, err
	}
	return s.store.ListWebhooksByMailbox(mailboxID)
}

// getOwnedWebhook 按 ID 取出属于调用方的 Webhook。
func (s *WebhookService) getOwnedWebhook(owner, id string) (*domain.Webhook, error) {
	webhook, err := s.store.GetWebhook(id)
	if errors.Is(err, storage.ErrWebhookNotFound) {
		return nil, ErrWebhookNotFound
	}
	if err != nil {
		return nil, err
	}
	if webhook.Owner != owner {
		return nil, ErrWebhookNotFound
	}
	return webhook, nil
}

// Delete 删除 Webhook。
func (s *WebhookService) Delete(owner, id string) error {
	if _, err := s.getOwnedWebhook(owner, id); err != nil {
		return err
	}
	return s.store.DeleteWebhook(id)
}

// Reactivate 恢复熔断的 Webhook：清零失败计数并置回活跃。
// 纯状态变更，不触发任何补投。
func (s *WebhookService) Reactivate(owner, id string) (*domain.Webhook, error) {
	webhook, err := s.getOwnedWebhook(owner, id)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateWebhookDeliveryState(id, 0, domain.WebhookStatusActive); err != nil {
		return nil, err
	}
	webhook.ConsecutiveFailures = 0
	webhook.Status = domain.WebhookStatusActive

	s.log.Info("Webhook 已恢复", zap.String("webhook_id", id))
	return webhook, nil
}

// Deliveries 查询某个 Webhook 的投递日志（倒序）。
func (s *WebhookService) Deliveries(owner, id string, limit int) ([]domain.WebhookDelivery, error) {
	if _, err := s.getOwnedWebhook(owner, id); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 100 {
		limit = 50
	}
	return s.store.ListDeliveries(id, limit)
}

// Ingest 接收后端推送的签名事件批次并触发扇出。
// 返回实际触发投递派发的事件数。
//
// 逐事件去重后，把每个收件地址解析到本地邮箱，向该邮箱所有
// 活跃且订阅了对应事件的 Webhook 各派发一条独立投递；
// 单个 Webhook 的失败不影响其它投递。
func (s *WebhookService) Ingest(ctx context.Context, body []byte, signature string) (int, error) {
	if s.ingest.Secret == "" || !VerifySignature(s.ingest.Secret, body, signature) {
		return 0, ErrInvalidSignature
	}

	var events []domain.MailEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return 0, ErrMalformedEvents
	}

	accepted := 0
	for _, event := range events {
		if event.MessageID == "" {
			continue
		}
		if s.seen(event.MessageID) {
			s.metrics.EventsDeduplicated.Inc()
			continue
		}
		s.metrics.EventsIngested.Inc()
		accepted++
		s.fanOut(ctx, event)
	}
	return accepted, nil
}

// seen 判断事件是否已处理，并记录本次处理。缓存故障按未见过处理，
// 宁可重复投递也不丢事件。
func (s *WebhookService) seen(messageID string) bool {
	if s.events == nil {
		return false
	}
	seen, err := s.events.SeenEvent(messageID)
	if err != nil {
		s.log.Warn("事件去重查询失败", zap.String("message_id", messageID), zap.Error(err))
		return false
	}
	if seen {
		return true
	}
	if err := s.events.MarkEvent(messageID, eventDedupTTL); err != nil {
		s.log.Warn("事件去重标记失败", zap.String("message_id", messageID), zap.Error(err))
	}
	return false
}

func (s *WebhookService) fanOut(ctx context.Context, event domain.MailEvent) {
	now := time.Now().UTC()
	for _, recipient := range event.To {
		mailbox, err := s.store.GetMailboxByAddress(recipient.Email)
		if errors.Is(err, storage.ErrMailboxNotFound) {
			continue
		}
		if err != nil {
			s.log.Error("解析收件地址失败",
				zap.String("address", recipient.Email),
				zap.Error(err),
			)
			continue
		}
		// 越过截止时间但尚未对账的邮箱先就地对账，不再收取扇出
		mailbox, err = s.expiry.EnsureFresh(ctx, mailbox, now)
		if err != nil {
			s.log.Error("收件邮箱对账失败",
				zap.String("address", recipient.Email),
				zap.Error(err),
			)
			continue
		}
		if mailbox.Status != domain.MailboxStatusActive {
			continue
		}

		webhooks, err := s.store.ListWebhooksByMailbox(mailbox.ID)
		if err != nil {
			s.log.Error("查询邮箱 Webhook 失败",
				zap.String("mailbox_id", mailbox.ID),
				zap.Error(err),
			)
			continue
		}
		for i := range webhooks {
			if webhooks[i].Status != domain.WebhookStatusActive {
				continue
			}
			if !webhooks[i].SubscribedTo(domain.WebhookEventMessageReceived) {
				continue
			}
			s.deliverer.Dispatch(webhooks[i], mailbox.ID, event)
		}
	}
}
