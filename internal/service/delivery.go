package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/primsh/relay/internal/config"
	"github.com/primsh/relay/internal/domain"
	"github.com/primsh/relay/internal/monitoring"
	"github.com/primsh/relay/internal/secrets"
	"github.com/primsh/relay/internal/storage"
)

// DeliveryEngine 异步 Webhook 投递引擎。
//
// 每条投递在自己的 goroutine 内顺序重试，触发方不等待结果；
// 引擎不对并发投递总量设上限，正确性依赖存储层的单行幂等写入。
type DeliveryEngine struct {
	store   storage.WebhookRepository
	cipher  *secrets.Cipher
	cfg     config.WebhookConfig
	client  *http.Client
	metrics *monitoring.Metrics
	log     *zap.Logger

	wg sync.WaitGroup
}

// NewDeliveryEngine 创建投递引擎
func NewDeliveryEngine(
	store storage.WebhookRepository,
	cipher *secrets.Cipher,
	cfg config.WebhookConfig,
	metrics *monitoring.Metrics,
	log *zap.Logger,
) *DeliveryEngine {
	return &DeliveryEngine{
		store:  store,
		cipher: cipher,
		cfg:    cfg,
		client: &http.Client{
			// 传输层兜底超时比单次尝试超时放宽，单次尝试由 ctx 控制
			Timeout: cfg.Timeout + 5*time.Second,
		},
		metrics: metrics,
		log:     log.Named("delivery"),
	}
}

// SignPayload 计算载荷的 HMAC-SHA256 签名（hex 编码）。
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature 常数时间校验载荷签名。
func VerifySignature(secret string, payload []byte, signature string) bool {
	expected := SignPayload(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Dispatch 派发一条独立投递，不阻塞调用方。
func (e *DeliveryEngine) Dispatch(webhook domain.Webhook, mailboxID string, event domain.MailEvent) {
	payload := domain.WebhookPayload{
		Event:         string(domain.WebhookEventMessageReceived),
		MailboxID:     mailboxID,
		MessageID:     event.MessageID,
		From:          event.From,
		To:            event.To,
		Subject:       event.Subject,
		Preview:       event.Preview,
		ReceivedAt:    event.ReceivedAt,
		Size:          event.Size,
		HasAttachment: event.HasAttachment,
		DeliveredAt:   time.Now().UTC(),
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.deliver(webhook, payload)
	}()
}

// Wait 等待所有在途投递结束，用于优雅停机。
func (e *DeliveryEngine) Wait() {
	e.wg.Wait()
}

// deliver 单条投递的完整重试循环。
// 第一次尝试不等待，之后按步长递增等待；4xx 视为订阅方明确拒绝，
// 立即停止；5xx、超时与网络错误重试至次数上限。
func (e *DeliveryEngine) deliver(webhook domain.Webhook, payload domain.WebhookPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		e.log.Error("序列化投递载荷失败",
			zap.String("webhook_id", webhook.ID),
			zap.Error(err),
		)
		return
	}

	// 签名覆盖发出的确切字节
	signature := ""
	if webhook.SecretEnc != "" {
		secret, err := e.cipher.Decrypt(webhook.SecretEnc)
		if err != nil {
			e.log.Error("解密 Webhook 签名密钥失败，按未签名投递",
				zap.String("webhook_id", webhook.ID),
				zap.Error(err),
			)
		} else {
			signature = SignPayload(secret, body)
		}
	}

	succeeded := false
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt-1) * e.cfg.RetryBaseDelay)
		}

		statusCode, attemptErr := e.attempt(webhook, body, signature)
		e.recordAttempt(webhook.ID, payload.MessageID, attempt, statusCode, attemptErr)
		e.metrics.DeliveryAttempts.Inc()

		if attemptErr == nil && statusCode >= 200 && statusCode < 300 {
			succeeded = true
			break
		}
		// 订阅方的 4xx 是永久性拒绝，重试没有意义
		if attemptErr == nil && statusCode >= 400 && statusCode < 500 {
			e.log.Warn("订阅方拒绝投递，停止重试",
				zap.String("webhook_id", webhook.ID),
				zap.Int("status_code", statusCode),
				zap.Int("attempt", attempt),
			)
			break
		}
		e.log.Warn("投递尝试失败",
			zap.String("webhook_id", webhook.ID),
			zap.Int("attempt", attempt),
			zap.Int("status_code", statusCode),
			zap.Error(attemptErr),
		)
	}

	e.settle(webhook.ID, payload.MessageID, succeeded)
}

// attempt 执行单次 POST，返回状态码。网络错误或超时返回 err。
func (e *DeliveryEngine) attempt(webhook domain.Webhook, body []byte, signature string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Id", webhook.ID)
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// recordAttempt 每次尝试追加一条投递日志，仅用于可观测性。
func (e *DeliveryEngine) recordAttempt(webhookID, messageID string, attempt, statusCode int, attemptErr error) {
	now := time.Now().UTC()
	row := &domain.WebhookDelivery{
		ID:        uuid.New().String(),
		WebhookID: webhookID,
		MessageID: messageID,
		Attempt:   attempt,
		CreatedAt: now,
	}
	if attemptErr != nil {
		msg := attemptErr.Error()
		row.Error = &msg
	} else {
		row.StatusCode = &statusCode
		row.CompletedAt = &now
		if statusCode < 200 || statusCode >= 300 {
			msg := fmt.Sprintf("non-2xx response: %d", statusCode)
			row.Error = &msg
		}
	}
	if err := e.store.RecordDelivery(row); err != nil {
		e.log.Error("写入投递日志失败",
			zap.String("webhook_id", webhookID),
			zap.Error(err),
		)
	}
}

// settle 更新 Webhook 的连续失败计数与熔断状态。
// 成功归零；整轮失败计数加一，达到阈值后翻转为 paused。
func (e *DeliveryEngine) settle(webhookID, messageID string, succeeded bool) {
	webhook, err := e.store.GetWebhook(webhookID)
	if err != nil {
		// Webhook 可能在投递期间被删除
		if !errors.Is(err, storage.ErrWebhookNotFound) {
			e.log.Error("读取 Webhook 状态失败",
				zap.String("webhook_id", webhookID),
				zap.Error(err),
			)
		}
		return
	}

	if succeeded {
		e.metrics.Deliveries.WithLabelValues("success").Inc()
		// 只归零计数，不改变熔断状态
		if err := e.store.UpdateWebhookDeliveryState(webhookID, 0, webhook.Status); err != nil {
			e.log.Error("重置失败计数失败",
				zap.String("webhook_id", webhookID),
				zap.Error(err),
			)
		}
		return
	}

	e.metrics.Deliveries.WithLabelValues("failed").Inc()

	failures := webhook.ConsecutiveFailures + 1
	// 阈值未达到时保持当前熔断状态，在途投递不得把 paused 翻回 active
	status := webhook.Status
	if failures >= e.cfg.PauseThreshold {
		status = domain.WebhookStatusPaused
		e.metrics.WebhooksPaused.Inc()
		e.log.Warn("连续失败达到阈值，Webhook 已熔断",
			zap.String("webhook_id", webhookID),
			zap.String("message_id", messageID),
			zap.Int("consecutive_failures", failures),
		)
	}
	if err := e.store.UpdateWebhookDeliveryState(webhookID, failures, status); err != nil {
		e.log.Error("更新失败计数失败",
			zap.String("webhook_id", webhookID),
			zap.Error(err),
		)
	}
}
