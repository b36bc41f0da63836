// Package expiry 实现邮箱过期对账引擎。
//
// 过期处理有两条路径：读路径上的惰性对账（EnsureFresh）和后台周期扫描
// （Sweep / Run）。两条路径共享同一个对账函数 reconcile，保证无论哪条
// 路径先触达，某个邮箱的状态迁移只发生一次、结果一致。
package expiry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/primsh/relay/internal/config"
	"github.com/primsh/relay/internal/domain"
	"github.com/primsh/relay/internal/monitoring"
	"github.com/primsh/relay/internal/storage"
)

// PrincipalDeleter 对账时需要的目录操作子集
type PrincipalDeleter interface {
	DeletePrincipal(ctx context.Context, name string) error
}

// Engine 过期对账引擎
type Engine struct {
	store     storage.MailboxRepository
	directory PrincipalDeleter
	cfg       config.ExpiryConfig
	metrics   *monitoring.Metrics
	log       *zap.Logger
}

// NewEngine 创建过期对账引擎
func NewEngine(store storage.MailboxRepository, directory PrincipalDeleter, cfg config.ExpiryConfig, metrics *monitoring.Metrics, log *zap.Logger) *Engine {
	return &Engine{
		store:     store,
		directory: directory,
		cfg:       cfg,
		metrics:   metrics,
		log:       log.Named("expiry"),
	}
}

// EnsureFresh 惰性对账：在读取邮箱的操作入口处调用。
// 若邮箱仍活跃且已越过截止时间，就地对账并重新读取，调用方拿到的
// 永远是对账之后的状态。对账本身的失败不向上冒泡，只体现为
// cleanup_failed 标记，留给后台扫描重试。
func (e *Engine) EnsureFresh(ctx context.Context, mailbox *domain.Mailbox, now time.Time) (*domain.Mailbox, error) {
	if mailbox.Status != domain.MailboxStatusActive || !mailbox.PastDeadline(now) {
		return mailbox, nil
	}

	if err := e.reconcile(ctx, mailbox); err != nil {
		return nil, err
	}
	return e.store.GetMailbox(mailbox.ID)
}

// reconcile 共享的对账函数：先清理后端账户，再落库状态迁移。
// 后端删除成功或返回“账户不存在”都视为清理完成；其余错误吞掉并
// 打上清理失败标记，等待扫描路径按重试预算继续处理。
func (e *Engine) reconcile(ctx context.Context, mailbox *domain.Mailbox) error {
	// 已经不是活跃状态的行无需对账，避免并发扫描重复迁移
	if mailbox.Status != domain.MailboxStatusActive {
		return nil
	}

	cleanupFailed := false
	if err := e.directory.DeletePrincipal(ctx, mailbox.AccountName()); err != nil && !domain.IsBackendNotFound(err) {
		cleanupFailed = true
		e.log.Warn("后端账户清理失败，标记待重试",
			zap.String("mailbox_id", mailbox.ID),
			zap.String("address", mailbox.Address),
			zap.Error(err),
		)
	}

	if err := e.store.MarkMailboxExpired(mailbox.ID, cleanupFailed); err != nil {
		return err
	}
	e.metrics.MailboxesExpired.Inc()
	e.log.Info("邮箱已过期",
		zap.String("mailbox_id", mailbox.ID),
		zap.String("address", mailbox.Address),
		zap.Bool("cleanup_failed", cleanupFailed),
	)
	return nil
}

// retryCleanup 重试一个清理失败的过期邮箱。
// 先递增尝试计数，再检查上限：达到上限的行标记死信并停止重试，
// 留待人工处理。
func (e *Engine) retryCleanup(ctx context.Context, mailbox *domain.Mailbox) error {
	attempts := mailbox.CleanupAttempts + 1
	if attempts >= e.cfg.MaxCleanupAttempts {
		if err := e.store.UpdateMailboxCleanup(mailbox.ID, true, attempts, true); err != nil {
			return err
		}
		e.metrics.CleanupDeadLettered.Inc()
		e.log.Error("清理重试次数耗尽，标记死信",
			zap.String("mailbox_id", mailbox.ID),
			zap.String("address", mailbox.Address),
			zap.Int("attempts", attempts),
		)
		return nil
	}

	e.metrics.CleanupRetries.Inc()
	if err := e.directory.DeletePrincipal(ctx, mailbox.AccountName()); err != nil && !domain.IsBackendNotFound(err) {
		e.log.Warn("后端账户清理重试失败",
			zap.String("mailbox_id", mailbox.ID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return e.store.UpdateMailboxCleanup(mailbox.ID, true, attempts, false)
	}

	e.log.Info("后端账户清理重试成功",
		zap.String("mailbox_id", mailbox.ID),
		zap.Int("attempts", attempts),
	)
	return e.store.UpdateMailboxCleanup(mailbox.ID, false, attempts, false)
}

// Sweep 执行一轮扫描：对账一批越过截止时间的活跃邮箱，
// 并重试一批此前清理失败的邮箱。重试批次在对账之前取出，
// 本轮刚转入清理失败的行要等下一轮才消耗重试预算。
// 单行的失败不中断整轮扫描。
func (e *Engine) Sweep(ctx context.Context, now time.Time) {
	e.metrics.SweepRuns.Inc()

	failures, err := e.store.ListCleanupFailures(e.cfg.RetryBatch)
	if err != nil {
		e.log.Error("扫描清理失败邮箱失败", zap.Error(err))
		failures = nil
	}

	overdue, err := e.store.ListExpiredBefore(now, e.cfg.SweepBatch)
	if err != nil {
		e.log.Error("扫描过期邮箱失败", zap.Error(err))
	} else {
		for i := range overdue {
			if err := e.reconcile(ctx, &overdue[i]); err != nil {
				e.log.Error("对账落库失败",
					zap.String("mailbox_id", overdue[i].ID),
					zap.Error(err),
				)
			}
		}
	}

	for i := range failures {
		if err := e.retryCleanup(ctx, &failures[i]); err != nil {
			e.log.Error("清理重试落库失败",
				zap.String("mailbox_id", failures[i].ID),
				zap.Error(err),
			)
		}
	}
}

// Run 周期扫描循环，直到 ctx 取消
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("过期扫描启动", zap.Duration("interval", e.cfg.SweepInterval))

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("过期扫描停止")
			return ctx.Err()
		case <-ticker.C:
			e.Sweep(ctx, time.Now().UTC())
		}
	}
}
