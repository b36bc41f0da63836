package sql

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/primsh/relay/internal/domain"
	"github.com/primsh/relay/internal/storage"
)

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL）
type Store struct {
	db         *gorm.DB
	driverName string // "mysql" or "postgres"
}

// NewStore 创建 SQL 数据库存储并执行自动迁移。
func NewStore(
	driverName string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
) (*Store, error) {
	if driverName != "mysql" && driverName != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", driverName)
	}

	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var dialector gorm.Dialector
	if driverName == "mysql" {
		dialector = mysql.Open(dsn)
	} else {
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: db, driverName: driverName}

	if err := store.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate 自动迁移表结构。
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.Mailbox{},
		&domain.Webhook{},
		&domain.WebhookDelivery{},
	)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库健康状态
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// SaveMailbox 保存邮箱。地址唯一索引冲突映射为 ErrAddressExists。
func (s *Store) SaveMailbox(mailbox *domain.Mailbox) error {
	if err := s.db.Create(mailbox).Error; err != nil {
		if isDuplicateKey(err) {
			return storage.ErrAddressExists
		}
		return err
	}
	return nil
}

// GetMailbox 根据 ID 获取邮箱。
func (s *Store) GetMailbox(id string) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	if err := s.db.First(&mailbox, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, storage.ErrMailboxNotFound
		}
		return nil, err
	}
	return &mailbox, nil
}

// GetMailboxByAddress 根据地址获取邮箱。
func (s *Store) GetMailboxByAddress(address string) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	if err := s.db.First(&mailbox, "address = ?", strings.ToLower(address)).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, storage.ErrMailboxNotFound
		}
		return nil, err
	}
	return &mailbox, nil
}

// ListMailboxesByOwner 按所有者分页查询邮箱，按创建时间倒序。
func (s *Store) ListMailboxesByOwner(owner string, page, pageSize int, includeExpired bool) ([]domain.Mailbox, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	query := s.db.Model(&domain.Mailbox{}).Where("owner = ?", owner)
	if !includeExpired {
		query = query.Where("status = ?", domain.MailboxStatusActive)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var mailboxes []domain.Mailbox
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&mailboxes).Error
	if err != nil {
		return nil, 0, err
	}
	return mailboxes, int(total), nil
}

// UpdateMailboxExpiry 更新过期时间。
func (s *Store) UpdateMailboxExpiry(id string, expiresAt time.Time) error {
	return s.updateMailbox(id, map[string]interface{}{"expires_at": expiresAt})
}

// UpdateMailboxSession 写入发现到的会话描述符。
// 走结构体更新以触发 gorm 的 json 序列化器。
func (s *Store) UpdateMailboxSession(id string, session *domain.Session) error {
	result := s.db.Model(&domain.Mailbox{}).
		Where("id = ?", id).
		Select("session").
		Updates(&domain.Mailbox{Session: session})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrMailboxNotFound
	}
	return nil
}

// MarkMailboxExpired 将邮箱置为 expired 并写入清理结果标记。幂等。
func (s *Store) MarkMailboxExpired(id string, cleanupFailed bool) error {
	return s.updateMailbox(id, map[string]interface{}{
		"status":         domain.MailboxStatusExpired,
		"cleanup_failed": cleanupFailed,
	})
}

// UpdateMailboxCleanup 更新清理重试状态。
func (s *Store) UpdateMailboxCleanup(id string, failed bool, attempts int, deadLettered bool) error {
	return s.updateMailbox(id, map[string]interface{}{
		"cleanup_failed":   failed,
		"cleanup_attempts": attempts,
		"dead_lettered":    deadLettered,
	})
}

// DeleteMailbox 删除邮箱及其 Webhook 与投递日志。
func (s *Store) DeleteMailbox(id string) error {
	var webhookIDs []string
	if err := s.db.Model(&domain.Webhook{}).
		Where("mailbox_id = ?", id).
		Pluck("id", &webhookIDs).Error; err != nil {
		return err
	}

	if len(webhookIDs) > 0 {
		if err := s.db.Delete(&domain.WebhookDelivery{}, "webhook_id IN ?", webhookIDs).Error; err != nil {
			return err
		}
		if err := s.db.Delete(&domain.Webhook{}, "mailbox_id = ?", id).Error; err != nil {
			return err
		}
	}

	result := s.db.Delete(&domain.Mailbox{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrMailboxNotFound
	}
	return nil
}

// ListExpiredBefore 返回截止时间之前到期、仍为 active 的邮箱。
func (s *Store) ListExpiredBefore(cutoff time.Time, limit int) ([]domain.Mailbox, error) {
	var mailboxes []domain.Mailbox
	err := s.db.
		Where("status = ? AND expires_at < ?", domain.MailboxStatusActive, cutoff).
		Order("expires_at ASC").
		Limit(limit).
		Find(&mailboxes).Error
	return mailboxes, err
}

// ListCleanupFailures 返回清理失败待重试（未死信）的邮箱。
func (s *Store) ListCleanupFailures(limit int) ([]domain.Mailbox, error) {
	var mailboxes []domain.Mailbox
	err := s.db.
		Where("status = ? AND cleanup_failed = ? AND dead_lettered = ?",
			domain.MailboxStatusExpired, true, false).
		Order("expires_at ASC").
		Limit(limit).
		Find(&mailboxes).Error
	return mailboxes, err
}

// updateMailbox 按 ID 单行更新。
func (s *Store) updateMailbox(id string, fields map[string]interface{}) error {
	result := s.db.Model(&domain.Mailbox{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrMailboxNotFound
	}
	return nil
}

// isDuplicateKey 判断是否为唯一约束冲突（MySQL 1062 / PostgreSQL 23505）。
func isDuplicateKey(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
