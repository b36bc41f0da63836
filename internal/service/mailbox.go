// Package service 实现业务编排层：邮箱生命周期、邮件读写、Webhook
// 订阅与事件投递。所有对外操作先做所有权校验，再做惰性过期对账。
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/primsh/relay/internal/config"
	"github.com/primsh/relay/internal/domain"
	"github.com/primsh/relay/internal/expiry"
	"github.com/primsh/relay/internal/jmap"
	"github.com/primsh/relay/internal/monitoring"
	"github.com/primsh/relay/internal/secrets"
	"github.com/primsh/relay/internal/storage"
)

// DirectoryClient 编排层需要的目录管理操作
type DirectoryClient interface {
	CreatePrincipal(ctx context.Context, name, secret, address string) (string, error)
	DeletePrincipal(ctx context.Context, name string) error
}

// SessionClient 编排层需要的邮件后端会话与邮件操作
type SessionClient interface {
	DiscoverSession(ctx context.Context, creds jmap.Credentials) (*domain.Session, error)
	ListMessages(ctx context.Context, sess *domain.Session, creds jmap.Credentials, limit int) ([]domain.Message, error)
	GetMessage(ctx context.Context, sess *domain.Session, creds jmap.Credentials, messageID string) (*domain.Message, error)
	SendMessage(ctx context.Context, sess *domain.Session, creds jmap.Credentials, from string, to []domain.EmailAddress, subject, textBody string) (string, error)
}

// MailboxService 邮箱生命周期编排
type MailboxService struct {
	store     storage.MailboxRepository
	directory DirectoryClient
	backend   SessionClient
	expiry    *expiry.Engine
	cipher    *secrets.Cipher
	cfg       config.MailboxConfig
	metrics   *monitoring.Metrics
	log       *zap.Logger
}

// NewMailboxService 创建邮箱服务
func NewMailboxService(
	store storage.MailboxRepository,
	directory DirectoryClient,
	backend SessionClient,
	expiryEngine *expiry.Engine,
	cipher *secrets.Cipher,
	cfg config.MailboxConfig,
	metrics *monitoring.Metrics,
	log *zap.Logger,
) *MailboxService {
	return &MailboxService{
		store:     store,
		directory: directory,
		backend:   backend,
		expiry:    expiryEngine,
		cipher:    cipher,
		cfg:       cfg,
		metrics:   metrics,
		log:       log.Named("mailbox"),
	}
}

// localPartCharset 地址本地部分字符集。首字符不用数字。
const (
	localPartCharset = "abcdefghijklmnopqrstuvwxyz0123456789"
	localPartLetters = "abcdefghijklmnopqrstuvwxyz"
)

func randomLocalPart(length int) (string, error) {
	if length < 2 {
		length = 2
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("生成随机本地部分失败: %w", err)
	}
	out := make([]byte, length)
	out[0] = localPartLetters[int(buf[0])%len(localPartLetters)]
	for i := 1; i < length; i++ {
		out[i] = localPartCharset[int(buf[i])%len(localPartCharset)]
	}
	return string(out), nil
}

func (s *MailboxService) validateTTL(ttl time.Duration) (time.Duration, error) {
	if ttl == 0 {
		return s.cfg.DefaultTTL, nil
	}
	if ttl < s.cfg.MinTTL || ttl > s.cfg.MaxTTL {
		return 0, ErrInvalidTTL
	}
	return ttl, nil
}

// Create 创建邮箱：生成地址（冲突时有限重试）、开通后端账户、
// 尽力引导会话，最后落库。会话发现失败不阻塞创建，留到首次使用时再发现。
func (s *MailboxService) Create(ctx context.Context, owner, mailDomain string, ttl time.Duration) (*domain.Mailbox, error) {
	if mailDomain == "" {
		mailDomain = s.cfg.Domain
	}
	if mailDomain != s.cfg.Domain {
		return nil, ErrInvalidDomain
	}
	ttl, err := s.validateTTL(ttl)
	if err != nil {
		return nil, err
	}

	// 随机地址在有限次数内重试，穿透重试仍冲突视为异常拥挤
	var localPart, address string
	found := false
	for attempt := 0; attempt < s.cfg.MaxAddressAttempts; attempt++ {
		localPart, err = randomLocalPart(s.cfg.LocalPartLength)
		if err != nil {
			return nil, err
		}
		address = localPart + "@" + mailDomain
		_, err = s.store.GetMailboxByAddress(address)
		if errors.Is(err, storage.ErrMailboxNotFound) {
			found = true
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if !found {
		return nil, ErrAddressConflict
	}

	secret := secrets.RandomToken(16)
	secretHash, err := secrets.Hash(secret)
	if err != nil {
		return nil, err
	}
	secretEnc := ""
	if enc, err := s.cipher.Encrypt(secret); err == nil {
		secretEnc = enc
	} else if !errors.Is(err, secrets.ErrNoKey) {
		return nil, err
	}

	// 先开通后端账户，失败时原样上抛后端错误
	if _, err := s.directory.CreatePrincipal(ctx, localPart, secret, address); err != nil {
		s.log.Error("开通后端账户失败",
			zap.String("address", address),
			zap.Error(err),
		)
		return nil, err
	}

	now := time.Now().UTC()
	mailbox := &domain.Mailbox{
		ID:         uuid.New().String(),
		Address:    address,
		LocalPart:  localPart,
		Domain:     mailDomain,
		Owner:      owner,
		Status:     domain.MailboxStatusActive,
		SecretHash: secretHash,
		SecretEnc:  secretEnc,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	// 尽力而为的会话引导：失败只记日志，首次使用时再按需发现
	creds := jmap.Credentials{Username: address, Secret: secret}
	if sess, err := s.backend.DiscoverSession(ctx, creds); err != nil {
		s.log.Warn("会话引导失败，推迟到首次使用",
			zap.String("address", address),
			zap.Error(err),
		)
	} else {
		mailbox.Session = sess
	}

	if err := s.store.SaveMailbox(mailbox); err != nil {
		if errors.Is(err, storage.ErrAddressExists) {
			return nil, ErrAddressConflict
		}
		return nil, err
	}

	s.metrics.MailboxesCreated.Inc()
	s.log.Info("邮箱已创建",
		zap.String("mailbox_id", mailbox.ID),
		zap.String("address", address),
		zap.String("owner", owner),
		zap.Time("expires_at", mailbox.ExpiresAt),
	)
	return mailbox, nil
}

// getOwned 按 ID 取出邮箱并校验所有权。
// 不存在与不属于调用方统一返回 ErrMailboxNotFound。
func (s *MailboxService) getOwned(id, owner string) (*domain.Mailbox, error) {
	mailbox, err := s.store.GetMailbox(id)
	if errors.Is(err, storage.ErrMailboxNotFound) {
		return nil, ErrMailboxNotFound
	}
	if err != nil {
		return nil, err
	}
	if mailbox.Owner != owner {
		return nil, ErrMailboxNotFound
	}
	return mailbox, nil
}

// Get 查询单个邮箱，返回惰性对账之后的状态。
func (s *MailboxService) Get(ctx context.Context, owner, id string) (*domain.Mailbox, error) {
	mailbox, err := s.getOwned(id, owner)
	if err != nil {
		return nil, err
	}
	return s.expiry.EnsureFresh(ctx, mailbox, time.Now().UTC())
}

// List 按所有者分页查询邮箱。
func (s *MailboxService) List(owner string, page, pageSize int, includeExpired bool) ([]domain.Mailbox, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.store.ListMailboxesByOwner(owner, page, pageSize, includeExpired)
}

// Renew 续期邮箱。仅活跃邮箱可续期，新期限从当前时间起算，
// 但不允许越过创建时间加最大生存时间的硬上限。
func (s *MailboxService) Renew(ctx context.Context, owner, id string, ttl time.Duration) (*domain.Mailbox, error) {
	mailbox, err := s.getOwned(id, owner)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	mailbox, err = s.expiry.EnsureFresh(ctx, mailbox, now)
	if err != nil {
		return nil, err
	}
	if mailbox.Status != domain.MailboxStatusActive {
		return nil, ErrMailboxExpired
	}
	ttl, err = s.validateTTL(ttl)
	if err != nil {
		return nil, err
	}

	expiresAt := now.Add(ttl)
	if ceiling := mailbox.CreatedAt.Add(s.cfg.MaxTTL); expiresAt.After(ceiling) {
		expiresAt = ceiling
	}
	if err := s.store.UpdateMailboxExpiry(id, expiresAt); err != nil {
		return nil, err
	}
	mailbox.ExpiresAt = expiresAt

	s.log.Info("邮箱已续期",
		zap.String("mailbox_id", id),
		zap.Time("expires_at", expiresAt),
	)
	return mailbox, nil
}

// Delete 删除邮箱：同步拆除后端账户后移除本地行。
// 后端拆除失败（非“账户不存在”）时保留本地行并上抛错误。
func (s *MailboxService) Delete(ctx context.Context, owner, id string) error {
	mailbox, err := s.getOwned(id, owner)
	if err != nil {
		return err
	}

	if err := s.directory.DeletePrincipal(ctx, mailbox.AccountName()); err != nil && !domain.IsBackendNotFound(err) {
		s.log.Error("拆除后端账户失败",
			zap.String("mailbox_id", id),
			zap.String("address", mailbox.Address),
			zap.Error(err),
		)
		return err
	}

	if err := s.store.DeleteMailbox(id); err != nil {
		return err
	}
	s.metrics.MailboxesDeleted.Inc()
	s.log.Info("邮箱已删除",
		zap.String("mailbox_id", id),
		zap.String("address", mailbox.Address),
	)
	return nil
}
