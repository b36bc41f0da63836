package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/primsh/relay/internal/domain"
	"github.com/primsh/relay/internal/expiry"
	"github.com/primsh/relay/internal/jmap"
	"github.com/primsh/relay/internal/secrets"
	"github.com/primsh/relay/internal/storage"
)

// MessageService 邮件读写编排。所有操作要求邮箱未过期且会话可用，
// 会话缓存缺失时按需发现并回写。
type MessageService struct {
	store   storage.MailboxRepository
	backend SessionClient
	expiry  *expiry.Engine
	cipher  *secrets.Cipher
	log     *zap.Logger
}

// NewMessageService 创建邮件服务
func NewMessageService(
	store storage.MailboxRepository,
	backend SessionClient,
	expiryEngine *expiry.Engine,
	cipher *secrets.Cipher,
	log *zap.Logger,
) *MessageService {
	return &MessageService{
		store:   store,
		backend: backend,
		expiry:  expiryEngine,
		cipher:  cipher,
		log:     log.Named("message"),
	}
}

// fetchActive 取出属于调用方且仍活跃的邮箱（先做惰性对账）。
func (s *MessageService) fetchActive(ctx context.Context, owner, id string) (*domain.Mailbox, error) {
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
	mailbox, err = s.expiry.EnsureFresh(ctx, mailbox, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if mailbox.Status != domain.MailboxStatusActive {
		return nil, ErrMailboxExpired
	}
	return mailbox, nil
}

// requireSession 解出邮箱凭证并保证会话可用。
// 缓存为空时同步发现，发现结果回写失败只记日志。
// 凭证解密材料缺失属于本地配置缺陷，不归入后端错误。
func (s *MessageService) requireSession(ctx context.Context, mailbox *domain.Mailbox) (*domain.Session, jmap.Credentials, error) {
	if mailbox.SecretEnc == "" {
		return nil, jmap.Credentials{}, ErrMissingCryptoKey
	}
	secret, err := s.cipher.Decrypt(mailbox.SecretEnc)
	if err != nil {
		if errors.Is(err, secrets.ErrNoKey) {
			return nil, jmap.Credentials{}, ErrMissingCryptoKey
		}
		return nil, jmap.Credentials{}, err
	}
	creds := jmap.Credentials{Username: mailbox.Address, Secret: secret}

	if mailbox.Session != nil {
		return mailbox.Session, creds, nil
	}

	sess, err := s.backend.DiscoverSession(ctx, creds)
	if err != nil {
		return nil, jmap.Credentials{}, err
	}
	if err := s.store.UpdateMailboxSession(mailbox.ID, sess); err != nil {
		s.log.Warn("会话缓存回写失败",
			zap.String("mailbox_id", mailbox.ID),
			zap.Error(err),
		)
	}
	mailbox.Session = sess
	return sess, creds, nil
}

// List 列出邮箱收件箱中的邮件（不含正文）。
func (s *MessageService) List(ctx context.Context, owner, mailboxID string, limit int) ([]domain.Message, error) {
	mailbox, err := s.fetchActive(ctx, owner, mailboxID)
	if err != nil {
		return nil, err
	}
	sess, creds, err := s.requireSession(ctx, mailbox)
	if err != nil {
		return nil, err
	}
	if limit < 1 || limit > 100 {
		limit = 50
	}
	return s.backend.ListMessages(ctx, sess, creds, limit)
}

// Get 读取单封邮件（含正文）。
func (s *MessageService) Get(ctx context.Context, owner, mailboxID, messageID string) (*domain.Message, error) {
	mailbox, err := s.fetchActive(ctx, owner, mailboxID)
	if err != nil {
		return nil, err
	}
	sess, creds, err := s.requireSession(ctx, mailbox)
	if err != nil {
		return nil, err
	}
	message, err := s.backend.GetMessage(ctx, sess, creds, messageID)
	if err != nil {
		return nil, err
	}
	if message == nil {
		return nil, ErrMessageNotFound
	}
	return message, nil
}

// Send 以邮箱地址为发件人发送邮件，返回后端分配的邮件 ID。
func (s *MessageService) Send(ctx context.Context, owner, mailboxID string, to []domain.EmailAddress, subject, body string) (string, error) {
	if len(to) == 0 || subject == "" {
		return "", ErrMissingSendFields
	}
	for _, addr := range to {
		if addr.Email == "" {
			return "", ErrMissingSendFields
		}
	}

	mailbox, err := s.fetchActive(ctx, owner, mailboxID)
	if err != nil {
		return "", err
	}
	sess, creds, err := s.requireSession(ctx, mailbox)
	if err != nil {
		return "", err
	}

	messageID, err := s.backend.SendMessage(ctx, sess, creds, mailbox.Address, to, subject, body)
	if err != nil {
		return "", err
	}
	s.log.Info("邮件已发送",
		zap.String("mailbox_id", mailboxID),
		zap.String("message_id", messageID),
	)
	return messageID, nil
}
