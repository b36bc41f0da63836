package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/primsh/relay/internal/domain"
	"github.com/primsh/relay/internal/storage"
)

// Store 使用内存保存邮箱与 Webhook 数据，用于开发验证与测试。
type Store struct {
	mu        sync.RWMutex
	mailboxes map[string]*domain.Mailbox
	byAddress map[string]string // address -> mailboxID

	webhooks          map[string]*domain.Webhook
	webhooksByMailbox map[string]map[string]*domain.Webhook // mailboxID -> webhookID -> webhook
	deliveries        map[string][]*domain.WebhookDelivery  // 投递日志（按 webhook ID）

	seenEvents map[string]time.Time // messageID -> 过期时间
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		mailboxes:         make(map[string]*domain.Mailbox),
		byAddress:         make(map[string]string),
		webhooks:          make(map[string]*domain.Webhook),
		webhooksByMailbox: make(map[string]map[string]*domain.Webhook),
		deliveries:        make(map[string][]*domain.WebhookDelivery),
		seenEvents:        make(map[string]time.Time),
	}
}

// SaveMailbox 保存邮箱。地址冲突返回 ErrAddressExists。
func (s *Store) SaveMailbox(mailbox *domain.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := strings.ToLower(mailbox.Address)
	if existingID, ok := s.byAddress[addr]; ok && existingID != mailbox.ID {
		return storage.ErrAddressExists
	}

	cp := *mailbox
	s.mailboxes[mailbox.ID] = &cp
	s.byAddress[addr] = mailbox.ID
	return nil
}

// GetMailbox 根据 ID 获取邮箱。
func (s *Store) GetMailbox(id string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mb, ok := s.mailboxes[id]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	cp := *mb
	return &cp, nil
}

// GetMailboxByAddress 根据地址获取邮箱。
func (s *Store) GetMailboxByAddress(address string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddress[strings.ToLower(address)]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	cp := *s.mailboxes[id]
	return &cp, nil
}

// ListMailboxesByOwner 按所有者分页查询邮箱，按创建时间倒序。
func (s *Store) ListMailboxesByOwner(owner string, page, pageSize int, includeExpired bool) ([]domain.Mailbox, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.Mailbox, 0)
	for _, mb := range s.mailboxes {
		if mb.Owner != owner {
			continue
		}
		if !includeExpired && mb.Status != domain.MailboxStatusActive {
			continue
		}
		matched = append(matched, *mb)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	if start >= total {
		return []domain.Mailbox{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// UpdateMailboxExpiry 更新过期时间。
func (s *Store) UpdateMailboxExpiry(id string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[id]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	mb.ExpiresAt = expiresAt
	return nil
}

// UpdateMailboxSession 写入发现到的会话描述符。
func (s *Store) UpdateMailboxSession(id string, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[id]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	mb.Session = session
	return nil
}

// MarkMailboxExpired 将邮箱置为 expired。对已 expired 的行重复调用是无操作
// 级别的写入（状态保持不变），满足并发扫描的幂等要求。
func (s *Store) MarkMailboxExpired(id string, cleanupFailed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[id]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	mb.Status = domain.MailboxStatusExpired
	mb.CleanupFailed = cleanupFailed
	return nil
}

// UpdateMailboxCleanup 更新清理重试状态。
func (s *Store) UpdateMailboxCleanup(id string, failed bool, attempts int, deadLettered bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[id]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	mb.CleanupFailed = failed
	mb.CleanupAttempts = attempts
	mb.DeadLettered = deadLettered
	return nil
}

// DeleteMailbox 删除邮箱及其 Webhook。
func (s *Store) DeleteMailbox(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[id]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	delete(s.mailboxes, id)
	delete(s.byAddress, strings.ToLower(mb.Address))

	for webhookID := range s.webhooksByMailbox[id] {
		delete(s.webhooks, webhookID)
		delete(s.deliveries, webhookID)
	}
	delete(s.webhooksByMailbox, id)
	return nil
}

// ListExpiredBefore 返回截止时间之前到期、仍为 active 的邮箱。
func (s *Store) ListExpiredBefore(cutoff time.Time, limit int) ([]domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Mailbox, 0)
	for _, mb := range s.mailboxes {
		if mb.Status != domain.MailboxStatusActive {
			continue
		}
		if !mb.ExpiresAt.Before(cutoff) {
			continue
		}
		out = append(out, *mb)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListCleanupFailures 返回清理失败待重试（未死信）的邮箱。
func (s *Store) ListCleanupFailures(limit int) ([]domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Mailbox, 0)
	for _, mb := range s.mailboxes {
		if mb.Status != domain.MailboxStatusExpired || !mb.CleanupFailed || mb.DeadLettered {
			continue
		}
		out = append(out, *mb)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SeenEvent 判断事件是否已处理过。
func (s *Store) SeenEvent(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expiry, ok := s.seenEvents[messageID]
	if !ok {
		return false, nil
	}
	return time.Now().Before(expiry), nil
}

// MarkEvent 标记事件已处理。
func (s *Store) MarkEvent(messageID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seenEvents[messageID] = time.Now().Add(ttl)
	return nil
}

// Close 关闭存储（内存存储为空操作）。
func (s *Store) Close() error { return nil }

// Health 健康检查（内存存储恒为健康）。
func (s *Store) Health() error { return nil }
