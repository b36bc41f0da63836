package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/primsh/relay/internal/config"
	"github.com/primsh/relay/internal/domain"
	"github.com/primsh/relay/internal/expiry"
	"github.com/primsh/relay/internal/jmap"
	"github.com/primsh/relay/internal/monitoring"
	"github.com/primsh/relay/internal/secrets"
	"github.com/primsh/relay/internal/storage/memory"
)

// fakeDirectory 可编程的目录客户端替身
type fakeDirectory struct {
	mu        sync.Mutex
	created   []string
	deleted   []string
	createErr error
	deleteErr error
}

func (f *fakeDirectory) CreatePrincipal(_ context.Context, name, secret, address string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, name)
	return "principal-" + name, nil
}

func (f *fakeDirectory) DeletePrincipal(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, name)
	return nil
}

// fakeBackend 可编程的邮件后端替身
type fakeBackend struct {
	sess        *domain.Session
	discoverErr error
	discoveries int

	messages []domain.Message
	message  *domain.Message
	sentID   string
	sendErr  error
}

func (f *fakeBackend) DiscoverSession(_ context.Context, _ jmap.Credentials) (*domain.Session, error) {
	f.discoveries++
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	return f.sess, nil
}

func (f *fakeBackend) ListMessages(_ context.Context, _ *domain.Session, _ jmap.Credentials, _ int) ([]domain.Message, error) {
	return f.messages, nil
}

func (f *fakeBackend) GetMessage(_ context.Context, _ *domain.Session, _ jmap.Credentials, _ string) (*domain.Message, error) {
	return f.message, nil
}

func (f *fakeBackend) SendMessage(_ context.Context, _ *domain.Session, _ jmap.Credentials, _ string, _ []domain.EmailAddress, _, _ string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return f.sentID, nil
}

func testSession() *domain.Session {
	return &domain.Session{
		APIURL:     "https://mail.prim.sh/jmap",
		AccountID:  "acc-1",
		IdentityID: "idn-1",
		InboxID:    "inbox-1",
		DraftsID:   "drafts-1",
		SentID:     "sent-1",
	}
}

func mailboxConfig() config.MailboxConfig {
	return config.MailboxConfig{
		Domain:             "prim.sh",
		DefaultTTL:         24 * time.Hour,
		MinTTL:             time.Hour,
		MaxTTL:             720 * time.Hour,
		LocalPartLength:    12,
		MaxAddressAttempts: 5,
	}
}

func testCipher(t *testing.T) *secrets.Cipher {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	cipher, err := secrets.NewCipher(key)
	require.NoError(t, err)
	return cipher
}

type mailboxFixture struct {
	store   *memory.Store
	dir     *fakeDirectory
	backend *fakeBackend
	svc     *MailboxService
}

func newMailboxFixture(t *testing.T) *mailboxFixture {
	t.Helper()
	store := memory.NewStore()
	dir := &fakeDirectory{}
	backend := &fakeBackend{sess: testSession()}
	metrics := monitoring.NewMetrics()
	engine := expiry.NewEngine(store, dir, config.ExpiryConfig{
		SweepInterval:      time.Minute,
		SweepBatch:         50,
		RetryBatch:         10,
		MaxCleanupAttempts: 5,
	}, metrics, zap.NewNop())

	svc := NewMailboxService(store, dir, backend, engine, testCipher(t), mailboxConfig(), metrics, zap.NewNop())
	return &mailboxFixture{store: store, dir: dir, backend: backend, svc: svc}
}

func TestMailboxService_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("创建成功并使用默认生存时间", func(t *testing.T) {
		fx := newMailboxFixture(t)
		before := time.Now().UTC()

		mailbox, err := fx.svc.Create(ctx, "owner-1", "", 0)
		require.NoError(t, err)
		assert.Equal(t, domain.MailboxStatusActive, mailbox.Status)
		assert.Equal(t, "prim.sh", mailbox.Domain)
		assert.Equal(t, mailbox.LocalPart+"@prim.sh", mailbox.Address)
		assert.Len(t, mailbox.LocalPart, 12)
		assert.NotEmpty(t, mailbox.SecretHash)
		assert.NotEmpty(t, mailbox.SecretEnc)
		assert.WithinDuration(t, before.Add(24*time.Hour), mailbox.ExpiresAt, time.Minute)

		// 开通后端账户使用本地部分作为主体名
		require.Len(t, fx.dir.created, 1)
		assert.Equal(t, mailbox.LocalPart, fx.dir.created[0])
		// 会话引导成功后随行保存
		require.NotNil(t, mailbox.Session)
		assert.Equal(t, "acc-1", mailbox.Session.AccountID)
	})

	t.Run("不允许的域名被拒绝", func(t *testing.T) {
		fx := newMailboxFixture(t)
		_, err := fx.svc.Create(ctx, "owner-1", "evil.com", 0)
		assert.ErrorIs(t, err, ErrInvalidDomain)
	})

	t.Run("生存时间超出范围被拒绝", func(t *testing.T) {
		fx := newMailboxFixture(t)
		_, err := fx.svc.Create(ctx, "owner-1", "", time.Minute)
		assert.ErrorIs(t, err, ErrInvalidTTL)
		_, err = fx.svc.Create(ctx, "owner-1", "", 10000*time.Hour)
		assert.ErrorIs(t, err, ErrInvalidTTL)
	})

	t.Run("后端开通失败时原样上抛", func(t *testing.T) {
		fx := newMailboxFixture(t)
		fx.dir.createErr = domain.NewBackendError(502, "bad_gateway", "directory down")

		_, err := fx.svc.Create(ctx, "owner-1", "", 0)
		backendErr, ok := domain.AsBackendError(err)
		require.True(t, ok)
		assert.Equal(t, 502, backendErr.StatusCode)
	})

	t.Run("会话引导失败不阻塞创建", func(t *testing.T) {
		fx := newMailboxFixture(t)
		fx.backend.discoverErr = domain.NewBackendError(502, "discovery_failed", "unreachable")

		mailbox, err := fx.svc.Create(ctx, "owner-1", "", 0)
		require.NoError(t, err)
		assert.Nil(t, mailbox.Session)
	})
}

func TestMailboxService_GetOwnership(t *testing.T) {
	ctx := context.Background()
	fx := newMailboxFixture(t)

	created, err := fx.svc.Create(ctx, "owner-1", "", 0)
	require.NoError(t, err)

	t.Run("所有者可以读取", func(t *testing.T) {
		mailbox, err := fx.svc.Get(ctx, "owner-1", created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, mailbox.ID)
	})

	t.Run("非所有者得到未找到而非无权限", func(t *testing.T) {
		_, err := fx.svc.Get(ctx, "owner-2", created.ID)
		assert.ErrorIs(t, err, ErrMailboxNotFound)
	})

	t.Run("不存在的 ID 同样未找到", func(t *testing.T) {
		_, err := fx.svc.Get(ctx, "owner-1", "missing")
		assert.ErrorIs(t, err, ErrMailboxNotFound)
	})
}

func TestMailboxService_LazyExpiry(t *testing.T) {
	ctx := context.Background()
	fx := newMailboxFixture(t)

	created, err := fx.svc.Create(ctx, "owner-1", "", 0)
	require.NoError(t, err)

	// 把截止时间拨到过去，模拟时间流逝
	require.NoError(t, fx.store.UpdateMailboxExpiry(created.ID, time.Now().Add(-time.Minute)))

	t.Run("读取触发状态翻转与后端清理", func(t *testing.T) {
		mailbox, err := fx.svc.Get(ctx, "owner-1", created.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.MailboxStatusExpired, mailbox.Status)
		require.Len(t, fx.dir.deleted, 1)
		assert.Equal(t, created.LocalPart, fx.dir.deleted[0])
	})

	t.Run("过期邮箱不可续期", func(t *testing.T) {
		_, err := fx.svc.Renew(ctx, "owner-1", created.ID, 2*time.Hour)
		assert.ErrorIs(t, err, ErrMailboxExpired)
	})
}

func TestMailboxService_Renew(t *testing.T) {
	ctx := context.Background()
	fx := newMailboxFixture(t)

	created, err := fx.svc.Create(ctx, "owner-1", "", 0)
	require.NoError(t, err)

	t.Run("续期从当前时间起算", func(t *testing.T) {
		before := time.Now().UTC()
		renewed, err := fx.svc.Renew(ctx, "owner-1", created.ID, 48*time.Hour)
		require.NoError(t, err)
		assert.WithinDuration(t, before.Add(48*time.Hour), renewed.ExpiresAt, time.Minute)
	})

	t.Run("续期时长超出范围被拒绝", func(t *testing.T) {
		_, err := fx.svc.Renew(ctx, "owner-1", created.ID, time.Minute)
		assert.ErrorIs(t, err, ErrInvalidTTL)
	})

	t.Run("反复续期不能越过创建时间加最大生存时间", func(t *testing.T) {
		// 一个存在已久但仍活跃的邮箱，再满额续期会撞上硬上限
		createdAt := time.Now().UTC().Add(-700 * time.Hour)
		aged := &domain.Mailbox{
			ID:        "aged-mailbox",
			Address:   "aged@prim.sh",
			LocalPart: "aged",
			Domain:    "prim.sh",
			Owner:     "owner-1",
			Status:    domain.MailboxStatusActive,
			CreatedAt: createdAt,
			ExpiresAt: time.Now().UTC().Add(time.Hour),
		}
		require.NoError(t, fx.store.SaveMailbox(aged))

		renewed, err := fx.svc.Renew(ctx, "owner-1", aged.ID, 720*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, createdAt.Add(720*time.Hour), renewed.ExpiresAt)

		stored, err := fx.store.GetMailbox(aged.ID)
		require.NoError(t, err)
		assert.Equal(t, createdAt.Add(720*time.Hour), stored.ExpiresAt)
	})
}

func TestMailboxService_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("删除同步拆除后端账户", func(t *testing.T) {
		fx := newMailboxFixture(t)
		created, err := fx.svc.Create(ctx, "owner-1", "", 0)
		require.NoError(t, err)

		require.NoError(t, fx.svc.Delete(ctx, "owner-1", created.ID))
		assert.Equal(t, []string{created.LocalPart}, fx.dir.deleted)

		_, err = fx.svc.Get(ctx, "owner-1", created.ID)
		assert.ErrorIs(t, err, ErrMailboxNotFound)
	})

	t.Run("后端拆除失败时保留本地行", func(t *testing.T) {
		fx := newMailboxFixture(t)
		created, err := fx.svc.Create(ctx, "owner-1", "", 0)
		require.NoError(t, err)

		fx.dir.deleteErr = domain.NewBackendError(500, "internal", "boom")
		err = fx.svc.Delete(ctx, "owner-1", created.ID)
		require.Error(t, err)

		mailbox, err := fx.svc.Get(ctx, "owner-1", created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, mailbox.ID)
	})

	t.Run("后端账户已不存在不阻塞删除", func(t *testing.T) {
		fx := newMailboxFixture(t)
		created, err := fx.svc.Create(ctx, "owner-1", "", 0)
		require.NoError(t, err)

		fx.dir.deleteErr = domain.NewBackendError(404, "not_found", "gone")
		require.NoError(t, fx.svc.Delete(ctx, "owner-1", created.ID))
	})
}

func TestMailboxService_List(t *testing.T) {
	ctx := context.Background()
	fx := newMailboxFixture(t)

	for i := 0; i < 3; i++ {
		_, err := fx.svc.Create(ctx, "owner-1", "", 0)
		require.NoError(t, err)
	}
	_, err := fx.svc.Create(ctx, "owner-2", "", 0)
	require.NoError(t, err)

	items, total, err := fx.svc.List("owner-1", 1, 10, false)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, items, 3)
}
