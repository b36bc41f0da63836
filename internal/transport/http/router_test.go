package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/primsh/relay/internal/config"
	"github.com/primsh/relay/internal/domain"
	"github.com/primsh/relay/internal/health"
	"github.com/primsh/relay/internal/jmap"
	"github.com/primsh/relay/internal/middleware"
	"github.com/primsh/relay/internal/monitoring"
	"github.com/primsh/relay/internal/secrets"
	"github.com/primsh/relay/internal/service"
	"github.com/primsh/relay/internal/storage/memory"

	expiryengine "github.com/primsh/relay/internal/expiry"
)

const ingestSecret = "ingest-signing-key"

// fakeDirectory 记录主体操作的目录替身
type fakeDirectory struct {
	created   []string
	deleted   []string
	createErr error
}

func (f *fakeDirectory) CreatePrincipal(_ context.Context, name, _, _ string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, name)
	return "p-" + name, nil
}

func (f *fakeDirectory) DeletePrincipal(_ context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

// fakeBackend 提供固定会话的邮件后端替身
type fakeBackend struct{}

func (f *fakeBackend) DiscoverSession(context.Context, jmap.Credentials) (*domain.Session, error) {
	return &domain.Session{
		APIURL:     "https://mail.internal/jmap",
		AccountID:  "acc-1",
		IdentityID: "idn-1",
		InboxID:    "f-inbox",
	}, nil
}

func (f *fakeBackend) ListMessages(context.Context, *domain.Session, jmap.Credentials, int) ([]domain.Message, error) {
	return nil, nil
}

func (f *fakeBackend) GetMessage(context.Context, *domain.Session, jmap.Credentials, string) (*domain.Message, error) {
	return nil, nil
}

func (f *fakeBackend) SendMessage(context.Context, *domain.Session, jmap.Credentials, string, []domain.EmailAddress, string, string) (string, error) {
	return "m-sent", nil
}

type apiFixture struct {
	router    *gin.Engine
	store     *memory.Store
	directory *fakeDirectory
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	cipher, err := secrets.NewCipher(key)
	require.NoError(t, err)

	cfg := &config.Config{
		Mailbox: config.MailboxConfig{
			Domain:             "prim.sh",
			DefaultTTL:         24 * time.Hour,
			MinTTL:             time.Hour,
			MaxTTL:             720 * time.Hour,
			LocalPartLength:    12,
			MaxAddressAttempts: 5,
		},
		Expiry: config.ExpiryConfig{
			SweepInterval:      time.Minute,
			SweepBatch:         50,
			RetryBatch:         10,
			MaxCleanupAttempts: 5,
		},
		Webhook: config.WebhookConfig{
			Timeout:        time.Second,
			MaxAttempts:    1,
			RetryBaseDelay: time.Millisecond,
			PauseThreshold: 3,
		},
		Ingest:    config.IngestConfig{Secret: ingestSecret},
		CORS:      config.CORSConfig{AllowedOrigins: []string{"*"}},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
	}

	store := memory.NewStore()
	directory := &fakeDirectory{}
	backend := &fakeBackend{}
	log := zap.NewNop()
	metrics := monitoring.NewMetrics()

	engine := expiryengine.NewEngine(store, directory, cfg.Expiry, metrics, log)
	deliverer := service.NewDeliveryEngine(store, cipher, cfg.Webhook, metrics, log)

	deps := RouterDependencies{
		Config:         cfg,
		MailboxService: service.NewMailboxService(store, directory, backend, engine, cipher, cfg.Mailbox, metrics, log),
		MessageService: service.NewMessageService(store, backend, engine, cipher, log),
		WebhookService: service.NewWebhookService(store, store, cipher, deliverer, engine, cfg.Ingest, metrics, log),
		Metrics:        metrics,
		Health:         health.NewChecker(store, log),
		Logger:         log,
	}

	return &apiFixture{
		router:    NewRouter(deps),
		store:     store,
		directory: directory,
	}
}

// do 作为指定调用方发起请求
func (f *apiFixture) do(method, path, owner string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set(middleware.OwnerHeader, owner)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp struct {
		Code int                    `json:"code"`
		Msg  string                 `json:"msg"`
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Data
}

func (f *apiFixture) createMailbox(t *testing.T, owner string) string {
	t.Helper()
	rec := f.do(http.MethodPost, "/v1/mailboxes", owner, gin.H{})
	require.Equal(t, http.StatusCreated, rec.Code)
	return decodeData(t, rec)["id"].(string)
}

func TestRouter_Authentication(t *testing.T) {
	fixture := newAPIFixture(t)

	t.Run("缺少调用方标识返回 401", func(t *testing.T) {
		rec := fixture.do(http.MethodGet, "/v1/mailboxes", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("运维端点不要求认证", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, fixture.do(http.MethodGet, "/health", "", nil).Code)
		assert.Equal(t, http.StatusOK, fixture.do(http.MethodGet, "/live", "", nil).Code)
		assert.Equal(t, http.StatusOK, fixture.do(http.MethodGet, "/metrics", "", nil).Code)
	})
}

func TestRouter_MailboxLifecycle(t *testing.T) {
	fixture := newAPIFixture(t)
	owner := "alice@example.com"

	t.Run("创建邮箱返回完整资源", func(t *testing.T) {
		rec := fixture.do(http.MethodPost, "/v1/mailboxes", owner, gin.H{"expiresIn": "2h"})
		require.Equal(t, http.StatusCreated, rec.Code)

		data := decodeData(t, rec)
		assert.NotEmpty(t, data["id"])
		assert.Contains(t, data["address"], "@prim.sh")
		assert.Equal(t, "active", data["status"])
		assert.Len(t, fixture.directory.created, 1)
	})

	t.Run("非法的过期时间返回 400", func(t *testing.T) {
		rec := fixture.do(http.MethodPost, "/v1/mailboxes", owner, gin.H{"expiresIn": "soon"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("超出范围的过期时间返回 400", func(t *testing.T) {
		rec := fixture.do(http.MethodPost, "/v1/mailboxes", owner, gin.H{"expiresIn": "10000h"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("查询与列表", func(t *testing.T) {
		id := fixture.createMailbox(t, owner)

		rec := fixture.do(http.MethodGet, "/v1/mailboxes/"+id, owner, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, id, decodeData(t, rec)["id"])

		rec = fixture.do(http.MethodGet, "/v1/mailboxes", owner, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		data := decodeData(t, rec)
		assert.GreaterOrEqual(t, data["total"].(float64), float64(1))
	})

	t.Run("他人邮箱一律 404", func(t *testing.T) {
		id := fixture.createMailbox(t, owner)

		rec := fixture.do(http.MethodGet, "/v1/mailboxes/"+id, "mallory@example.com", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = fixture.do(http.MethodDelete, "/v1/mailboxes/"+id, "mallory@example.com", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("续期更新过期时间", func(t *testing.T) {
		id := fixture.createMailbox(t, owner)

		rec := fixture.do(http.MethodPost, "/v1/mailboxes/"+id+"/renew", owner, gin.H{"expiresIn": "48h"})
		require.Equal(t, http.StatusOK, rec.Code)

		expiresAt, err := time.Parse(time.RFC3339, decodeData(t, rec)["expiresAt"].(string))
		require.NoError(t, err)
		assert.True(t, expiresAt.After(time.Now().Add(47*time.Hour)))
	})

	t.Run("过期邮箱返回 410", func(t *testing.T) {
		id := fixture.createMailbox(t, owner)
		require.NoError(t, fixture.store.UpdateMailboxExpiry(id, time.Now().Add(-time.Minute)))

		rec := fixture.do(http.MethodPost, "/v1/mailboxes/"+id+"/renew", owner, gin.H{"expiresIn": "24h"})
		assert.Equal(t, http.StatusGone, rec.Code)
	})

	t.Run("删除邮箱返回 204 并拆除后端主体", func(t *testing.T) {
		id := fixture.createMailbox(t, owner)
		before := len(fixture.directory.deleted)

		rec := fixture.do(http.MethodDelete, "/v1/mailboxes/"+id, owner, nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Len(t, fixture.directory.deleted, before+1)

		rec = fixture.do(http.MethodGet, "/v1/mailboxes/"+id, owner, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRouter_BackendErrors(t *testing.T) {
	owner := "alice@example.com"

	t.Run("上游状态码原样透传", func(t *testing.T) {
		fixture := newAPIFixture(t)
		fixture.directory.createErr = domain.NewBackendError(
			http.StatusBadGateway, "principal_create_failed", "upstream exploded")

		rec := fixture.do(http.MethodPost, "/v1/mailboxes", owner, gin.H{})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("网络层失败没有上游状态码，归为 502", func(t *testing.T) {
		fixture := newAPIFixture(t)
		fixture.directory.createErr = domain.NewBackendError(
			0, "principal_create_failed", "dial tcp: connection refused")

		rec := fixture.do(http.MethodPost, "/v1/mailboxes", owner, gin.H{})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestRouter_Webhooks(t *testing.T) {
	fixture := newAPIFixture(t)
	owner := "alice@example.com"
	mailboxID := fixture.createMailbox(t, owner)

	t.Run("注册与列表", func(t *testing.T) {
		rec := fixture.do(http.MethodPost, "/v1/webhooks", owner, gin.H{
			"mailboxId": mailboxID,
			"url":       "https://hooks.example.com/inbox",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		data := decodeData(t, rec)
		assert.NotEmpty(t, data["id"])
		assert.Equal(t, []interface{}{"message.received"}, data["events"])

		rec = fixture.do(http.MethodGet, "/v1/webhooks?mailboxId="+mailboxID, owner, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(1), decodeData(t, rec)["total"])
	})

	t.Run("明文 HTTP 回调地址被拒绝", func(t *testing.T) {
		rec := fixture.do(http.MethodPost, "/v1/webhooks", owner, gin.H{
			"mailboxId": mailboxID,
			"url":       "http://hooks.example.com/inbox",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("缺少必填字段返回 400", func(t *testing.T) {
		rec := fixture.do(http.MethodPost, "/v1/webhooks", owner, gin.H{"url": "https://hooks.example.com"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRouter_Ingest(t *testing.T) {
	fixture := newAPIFixture(t)

	batch, _ := json.Marshal([]gin.H{
		{
			"messageId": "m-1",
			"to":        []gin.H{{"email": "nobody@prim.sh"}},
			"subject":   "hello",
		},
	})

	t.Run("签名正确的批次被接受", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewReader(batch))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Signature", service.SignPayload(ingestSecret, batch))
		rec := httptest.NewRecorder()
		fixture.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("签名错误返回 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewReader(batch))
		req.Header.Set("X-Signature", "deadbeef")
		rec := httptest.NewRecorder()
		fixture.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("格式错误的批次返回 400", func(t *testing.T) {
		garbage := []byte("not json")
		req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewReader(garbage))
		req.Header.Set("X-Signature", service.SignPayload(ingestSecret, garbage))
		rec := httptest.NewRecorder()
		fixture.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
