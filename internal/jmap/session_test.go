package jmap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/primsh/relay/internal/config"
	"github.com/primsh/relay/internal/domain"
)

// fakeJMAP 最小可用的 JMAP 后端替身：well-known 文档 + 批量端点。
type fakeJMAP struct {
	server *httptest.Server

	folders    []map[string]string
	identities []map[string]string
	statusCode int // 非零时 well-known 直接返回该状态码
}

func newFakeJMAP(t *testing.T) *fakeJMAP {
	t.Helper()
	f := &fakeJMAP{
		folders: []map[string]string{
			{"id": "f-inbox", "role": "inbox", "name": "Inbox"},
			{"id": "f-drafts", "role": "drafts", "name": "Drafts"},
			{"id": "f-sent", "role": "sent", "name": "Sent"},
		},
		identities: []map[string]string{
			{"id": "idn-1", "email": "abc@prim.sh"},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jmap", func(w http.ResponseWriter, r *http.Request) {
		if f.statusCode != 0 {
			w.WriteHeader(f.statusCode)
			return
		}
		if _, _, ok := r.BasicAuth(); !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"apiUrl": f.server.URL + "/jmap",
			"primaryAccounts": map[string]string{
				CapabilityMail: "acc-1",
			},
		})
	})
	mux.HandleFunc("/jmap", func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		responses := make([][3]interface{}, 0, len(req.MethodCalls))
		for _, call := range req.MethodCalls {
			name := call[0].(string)
			callID := call[2].(string)
			switch name {
			case "Mailbox/get":
				responses = append(responses, [3]interface{}{
					"Mailbox/get", map[string]interface{}{"list": f.folders}, callID,
				})
			case "Identity/get":
				responses = append(responses, [3]interface{}{
					"Identity/get", map[string]interface{}{"list": f.identities}, callID,
				})
			default:
				responses = append(responses, [3]interface{}{
					"error", map[string]string{"type": "unknownMethod"}, callID,
				})
			}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"methodResponses": responses,
			"sessionState":    "state-1",
		})
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeJMAP) client() *Client {
	return NewClient(config.BackendConfig{
		BaseURL: f.server.URL,
		Timeout: 5 * time.Second,
	}, zap.NewNop())
}

func testCreds() Credentials {
	return Credentials{Username: "abc@prim.sh", Secret: "secret"}
}

func TestDiscoverSession(t *testing.T) {
	ctx := context.Background()

	t.Run("完整握手返回会话描述符", func(t *testing.T) {
		fake := newFakeJMAP(t)
		sess, err := fake.client().DiscoverSession(ctx, testCreds())
		require.NoError(t, err)
		assert.Equal(t, fake.server.URL+"/jmap", sess.APIURL)
		assert.Equal(t, "acc-1", sess.AccountID)
		assert.Equal(t, "idn-1", sess.IdentityID)
		assert.Equal(t, "f-inbox", sess.InboxID)
		assert.Equal(t, "f-drafts", sess.DraftsID)
		assert.Equal(t, "f-sent", sess.SentID)
	})

	t.Run("drafts 与 sent 缺失被容忍", func(t *testing.T) {
		fake := newFakeJMAP(t)
		fake.folders = []map[string]string{
			{"id": "f-inbox", "role": "inbox", "name": "Inbox"},
		}

		sess, err := fake.client().DiscoverSession(ctx, testCreds())
		require.NoError(t, err)
		assert.Equal(t, "f-inbox", sess.InboxID)
		assert.Empty(t, sess.DraftsID)
		assert.Empty(t, sess.SentID)
	})

	t.Run("inbox 缺失是硬错误", func(t *testing.T) {
		fake := newFakeJMAP(t)
		fake.folders = []map[string]string{
			{"id": "f-x", "role": "junk", "name": "Junk"},
		}

		_, err := fake.client().DiscoverSession(ctx, testCreds())
		backendErr, ok := domain.AsBackendError(err)
		require.True(t, ok)
		assert.Equal(t, "discovery_failed", backendErr.Reason)
	})

	t.Run("身份列表为空是硬错误", func(t *testing.T) {
		fake := newFakeJMAP(t)
		fake.identities = nil

		_, err := fake.client().DiscoverSession(ctx, testCreds())
		backendErr, ok := domain.AsBackendError(err)
		require.True(t, ok)
		assert.Equal(t, "discovery_failed", backendErr.Reason)
	})

	t.Run("认证拒绝映射为 forbidden 条件", func(t *testing.T) {
		fake := newFakeJMAP(t)
		fake.statusCode = http.StatusUnauthorized

		_, err := fake.client().DiscoverSession(ctx, testCreds())
		assert.True(t, domain.IsBackendForbidden(err))
		backendErr, _ := domain.AsBackendError(err)
		assert.Equal(t, "discovery_forbidden", backendErr.Reason)
	})

	t.Run("其他非 2xx 映射为发现失败", func(t *testing.T) {
		fake := newFakeJMAP(t)
		fake.statusCode = http.StatusServiceUnavailable

		_, err := fake.client().DiscoverSession(ctx, testCreds())
		backendErr, ok := domain.AsBackendError(err)
		require.True(t, ok)
		assert.Equal(t, http.StatusServiceUnavailable, backendErr.StatusCode)
		assert.Equal(t, "discovery_failed", backendErr.Reason)
	})
}

func TestResponse_Find(t *testing.T) {
	raw := func(v interface{}) json.RawMessage {
		b, _ := json.Marshal(v)
		return b
	}

	t.Run("按调用 ID 命中", func(t *testing.T) {
		resp := &Response{MethodResponses: [][3]json.RawMessage{
			{raw("Mailbox/get"), raw(map[string]string{"a": "1"}), raw("c1")},
			{raw("Identity/get"), raw(map[string]string{"b": "2"}), raw("c2")},
		}}
		args, err := resp.Find("c2")
		require.NoError(t, err)
		assert.JSONEq(t, `{"b":"2"}`, string(args))
	})

	t.Run("error 方法响应转为后端错误", func(t *testing.T) {
		resp := &Response{MethodResponses: [][3]json.RawMessage{
			{raw("error"), raw(map[string]string{"type": "accountNotFound"}), raw("c1")},
		}}
		_, err := resp.Find("c1")
		backendErr, ok := domain.AsBackendError(err)
		require.True(t, ok)
		assert.Equal(t, "jmap_method_error", backendErr.Reason)
	})

	t.Run("缺失的调用 ID 报错", func(t *testing.T) {
		resp := &Response{}
		_, err := resp.Find("nope")
		assert.Error(t, err)
	})
}
