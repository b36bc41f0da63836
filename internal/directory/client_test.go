package directory

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

func testClient(baseURL string) *Client {
	return NewClient(config.BackendConfig{
		AdminURL:      baseURL,
		AdminUser:     "admin",
		AdminPassword: "admin-secret",
		Timeout:       5 * time.Second,
	}, zap.NewNop())
}

func TestCreatePrincipal(t *testing.T) {
	ctx := context.Background()

	t.Run("提交主体并返回后端分配的 ID", func(t *testing.T) {
		var received createPrincipalRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/principal", r.URL.Path)
			user, pass, ok := r.BasicAuth()
			require.True(t, ok)
			assert.Equal(t, "admin", user)
			assert.Equal(t, "admin-secret", pass)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			json.NewEncoder(w).Encode(map[string]interface{}{"data": "42"})
		}))
		defer server.Close()

		id, err := testClient(server.URL).CreatePrincipal(ctx, "abc123", "s3cret", "abc123@prim.sh")
		require.NoError(t, err)
		assert.Equal(t, "42", id)
		assert.Equal(t, "individual", received.Type)
		assert.Equal(t, "abc123", received.Name)
		assert.Equal(t, []string{"s3cret"}, received.Secrets)
		assert.Equal(t, []string{"abc123@prim.sh"}, received.Emails)
	})

	t.Run("非 2xx 原样携带上游状态码", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "quota exceeded", http.StatusConflict)
		}))
		defer server.Close()

		_, err := testClient(server.URL).CreatePrincipal(ctx, "abc123", "s3cret", "abc123@prim.sh")
		backendErr, ok := domain.AsBackendError(err)
		require.True(t, ok)
		assert.Equal(t, http.StatusConflict, backendErr.StatusCode)
		assert.Equal(t, "principal_create_failed", backendErr.Reason)
		assert.Equal(t, "quota exceeded", backendErr.Message)
	})

	t.Run("响应体损坏时报错", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}))
		defer server.Close()

		_, err := testClient(server.URL).CreatePrincipal(ctx, "abc123", "s3cret", "abc123@prim.sh")
		backendErr, ok := domain.AsBackendError(err)
		require.True(t, ok)
		assert.Equal(t, "principal_create_failed", backendErr.Reason)
	})
}

func TestDeletePrincipal(t *testing.T) {
	ctx := context.Background()

	t.Run("按名字删除主体", func(t *testing.T) {
		var path string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodDelete, r.Method)
			path = r.URL.Path
			json.NewEncoder(w).Encode(map[string]interface{}{"data": true})
		}))
		defer server.Close()

		require.NoError(t, testClient(server.URL).DeletePrincipal(ctx, "abc123"))
		assert.Equal(t, "/api/principal/abc123", path)
	})

	t.Run("404 以类型化错误返回", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		err := testClient(server.URL).DeletePrincipal(ctx, "gone")
		assert.True(t, domain.IsBackendNotFound(err))
	})

	t.Run("连接失败给出无状态码的后端错误", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()

		err := testClient(server.URL).DeletePrincipal(ctx, "abc123")
		backendErr, ok := domain.AsBackendError(err)
		require.True(t, ok)
		assert.Equal(t, 0, backendErr.StatusCode)
		assert.Equal(t, "principal_delete_failed", backendErr.Reason)
	})
}
