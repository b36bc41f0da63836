package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/primsh/relay/internal/config"
	"github.com/primsh/relay/internal/domain"
)

// Client 邮件后端目录管理 API 客户端，负责主体（principal）的创建与删除。
//
// 所有非 2xx 响应翻译为 *domain.BackendError，上游状态码原样携带。
type Client struct {
	baseURL  string
	user     string
	password string
	http     *http.Client
	log      *zap.Logger
}

// NewClient 创建目录管理客户端。
func NewClient(cfg config.BackendConfig, log *zap.Logger) *Client {
	return &Client{
		baseURL:  cfg.AdminURL,
		user:     cfg.AdminUser,
		password: cfg.AdminPassword,
		http:     &http.Client{Timeout: cfg.Timeout},
		log:      log,
	}
}

// createPrincipalRequest 创建主体的请求体。
type createPrincipalRequest struct {
	Type    string   `json:"type"`
	Name    string   `json:"name"`
	Secrets []string `json:"secrets"`
	Emails  []string `json:"emails"`
}

// principalResponse 管理 API 的通用响应封装。
type principalResponse struct {
	Data json.RawMessage `json:"data"`
}

// CreatePrincipal 在后端创建邮箱主体，返回后端分配的资源 ID。
func (c *Client) CreatePrincipal(ctx context.Context, name, secret, address string) (string, error) {
	body, err := json.Marshal(createPrincipalRequest{
		Type:    "individual",
		Name:    name,
		Secrets: []string{secret},
		Emails:  []string{address},
	})
	if err != nil {
		return "", fmt.Errorf("marshal principal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/principal", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.user, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", domain.NewBackendError(0, "principal_create_failed", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", c.statusError(resp, "principal_create_failed")
	}

	var parsed principalResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", domain.NewBackendError(resp.StatusCode, "principal_create_failed",
			"malformed create response")
	}

	c.log.Debug("principal created",
		zap.String("name", name),
		zap.String("address", address),
	)
	return string(bytes.Trim(parsed.Data, `"`)), nil
}

// DeletePrincipal 删除后端邮箱主体。
//
// 404 同样以 *domain.BackendError 返回；过期引擎把它视同删除成功
// （资源在上游已不存在）。
func (c *Client) DeletePrincipal(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/api/principal/"+name, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.user, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewBackendError(0, "principal_delete_failed", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp, "principal_delete_failed")
	}

	c.log.Debug("principal deleted", zap.String("name", name))
	return nil
}

// statusError 把非 2xx 响应转为类型化后端错误，响应体截断后作为消息。
func (c *Client) statusError(resp *http.Response, reason string) *domain.BackendError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := string(bytes.TrimSpace(body))
	if msg == "" {
		msg = resp.Status
	}
	return domain.NewBackendError(resp.StatusCode, reason, msg)
}
