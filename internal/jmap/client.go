package jmap

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

// JMAP 能力命名空间
const (
	CapabilityCore       = "urn:ietf:params:jmap:core"
	CapabilityMail       = "urn:ietf:params:jmap:mail"
	CapabilitySubmission = "urn:ietf:params:jmap:submission"
)

// Client 邮件后端的 JMAP 客户端：会话发现 + 批量方法调用。
//
// 客户端本身不做重试，重试策略由调用方决定（创建邮箱时发现失败是
// 非致命的，显式读写邮件时是致命的）。
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

// NewClient 创建 JMAP 客户端。
func NewClient(cfg config.BackendConfig, log *zap.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     log,
	}
}

// Credentials 一个邮箱对后端的基本认证凭证。
type Credentials struct {
	Username string
	Secret   string
}

// Request JMAP 批量请求
type Request struct {
	Using       []string     `json:"using"`
	MethodCalls []MethodCall `json:"methodCalls"`
}

// MethodCall 一次方法调用：[方法名, 参数, 调用 ID]
type MethodCall [3]interface{}

// Call 便捷构造方法调用。
func Call(name string, args interface{}, callID string) MethodCall {
	return MethodCall{name, args, callID}
}

// Response JMAP 批量响应
type Response struct {
	MethodResponses [][3]json.RawMessage `json:"methodResponses"`
	SessionState    string               `json:"sessionState"`
}

// Find 按调用 ID 查找方法响应的参数部分。
// 同一调用返回 "error" 方法名时转为后端错误。
func (r *Response) Find(callID string) (json.RawMessage, error) {
	for _, mr := range r.MethodResponses {
		var id string
		if err := json.Unmarshal(mr[2], &id); err != nil || id != callID {
			continue
		}
		var name string
		if err := json.Unmarshal(mr[0], &name); err != nil {
			continue
		}
		if name == "error" {
			var detail struct {
				Type        string `json:"type"`
				Description string `json:"description"`
			}
			_ = json.Unmarshal(mr[1], &detail)
			return nil, domain.NewBackendError(http.StatusBadGateway, "jmap_method_error",
				fmt.Sprintf("%s: %s", detail.Type, detail.Description))
		}
		return mr[1], nil
	}
	return nil, domain.NewBackendError(http.StatusBadGateway, "jmap_method_error",
		fmt.Sprintf("missing method response %q", callID))
}

// Do 向指定 API URL 发起一次批量调用。
func (c *Client) Do(ctx context.Context, apiURL string, creds Credentials, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal jmap request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build jmap request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(creds.Username, creds.Secret)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, domain.NewBackendError(0, "jmap_request_failed", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := string(bytes.TrimSpace(raw))
		if msg == "" {
			msg = resp.Status
		}
		return nil, domain.NewBackendError(resp.StatusCode, "jmap_request_failed", msg)
	}

	var parsed Response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, domain.NewBackendError(resp.StatusCode, "jmap_request_failed",
			"malformed jmap response")
	}
	return &parsed, nil
}
