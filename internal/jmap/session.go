package jmap

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/primsh/relay/internal/domain"
)

// sessionDocument well-known 会话文档中本客户端关心的字段。
type sessionDocument struct {
	APIURL          string            `json:"apiUrl"`
	PrimaryAccounts map[string]string `json:"primaryAccounts"`
}

// mailboxInfo Mailbox/get 返回的文件夹条目
type mailboxInfo struct {
	ID   string `json:"id"`
	Role string `json:"role"`
	Name string `json:"name"`
}

// identityInfo Identity/get 返回的身份条目
type identityInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// DiscoverSession 执行两步握手，把邮箱凭证换成可用的会话描述符。
//
// 第一步获取 well-known 会话文档，取出 API 提交地址与邮件能力下的
// 账户 ID；第二步一次批量请求拉取文件夹列表与身份列表。inbox 角色
// 缺失视为硬错误；drafts / sent 缺失返回空 ID，由下游容忍。
// 本函数不做重试。
func (c *Client) DiscoverSession(ctx context.Context, creds Credentials) (*domain.Session, error) {
	doc, err := c.fetchSessionDocument(ctx, creds)
	if err != nil {
		return nil, err
	}

	accountID := doc.PrimaryAccounts[CapabilityMail]
	if doc.APIURL == "" || accountID == "" {
		return nil, domain.NewBackendError(http.StatusBadGateway, "discovery_failed",
			"session document missing apiUrl or mail account")
	}

	req := &Request{
		Using: []string{CapabilityCore, CapabilityMail, CapabilitySubmission},
		MethodCalls: []MethodCall{
			Call("Mailbox/get", map[string]interface{}{
				"accountId":  accountID,
				"properties": []string{"id", "role", "name"},
			}, "folders"),
			Call("Identity/get", map[string]interface{}{
				"accountId": accountID,
			}, "identities"),
		},
	}

	resp, err := c.Do(ctx, doc.APIURL, creds, req)
	if err != nil {
		return nil, err
	}

	folderArgs, err := resp.Find("folders")
	if err != nil {
		return nil, err
	}
	var folders struct {
		List []mailboxInfo `json:"list"`
	}
	if err := json.Unmarshal(folderArgs, &folders); err != nil {
		return nil, domain.NewBackendError(http.StatusBadGateway, "discovery_failed",
			"malformed folder list")
	}

	identityArgs, err := resp.Find("identities")
	if err != nil {
		return nil, err
	}
	var identities struct {
		List []identityInfo `json:"list"`
	}
	if err := json.Unmarshal(identityArgs, &identities); err != nil {
		return nil, domain.NewBackendError(http.StatusBadGateway, "discovery_failed",
			"malformed identity list")
	}
	if len(identities.List) == 0 {
		return nil, domain.NewBackendError(http.StatusBadGateway, "discovery_failed",
			"no identity for account")
	}

	session := &domain.Session{
		APIURL:     doc.APIURL,
		AccountID:  accountID,
		IdentityID: identities.List[0].ID,
	}
	for _, folder := range folders.List {
		switch folder.Role {
		case "inbox":
			session.InboxID = folder.ID
		case "drafts":
			session.DraftsID = folder.ID
		case "sent":
			session.SentID = folder.ID
		}
	}
	if session.InboxID == "" {
		return nil, domain.NewBackendError(http.StatusBadGateway, "discovery_failed",
			"no inbox folder for account")
	}

	c.log.Debug("session discovered",
		zap.String("account_id", session.AccountID),
		zap.String("api_url", session.APIURL),
	)
	return session, nil
}

// fetchSessionDocument 获取 well-known 会话文档。
// 401/403 作为 forbidden 条件透传，其它非 2xx 为发现失败。
func (c *Client) fetchSessionDocument(ctx context.Context, creds Credentials) (*sessionDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/.well-known/jmap", nil)
	if err != nil {
		return nil, domain.NewBackendError(0, "discovery_failed", err.Error())
	}
	req.SetBasicAuth(creds.Username, creds.Secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.NewBackendError(0, "discovery_failed", err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, domain.NewBackendError(resp.StatusCode, "discovery_forbidden",
			"session discovery rejected by backend")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, domain.NewBackendError(resp.StatusCode, "discovery_failed", resp.Status)
	}

	var doc sessionDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, domain.NewBackendError(http.StatusBadGateway, "discovery_failed",
			"malformed session document")
	}
	return &doc, nil
}
