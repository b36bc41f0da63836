package jmap

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/primsh/relay/internal/domain"
)

// emailEnvelope Email/get 返回的邮件条目
type emailEnvelope struct {
	ID            string                    `json:"id"`
	From          []emailAddress            `json:"from"`
	To            []emailAddress            `json:"to"`
	Subject       string                    `json:"subject"`
	Preview       string                    `json:"preview"`
	ReceivedAt    string                    `json:"receivedAt"`
	Size          int64                     `json:"size"`
	HasAttachment bool                      `json:"hasAttachment"`
	TextBody      []emailBodyPart           `json:"textBody"`
	BodyValues    map[string]emailBodyValue `json:"bodyValues"`
}

type emailBodyValue struct {
	Value string `json:"value"`
}

type emailAddress struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type emailBodyPart struct {
	PartID string `json:"partId"`
}

var listProperties = []string{
	"id", "from", "to", "subject", "preview", "receivedAt", "size", "hasAttachment",
}

// ListMessages 列出收件箱邮件，按到达时间倒序。
func (c *Client) ListMessages(ctx context.Context, sess *domain.Session, creds Credentials, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 20
	}

	req := &Request{
		Using: []string{CapabilityCore, CapabilityMail},
		MethodCalls: []MethodCall{
			Call("Email/query", map[string]interface{}{
				"accountId": sess.AccountID,
				"filter":    map[string]interface{}{"inMailbox": sess.InboxID},
				"sort": []map[string]interface{}{
					{"property": "receivedAt", "isAscending": false},
				},
				"limit": limit,
			}, "query"),
			Call("Email/get", map[string]interface{}{
				"accountId": sess.AccountID,
				"#ids": map[string]interface{}{
					"resultOf": "query",
					"name":     "Email/query",
					"path":     "/ids",
				},
				"properties": listProperties,
			}, "list"),
		},
	}

	resp, err := c.Do(ctx, sess.APIURL, creds, req)
	if err != nil {
		return nil, err
	}

	args, err := resp.Find("list")
	if err != nil {
		return nil, err
	}
	var result struct {
		List []emailEnvelope `json:"list"`
	}
	if err := json.Unmarshal(args, &result); err != nil {
		return nil, domain.NewBackendError(http.StatusBadGateway, "jmap_method_error",
			"malformed email list")
	}

	messages := make([]domain.Message, 0, len(result.List))
	for _, env := range result.List {
		messages = append(messages, env.toMessage())
	}
	return messages, nil
}

// GetMessage 获取单封邮件详情（含正文）。
func (c *Client) GetMessage(ctx context.Context, sess *domain.Session, creds Credentials, messageID string) (*domain.Message, error) {
	req := &Request{
		Using: []string{CapabilityCore, CapabilityMail},
		MethodCalls: []MethodCall{
			Call("Email/get", map[string]interface{}{
				"accountId":           sess.AccountID,
				"ids":                 []string{messageID},
				"properties":          append(listProperties, "textBody", "bodyValues"),
				"fetchTextBodyValues": true,
			}, "get"),
		},
	}

	resp, err := c.Do(ctx, sess.APIURL, creds, req)
	if err != nil {
		return nil, err
	}

	args, err := resp.Find("get")
	if err != nil {
		return nil, err
	}
	var result struct {
		List     []emailEnvelope `json:"list"`
		NotFound []string        `json:"notFound"`
	}
	if err := json.Unmarshal(args, &result); err != nil {
		return nil, domain.NewBackendError(http.StatusBadGateway, "jmap_method_error",
			"malformed email response")
	}
	if len(result.List) == 0 {
		return nil, nil // 交由调用方映射为 not-found
	}

	env := result.List[0]
	msg := env.toMessage()
	for _, part := range env.TextBody {
		if bv, ok := env.BodyValues[part.PartID]; ok {
			msg.Body += bv.Value
		}
	}
	return &msg, nil
}

// SendMessage 发送一封纯文本邮件：在草稿箱创建邮件，随即提交投递。
// 草稿箱 ID 为空时直接挂在收件箱下创建（下游容忍缺失角色文件夹）。
func (c *Client) SendMessage(ctx context.Context, sess *domain.Session, creds Credentials, from string, to []domain.EmailAddress, subject, textBody string) (string, error) {
	draftFolder := sess.DraftsID
	if draftFolder == "" {
		draftFolder = sess.InboxID
	}

	toList := make([]emailAddress, 0, len(to))
	for _, addr := range to {
		toList = append(toList, emailAddress{Name: addr.Name, Email: addr.Email})
	}

	draft := map[string]interface{}{
		"mailboxIds": map[string]bool{draftFolder: true},
		"keywords":   map[string]bool{"$draft": true},
		"from":       []emailAddress{{Email: from}},
		"to":         toList,
		"subject":    subject,
		"bodyValues": map[string]interface{}{
			"body": map[string]interface{}{"value": textBody},
		},
		"textBody": []map[string]interface{}{
			{"partId": "body", "type": "text/plain"},
		},
	}

	submission := map[string]interface{}{
		"emailId":    "#draft",
		"identityId": sess.IdentityID,
	}

	req := &Request{
		Using: []string{CapabilityCore, CapabilityMail, CapabilitySubmission},
		MethodCalls: []MethodCall{
			Call("Email/set", map[string]interface{}{
				"accountId": sess.AccountID,
				"create":    map[string]interface{}{"draft": draft},
			}, "create"),
			Call("EmailSubmission/set", map[string]interface{}{
				"accountId": sess.AccountID,
				"create":    map[string]interface{}{"send": submission},
			}, "submit"),
		},
	}

	resp, err := c.Do(ctx, sess.APIURL, creds, req)
	if err != nil {
		return "", err
	}

	createArgs, err := resp.Find("create")
	if err != nil {
		return "", err
	}
	var created struct {
		Created map[string]struct {
			ID string `json:"id"`
		} `json:"created"`
		NotCreated map[string]json.RawMessage `json:"notCreated"`
	}
	if err := json.Unmarshal(createArgs, &created); err != nil {
		return "", domain.NewBackendError(http.StatusBadGateway, "jmap_method_error",
			"malformed email create response")
	}
	draftResult, ok := created.Created["draft"]
	if !ok {
		return "", domain.NewBackendError(http.StatusBadGateway, "jmap_method_error",
			"email creation rejected by backend")
	}

	submitArgs, err := resp.Find("submit")
	if err != nil {
		return "", err
	}
	var submitted struct {
		Created    map[string]json.RawMessage `json:"created"`
		NotCreated map[string]json.RawMessage `json:"notCreated"`
	}
	if err := json.Unmarshal(submitArgs, &submitted); err != nil {
		return "", domain.NewBackendError(http.StatusBadGateway, "jmap_method_error",
			"malformed submission response")
	}
	if _, ok := submitted.Created["send"]; !ok {
		return "", domain.NewBackendError(http.StatusBadGateway, "jmap_method_error",
			"email submission rejected by backend")
	}

	return draftResult.ID, nil
}

// toMessage 转换为业务视图。
func (e *emailEnvelope) toMessage() domain.Message {
	receivedAt, _ := time.Parse(time.RFC3339, e.ReceivedAt)

	from := make([]domain.EmailAddress, 0, len(e.From))
	for _, addr := range e.From {
		from = append(from, domain.EmailAddress{Name: addr.Name, Email: addr.Email})
	}
	to := make([]domain.EmailAddress, 0, len(e.To))
	for _, addr := range e.To {
		to = append(to, domain.EmailAddress{Name: addr.Name, Email: addr.Email})
	}

	return domain.Message{
		ID:            e.ID,
		From:          from,
		To:            to,
		Subject:       e.Subject,
		Preview:       e.Preview,
		ReceivedAt:    receivedAt,
		Size:          e.Size,
		HasAttachment: e.HasAttachment,
	}
}
