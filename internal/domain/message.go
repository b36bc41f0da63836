package domain

import "time"

// EmailAddress 邮件地址对象
type EmailAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Message 从邮件后端读取的邮件视图。列表接口不携带 Body。
type Message struct {
	ID            string         `json:"id"`
	From          []EmailAddress `json:"from"`
	To            []EmailAddress `json:"to"`
	Subject       string         `json:"subject"`
	Preview       string         `json:"preview"`
	ReceivedAt    time.Time      `json:"receivedAt"`
	Size          int64          `json:"size"`
	HasAttachment bool           `json:"hasAttachment"`
	Body          string         `json:"body,omitempty"`
}

// MailEvent 后端上报的入站邮件事件（ingest 的输入）。
type MailEvent struct {
	MessageID     string         `json:"messageId"`
	From          EmailAddress   `json:"from"`
	To            []EmailAddress `json:"to"` // 收件地址，逐个解析到本地邮箱
	Subject       string         `json:"subject"`
	Preview       string         `json:"preview"`
	ReceivedAt    time.Time      `json:"receivedAt"`
	Size          int64          `json:"size"`
	HasAttachment bool           `json:"hasAttachment"`
}
