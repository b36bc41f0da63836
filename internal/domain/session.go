package domain

// Session 为一次会话发现的结果：访问邮件后端所需的全部标识。
//
// InboxID 必定非空；DraftsID / SentID 在后端缺少对应角色文件夹时为空串，
// 下游按可容忍处理。
type Session struct {
	APIURL     string `json:"apiUrl"`
	AccountID  string `json:"accountId"`
	IdentityID string `json:"identityId"`
	InboxID    string `json:"inboxId"`
	DraftsID   string `json:"draftsId"`
	SentID     string `json:"sentId"`
}
