package chat

import "time"

// 会话记忆使用的两种角色。其余角色在构建上下文时会被丢弃。
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Attribution 记录消息的归属信息，用户与助手各取所需字段。
type Attribution struct {
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`
	RoleID   string `json:"roleId,omitempty"`
	RoleName string `json:"roleName,omitempty"`
	Emotion  string `json:"emotion,omitempty"`
	Action   string `json:"action,omitempty"`
}

// Entry 是会话记忆中的一条记录，热存储与冷存储共用该结构。
type Entry struct {
	MessageID string    `json:"messageId"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Attribution
}

// ContextMessage 是提供给生成后端的 (role, content) 对。
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
