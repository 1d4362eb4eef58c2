package session

import "time"

// PersonaBinding 是会话创建时从角色库解析并固化的角色引用。
// BehaviorPrompt 为空时，编排器会回退到默认系统提示词。
type PersonaBinding struct {
	PersonaID      string  `json:"personaId"`
	PersonaName    string  `json:"personaName"`
	BehaviorPrompt string  `json:"behaviorPrompt,omitempty"`
	Temperature    float32 `json:"temperature,omitempty"`
}

// Session 表示一次持久会话。核心流程只读取会话，不会修改绑定列表。
type Session struct {
	SessionID string           `json:"sessionId"`
	ClassID   string           `json:"classId"`
	ClassName string           `json:"className"`
	UserID    string           `json:"userId"`
	UserName  string           `json:"userName"`
	Personas  []PersonaBinding `json:"personas"`
	IsActive  bool             `json:"isActive"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}
