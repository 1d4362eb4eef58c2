package turn

// Event 是下发给客户端的一帧。content 帧不携带 event 字段，
// 客户端以此区分正文与控制帧，字段形状需保持稳定。
type Event struct {
	Event     string         `json:"event,omitempty"`
	RoleID    string         `json:"role_id,omitempty"`
	RoleName  string         `json:"role_name,omitempty"`
	Content   string         `json:"content,omitempty"`
	Emotion   string         `json:"emotion,omitempty"`
	Action    string         `json:"action,omitempty"`
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Found     *bool          `json:"found,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// 控制帧的 event 取值。
const (
	EventRoleSelected   = "role_selected"
	EventThinking       = "thinking"
	EventEmotion        = "emotion"
	EventAction         = "action"
	EventFunctionCall   = "function_call"
	EventFunctionResult = "function_result"
	EventComplete       = "complete"
	EventError          = "error"
)

// Emitter 接收回合产生的事件帧。SSE 处理器和测试录制器都实现它。
type Emitter interface {
	Emit(event Event) error
}

// Mux 在 Emitter 之上强制事件协议：
// role_selected 至多一次且先于正文；complete 与 error 互斥、恰好一帧收尾；
// 终止后的事件全部丢弃。
type Mux struct {
	sink       Emitter
	roleName   string
	roleSent   bool
	terminated bool
}

// NewMux 包装一个事件接收端。
func NewMux(sink Emitter) *Mux {
	return &Mux{sink: sink}
}

// Terminated 报告是否已发出收尾帧。
func (m *Mux) Terminated() bool { return m.terminated }

// RoleSelected 宣告本回合的应答角色，只有第一次调用生效。
func (m *Mux) RoleSelected(roleID, roleName string) error {
	if m.terminated || m.roleSent {
		return nil
	}
	m.roleSent = true
	m.roleName = roleName
	return m.sink.Emit(Event{Event: EventRoleSelected, RoleID: roleID, RoleName: roleName})
}

// Thinking 下发思考过程片段。
func (m *Mux) Thinking(content string) error {
	if m.terminated {
		return nil
	}
	return m.sink.Emit(Event{Event: EventThinking, Content: content})
}

// Content 下发累积正文。帧内带角色名，不带 event 字段。
func (m *Mux) Content(text string) error {
	if m.terminated {
		return nil
	}
	return m.sink.Emit(Event{Content: text, RoleName: m.roleName})
}

// Emotion 下发情绪变化。
func (m *Mux) Emotion(emotion string) error {
	if m.terminated {
		return nil
	}
	return m.sink.Emit(Event{Event: EventEmotion, Emotion: emotion})
}

// Action 下发动作变化。
func (m *Mux) Action(action string) error {
	if m.terminated {
		return nil
	}
	return m.sink.Emit(Event{Event: EventAction, Action: action})
}

// FunctionCall 宣告模型发起的函数调用。
func (m *Mux) FunctionCall(name string, args map[string]any) error {
	if m.terminated {
		return nil
	}
	return m.sink.Emit(Event{Event: EventFunctionCall, Name: name, Arguments: args})
}

// FunctionResult 宣告函数调用的执行结果。
func (m *Mux) FunctionResult(name string, found bool) error {
	if m.terminated {
		return nil
	}
	return m.sink.Emit(Event{Event: EventFunctionResult, Name: name, Found: &found})
}

// Complete 正常收尾。
func (m *Mux) Complete() error {
	if m.terminated {
		return nil
	}
	m.terminated = true
	return m.sink.Emit(Event{Event: EventComplete})
}

// Fail 以错误帧收尾，错误帧就是终止帧，之后不再有 complete。
func (m *Mux) Fail(message string) error {
	if m.terminated {
		return nil
	}
	m.terminated = true
	return m.sink.Emit(Event{Event: EventError, Error: message})
}
