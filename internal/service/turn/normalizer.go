package turn

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/luoxiaohei/rolechat/internal/service/llm"
)

// ErrUnresolvedCall 表示流结束时仍有未完成的函数调用。
var ErrUnresolvedCall = errors.New("turn: stream ended with unresolved function call")

// 内联控制 JSON 缓冲上限，超过即判定为正文回灌。
const maxControlBuf = 2048

var (
	emotionPattern = regexp.MustCompile(`『([^』]+)』`)
	actionPattern  = regexp.MustCompile(`【([^】]+)】`)
)

// Update 是喂入一个流块后的状态变化。变化标志为假的字段无需上报。
type Update struct {
	Text           string
	TextChanged    bool
	Emotion        string
	EmotionChanged bool
	Action         string
	ActionChanged  bool
	Call           *FunctionCall
}

// pendingCall 累积跨块到达的结构化函数调用片段。
type pendingCall struct {
	name string
	args strings.Builder
}

// Normalizer 把后端各异的流式输出归一为单调增长的累积文本，
// 并从中提取『情绪』与【动作】标签、识别函数调用。
// 标签事件是边沿触发的：只有值变化时才上报。
type Normalizer struct {
	mode        llm.Emission
	accumulated string
	lastEmotion string
	lastAction  string
	controlBuf  string
	pending     *pendingCall
}

// NewNormalizer 按后端声明的输出语义创建归一化器。
func NewNormalizer(mode llm.Emission) *Normalizer {
	return &Normalizer{mode: mode}
}

// Text 返回当前累积的完整文本。
func (n *Normalizer) Text() string { return n.accumulated }

// Emotion 返回最近一次出现的情绪标签。
func (n *Normalizer) Emotion() string { return n.lastEmotion }

// Action 返回最近一次出现的动作标签。
func (n *Normalizer) Action() string { return n.lastAction }

// Feed 处理一个流块并返回状态变化。
func (n *Normalizer) Feed(msg *schema.Message) Update {
	chunk := parseChunk(msg)
	switch chunk.Kind {
	case ChunkCallDelta:
		var update Update
		if chunk.Text != "" {
			update = n.feedText(chunk.Text)
		}
		if delta := n.feedCallDelta(chunk.Call); delta.Call != nil {
			update.Call = delta.Call
		}
		return update
	case ChunkText:
		return n.feedText(chunk.Text)
	default:
		return Update{}
	}
}

// Finish 在流正常结束时调用。未完成的函数调用是协议错误；
// 没解析成控制 JSON 的残留缓冲按正文回灌。
func (n *Normalizer) Finish() (Update, error) {
	if n.pending != nil {
		if call, ok := n.resolvePending(); ok {
			return Update{Call: call}, nil
		}
		return Update{}, ErrUnresolvedCall
	}
	if n.controlBuf != "" {
		flushed := n.controlBuf
		n.controlBuf = ""
		return n.applyText(flushed), nil
	}
	return Update{}, nil
}

func (n *Normalizer) feedCallDelta(delta CallDelta) Update {
	if n.pending == nil {
		n.pending = &pendingCall{}
	}
	if delta.Name != "" {
		n.pending.name = delta.Name
	}
	n.pending.args.WriteString(delta.Arguments)

	// 首个片段常常只带名字、参数为空串，后续块才补参数。
	// 参数缓冲为空时不能就地判定完成，留到流结束再按无参调用收尾。
	if strings.TrimSpace(n.pending.args.String()) == "" {
		return Update{}
	}
	if call, ok := n.resolvePending(); ok {
		return Update{Call: call}
	}
	return Update{}
}

// resolvePending 在参数拼成合法 JSON 时完成调用解析。
// 空参数缓冲视为无参调用，只会由 Finish 走到这条路径。
func (n *Normalizer) resolvePending() (*FunctionCall, bool) {
	if n.pending == nil || n.pending.name == "" {
		return nil, false
	}
	raw := strings.TrimSpace(n.pending.args.String())
	if raw != "" && !json.Valid([]byte(raw)) {
		return nil, false
	}
	args, ok := decodeArguments(json.RawMessage(raw))
	if !ok {
		return nil, false
	}
	call := &FunctionCall{Name: n.pending.name, Arguments: args}
	n.pending = nil
	return call, true
}

func (n *Normalizer) feedText(text string) Update {
	// 累积语义下每块都是全文快照，内联控制 JSON 只出现在增量流里；
	// 把快照拼进缓冲区会产生乱序文本，直接走正文合并。
	if n.mode == llm.EmissionCumulative {
		return n.applyText(text)
	}
	// 疑似内联控制 JSON 先进缓冲区，确认前不进入正文。
	if n.controlBuf != "" || strings.HasPrefix(strings.TrimSpace(text), "{") {
		return n.sniffControl(text)
	}
	return n.applyText(text)
}

func (n *Normalizer) sniffControl(text string) Update {
	n.controlBuf += text

	if call, ok := parseInlineCall(n.controlBuf); ok {
		n.controlBuf = ""
		return Update{Call: &call}
	}

	// 括号已配平仍解析失败，或缓冲过长：不是控制 JSON。
	if len(n.controlBuf) > maxControlBuf || braceClosed(n.controlBuf) {
		flushed := n.controlBuf
		n.controlBuf = ""
		return n.applyText(flushed)
	}
	return Update{}
}

// applyText 按输出语义合并正文并重新提取标签。
func (n *Normalizer) applyText(text string) Update {
	before := n.accumulated
	n.reconcile(text)

	update := Update{Text: n.accumulated, TextChanged: n.accumulated != before}

	if emotion := lastTag(emotionPattern, n.accumulated); emotion != "" && emotion != n.lastEmotion {
		n.lastEmotion = emotion
		update.Emotion = emotion
		update.EmotionChanged = true
	}
	if action := lastTag(actionPattern, n.accumulated); action != "" && action != n.lastAction {
		n.lastAction = action
		update.Action = action
		update.ActionChanged = true
	}
	return update
}

// reconcile 合并一个正文块。声明语义优先；前缀启发式用于 auto 模式，
// 以及累积语义后端中途退化成增量时的兜底。
func (n *Normalizer) reconcile(text string) {
	switch n.mode {
	case llm.EmissionDelta:
		n.accumulated += text
	case llm.EmissionCumulative:
		if strings.HasPrefix(text, n.accumulated) {
			n.accumulated = text
		} else {
			n.accumulated += text
		}
	default:
		if n.accumulated != "" && strings.HasPrefix(text, n.accumulated) {
			n.accumulated = text
		} else {
			n.accumulated += text
		}
	}
}

func lastTag(pattern *regexp.Regexp, text string) string {
	matches := pattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1][1]
}
