package voice

// 事件通道上的消息类型
const (
	EventSessionUpdate             = "session.update"
	EventFunctionCallArgumentsDone = "response.function_call_arguments.done"
	EventConversationItemCreate    = "conversation.item.create"

	ItemFunctionCallOutput = "function_call_output"
	ToolTypeFunction       = "function"
)

// DefaultModalities 会话默认启用的模态
var DefaultModalities = []string{"text", "audio"}

// Envelope 所有事件共有的类型字段
type Envelope struct {
	Type string `json:"type"`
}

// SessionUpdate 通道打开后发送的一次性会话配置
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

// SessionConfig 声明远端可以调用的工具
type SessionConfig struct {
	Modalities []string         `json:"modalities"`
	Tools      []ToolDefinition `json:"tools"`
}

// ToolDefinition 工具的公开描述（不含执行体）
type ToolDefinition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// FunctionCallArgumentsDone 远端请求执行工具
type FunctionCallArgumentsDone struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ConversationItemCreate 回传工具执行结果
type ConversationItemCreate struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

// ConversationItem function_call_output 条目
type ConversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// NewFunctionCallOutput 构造针对 callID 的结果事件
func NewFunctionCallOutput(callID, output string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: EventConversationItemCreate,
		Item: ConversationItem{
			Type:   ItemFunctionCallOutput,
			CallID: callID,
			Output: output,
		},
	}
}

// EphemeralToken 令牌服务的响应体
type EphemeralToken struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at,omitempty"`
	} `json:"client_secret"`
}
