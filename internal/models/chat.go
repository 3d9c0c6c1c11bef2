package models

// 对话事件类型
const (
	EventTypeStart          = "start"
	EventTypeText           = "text"
	EventTypeDone           = "done"
	EventTypeConversationID = "conversation_id"
	EventTypeError          = "error"
)

// ChatEvent 上游 SSE 中的一条事件，原样转发给调用方
type ChatEvent struct {
	Type         string `json:"type"`
	Text         string `json:"text,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	FullResponse string `json:"full_response,omitempty"`
	ID           string `json:"id,omitempty"`
	Message      string `json:"message,omitempty"`

	// 实际服务本次请求的账号
	Account string `json:"_account,omitempty"`
}

// ErrorEvent 构造错误事件
func ErrorEvent(message string) ChatEvent {
	return ChatEvent{Type: EventTypeError, Message: message}
}

// ChatRequest 一次对话请求
type ChatRequest struct {
	Message        string `json:"message" binding:"required"`
	Model          string `json:"model"`
	ConversationID string `json:"conversation_id,omitempty"`
	Thinking       bool   `json:"thinking,omitempty"`
	// 指定账号，为空时由账号池轮询选择
	Account string `json:"account,omitempty"`
}

// ChatResult 非流式对话的聚合结果
type ChatResult struct {
	Success        bool   `json:"success"`
	Response       string `json:"response,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	InputTokens    int    `json:"input_tokens"`
	OutputTokens   int    `json:"output_tokens"`
	Account        string `json:"account,omitempty"`
	Message        string `json:"message,omitempty"`
}

// PoolStats 账号池统计
type PoolStats struct {
	Total         int                   `json:"total"`
	Eligible      int                   `json:"active"`
	ByStatus      map[AccountStatus]int `json:"by_status"`
	TotalRequests int64                 `json:"total_requests"`
	TotalErrors   int64                 `json:"total_errors"`
}
