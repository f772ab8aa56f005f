package chat

// 流式事件类型
const (
	StreamEventStart   = "start"
	StreamEventDelta   = "delta"
	StreamEventMessage = "message"
	StreamEventEnd     = "end"
	StreamEventError   = "error"
)

// StreamEvent SSE 数据帧
type StreamEvent struct {
	Event     string `json:"event"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Finished  bool   `json:"finished,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StreamRequest 远端流式补全请求体
type StreamRequest struct {
	Message     string   `json:"message"`
	Attachments []string `json:"attachments,omitempty"`
	Options     Options  `json:"options"`
}

// UploadResponse 附件上传结果
type UploadResponse struct {
	Key string `json:"key"`
}
