package chat

import (
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// AttachmentType distinguishes inline-displayable images from documents.
type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentDocument AttachmentType = "document"
)

// Attachment references a file uploaded out-of-band and bound to one message.
type Attachment struct {
	Key      string         `json:"key"`
	FileName string         `json:"fileName"`
	Type     AttachmentType `json:"type"`
	MimeType string         `json:"mimeType,omitempty"`
	URL      string         `json:"url,omitempty"`
}

// AttachmentTypeFor classifies a MIME type.
func AttachmentTypeFor(contentType string) AttachmentType {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/") {
		return AttachmentImage
	}
	return AttachmentDocument
}

// Message is one turn of a conversation.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return m
}

// CloneMessages deep-copies a message list.
func CloneMessages(messages []Message) []Message {
	out := make([]Message, len(messages))
	for i, msg := range messages {
		out[i] = msg.Clone()
	}
	return out
}

// Prompt is the user side of a turn as sent to the completion service.
type Prompt struct {
	Text        string       `json:"message"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Options tune a single completion request.
type Options struct {
	SystemMessage string `json:"systemMessage"`
	UseMCP        bool   `json:"useMcp"`
}
