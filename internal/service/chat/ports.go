package chat

import (
	"context"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-tavern/assistant/internal/model/chat"
	"github.com/zhouzirui/z-tavern/assistant/internal/service/attachment"
)

// Streamer opens a completion stream for one user turn. Recv on the returned
// reader yields tokens in order and io.EOF once the turn is complete.
type Streamer interface {
	Stream(ctx context.Context, sessionID string, prompt chat.Prompt, opts chat.Options) (*schema.StreamReader[string], error)
}

// HistoryStore loads the prior messages of a session.
type HistoryStore interface {
	History(ctx context.Context, sessionID string) ([]chat.Message, error)
}

// SessionCloser releases server-side resources held for a session.
type SessionCloser interface {
	CloseChat(ctx context.Context, sessionID string) error
}

// Backend is everything the manager needs from the remote side.
type Backend interface {
	Streamer
	HistoryStore
	SessionCloser
	attachment.Uploader
}
