package ai

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/assistant/internal/config"
	"github.com/zhouzirui/z-tavern/assistant/internal/logging"
	"github.com/zhouzirui/z-tavern/assistant/internal/model/chat"
	"github.com/zhouzirui/z-tavern/assistant/internal/service/attachment"
)

// DefaultSystemMessage is used when neither the request nor the config sets one.
const DefaultSystemMessage = "You are a helpful assistant."

const tokenBuffer = 64

// Backend answers chat turns in-process with an eino chat model and keeps
// history and uploads in memory.
type Backend struct {
	chain  compose.Runnable[map[string]any, *schema.Message]
	cfg    config.AIConfig
	store  *Store
	logger zerolog.Logger
}

// NewBackend compiles the system/history/query chain around chatModel.
func NewBackend(ctx context.Context, chatModel model.BaseChatModel, cfg config.AIConfig) (*Backend, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.MessagesPlaceholder("query", false),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "compile chat chain")
	}

	if cfg.HistoryLimit < 1 {
		cfg.HistoryLimit = 10
	}

	return &Backend{
		chain:  runnable,
		cfg:    cfg,
		store:  NewStore(),
		logger: logging.Component("ai"),
	}, nil
}

// Store exposes the in-memory transcripts.
func (b *Backend) Store() *Store {
	return b.store
}

// Stream runs one turn. The user message is recorded immediately; the
// assistant reply is recorded once the model finishes, unless the session
// was closed in the meantime.
func (b *Backend) Stream(ctx context.Context, sessionID string, p chat.Prompt, opts chat.Options) (*schema.StreamReader[string], error) {
	epoch := b.store.Epoch(sessionID)
	history := b.store.Transcript(sessionID)
	query := b.buildUserMessage(sessionID, p)
	input := map[string]any{
		"system":  b.systemMessage(opts),
		"history": b.buildHistoryMessages(history),
		"query":   []*schema.Message{query},
	}

	b.store.AppendAt(sessionID, epoch, chat.Message{
		Role:        chat.RoleUser,
		Content:     p.Text,
		Attachments: p.Attachments,
		CreatedAt:   time.Now().UTC(),
	})

	if !b.cfg.StreamResponse {
		resp, err := b.chain.Invoke(ctx, input)
		if err != nil {
			return nil, errors.Wrap(err, "run chat chain")
		}
		b.recordReply(sessionID, epoch, resp.Content)
		return schema.StreamReaderFromArray([]string{resp.Content}), nil
	}

	chunks, err := b.chain.Stream(ctx, input)
	if err != nil {
		return nil, errors.Wrap(err, "stream chat chain")
	}

	reader, writer := schema.Pipe[string](tokenBuffer)
	go b.forward(sessionID, epoch, chunks, writer)
	return reader, nil
}

func (b *Backend) forward(sessionID string, epoch uint64, chunks *schema.StreamReader[*schema.Message], writer *schema.StreamWriter[string]) {
	defer chunks.Close()
	defer writer.Close()

	var reply strings.Builder
	for {
		chunk, err := chunks.Recv()
		if errors.Is(err, io.EOF) {
			b.recordReply(sessionID, epoch, reply.String())
			return
		}
		if err != nil {
			b.logger.Warn().Err(err).Str("session_id", sessionID).Msg("model stream failed")
			writer.Send("", err)
			return
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		reply.WriteString(chunk.Content)
		if closed := writer.Send(chunk.Content, nil); closed {
			return
		}
	}
}

func (b *Backend) recordReply(sessionID string, epoch uint64, content string) {
	stored := b.store.AppendAt(sessionID, epoch, chat.Message{
		Role:      chat.RoleAssistant,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
	if !stored {
		b.logger.Debug().Str("session_id", sessionID).Msg("session closed before reply finished, reply dropped")
		return
	}
	b.logger.Debug().Str("session_id", sessionID).Int("length", len(content)).Msg("reply recorded")
}

// History returns the stored transcript.
func (b *Backend) History(_ context.Context, sessionID string) ([]chat.Message, error) {
	return b.store.Transcript(sessionID), nil
}

// CloseChat forgets the session and its uploads.
func (b *Backend) CloseChat(_ context.Context, sessionID string) error {
	b.store.Drop(sessionID)
	return nil
}

func (b *Backend) UploadAttachment(_ context.Context, sessionID string, file attachment.File) (string, error) {
	return b.store.PutFile(sessionID, file), nil
}

func (b *Backend) RemoveAttachment(_ context.Context, sessionID, key string) error {
	return b.store.RemoveFile(sessionID, key)
}

func (b *Backend) systemMessage(opts chat.Options) string {
	if s := strings.TrimSpace(opts.SystemMessage); s != "" {
		return s
	}
	if s := strings.TrimSpace(b.cfg.SystemMessage); s != "" {
		return s
	}
	return DefaultSystemMessage
}

func (b *Backend) buildHistoryMessages(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > b.cfg.HistoryLimit {
		startIdx = len(messages) - b.cfg.HistoryLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}

// buildUserMessage inlines text documents into the prompt and attaches
// images as image parts.
func (b *Backend) buildUserMessage(sessionID string, p chat.Prompt) *schema.Message {
	var text strings.Builder
	var images []schema.ChatMessagePart

	for _, att := range p.Attachments {
		f, ok := b.store.file(sessionID, att.Key)
		if !ok {
			b.logger.Warn().Str("session_id", sessionID).Str("key", att.Key).Msg("attachment not found")
			continue
		}
		if chat.AttachmentTypeFor(f.contentType) == chat.AttachmentImage {
			images = append(images, schema.ChatMessagePart{
				Type:     schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{URL: attachment.DataURL(f.contentType, f.data)},
			})
			continue
		}
		text.WriteString(inlineDocument(f))
		text.WriteString("\n\n")
	}
	text.WriteString(p.Text)

	msg := schema.UserMessage(text.String())
	if len(images) > 0 {
		parts := append([]schema.ChatMessagePart{{
			Type: schema.ChatMessagePartTypeText,
			Text: msg.Content,
		}}, images...)
		msg.MultiContent = parts
	}
	return msg
}

func inlineDocument(f storedFile) string {
	if !isText(f.contentType, f.data) {
		return fmt.Sprintf("<attachment filename=%q type=%q>(binary content omitted)</attachment>", f.name, f.contentType)
	}
	return fmt.Sprintf("<attachment filename=%q>\n%s\n</attachment>", f.name, string(f.data))
}

func isText(contentType string, data []byte) bool {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "text/"),
		strings.Contains(ct, "json"),
		strings.Contains(ct, "xml"),
		strings.Contains(ct, "yaml"),
		strings.Contains(ct, "javascript"):
		return true
	case ct == "" || ct == "application/octet-stream":
		return utf8.Valid(data)
	}
	return false
}
