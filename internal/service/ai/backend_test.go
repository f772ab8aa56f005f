package ai

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/assistant/internal/config"
	"github.com/zhouzirui/z-tavern/assistant/internal/model/chat"
	"github.com/zhouzirui/z-tavern/assistant/internal/service/attachment"
)

type fakeModel struct {
	mu     sync.Mutex
	inputs [][]*schema.Message
	chunks []string
	err    error
	// stream, when set, is returned by Stream instead of chunks
	stream *schema.StreamReader[*schema.Message]
}

func (m *fakeModel) record(input []*schema.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, input)
}

func (m *fakeModel) lastInput() []*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputs[len(m.inputs)-1]
}

func (m *fakeModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.record(input)
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(strings.Join(m.chunks, ""), nil), nil
}

func (m *fakeModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.record(input)
	if m.err != nil {
		return nil, m.err
	}
	if m.stream != nil {
		return m.stream, nil
	}
	msgs := make([]*schema.Message, 0, len(m.chunks))
	for _, c := range m.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func newTestBackend(t *testing.T, m *fakeModel, cfg config.AIConfig) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), m, cfg)
	require.NoError(t, err)
	return b
}

func readAll(t *testing.T, r *schema.StreamReader[string]) string {
	t.Helper()
	defer r.Close()
	var sb strings.Builder
	for {
		tok, err := r.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String()
		}
		require.NoError(t, err)
		sb.WriteString(tok)
	}
}

func TestStreamRecordsTranscript(t *testing.T) {
	m := &fakeModel{chunks: []string{"Hi", "", " there"}}
	b := newTestBackend(t, m, config.AIConfig{StreamResponse: true})
	ctx := context.Background()

	reader, err := b.Stream(ctx, "s1", chat.Prompt{Text: "Hello {name}"}, chat.Options{})
	require.NoError(t, err)
	require.Equal(t, "Hi there", readAll(t, reader))

	input := m.lastInput()
	require.Len(t, input, 2)
	require.Equal(t, schema.System, input[0].Role)
	require.Equal(t, DefaultSystemMessage, input[0].Content)
	require.Equal(t, "Hello {name}", input[1].Content)

	history, err := b.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, chat.RoleUser, history[0].Role)
	require.Equal(t, "Hi there", history[1].Content)
}

func TestHistoryWindowAndSystemMessage(t *testing.T) {
	m := &fakeModel{chunks: []string{"ok"}}
	b := newTestBackend(t, m, config.AIConfig{StreamResponse: true, HistoryLimit: 2, SystemMessage: "configured"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		reader, err := b.Stream(ctx, "s1", chat.Prompt{Text: "q"}, chat.Options{})
		require.NoError(t, err)
		readAll(t, reader)
	}
	input := m.lastInput()
	// system + 2 history + query
	require.Len(t, input, 4)
	require.Equal(t, "configured", input[0].Content)

	reader, err := b.Stream(ctx, "s1", chat.Prompt{Text: "q"}, chat.Options{SystemMessage: "override"})
	require.NoError(t, err)
	readAll(t, reader)
	require.Equal(t, "override", m.lastInput()[0].Content)
}

func TestNonStreamingInvoke(t *testing.T) {
	m := &fakeModel{chunks: []string{"whole ", "answer"}}
	b := newTestBackend(t, m, config.AIConfig{StreamResponse: false})

	reader, err := b.Stream(context.Background(), "s1", chat.Prompt{Text: "q"}, chat.Options{})
	require.NoError(t, err)
	require.Equal(t, "whole answer", readAll(t, reader))
}

func TestModelErrorSurfaces(t *testing.T) {
	m := &fakeModel{err: errors.New("quota exceeded")}
	b := newTestBackend(t, m, config.AIConfig{StreamResponse: true})

	_, err := b.Stream(context.Background(), "s1", chat.Prompt{Text: "q"}, chat.Options{})
	require.ErrorContains(t, err, "quota exceeded")
}

func TestAttachmentsAreInlined(t *testing.T) {
	m := &fakeModel{chunks: []string{"ok"}}
	b := newTestBackend(t, m, config.AIConfig{StreamResponse: true})
	ctx := context.Background()

	docKey, err := b.UploadAttachment(ctx, "s1", attachment.File{Name: "notes.md", ContentType: "text/markdown", Data: []byte("# Notes")})
	require.NoError(t, err)
	binKey, err := b.UploadAttachment(ctx, "s1", attachment.File{Name: "deck.pdf", ContentType: "application/pdf", Data: []byte{0x25, 0x50}})
	require.NoError(t, err)
	imgKey, err := b.UploadAttachment(ctx, "s1", attachment.File{Name: "cat.png", ContentType: "image/png", Data: []byte{1, 2, 3}})
	require.NoError(t, err)

	reader, err := b.Stream(ctx, "s1", chat.Prompt{
		Text: "summarise",
		Attachments: []chat.Attachment{
			{Key: docKey}, {Key: binKey}, {Key: imgKey}, {Key: "unknown"},
		},
	}, chat.Options{})
	require.NoError(t, err)
	readAll(t, reader)

	query := m.lastInput()[1]
	require.Contains(t, query.Content, "<attachment filename=\"notes.md\">\n# Notes\n</attachment>")
	require.Contains(t, query.Content, `<attachment filename="deck.pdf" type="application/pdf">`)
	require.True(t, strings.HasSuffix(query.Content, "summarise"))
	require.Len(t, query.MultiContent, 2)
	require.Equal(t, schema.ChatMessagePartTypeImageURL, query.MultiContent[1].Type)
	require.Equal(t, "data:image/png;base64,AQID", query.MultiContent[1].ImageURL.URL)
}

func TestCloseChatDropsSession(t *testing.T) {
	m := &fakeModel{chunks: []string{"ok"}}
	b := newTestBackend(t, m, config.AIConfig{StreamResponse: true})
	ctx := context.Background()

	key, err := b.UploadAttachment(ctx, "s1", attachment.File{Name: "a.txt", ContentType: "text/plain", Data: []byte("a")})
	require.NoError(t, err)
	require.NoError(t, b.RemoveAttachment(ctx, "s1", key))
	require.ErrorIs(t, b.RemoveAttachment(ctx, "s1", key), ErrAttachmentNotFound)

	reader, err := b.Stream(ctx, "s1", chat.Prompt{Text: "q"}, chat.Options{})
	require.NoError(t, err)
	readAll(t, reader)

	require.NoError(t, b.CloseChat(ctx, "s1"))
	require.NoError(t, b.CloseChat(ctx, "s1"))
	history, err := b.History(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestReplyFinishingAfterCloseChatIsDropped(t *testing.T) {
	src, sink := schema.Pipe[*schema.Message](1)
	m := &fakeModel{stream: src}
	b := newTestBackend(t, m, config.AIConfig{StreamResponse: true})
	ctx := context.Background()

	reader, err := b.Stream(ctx, "s1", chat.Prompt{Text: "hi"}, chat.Options{})
	require.NoError(t, err)
	require.NoError(t, b.CloseChat(ctx, "s1"))

	sink.Send(schema.AssistantMessage("late", nil), nil)
	sink.Close()
	require.Equal(t, "late", readAll(t, reader))

	history, err := b.History(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, history)

	// the id is usable again after the drop
	epoch := b.Store().Epoch("s1")
	require.Equal(t, uint64(1), epoch)
	require.True(t, b.Store().AppendAt("s1", epoch, chat.Message{Role: chat.RoleUser, Content: "again"}))
	require.False(t, b.Store().AppendAt("s1", 0, chat.Message{Role: chat.RoleUser, Content: "stale"}))
	history, err = b.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 1)
}
