package chat

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/assistant/internal/client/backend"
	"github.com/zhouzirui/z-tavern/assistant/internal/config"
	"github.com/zhouzirui/z-tavern/assistant/internal/handler/stream"
	"github.com/zhouzirui/z-tavern/assistant/internal/model/chat"
	"github.com/zhouzirui/z-tavern/assistant/internal/service/attachment"
	aiService "github.com/zhouzirui/z-tavern/assistant/internal/service/ai"
)

type echoModel struct{}

func (echoModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage("echo: "+input[len(input)-1].Content, nil), nil
}

func (echoModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	last := input[len(input)-1].Content
	return schema.StreamReaderFromArray([]*schema.Message{
		schema.AssistantMessage("echo: ", nil),
		schema.AssistantMessage(last, nil),
	}), nil
}

func setupServer(t *testing.T, maxBytes int64) (*backend.Client, *aiService.Backend) {
	t.Helper()
	ai, err := aiService.NewBackend(context.Background(), echoModel{}, config.AIConfig{StreamResponse: true})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/api", func(api chi.Router) {
		New(ai, maxBytes).RegisterRoutes(api)
		stream.New(ai).RegisterRoutes(api)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	c, err := backend.New(srv.URL, 5*time.Second)
	require.NoError(t, err)
	return c, ai
}

func drain(t *testing.T, reader *schema.StreamReader[string]) string {
	t.Helper()
	defer reader.Close()
	var sb strings.Builder
	for {
		tok, err := reader.Recv()
		if err == io.EOF {
			return sb.String()
		}
		require.NoError(t, err)
		sb.WriteString(tok)
	}
}

func TestRoundTripThroughClient(t *testing.T) {
	c, _ := setupServer(t, 0)
	ctx := context.Background()

	key, err := c.UploadAttachment(ctx, "s1", attachment.NewFile("notes.txt", "text/plain", []byte("remember milk")))
	require.NoError(t, err)
	require.NotEmpty(t, key)

	reader, err := c.Stream(ctx, "s1", chat.Prompt{
		Text:        "Hello",
		Attachments: []chat.Attachment{{Key: key, FileName: "notes.txt"}},
	}, chat.Options{})
	require.NoError(t, err)
	reply := drain(t, reader)
	require.True(t, strings.HasPrefix(reply, "echo: "))
	require.Contains(t, reply, "remember milk")
	require.True(t, strings.HasSuffix(reply, "Hello"))

	history, err := c.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, chat.RoleUser, history[0].Role)
	require.Equal(t, "Hello", history[0].Content)
	require.Equal(t, reply, history[1].Content)

	require.NoError(t, c.RemoveAttachment(ctx, "s1", key))
	// unknown keys are 404 on the wire and tolerated by the client
	require.NoError(t, c.RemoveAttachment(ctx, "s1", key))

	require.NoError(t, c.CloseChat(ctx, "s1"))
	history, err = c.History(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestRemoveUnknownAttachmentIs404(t *testing.T) {
	ai, err := aiService.NewBackend(context.Background(), echoModel{}, config.AIConfig{})
	require.NoError(t, err)
	r := chi.NewRouter()
	New(ai, 0).RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodDelete, "/chat/s1/attachments/missing", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestUploadTooLarge(t *testing.T) {
	c, _ := setupServer(t, 4)
	_, err := c.UploadAttachment(context.Background(), "s1", attachment.NewFile("big.txt", "text/plain", []byte("0123456789")))
	var statusErr *backend.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusRequestEntityTooLarge, statusErr.Status)
}
