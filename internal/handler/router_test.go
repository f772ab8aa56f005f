package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/assistant/internal/config"
	"github.com/zhouzirui/z-tavern/assistant/internal/handler/events"
	"github.com/zhouzirui/z-tavern/assistant/internal/metrics"
	modelChat "github.com/zhouzirui/z-tavern/assistant/internal/model/chat"
	"github.com/zhouzirui/z-tavern/assistant/internal/service/ai"
	"github.com/zhouzirui/z-tavern/assistant/internal/service/attachment"
	chatService "github.com/zhouzirui/z-tavern/assistant/internal/service/chat"
)

type okModel struct{}

func (okModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage("ok", nil), nil
}

func (okModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return schema.StreamReaderFromArray([]*schema.Message{schema.AssistantMessage("ok", nil)}), nil
}

func newDeps(t *testing.T) Deps {
	t.Helper()
	backend, err := ai.NewBackend(context.Background(), okModel{}, config.AIConfig{StreamResponse: true})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	manager := chatService.NewManager(backend, attachment.New(backend, attachment.WithMetrics(m)), chatService.WithMetrics(m))
	hub := events.NewHub(func() events.Event {
		return events.Event{Type: events.TypeSnapshot, Data: manager.Snapshot()}
	}, events.DefaultOptions())
	return Deps{Manager: manager, Hub: hub, Backend: backend, Gatherer: reg}
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, target, nil))
	return resp
}

func TestRoutes(t *testing.T) {
	deps := newDeps(t)
	r := NewRouter(deps)

	require.Equal(t, http.StatusOK, get(r, "/healthz").Code)
	require.Equal(t, http.StatusOK, get(r, "/api/session").Code)
	require.Equal(t, http.StatusNotImplemented, get(r, "/api/voice").Code)
	require.Equal(t, http.StatusOK, get(r, "/api/chat/s1/history").Code)

	_, err := deps.Manager.Start(context.Background(), "s1")
	require.NoError(t, err)
	resp := get(r, "/metrics")
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Body.String(), "assistant_")
}

func TestBackendRoutesAreOptional(t *testing.T) {
	deps := newDeps(t)
	deps.Backend = nil
	require.Equal(t, http.StatusNotFound, get(NewRouter(deps), "/api/chat/s1/history").Code)
}

func TestPublishSnapshots(t *testing.T) {
	deps := newDeps(t)
	var states []modelChat.State
	unsubscribe := deps.Manager.Subscribe(func(s modelChat.Snapshot) { states = append(states, s.State) })
	defer unsubscribe()
	stop := PublishSnapshots(deps.Manager, deps.Hub)
	defer stop()

	_, err := deps.Manager.Start(context.Background(), "s1")
	require.NoError(t, err)
	require.Contains(t, states, modelChat.StateReady)
}

func TestPublishUploads(t *testing.T) {
	backend, err := ai.NewBackend(context.Background(), okModel{}, config.AIConfig{})
	require.NoError(t, err)
	hub := events.NewHub(nil, events.DefaultOptions())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	tracker := attachment.New(backend, attachment.WithOnUploaded(PublishUploads(hub)))
	tracker.Reset("s1")
	file := attachment.NewFile("notes.txt", "text/plain", []byte("hello"))
	require.NoError(t, tracker.Add(file))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var ev struct {
		Type string      `json:"type"`
		Data UploadEvent `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, events.TypeAttachment, ev.Type)
	require.Equal(t, file.ID, ev.Data.FileID)
	require.Equal(t, "notes.txt", ev.Data.Attachment.FileName)
	require.NotEmpty(t, ev.Data.Attachment.Key)
}
