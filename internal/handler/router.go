package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/zhouzirui/z-tavern/assistant/internal/handler/chat"
	"github.com/zhouzirui/z-tavern/assistant/internal/handler/events"
	"github.com/zhouzirui/z-tavern/assistant/internal/handler/session"
	"github.com/zhouzirui/z-tavern/assistant/internal/handler/stream"
	"github.com/zhouzirui/z-tavern/assistant/internal/handler/voice"
	"github.com/zhouzirui/z-tavern/assistant/internal/logging"
	middlewarePkg "github.com/zhouzirui/z-tavern/assistant/internal/middleware"
	modelChat "github.com/zhouzirui/z-tavern/assistant/internal/model/chat"
	chatService "github.com/zhouzirui/z-tavern/assistant/internal/service/chat"
	"github.com/zhouzirui/z-tavern/assistant/pkg/utils"
)

// Deps are the services the router exposes. Voice and Backend are optional.
type Deps struct {
	Manager *chatService.Manager
	Hub     *events.Hub
	Voice   voice.Bridge
	// Backend, when set, is served under /api/chat for other clients.
	Backend            chatService.Backend
	MaxAttachmentBytes int64
	Gatherer           prometheus.Gatherer
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	logger := logging.Component("http")
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RequestIDHandler("request_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(accessLog))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(api chi.Router) {
		session.New(deps.Manager).RegisterRoutes(api)
		var publisher voice.Publisher
		if deps.Hub != nil {
			publisher = deps.Hub
			api.Handle("/ws", deps.Hub)
		}
		voice.New(deps.Voice, publisher).RegisterRoutes(api)

		if deps.Backend != nil {
			chat.New(deps.Backend, deps.MaxAttachmentBytes).RegisterRoutes(api)
			stream.New(deps.Backend).RegisterRoutes(api)
		}
	})

	return r
}

// PublishSnapshots forwards every manager snapshot to the hub.
func PublishSnapshots(manager *chatService.Manager, hub *events.Hub) (unsubscribe func()) {
	return manager.Subscribe(func(s modelChat.Snapshot) {
		hub.Publish(events.Event{Type: events.TypeSnapshot, Data: s})
	})
}

// UploadEvent 附件上传完成事件
type UploadEvent struct {
	FileID     string               `json:"fileId"`
	Attachment modelChat.Attachment `json:"attachment"`
}

// PublishUploads 返回附件上传完成回调，将结果推送到 hub
func PublishUploads(hub *events.Hub) func(fileID string, att modelChat.Attachment) {
	return func(fileID string, att modelChat.Attachment) {
		hub.Publish(events.Event{Type: events.TypeAttachment, Data: UploadEvent{FileID: fileID, Attachment: att}})
	}
}

func accessLog(r *http.Request, status, size int, duration time.Duration) {
	level := zerolog.DebugLevel
	if status >= http.StatusInternalServerError {
		level = zerolog.WarnLevel
	}
	hlog.FromRequest(r).WithLevel(level).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("request")
}
