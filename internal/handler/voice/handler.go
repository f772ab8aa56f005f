package voice

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"

	"github.com/zhouzirui/z-tavern/assistant/internal/handler/events"
	voiceService "github.com/zhouzirui/z-tavern/assistant/internal/service/voice"
	"github.com/zhouzirui/z-tavern/assistant/pkg/utils"
)

// Bridge 语音桥接口，由 *voiceService.Bridge 实现
type Bridge interface {
	State() voiceService.State
	Connect(ctx context.Context) error
	Disconnect()
}

// Publisher 事件推送
type Publisher interface {
	Publish(ev events.Event)
}

// Status 语音状态
type Status struct {
	State voiceService.State `json:"state"`
	Error string             `json:"error,omitempty"`
}

// Handler 语音会话的HTTP处理器
type Handler struct {
	bridge    Bridge
	publisher Publisher
}

// New 创建语音处理器；bridge 为 nil 时所有接口返回 501
func New(bridge Bridge, publisher Publisher) *Handler {
	return &Handler{bridge: bridge, publisher: publisher}
}

// RegisterRoutes 注册语音路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/voice", h.handleStatus)
	r.Post("/voice/connect", h.handleConnect)
	r.Post("/voice/disconnect", h.handleDisconnect)
}

func (h *Handler) available(w http.ResponseWriter) bool {
	if h.bridge == nil {
		utils.RespondError(w, http.StatusNotImplemented, "voice is not configured")
		return false
	}
	return true
}

// handleStatus 返回当前状态
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	utils.RespondJSON(w, http.StatusOK, Status{State: h.bridge.State()})
}

// handleConnect 建立语音会话，协商完成后返回
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}

	h.publish(Status{State: voiceService.StateConnecting})
	err := h.bridge.Connect(r.Context())
	switch {
	case errors.Is(err, voiceService.ErrAlreadyConnected):
		utils.RespondError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		hlog.FromRequest(r).Warn().Err(err).Msg("voice connect failed")
		status := Status{State: h.bridge.State(), Error: err.Error()}
		h.publish(status)
		utils.RespondError(w, http.StatusBadGateway, err.Error())
		return
	}

	status := Status{State: h.bridge.State()}
	h.publish(status)
	utils.RespondJSON(w, http.StatusOK, status)
}

// handleDisconnect 断开语音会话，可重复调用
func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	h.bridge.Disconnect()
	status := Status{State: h.bridge.State()}
	h.publish(status)
	utils.RespondJSON(w, http.StatusOK, status)
}

func (h *Handler) publish(status Status) {
	if h.publisher == nil {
		return
	}
	h.publisher.Publish(events.Event{Type: events.TypeVoice, Data: status})
}
