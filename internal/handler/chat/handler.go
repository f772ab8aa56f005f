package chat

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/zhouzirui/z-tavern/assistant/internal/model/chat"
	"github.com/zhouzirui/z-tavern/assistant/internal/service/attachment"
	aiService "github.com/zhouzirui/z-tavern/assistant/internal/service/ai"
	chatService "github.com/zhouzirui/z-tavern/assistant/internal/service/chat"
	"github.com/zhouzirui/z-tavern/assistant/pkg/utils"
)

const maxMultipartMemory = 32 << 20

// Handler 对外提供聊天后端接口（历史、关闭、附件）的HTTP处理器
type Handler struct {
	backend  chatService.Backend
	maxBytes int64
}

// New 创建聊天处理器；maxBytes 为单个附件上限，0 表示不限制
func New(backend chatService.Backend, maxBytes int64) *Handler {
	return &Handler{
		backend:  backend,
		maxBytes: maxBytes,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/{sessionID}/history", h.handleHistory)
	r.Delete("/chat/{sessionID}", h.handleClose)
	r.Post("/chat/{sessionID}/attachments", h.handleUpload)
	r.Delete("/chat/{sessionID}/attachments/{key}", h.handleRemove)
}

// handleHistory 返回会话历史
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	messages, err := h.backend.History(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, messages)
}

// handleClose 关闭会话
func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.CloseChat(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpload 保存 multipart 字段 file 并返回附件 key
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if h.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+maxMultipartMemory)
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	src, header, err := r.FormFile("file")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "read file failed")
		return
	}
	if h.maxBytes > 0 && int64(len(data)) > h.maxBytes {
		utils.RespondError(w, http.StatusRequestEntityTooLarge, attachment.ErrFileTooLarge.Error())
		return
	}

	file := attachment.NewFile(header.Filename, header.Header.Get("Content-Type"), data)
	key, err := h.backend.UploadAttachment(r.Context(), chi.URLParam(r, "sessionID"), file)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusCreated, chat.UploadResponse{Key: key})
}

// handleRemove 删除附件
func (h *Handler) handleRemove(w http.ResponseWriter, r *http.Request) {
	err := h.backend.RemoveAttachment(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "key"))
	switch {
	case errors.Is(err, aiService.ErrAttachmentNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case err != nil:
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
