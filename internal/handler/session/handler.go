package session

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"

	"github.com/zhouzirui/z-tavern/assistant/internal/model/chat"
	"github.com/zhouzirui/z-tavern/assistant/internal/service/attachment"
	chatService "github.com/zhouzirui/z-tavern/assistant/internal/service/chat"
	"github.com/zhouzirui/z-tavern/assistant/pkg/utils"
)

const maxMultipartMemory = 32 << 20

// Handler 本地会话控制面的HTTP处理器
type Handler struct {
	manager *chatService.Manager
}

// New 创建会话处理器
func New(manager *chatService.Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes 注册会话、消息、选项与附件路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/session", h.handleSnapshot)
	r.Post("/session", h.handleStart)
	r.Delete("/session", h.handleClose)
	r.Post("/messages", h.handleSubmit)
	r.Put("/options", h.handleOptions)
	r.Get("/attachments", h.handleListAttachments)
	r.Post("/attachments", h.handleAddAttachment)
	r.Delete("/attachments/{fileID}", h.handleRemoveAttachment)
}

// handleSnapshot 返回当前会话视图
func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.manager.Snapshot())
}

// handleStart 开启新会话（可指定 id 以加载已有会话）
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp := struct {
		Session      chat.Session  `json:"session"`
		Snapshot     chat.Snapshot `json:"snapshot"`
		HistoryError string        `json:"historyError,omitempty"`
	}{}

	session, err := h.manager.Start(r.Context(), payload.ID)
	switch {
	case errors.Is(err, chatService.ErrSuperseded):
		utils.RespondError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		// 历史加载失败时会话仍然可用
		hlog.FromRequest(r).Warn().Err(err).Str("session_id", session.ID).Msg("history unavailable")
		resp.HistoryError = err.Error()
	}

	resp.Session = session
	resp.Snapshot = h.manager.Snapshot()
	utils.RespondJSON(w, http.StatusCreated, resp)
}

// handleClose 关闭当前会话，可重复调用
func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Close(r.Context()); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("close session")
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSubmit 提交用户消息；wait=true 时等待回复结束
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Message string `json:"message"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	turn, err := h.manager.Submit(r.Context(), payload.Message)
	if err != nil {
		utils.RespondError(w, submitStatus(err), err.Error())
		return
	}

	if r.URL.Query().Get("wait") != "true" {
		utils.RespondJSON(w, http.StatusAccepted, h.manager.Snapshot())
		return
	}

	if err := turn.Wait(r.Context()); err != nil {
		utils.RespondError(w, http.StatusBadGateway, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.manager.Snapshot())
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, chatService.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, chatService.ErrNotReady):
		return http.StatusPreconditionFailed
	case errors.Is(err, chatService.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, chatService.ErrSuperseded):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// handleOptions 更新补全选项
func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	var opts chat.Options
	if err := utils.DecodeJSON(r, &opts); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.manager.SetOptions(opts)
	utils.RespondJSON(w, http.StatusOK, opts)
}

// handleListAttachments 列出待发送附件
func (h *Handler) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.manager.Tracker().List())
}

// handleAddAttachment 接收 multipart 字段 file 并开始上传
func (h *Handler) handleAddAttachment(w http.ResponseWriter, r *http.Request) {
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

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	file := attachment.NewFile(header.Filename, contentType, data)
	if err := h.manager.Tracker().Add(file); err != nil {
		utils.RespondError(w, attachmentStatus(err), err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"fileId": file.ID})
}

func attachmentStatus(err error) int {
	switch {
	case errors.Is(err, attachment.ErrDuplicateFile):
		return http.StatusConflict
	case errors.Is(err, attachment.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, attachment.ErrNoSession):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

// handleRemoveAttachment 移除附件
func (h *Handler) handleRemoveAttachment(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileID")
	if !h.manager.Tracker().Remove(fileID) {
		utils.RespondError(w, http.StatusNotFound, attachment.ErrUnknownFile.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
