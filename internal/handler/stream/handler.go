package stream

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/assistant/internal/logging"
	"github.com/zhouzirui/z-tavern/assistant/internal/model/chat"
	chatService "github.com/zhouzirui/z-tavern/assistant/internal/service/chat"
	"github.com/zhouzirui/z-tavern/assistant/pkg/utils"
)

// Handler manages streaming completions via Server-Sent Events
type Handler struct {
	streamer chatService.Streamer
	logger   zerolog.Logger
}

// New creates a new stream handler
func New(streamer chatService.Streamer) *Handler {
	return &Handler{
		streamer: streamer,
		logger:   logging.Component("stream"),
	}
}

// RegisterRoutes mounts POST /chat/{sessionID}/stream.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat/{sessionID}/stream", h.handleStream)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req chat.StreamRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		utils.RespondError(w, http.StatusBadRequest, "message is required")
		return
	}

	if err := h.HandleStreamRequest(r.Context(), w, sessionID, req); err != nil {
		h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("stream request failed")
	}
}

// HandleStreamRequest runs one turn and writes start, delta, message and end
// frames. Failures after the headers are sent become an error frame.
func (h *Handler) HandleStreamRequest(ctx context.Context, w http.ResponseWriter, sessionID string, req chat.StreamRequest) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return errors.New("streaming unsupported")
	}

	prompt := chat.Prompt{Text: req.Message}
	for _, key := range req.Attachments {
		prompt.Attachments = append(prompt.Attachments, chat.Attachment{Key: key})
	}

	reader, err := h.streamer.Stream(ctx, sessionID, prompt, req.Options)
	if err != nil {
		utils.RespondError(w, http.StatusBadGateway, err.Error())
		return errors.Wrap(err, "open stream")
	}
	defer reader.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	h.send(w, flusher, chat.StreamEvent{Event: chat.StreamEventStart, SessionID: sessionID})

	var reply strings.Builder
	for {
		token, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.send(w, flusher, chat.StreamEvent{
				Event:     chat.StreamEventError,
				SessionID: sessionID,
				Error:     err.Error(),
			})
			return errors.Wrap(err, "receive token")
		}
		if token == "" {
			continue
		}
		reply.WriteString(token)
		h.send(w, flusher, chat.StreamEvent{
			Event:     chat.StreamEventDelta,
			SessionID: sessionID,
			Content:   token,
		})
	}

	h.send(w, flusher, chat.StreamEvent{
		Event:     chat.StreamEventMessage,
		SessionID: sessionID,
		Content:   reply.String(),
	})
	h.send(w, flusher, chat.StreamEvent{
		Event:     chat.StreamEventEnd,
		SessionID: sessionID,
		Finished:  true,
	})

	h.logger.Debug().Str("session_id", sessionID).Int("length", reply.Len()).Msg("stream completed")
	return nil
}

func (h *Handler) send(w http.ResponseWriter, flusher http.Flusher, ev chat.StreamEvent) {
	utils.SendSSEChunk(w, flusher, ev)
}
