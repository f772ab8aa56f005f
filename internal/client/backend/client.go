package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/assistant/internal/logging"
	"github.com/zhouzirui/z-tavern/assistant/internal/model/chat"
	"github.com/zhouzirui/z-tavern/assistant/internal/service/attachment"
	"github.com/zhouzirui/z-tavern/assistant/pkg/utils"
)

const (
	streamBuffer = 64
	maxErrorBody = 4 << 10
)

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("not found on backend")

// StatusError carries a non-2xx response.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return "backend responded " + http.StatusText(e.Status) + ": " + e.Message
}

// Client talks to the remote completion, history and attachment service.
type Client struct {
	baseURL *url.URL
	// unary carries the request timeout; streaming bodies are unbounded
	unary  *http.Client
	stream *http.Client
	logger zerolog.Logger
}

// New creates a client for baseURL. timeout bounds non-streaming calls.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "parse backend url %q", baseURL)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("backend url %q must be absolute", baseURL)
	}
	return &Client{
		baseURL: u,
		unary:   &http.Client{Timeout: timeout},
		stream:  &http.Client{},
		logger:  logging.Component("backend"),
	}, nil
}

func (c *Client) endpoint(segments ...string) string {
	u := *c.baseURL
	plain := []string{strings.TrimRight(u.Path, "/"), "api", "chat"}
	escaped := []string{strings.TrimRight(u.EscapedPath(), "/"), "api", "chat"}
	for _, s := range segments {
		plain = append(plain, s)
		escaped = append(escaped, url.PathEscape(s))
	}
	u.Path = strings.Join(plain, "/")
	u.RawPath = strings.Join(escaped, "/")
	return u.String()
}

// Stream posts the turn and converts the SSE response into a token stream.
func (c *Client) Stream(ctx context.Context, sessionID string, prompt chat.Prompt, opts chat.Options) (*schema.StreamReader[string], error) {
	keys := make([]string, 0, len(prompt.Attachments))
	for _, att := range prompt.Attachments {
		keys = append(keys, att.Key)
	}
	body, err := json.Marshal(chat.StreamRequest{
		Message:     prompt.Text,
		Attachments: keys,
		Options:     opts,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode stream request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(sessionID, "stream"), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build stream request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "stream request")
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}

	reader, writer := schema.Pipe[string](streamBuffer)
	go c.pump(sessionID, resp.Body, writer)
	return reader, nil
}

// pump forwards delta frames until end or error. A body that ends without
// an end frame is reported as io.ErrUnexpectedEOF.
func (c *Client) pump(sessionID string, body io.ReadCloser, writer *schema.StreamWriter[string]) {
	defer body.Close()
	defer writer.Close()

	finished := false
	err := utils.ReadSSE(body, func(data []byte) error {
		var ev chat.StreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return errors.Wrap(err, "decode stream event")
		}
		switch ev.Event {
		case chat.StreamEventDelta:
			if ev.Content == "" {
				return nil
			}
			if closed := writer.Send(ev.Content, nil); closed {
				return io.EOF
			}
		case chat.StreamEventError:
			msg := ev.Error
			if msg == "" {
				msg = "stream failed"
			}
			return errors.New(msg)
		case chat.StreamEventEnd:
			finished = true
			return io.EOF
		}
		return nil
	})

	switch {
	case err != nil:
		c.logger.Debug().Err(err).Str("session_id", sessionID).Msg("stream ended with error")
		writer.Send("", err)
	case !finished:
		writer.Send("", io.ErrUnexpectedEOF)
	}
}

// History fetches the stored messages of a session.
func (c *Client) History(ctx context.Context, sessionID string) ([]chat.Message, error) {
	var messages []chat.Message
	if err := c.doJSON(ctx, http.MethodGet, c.endpoint(sessionID, "history"), nil, &messages); err != nil {
		if errors.Is(err, ErrNotFound) {
			return []chat.Message{}, nil
		}
		return nil, errors.Wrap(err, "load history")
	}
	return messages, nil
}

// CloseChat releases the session on the backend. Unknown sessions are not an error.
func (c *Client) CloseChat(ctx context.Context, sessionID string) error {
	err := c.doJSON(ctx, http.MethodDelete, c.endpoint(sessionID), nil, nil)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return errors.Wrap(err, "close chat")
	}
	return nil
}

// UploadAttachment sends file as multipart form field "file".
func (c *Client) UploadAttachment(ctx context.Context, sessionID string, file attachment.File) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreatePart(fileHeader(file))
	if err != nil {
		return "", errors.Wrap(err, "create multipart part")
	}
	if _, err := part.Write(file.Data); err != nil {
		return "", errors.Wrap(err, "write multipart part")
	}
	if err := mw.Close(); err != nil {
		return "", errors.Wrap(err, "close multipart body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(sessionID, "attachments"), &buf)
	if err != nil {
		return "", errors.Wrap(err, "build upload request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out chat.UploadResponse
	if err := c.send(req, &out); err != nil {
		return "", errors.Wrapf(err, "upload %s", file.Name)
	}
	if out.Key == "" {
		return "", errors.Errorf("upload %s: empty key", file.Name)
	}
	return out.Key, nil
}

// RemoveAttachment deletes an uploaded file.
func (c *Client) RemoveAttachment(ctx context.Context, sessionID, key string) error {
	err := c.doJSON(ctx, http.MethodDelete, c.endpoint(sessionID, "attachments", key), nil, nil)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return errors.Wrapf(err, "remove attachment %s", key)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.unary.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	statusErr := &StatusError{Status: resp.StatusCode, Message: msg}
	if resp.StatusCode == http.StatusNotFound {
		return errors.Wrap(ErrNotFound, statusErr.Error())
	}
	return statusErr
}
