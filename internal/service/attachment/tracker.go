package attachment

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/assistant/internal/logging"
	"github.com/zhouzirui/z-tavern/assistant/internal/metrics"
	"github.com/zhouzirui/z-tavern/assistant/internal/model/chat"
)

var (
	ErrDuplicateFile = errors.New("file is already attached")
	ErrFileTooLarge  = errors.New("file exceeds the attachment size limit")
	ErrNoSession     = errors.New("no active session to attach files to")
	ErrUnknownFile   = errors.New("file is not attached")
)

// File is a user-selected file waiting to be sent with the next message.
type File struct {
	ID          string
	Name        string
	ContentType string
	Data        []byte
}

// NewFile assigns a fresh id to a file handle.
func NewFile(name, contentType string, data []byte) File {
	return File{
		ID:          uuid.NewString(),
		Name:        name,
		ContentType: contentType,
		Data:        data,
	}
}

// Uploader stores files out-of-band and hands back an opaque key.
type Uploader interface {
	UploadAttachment(ctx context.Context, sessionID string, file File) (string, error)
	RemoveAttachment(ctx context.Context, sessionID, key string) error
}

// Status of a tracked file.
type Status string

const (
	StatusUploading Status = "uploading"
	StatusUploaded  Status = "uploaded"
	StatusFailed    Status = "failed"
)

// Upload is the read-only view of one tracked file.
type Upload struct {
	FileID      string `json:"fileId"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
	Status      Status `json:"status"`
	Key         string `json:"key,omitempty"`
}

type entry struct {
	file   File
	status Status
	key    string
	cancel context.CancelFunc
	done   chan struct{}
}

func (e *entry) attachment() chat.Attachment {
	att := chat.Attachment{
		Key:      e.key,
		FileName: e.file.Name,
		Type:     chat.AttachmentTypeFor(e.file.ContentType),
		MimeType: e.file.ContentType,
	}
	if att.Type == chat.AttachmentImage {
		att.URL = DataURL(e.file.ContentType, e.file.Data)
	}
	return att
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMaxBytes rejects files larger than n bytes. Zero disables the check.
func WithMaxBytes(n int64) Option {
	return func(t *Tracker) { t.maxBytes = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithOnUploaded registers a callback run after each successful upload.
func WithOnUploaded(fn func(fileID string, att chat.Attachment)) Option {
	return func(t *Tracker) { t.onUploaded = fn }
}

// Tracker correlates files queued for the next outgoing message with their
// upload keys. Entries are identified by pointer so a result that arrives
// after its entry was removed, drained or reset is recognised as stale.
type Tracker struct {
	mu         sync.Mutex
	uploader   Uploader
	sessionID  string
	entries    map[string]*entry
	order      []string
	maxBytes   int64
	metrics    *metrics.Metrics
	onUploaded func(fileID string, att chat.Attachment)
	logger     zerolog.Logger
}

// New creates a tracker with no bound session.
func New(uploader Uploader, opts ...Option) *Tracker {
	t := &Tracker{
		uploader: uploader,
		entries:  make(map[string]*entry),
		logger:   logging.Component("attachment"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SessionID returns the session uploads are bound to.
func (t *Tracker) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Reset binds the tracker to sessionID and discards everything tracked for
// the previous session. Uploaded keys that were never sent are removed
// server-side; in-flight uploads are cancelled.
func (t *Tracker) Reset(sessionID string) {
	t.mu.Lock()
	oldSession := t.sessionID
	stale := t.takeAllLocked()
	t.sessionID = sessionID
	t.mu.Unlock()

	t.discard(oldSession, stale)
}

// Add queues file and starts uploading it in the background.
func (t *Tracker) Add(file File) error {
	if file.ID == "" {
		file.ID = uuid.NewString()
	}

	t.mu.Lock()
	if t.sessionID == "" {
		t.mu.Unlock()
		return ErrNoSession
	}
	if _, exists := t.entries[file.ID]; exists {
		t.mu.Unlock()
		return errors.Wrapf(ErrDuplicateFile, "file %s", file.Name)
	}
	if t.maxBytes > 0 && int64(len(file.Data)) > t.maxBytes {
		t.mu.Unlock()
		return errors.Wrapf(ErrFileTooLarge, "%s is %d bytes, limit %d", file.Name, len(file.Data), t.maxBytes)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ent := &entry{
		file:   file,
		status: StatusUploading,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.entries[file.ID] = ent
	t.order = append(t.order, file.ID)
	sessionID := t.sessionID
	t.mu.Unlock()

	go t.upload(ctx, sessionID, ent)
	return nil
}

func (t *Tracker) upload(ctx context.Context, sessionID string, ent *entry) {
	defer close(ent.done)
	defer ent.cancel()

	key, err := t.uploader.UploadAttachment(ctx, sessionID, ent.file)

	t.mu.Lock()
	if t.entries[ent.file.ID] != ent {
		t.mu.Unlock()
		t.metrics.Stale("upload")
		t.logger.Debug().
			Str("session_id", sessionID).
			Str("file_id", ent.file.ID).
			Msg("upload finished after the file was dropped")
		if err == nil && key != "" {
			t.removeRemote(sessionID, key)
		}
		return
	}

	if err != nil || key == "" {
		ent.status = StatusFailed
		t.mu.Unlock()
		t.metrics.Upload("failed")
		t.logger.Warn().Err(err).
			Str("session_id", sessionID).
			Str("file", ent.file.Name).
			Msg("attachment upload failed")
		return
	}

	ent.status = StatusUploaded
	ent.key = key
	att := ent.attachment()
	cb := t.onUploaded
	t.mu.Unlock()

	t.metrics.Upload("ok")
	t.logger.Debug().
		Str("session_id", sessionID).
		Str("file", ent.file.Name).
		Str("key", key).
		Msg("attachment uploaded")
	if cb != nil {
		cb(ent.file.ID, att)
	}
}

// Remove drops a file. It reports whether the file was tracked.
func (t *Tracker) Remove(fileID string) bool {
	t.mu.Lock()
	ent, ok := t.entries[fileID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.entries, fileID)
	for i, id := range t.order {
		if id == fileID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	sessionID := t.sessionID
	t.mu.Unlock()

	t.discard(sessionID, []*entry{ent})
	return true
}

// Drain returns the uploaded attachments in insertion order and empties the
// tracker. Files still uploading are dropped.
func (t *Tracker) Drain() []chat.Attachment {
	t.mu.Lock()
	all := t.takeAllLocked()
	t.mu.Unlock()

	var out []chat.Attachment
	for _, ent := range all {
		switch ent.status {
		case StatusUploaded:
			out = append(out, ent.attachment())
		case StatusUploading:
			ent.cancel()
		}
	}
	return out
}

// Await blocks until every in-flight upload has settled or ctx is done.
func (t *Tracker) Await(ctx context.Context) error {
	t.mu.Lock()
	var pending []chan struct{}
	for _, ent := range t.entries {
		if ent.status == StatusUploading {
			pending = append(pending, ent.done)
		}
	}
	t.mu.Unlock()

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "await attachment uploads")
		}
	}
	return nil
}

// List reports every tracked file in insertion order.
func (t *Tracker) List() []Upload {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Upload, 0, len(t.order))
	for _, id := range t.order {
		ent := t.entries[id]
		out = append(out, Upload{
			FileID:      ent.file.ID,
			FileName:    ent.file.Name,
			ContentType: ent.file.ContentType,
			Size:        len(ent.file.Data),
			Status:      ent.status,
			Key:         ent.key,
		})
	}
	return out
}

func (t *Tracker) takeAllLocked() []*entry {
	all := make([]*entry, 0, len(t.order))
	for _, id := range t.order {
		all = append(all, t.entries[id])
	}
	t.entries = make(map[string]*entry)
	t.order = nil
	return all
}

// discard releases entries that will never be sent.
func (t *Tracker) discard(sessionID string, entries []*entry) {
	for _, ent := range entries {
		switch ent.status {
		case StatusUploading:
			ent.cancel()
		case StatusUploaded:
			t.removeRemote(sessionID, ent.key)
		}
	}
}

func (t *Tracker) removeRemote(sessionID, key string) {
	if sessionID == "" || key == "" {
		return
	}
	go func() {
		if err := t.uploader.RemoveAttachment(context.Background(), sessionID, key); err != nil {
			t.logger.Warn().Err(err).
				Str("session_id", sessionID).
				Str("key", key).
				Msg("remove attachment failed")
		}
	}()
}

// DataURL inlines data as a base64 data URL.
func DataURL(contentType string, data []byte) string {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
