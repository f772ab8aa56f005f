package ai

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhouzirui/z-tavern/assistant/internal/model/chat"
	"github.com/zhouzirui/z-tavern/assistant/internal/service/attachment"
)

var ErrAttachmentNotFound = errors.New("attachment not found")

type storedFile struct {
	name        string
	contentType string
	data        []byte
}

type sessionData struct {
	messages []chat.Message
	files    map[string]storedFile
}

// Store keeps per-session transcripts and uploaded files in memory. Each
// Drop advances the session's epoch so writes started before it are refused.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionData
	epochs   map[string]uint64
}

// NewStore bootstraps an empty in-memory store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*sessionData),
		epochs:   make(map[string]uint64),
	}
}

func (s *Store) sessionLocked(id string) *sessionData {
	sd, ok := s.sessions[id]
	if !ok {
		sd = &sessionData{
			messages: make([]chat.Message, 0, 16),
			files:    make(map[string]storedFile),
		}
		s.sessions[id] = sd
	}
	return sd
}

// Epoch returns how many times the session has been dropped.
func (s *Store) Epoch(sessionID string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epochs[sessionID]
}

// AppendAt adds messages to a session, creating it on first use, but only
// if the session has not been dropped since epoch was read. It reports
// whether the messages were stored.
func (s *Store) AppendAt(sessionID string, epoch uint64, messages ...chat.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epochs[sessionID] != epoch {
		return false
	}
	sd := s.sessionLocked(sessionID)
	for _, msg := range messages {
		sd.messages = append(sd.messages, msg.Clone())
	}
	return true
}

// Transcript returns a copy of the stored messages; unknown sessions are empty.
func (s *Store) Transcript(sessionID string) []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sd, ok := s.sessions[sessionID]
	if !ok {
		return []chat.Message{}
	}
	return chat.CloneMessages(sd.messages)
}

// PutFile stores data and returns its key.
func (s *Store) PutFile(sessionID string, file attachment.File) string {
	key := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionLocked(sessionID).files[key] = storedFile{
		name:        file.Name,
		contentType: file.ContentType,
		data:        append([]byte(nil), file.Data...),
	}
	return key
}

func (s *Store) file(sessionID, key string) (storedFile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sd, ok := s.sessions[sessionID]
	if !ok {
		return storedFile{}, false
	}
	f, ok := sd.files[key]
	return f, ok
}

// RemoveFile deletes one file.
func (s *Store) RemoveFile(sessionID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.sessions[sessionID]
	if !ok {
		return ErrAttachmentNotFound
	}
	if _, ok := sd.files[key]; !ok {
		return ErrAttachmentNotFound
	}
	delete(sd.files, key)
	return nil
}

// Drop forgets a session entirely. It is a no-op for unknown sessions.
func (s *Store) Drop(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.epochs[sessionID]++
	s.mu.Unlock()
}
