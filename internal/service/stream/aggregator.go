package stream

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zhouzirui/z-tavern/assistant/internal/model/chat"
)

var (
	ErrTurnOpen   = errors.New("a turn is already streaming")
	ErrNoOpenTurn = errors.New("no turn is streaming")
)

// Aggregator owns the message list of one session and folds a token
// sequence into the trailing assistant message. Tokens are applied in the
// order they are received; nothing is buffered or reordered.
type Aggregator struct {
	mu        sync.RWMutex
	sessionID string
	messages  []chat.Message
	open      bool
	now       func() time.Time
}

// NewAggregator creates an empty list for sessionID.
func NewAggregator(sessionID string) *Aggregator {
	return &Aggregator{
		sessionID: sessionID,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (a *Aggregator) SessionID() string {
	return a.sessionID
}

// Replace swaps the whole list for a freshly loaded history and closes any
// open turn.
func (a *Aggregator) Replace(history []chat.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = chat.CloneMessages(history)
	a.open = false
}

// Begin appends the user message and an empty assistant placeholder.
func (a *Aggregator) Begin(text string, attachments []chat.Attachment) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.open {
		return ErrTurnOpen
	}

	ts := a.now()
	user := chat.Message{
		Role:      chat.RoleUser,
		Content:   text,
		CreatedAt: ts,
	}
	if len(attachments) > 0 {
		user.Attachments = append([]chat.Attachment(nil), attachments...)
	}

	a.messages = append(a.messages, user, chat.Message{
		Role:      chat.RoleAssistant,
		CreatedAt: ts,
	})
	a.open = true
	return nil
}

// Append concatenates token onto the placeholder. It reports whether this
// was the first token of the turn.
func (a *Aggregator) Append(token string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.open {
		return false, ErrNoOpenTurn
	}
	last := &a.messages[len(a.messages)-1]
	first := last.Content == ""
	last.Content += token
	return first, nil
}

// Complete ends the open turn; the assistant content is frozen from here on.
func (a *Aggregator) Complete() {
	a.mu.Lock()
	a.open = false
	a.mu.Unlock()
}

// Fail ends the open turn after a stream error. Partial content stays.
func (a *Aggregator) Fail() {
	a.Complete()
}

// Open reports whether a turn is streaming.
func (a *Aggregator) Open() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.open
}

// Waiting is true while the open turn has produced no content yet.
func (a *Aggregator) Waiting() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.open && a.messages[len(a.messages)-1].Content == ""
}

// Messages returns a deep copy of the list.
func (a *Aggregator) Messages() []chat.Message {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return chat.CloneMessages(a.messages)
}

// Len is the number of messages in the list.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.messages)
}
