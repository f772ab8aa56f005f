package chat

import "time"

// Session captures one logical conversation on the client.
type Session struct {
	ID        string    `json:"id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// State is the lifecycle position of the session manager.
type State string

const (
	StateIdle       State = "idle"
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateSubmitting State = "submitting"
	StateClosing    State = "closing"
)

// Snapshot is an immutable view of the active conversation for rendering.
type Snapshot struct {
	Session  Session   `json:"session"`
	State    State     `json:"state"`
	Messages []Message `json:"messages"`
	// Waiting is set while the assistant placeholder has no content yet.
	Waiting bool `json:"waiting"`
}

// Working reports whether input should be disabled.
func (s Snapshot) Working() bool {
	return s.State == StateSubmitting || s.State == StateLoading
}
