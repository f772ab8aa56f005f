package chat

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/assistant/internal/logging"
	"github.com/zhouzirui/z-tavern/assistant/internal/metrics"
	"github.com/zhouzirui/z-tavern/assistant/internal/model/chat"
	"github.com/zhouzirui/z-tavern/assistant/internal/service/attachment"
	"github.com/zhouzirui/z-tavern/assistant/internal/service/stream"
)

var (
	ErrBusy         = errors.New("a message is already being submitted")
	ErrNotReady     = errors.New("no session is ready")
	ErrSuperseded   = errors.New("session was superseded or closed")
	ErrEmptyMessage = errors.New("message is empty")
)

// Turn tracks one submitted message until its stream ends.
type Turn struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newTurn() *Turn {
	return &Turn{done: make(chan struct{})}
}

func (t *Turn) finish(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Done is closed when the turn completes, fails or is superseded.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Err is the terminal error of the turn. Only valid after Done is closed.
func (t *Turn) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the turn ends or ctx is done.
func (t *Turn) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type sessionHandle struct {
	session   chat.Session
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Manager.
type Option func(*Manager)

// WithAwaitPending makes Submit wait for in-flight uploads instead of
// dropping them from the message.
func WithAwaitPending(await bool) Option {
	return func(m *Manager) { m.awaitPending = await }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithOptions sets the initial completion options.
func WithOptions(opts chat.Options) Option {
	return func(m *Manager) { m.opts = opts }
}

// Manager owns the single active conversation. Every asynchronous result
// (history load, stream token, stream end) carries the generation it was
// issued for and is dropped once the generation has moved on.
type Manager struct {
	backend      Backend
	tracker      *attachment.Tracker
	metrics      *metrics.Metrics
	awaitPending bool
	logger       zerolog.Logger

	mu           sync.Mutex
	gen          uint64
	state        chat.State
	session      *sessionHandle
	agg          *stream.Aggregator
	opts         chat.Options
	turn         *Turn
	cancelStream context.CancelFunc

	// snapshots are queued under mu so subscribers see them in mutation order
	qmu      sync.Mutex
	queue    []chat.Snapshot
	flushing bool
	subs     map[int]func(chat.Snapshot)
	nextSub  int
}

// NewManager wires a manager to backend. tracker must upload through the same backend.
func NewManager(backend Backend, tracker *attachment.Tracker, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		tracker: tracker,
		state:   chat.StateIdle,
		subs:    make(map[int]func(chat.Snapshot)),
		logger:  logging.Component("session"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Tracker exposes the attachment tracker bound to the active session.
func (m *Manager) Tracker() *attachment.Tracker {
	return m.tracker
}

// Start makes id the active session, generating one when empty. The
// previous session is closed in the background and its stream aborted.
// A history load failure leaves the session ready with an empty list.
func (m *Manager) Start(ctx context.Context, id string) (chat.Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	h := &sessionHandle{session: chat.Session{
		ID:        id,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}}

	m.mu.Lock()
	prev := m.session
	prevTurn, prevCancel := m.turn, m.cancelStream
	m.gen++
	gen := m.gen
	m.session = h
	m.agg = stream.NewAggregator(id)
	m.turn, m.cancelStream = nil, nil
	m.state = chat.StateLoading
	m.tracker.Reset(id)
	m.enqueueLocked()
	m.mu.Unlock()
	m.flush()

	m.supersede(prevTurn, prevCancel)
	if prev != nil && prev.session.ID != id {
		go func() {
			_ = m.closeHandle(context.Background(), prev)
		}()
	}
	m.metrics.SessionStarted()
	m.logger.Info().Str("session_id", id).Msg("session started")

	history, err := m.backend.History(ctx, id)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		m.metrics.Stale("history")
		m.logger.Debug().Str("session_id", id).Msg("history arrived for superseded session")
		return h.session, ErrSuperseded
	}
	m.agg.Replace(history)
	m.state = chat.StateReady
	m.enqueueLocked()
	m.mu.Unlock()
	m.flush()

	if err != nil {
		m.logger.Warn().Err(err).Str("session_id", id).Msg("load history failed")
		return h.session, errors.Wrapf(err, "load history for %s", id)
	}
	return h.session, nil
}

// Submit sends text with the drained attachments and streams the reply in
// the background. It fails with ErrBusy while a turn is streaming.
func (m *Manager) Submit(ctx context.Context, text string) (*Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	m.mu.Lock()
	switch {
	case m.state == chat.StateSubmitting:
		m.mu.Unlock()
		return nil, ErrBusy
	case m.state != chat.StateReady:
		m.mu.Unlock()
		return nil, ErrNotReady
	}
	gen := m.gen
	sessionID := m.session.session.ID
	turn := newTurn()
	m.turn = turn
	m.state = chat.StateSubmitting
	m.enqueueLocked()
	m.mu.Unlock()
	m.flush()

	if m.awaitPending {
		if err := m.tracker.Await(ctx); err != nil {
			m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("stopped waiting for uploads")
		}
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		cancel()
		return nil, ErrSuperseded
	}
	atts := m.tracker.Drain()
	if err := m.agg.Begin(text, atts); err != nil {
		m.mu.Unlock()
		cancel()
		m.finishTurn(gen, turn, err)
		return nil, err
	}
	m.cancelStream = cancel
	opts := m.opts
	m.enqueueLocked()
	m.mu.Unlock()
	m.flush()

	m.logger.Debug().
		Str("session_id", sessionID).
		Int("attachments", len(atts)).
		Msg("submitting message")

	reader, err := m.backend.Stream(streamCtx, sessionID, chat.Prompt{Text: text, Attachments: atts}, opts)
	if err != nil {
		err = errors.Wrap(err, "open completion stream")
		m.finishTurn(gen, turn, err)
		return nil, err
	}

	go m.consume(gen, turn, reader)
	return turn, nil
}

func (m *Manager) consume(gen uint64, turn *Turn, reader *schema.StreamReader[string]) {
	defer reader.Close()

	for {
		token, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			m.finishTurn(gen, turn, nil)
			return
		}
		if err != nil {
			m.finishTurn(gen, turn, err)
			return
		}
		if !m.applyToken(gen, token) {
			return
		}
	}
}

func (m *Manager) applyToken(gen uint64, token string) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		m.metrics.Stale("stream")
		return false
	}
	if token == "" {
		m.mu.Unlock()
		return true
	}
	if _, err := m.agg.Append(token); err != nil {
		m.mu.Unlock()
		return false
	}
	m.enqueueLocked()
	m.mu.Unlock()

	m.metrics.TokenApplied()
	m.flush()
	return true
}

func (m *Manager) finishTurn(gen uint64, turn *Turn, err error) {
	m.mu.Lock()
	if m.gen != gen || m.turn != turn {
		m.mu.Unlock()
		m.metrics.Stale("stream")
		return
	}
	if err != nil {
		m.agg.Fail()
	} else {
		m.agg.Complete()
	}
	if m.cancelStream != nil {
		m.cancelStream()
	}
	m.turn, m.cancelStream = nil, nil
	m.state = chat.StateReady
	sessionID := m.session.session.ID
	m.enqueueLocked()
	m.mu.Unlock()
	m.flush()

	if err != nil {
		m.metrics.StreamFailed()
		m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("completion stream failed")
	}
	turn.finish(err)
}

// Close tears down the active session. Calling it with no session, or
// again after it returned, is a no-op.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	h := m.session
	if h == nil {
		m.mu.Unlock()
		return nil
	}
	turn, cancel := m.turn, m.cancelStream
	m.gen++
	gen := m.gen
	m.turn, m.cancelStream = nil, nil
	m.state = chat.StateClosing
	m.tracker.Reset("")
	m.enqueueLocked()
	m.mu.Unlock()
	m.flush()

	m.supersede(turn, cancel)
	err := m.closeHandle(ctx, h)

	m.mu.Lock()
	if m.gen == gen {
		m.session = nil
		m.agg = nil
		m.state = chat.StateIdle
		m.enqueueLocked()
	}
	m.mu.Unlock()
	m.flush()
	return err
}

func (m *Manager) supersede(turn *Turn, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if turn != nil {
		turn.finish(ErrSuperseded)
	}
}

// closeHandle calls CloseChat at most once per started session.
func (m *Manager) closeHandle(ctx context.Context, h *sessionHandle) error {
	h.closeOnce.Do(func() {
		id := h.session.ID
		if err := m.backend.CloseChat(ctx, id); err != nil {
			h.closeErr = errors.Wrapf(err, "close session %s", id)
			m.logger.Warn().Err(err).Str("session_id", id).Msg("close session failed")
			return
		}
		m.metrics.SessionClosed()
		m.logger.Info().Str("session_id", id).Msg("session closed")
	})
	return h.closeErr
}

// SetOptions replaces the options sent with subsequent turns.
func (m *Manager) SetOptions(opts chat.Options) {
	m.mu.Lock()
	m.opts = opts
	m.mu.Unlock()
}

func (m *Manager) Options() chat.Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts
}

// Snapshot returns the current view of the conversation.
func (m *Manager) Snapshot() chat.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() chat.Snapshot {
	snap := chat.Snapshot{State: m.state, Messages: []chat.Message{}}
	if m.session != nil {
		snap.Session = m.session.session
		snap.Session.Active = m.state != chat.StateClosing
	}
	if m.agg != nil {
		snap.Messages = m.agg.Messages()
		snap.Waiting = m.agg.Waiting()
	}
	return snap
}

// Subscribe registers fn for every state change. Callbacks run one at a
// time in mutation order and may call back into the manager.
func (m *Manager) Subscribe(fn func(chat.Snapshot)) (unsubscribe func()) {
	m.qmu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.qmu.Unlock()

	return func() {
		m.qmu.Lock()
		delete(m.subs, id)
		m.qmu.Unlock()
	}
}

func (m *Manager) enqueueLocked() {
	snap := m.snapshotLocked()
	m.qmu.Lock()
	if len(m.subs) > 0 {
		m.queue = append(m.queue, snap)
	}
	m.qmu.Unlock()
}

// flush delivers queued snapshots unless another goroutine is already doing so.
func (m *Manager) flush() {
	m.qmu.Lock()
	if m.flushing {
		m.qmu.Unlock()
		return
	}
	m.flushing = true
	for len(m.queue) > 0 {
		snap := m.queue[0]
		m.queue = m.queue[1:]
		subs := make([]func(chat.Snapshot), 0, len(m.subs))
		for _, fn := range m.subs {
			subs = append(subs, fn)
		}
		m.qmu.Unlock()

		for _, fn := range subs {
			fn(snap)
		}

		m.qmu.Lock()
	}
	m.flushing = false
	m.qmu.Unlock()
}
