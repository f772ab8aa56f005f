package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/assistant/internal/logging"
	"github.com/zhouzirui/z-tavern/assistant/internal/metrics"
	"github.com/zhouzirui/z-tavern/assistant/internal/model/voice"
)

// State of the bridge.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateListening  State = "listening"
)

var (
	ErrAlreadyConnected = errors.New("voice session is already active")
	ErrDisconnected     = errors.New("voice session was disconnected")
)

// successOutput is the only outcome the protocol defines for a tool call.
const successOutput = `{"success":true}`

const callQueueSize = 32

type eventHandler func(conn *connection, data []byte)

// Option configures a Bridge.
type Option func(*Bridge)

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithModalities overrides the modalities sent in session.update.
func WithModalities(modalities ...string) Option {
	return func(b *Bridge) { b.modalities = modalities }
}

// Bridge drives one realtime voice session at a time over a WebRTC peer
// and executes the tool calls the remote model requests.
type Bridge struct {
	tokens     TokenSource
	signaler   Signaler
	peers      PeerFactory
	registry   *Registry
	modalities []string
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	handlers   map[string]eventHandler

	mu            sync.Mutex
	state         State
	gen           uint64
	conn          *connection
	cancelConnect context.CancelFunc
}

// NewBridge builds an idle bridge. The dispatch table is fixed here.
func NewBridge(tokens TokenSource, signaler Signaler, peers PeerFactory, registry *Registry, opts ...Option) *Bridge {
	b := &Bridge{
		tokens:     tokens,
		signaler:   signaler,
		peers:      peers,
		registry:   registry,
		modalities: voice.DefaultModalities,
		state:      StateIdle,
		logger:     logging.Component("voice"),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.handlers = map[string]eventHandler{
		voice.EventFunctionCallArgumentsDone: b.handleFunctionCall,
	}
	return b
}

// State reports the bridge state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Connect negotiates a new realtime session and returns once the answer
// has been applied. Any failure closes the peer and leaves the bridge idle.
func (b *Bridge) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	b.mu.Lock()
	if b.state != StateIdle {
		b.mu.Unlock()
		cancel()
		return ErrAlreadyConnected
	}
	b.gen++
	gen := b.gen
	b.state = StateConnecting
	b.cancelConnect = cancel
	b.mu.Unlock()

	conn, err := b.negotiate(ctx, gen)
	if err != nil {
		return b.fail(gen, conn, cancel, err)
	}

	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		cancel()
		conn.close()
		b.metrics.VoiceConnect("aborted")
		return ErrDisconnected
	}
	b.conn = conn
	b.state = StateListening
	b.cancelConnect = nil
	b.mu.Unlock()
	cancel()

	b.metrics.VoiceConnect("ok")
	b.logger.Info().Uint64("connection", gen).Msg("voice session listening")
	return nil
}

func (b *Bridge) negotiate(ctx context.Context, gen uint64) (*connection, error) {
	token, err := b.tokens.EphemeralToken(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "request ephemeral token")
	}

	peer, err := b.peers.NewPeer(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "create peer connection")
	}
	conn := newConnection(b, gen, peer)

	if err := peer.AttachMicrophone(); err != nil {
		return conn, errors.Wrap(err, "attach microphone")
	}

	ch, err := peer.OpenChannel(EventsChannelLabel, ChannelHandlers{
		OnOpen:    conn.onOpen,
		OnMessage: conn.onMessage,
		OnClose:   func() { b.connectionLost(conn) },
	})
	if err != nil {
		return conn, errors.Wrap(err, "open events channel")
	}
	conn.setChannel(ch)

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		return conn, errors.Wrap(err, "create offer")
	}

	answer, err := b.signaler.Exchange(ctx, token, offer)
	if err != nil {
		return conn, errors.Wrap(err, "exchange sdp")
	}

	if err := peer.SetAnswer(answer); err != nil {
		return conn, errors.Wrap(err, "apply answer")
	}
	return conn, nil
}

func (b *Bridge) fail(gen uint64, conn *connection, cancel context.CancelFunc, err error) error {
	cancel()
	if conn != nil {
		conn.close()
	}

	b.mu.Lock()
	if b.gen == gen {
		b.state = StateIdle
		b.cancelConnect = nil
	}
	b.mu.Unlock()

	b.metrics.VoiceConnect("failed")
	b.logger.Warn().Err(err).Msg("voice connect failed")
	return err
}

// Disconnect tears down the active or in-progress session. It is a no-op
// when idle and safe to call repeatedly.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	if b.state == StateIdle {
		b.mu.Unlock()
		return
	}
	b.gen++
	conn, cancel := b.conn, b.cancelConnect
	b.conn, b.cancelConnect = nil, nil
	b.state = StateIdle
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.close()
	}
	b.logger.Info().Msg("voice session disconnected")
}

func (b *Bridge) connectionLost(conn *connection) {
	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.gen++
	b.conn = nil
	b.state = StateIdle
	b.mu.Unlock()

	conn.close()
	b.logger.Warn().Uint64("connection", conn.gen).Msg("events channel closed by remote")
}

func (b *Bridge) sessionUpdate() voice.SessionUpdate {
	return voice.SessionUpdate{
		Type: voice.EventSessionUpdate,
		Session: voice.SessionConfig{
			Modalities: b.modalities,
			Tools:      b.registry.Definitions(),
		},
	}
}

func (b *Bridge) dispatch(conn *connection, data []byte) {
	var env voice.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Debug().Err(err).Msg("ignoring malformed event")
		return
	}
	handler, ok := b.handlers[env.Type]
	if !ok {
		return
	}
	handler(conn, data)
}

func (b *Bridge) handleFunctionCall(conn *connection, data []byte) {
	call, ok := decodeFunctionCall(data)
	if !ok {
		b.logger.Warn().Msg("function call event without call_id")
		return
	}
	conn.enqueue(call)
}

// decodeFunctionCall reads each field on its own so a malformed name or
// arguments value still yields a call that can be answered. Arguments may
// be a JSON string holding an object or an inline object.
func decodeFunctionCall(data []byte) (voice.FunctionCallArgumentsDone, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return voice.FunctionCallArgumentsDone{}, false
	}

	call := voice.FunctionCallArgumentsDone{Type: voice.EventFunctionCallArgumentsDone}
	_ = json.Unmarshal(fields["call_id"], &call.CallID)
	_ = json.Unmarshal(fields["name"], &call.Name)
	if call.CallID == "" {
		return call, false
	}

	raw := bytes.TrimSpace(fields["arguments"])
	switch {
	case len(raw) == 0:
	case raw[0] == '"':
		_ = json.Unmarshal(raw, &call.Arguments)
	default:
		call.Arguments = string(raw)
	}
	return call, true
}

// execute runs one tool call and always answers it exactly once.
func (b *Bridge) execute(ctx context.Context, conn *connection, call voice.FunctionCallArgumentsDone) {
	logger := b.logger.With().Str("call_id", call.CallID).Str("tool", call.Name).Logger()
	args := ParseArguments(call.Arguments)

	fn, ok := b.registry.Lookup(call.Name)
	switch {
	case !ok:
		b.metrics.ToolCall("unknown")
		logger.Warn().Msg("unknown tool requested")
	default:
		if err := runTool(ctx, fn, args); err != nil {
			b.metrics.ToolCall("failed")
			logger.Warn().Err(err).Msg("tool failed")
		} else {
			b.metrics.ToolCall("executed")
			logger.Debug().Msg("tool executed")
		}
	}

	if err := conn.send(voice.NewFunctionCallOutput(call.CallID, successOutput)); err != nil {
		logger.Warn().Err(err).Msg("send function call output failed")
	}
}

func runTool(ctx context.Context, fn voice.ToolFunction, args map[string]any) (err error) {
	if fn.Execute == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("tool panicked: %v", r)
		}
	}()
	return fn.Execute(ctx, args)
}

// ParseArguments decodes a JSON object. Absent, invalid or non-object
// input yields an empty map.
func ParseArguments(raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil || decoded == nil {
		return args
	}
	return decoded
}

// connection is the state of one negotiated peer. Tool calls are executed
// on its own worker so the transport's read loop never blocks on a tool and
// replies keep call order.
type connection struct {
	bridge *Bridge
	gen    uint64
	peer   Peer

	mu       sync.Mutex
	channel  Channel
	openOnce sync.Once

	calls     chan voice.FunctionCallArgumentsDone
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(b *Bridge, gen uint64, peer Peer) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		bridge: b,
		gen:    gen,
		peer:   peer,
		calls:  make(chan voice.FunctionCallArgumentsDone, callQueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.work()
	return c
}

func (c *connection) setChannel(ch Channel) {
	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()
}

func (c *connection) onOpen() {
	c.openOnce.Do(func() {
		if err := c.send(c.bridge.sessionUpdate()); err != nil {
			c.bridge.logger.Warn().Err(err).Msg("send session.update failed")
			return
		}
		c.bridge.logger.Debug().Int("tools", len(c.bridge.registry.Definitions())).Msg("tools advertised")
	})
}

func (c *connection) onMessage(data []byte) {
	if c.ctx.Err() != nil {
		c.bridge.metrics.Stale("voice")
		return
	}
	c.bridge.dispatch(c, data)
}

// enqueue never blocks the transport. When the queue is full the call is
// answered immediately without running the tool.
func (c *connection) enqueue(call voice.FunctionCallArgumentsDone) {
	if c.ctx.Err() != nil {
		c.bridge.metrics.Stale("voice")
		return
	}
	select {
	case c.calls <- call:
	default:
		c.bridge.metrics.ToolCall("overflow")
		c.bridge.logger.Warn().Str("call_id", call.CallID).Str("tool", call.Name).Msg("tool queue full, call answered without running")
		if err := c.send(voice.NewFunctionCallOutput(call.CallID, successOutput)); err != nil {
			c.bridge.logger.Warn().Err(err).Msg("send function call output failed")
		}
	}
}

func (c *connection) work() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case call := <-c.calls:
			c.bridge.execute(c.ctx, c, call)
		}
	}
}

func (c *connection) send(event any) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return errors.New("events channel not open")
	}
	if c.ctx.Err() != nil {
		return ErrDisconnected
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	return ch.Send(payload)
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if err := c.peer.Close(); err != nil {
			c.bridge.logger.Debug().Err(err).Msg("close peer")
		}
	})
}
