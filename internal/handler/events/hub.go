package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-tavern/assistant/internal/logging"
)

// 推送给前端的事件类型
const (
	TypeSnapshot   = "snapshot"
	TypeVoice      = "voice"
	TypeAttachment = "attachment"
)

// Event 推送帧
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Options 连接参数
type Options struct {
	SendBuffer   int           // 每个连接的待发送队列长度
	WriteTimeout time.Duration // 写超时
	PongTimeout  time.Duration // 等待 pong 的时间
	PingInterval time.Duration // ping 间隔，需小于 PongTimeout
}

// DefaultOptions 默认连接参数
func DefaultOptions() Options {
	return Options{
		SendBuffer:   64,
		WriteTimeout: 10 * time.Second,
		PongTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

type client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub WebSocket 推送中心：每个 UI 连接一个写协程，慢连接直接断开
type Hub struct {
	upgrader websocket.Upgrader
	opts     Options
	initial  func() Event
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub 创建推送中心，initial 为新连接建立后立即发送的事件
func NewHub(initial func() Event, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultOptions().SendBuffer
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		opts:    opts,
		initial: initial,
		logger:  logging.Component("events"),
		clients: make(map[string]*client),
	}
}

// ServeHTTP 升级连接并注册
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.opts.SendBuffer),
		done: make(chan struct{}),
	}

	if h.initial != nil {
		if data, err := json.Marshal(h.initial()); err == nil {
			c.send <- data
		}
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Debug().Str("client", c.id).Msg("client connected")

	go h.writeLoop(c)
	h.readLoop(c)
}

// Publish 向所有连接广播
func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn().Err(err).Str("type", ev.Type).Msg("encode event failed")
		return
	}

	h.mu.RLock()
	var slow []*client
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("client", c.id).Msg("dropping slow client")
		h.remove(c)
	}
}

// Count 当前连接数
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll 关闭所有连接
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	c.close()
}

// readLoop 只处理控制帧，读失败即视为断开
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)

	if h.opts.PongTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
		})
	}

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("client", c.id).Msg("client read failed")
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	var ping <-chan time.Time
	if h.opts.PingInterval > 0 {
		ticker := time.NewTicker(h.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			h.setWriteDeadline(c)
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.remove(c)
				return
			}
		case <-ping:
			h.setWriteDeadline(c)
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

func (h *Hub) setWriteDeadline(c *client) {
	if h.opts.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
	}
}
