package apiserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/multi-agent/agent-relay/internal/runner"
	apperrors "github.com/multi-agent/agent-relay/pkg/errors"
	"github.com/multi-agent/agent-relay/pkg/logger"
	"github.com/multi-agent/agent-relay/pkg/util"
)

const (
	maxConnections = 16
	maxMessageSize = 64 << 10
	connOutboxSize = 512
)

// 事件类型。
const (
	EventStdout       = "stdout"
	EventStderr       = "stderr"
	EventExit         = "exit"
	EventError        = "error"
	EventTokenChanged = "token_changed"
)

// Event /ws 推送的一条事件。
type Event struct {
	Type         string         `json:"type"`
	InvocationID string         `json:"invocation_id,omitempty"`
	Data         string         `json:"data,omitempty"`
	Code         string         `json:"code,omitempty"`
	Result       *runner.Result `json:"result,omitempty"`
	Ts           int64          `json:"ts"`
}

// ========================================
// connEntry — 单个 WebSocket 连接
// ========================================

// connEntry WebSocket 连接 + 发送队列 (gorilla/websocket 不支持并发写)。
type connEntry struct {
	ws        *websocket.Conn
	wrMu      sync.Mutex
	outbox    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newConnEntry(ws *websocket.Conn) *connEntry {
	return &connEntry{
		ws:      ws,
		outbox:  make(chan []byte, connOutboxSize),
		closeCh: make(chan struct{}),
	}
}

func (c *connEntry) writeMsg(data []byte) error {
	c.wrMu.Lock()
	defer c.wrMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// enqueue 非阻塞入队, 队列满或已关闭返回 false。
func (c *connEntry) enqueue(data []byte) bool {
	select {
	case <-c.closeCh:
		return false
	default:
	}
	select {
	case c.outbox <- data:
		return true
	default:
		return false
	}
}

func (c *connEntry) closeNow() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		_ = c.ws.Close()
	})
}

func (c *connEntry) writeLoop() error {
	for {
		select {
		case <-c.closeCh:
			return nil
		case data := <-c.outbox:
			if err := c.writeMsg(data); err != nil {
				return err
			}
		}
	}
}

// checkLocalOrigin 仅允许 localhost 来源的 WebSocket 连接。
//
// 接受: 无 Origin header (本地工具), localhost, 127.0.0.1, [::1]。
func checkLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	origin = strings.ToLower(origin)
	for _, allowed := range []string{
		"http://localhost", "https://localhost",
		"http://127.0.0.1", "https://127.0.0.1",
		"http://[::1]", "https://[::1]",
	} {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	logger.Warn("apiserver: rejected non-local origin", logger.FieldOrigin, origin)
	return false
}

// ========================================
// Hub — 广播 supervisor 事件
// ========================================

// Hub 把 supervisor 回调广播给所有 /ws 连接, 实现 runner.Observer。
// 回调不阻塞: 发送队列满的连接被断开。
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*connEntry
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewHub 创建 Hub。
func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]*connEntry),
		upgrader: websocket.Upgrader{
			CheckOrigin: checkLocalOrigin,
		},
		now: time.Now,
	}
}

// Clients 当前连接数。
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ServeWS 升级连接并保持到客户端断开。客户端发来的消息被丢弃。
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.Clients() >= maxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		logger.Warn("apiserver: connection rejected (max reached)", logger.FieldMax, maxConnections)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("apiserver: upgrade failed", logger.FieldError, err)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	connID := uuid.NewString()
	entry := newConnEntry(ws)
	h.mu.Lock()
	h.conns[connID] = entry
	h.mu.Unlock()
	util.SafeGo("apiserver.ws", func() {
		if err := entry.writeLoop(); err != nil {
			logger.Debug("apiserver: write loop ended", logger.FieldConn, connID, logger.FieldError, err)
			h.drop(connID)
		}
	}, func(any) { h.drop(connID) })
	logger.Info("apiserver: ws client connected", logger.FieldConn, connID, logger.FieldRemote, r.RemoteAddr)

	defer func() {
		h.drop(connID)
		logger.Info("apiserver: ws client disconnected", logger.FieldConn, connID)
	}()
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(connID string) {
	h.mu.Lock()
	entry, ok := h.conns[connID]
	delete(h.conns, connID)
	h.mu.Unlock()
	if ok {
		entry.closeNow()
	}
}

// CloseAll 断开所有连接。
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*connEntry)
	h.mu.Unlock()
	for _, c := range conns {
		c.closeNow()
	}
}

// Broadcast 推送事件给所有连接。
func (h *Hub) Broadcast(ev Event) {
	if ev.Ts == 0 {
		ev.Ts = h.now().UnixMilli()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error("apiserver: marshal event failed", logger.FieldEventType, ev.Type, logger.FieldError, err)
		return
	}

	h.mu.RLock()
	var slow []string
	for id, c := range h.conns {
		if !c.enqueue(data) {
			slow = append(slow, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range slow {
		logger.Warn("apiserver: ws outbox full, disconnecting", logger.FieldConn, id)
		h.drop(id)
	}
}

func (h *Hub) OnStdout(invocationID string, chunk []byte) {
	h.Broadcast(Event{Type: EventStdout, InvocationID: invocationID, Data: string(chunk)})
}

func (h *Hub) OnStderr(invocationID string, chunk []byte) {
	h.Broadcast(Event{Type: EventStderr, InvocationID: invocationID, Data: string(chunk)})
}

func (h *Hub) OnExit(res runner.Result) {
	h.Broadcast(Event{Type: EventExit, InvocationID: res.InvocationID, Result: &res})
}

func (h *Hub) OnError(invocationID string, err error) {
	h.Broadcast(Event{Type: EventError, InvocationID: invocationID, Data: err.Error(), Code: apperrors.CodeOf(err)})
}

func (h *Hub) OnTokenChanged(token string) {
	h.Broadcast(Event{Type: EventTokenChanged, Data: token})
}

var _ runner.Observer = (*Hub)(nil)
