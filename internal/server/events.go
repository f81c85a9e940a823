package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/John-Robertt/bilictx/internal/domain"
	"github.com/John-Robertt/bilictx/internal/logx"
)

const (
	// clientBuffer 是单个订阅者的待发送事件上限；写满后丢弃新事件。
	clientBuffer = 64
	writeWait    = 5 * time.Second
	pingPeriod   = 30 * time.Second
)

// Event 是推送给 /api/events 订阅者的一条流水线事件。
type Event struct {
	Type      string         `json:"type"` // start | phase | done
	RequestID string         `json:"requestId,omitempty"`
	BVID      string         `json:"bvid,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	DurMS     int64          `json:"durMs"`
	OK        *bool          `json:"ok,omitempty"`
	Error     string         `json:"error,omitempty"`
	LLMUsed   *bool          `json:"llmUsed,omitempty"`
	Time      time.Time      `json:"time"`
}

// Hub 把流水线事件广播给所有 websocket 订阅者，并实现 pipeline.Observer。
//
// 约束：
// - 发布永不阻塞：慢订阅者只会丢事件，不会拖慢流水线
// - Close 后新的订阅会被拒绝
type Hub struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
	closed  bool

	logger   *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewHub 创建空的 Hub。
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[chan []byte]struct{}),
		logger:  logx.OrDiscard(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// 与 CORS 策略一致：任意来源都可订阅。
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

func (h *Hub) OnStart(reqID string, id domain.BVID) {
	h.publish(Event{Type: "start", RequestID: reqID, BVID: string(id)})
}

func (h *Hub) OnPhaseDone(reqID, name string, fields map[string]any, dur time.Duration) {
	h.publish(Event{Type: "phase", RequestID: reqID, Phase: name, Fields: fields, DurMS: dur.Milliseconds()})
}

func (h *Hub) OnDone(reqID string, res *domain.VideoContext, err error, dur time.Duration) {
	ok := err == nil
	ev := Event{Type: "done", RequestID: reqID, DurMS: dur.Milliseconds(), OK: &ok}
	if err != nil {
		ev.Error = err.Error()
	}
	if res != nil {
		used := res.Source.LLMUsed
		ev.BVID = string(res.Source.BVID)
		ev.LLMUsed = &used
	}
	h.publish(ev)
}

// Subscribers 返回当前订阅者数量。
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close 断开所有订阅者。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.clients {
		close(ch)
		delete(h.clients, ch)
	}
}

func (h *Hub) publish(ev Event) {
	ev.Time = h.now().UTC()
	b, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("event marshal failed", "type", ev.Type, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- b:
		default:
			h.logger.Debug("event dropped for slow subscriber", "type", ev.Type)
		}
	}
}

func (h *Hub) subscribe() (chan []byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("hub closed")
	}
	ch := make(chan []byte, clientBuffer)
	h.clients[ch] = struct{}{}
	return ch, nil
}

func (h *Hub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

func (h *Hub) handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已写出错误响应。
		h.logger.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ch, err := h.subscribe()
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		return
	}
	defer h.unsubscribe(ch)

	// 读循环只用于感知对端关闭；订阅者发来的消息一律丢弃。
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case b, ok := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
