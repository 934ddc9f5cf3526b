package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"command_center/internal/domain"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 50 * time.Second
)

type listener struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (l *listener) close() {
	l.once.Do(func() { close(l.send) })
}

// Hub fans bus events out to websocket listeners. A listener that cannot
// keep up is disconnected instead of slowing down the bus.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	listeners map[string]*listener
	unsubs    []func()
}

func NewHub(source Registry, logger *slog.Logger) *Hub {
	h := &Hub{
		logger: logger.With("component", "event_hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		listeners: make(map[string]*listener),
	}
	if source != nil {
		for _, evt := range domain.EventTypes() {
			h.unsubs = append(h.unsubs, source.OnEvent(evt, h.Publish))
		}
	}
	return h
}

// Publish encodes evt once and queues it for every listener.
func (h *Hub) Publish(evt domain.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("encode event", "event", evt.Type, "error", err)
		return
	}
	var slow []*listener
	h.mu.RLock()
	for _, l := range h.listeners {
		select {
		case l.send <- data:
		default:
			slow = append(slow, l)
		}
	}
	h.mu.RUnlock()
	for _, l := range slow {
		h.logger.Warn("event listener too slow, disconnecting", "listener_id", l.id)
		h.remove(l)
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Close detaches from the bus and disconnects every listener.
func (h *Hub) Close() {
	h.mu.Lock()
	unsubs := h.unsubs
	h.unsubs = nil
	listeners := h.listeners
	h.listeners = make(map[string]*listener)
	h.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, l := range listeners {
		l.close()
	}
}

// Serve upgrades the request and streams events until the client leaves.
// GET /events
func (h *Hub) Serve(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return nil
	}
	l := &listener{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.listeners[l.id] = l
	h.mu.Unlock()
	h.logger.Debug("event listener connected", "listener_id", l.id)

	go h.writePump(l)
	h.readPump(l)
	return nil
}

func (h *Hub) remove(l *listener) {
	h.mu.Lock()
	delete(h.listeners, l.id)
	h.mu.Unlock()
	l.close()
}

// readPump only services control frames; the stream is one-way.
func (h *Hub) readPump(l *listener) {
	defer h.remove(l)
	_ = l.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := l.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("event listener read failed", "listener_id", l.id, "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(l *listener) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = l.conn.Close()
	}()
	for {
		select {
		case data, ok := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
