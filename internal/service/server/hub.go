package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"lxmf_group/internal/protocol/event"
	"lxmf_group/internal/utils/log"
)

const (
	clientBuffer = 32
	writeWait    = 10 * time.Second
)

type (
	// Hub streams dispatcher events to websocket clients. A client that
	// falls behind loses events rather than stalling the relay.
	Hub struct {
		mu      sync.Mutex
		clients map[*websocket.Conn]chan []byte
		closed  bool
	}
)

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

func (h *Hub) Attach(events *event.Dispatcher) {
	events.SubscribeAll(h.Broadcast)
}

func (h *Hub) Broadcast(e event.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Error("Marshal event failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- data:
		default:
			log.Debug("Event client too slow, dropping event", zap.String("remote", conn.RemoteAddr().String()))
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn, ch := range h.clients {
		close(ch)
		delete(h.clients, conn)
	}
}

func (h *Hub) HandleWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("Upgrade event stream failed", zap.Error(err))
			return
		}

		ch := make(chan []byte, clientBuffer)
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			conn.Close()
			return
		}
		h.clients[conn] = ch
		h.mu.Unlock()

		go h.write(conn, ch)
		h.read(conn)
	}
}

func (h *Hub) write(conn *websocket.Conn, ch chan []byte) {
	for data := range ch {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug("Write event failed", zap.Error(err))
			break
		}
	}
	conn.Close()
}

// read drains the connection until the client goes away.
func (h *Hub) read(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			log.Debug("event web socket closed", zap.Error(err))
			h.remove(conn)
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
}
