// Package bus broadcasts one-way notifications to connected UI clients
// over WebSocket and routes their inbound action messages to a handler.
// Delivery is at most once: no client, no retry, no queue beyond the
// per-client buffer.
package bus

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// MessageHandler receives one inbound client message. data is the full
// message with the action field still present; reply sends a payload back
// to the originating client only.
type MessageHandler func(action string, data json.RawMessage, reply func(payload any))

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks connected clients and fans notifications out to all of them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	handler MessageHandler
}

func NewHub(handler MessageHandler) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		handler: handler,
	}
}

// ClientCount reports the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish broadcasts an action message to every connected client. The
// payload's fields are flattened alongside the action key. Publishing with
// no listeners is a no-op; a client whose buffer is full is skipped.
func (h *Hub) Publish(action string, payload any) {
	data, err := encodeMessage(action, payload)
	if err != nil {
		log.Printf("bus: failed to encode %s message: %v", action, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Printf("bus: client buffer full, dropping %s message", action)
		}
	}
}

// ServeWS upgrades the request to a WebSocket connection and pumps it until
// the peer goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("bus: upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

func (h *Hub) readPump(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("bus: read error: %v", err)
			}
			return
		}
		h.dispatch(c, data)
	}
}

func (h *Hub) dispatch(c *client, data []byte) {
	var envelope struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Action == "" {
		log.Printf("bus: discarding malformed message: %s", data)
		return
	}
	if h.handler == nil {
		return
	}

	reply := func(payload any) {
		out, err := json.Marshal(payload)
		if err != nil {
			log.Printf("bus: failed to encode reply: %v", err)
			return
		}
		select {
		case c.send <- out:
		default:
			log.Printf("bus: client buffer full, dropping reply")
		}
	}
	h.handler(envelope.Action, json.RawMessage(data), reply)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// encodeMessage merges the payload's top-level fields with the action key
// into a single flat JSON object.
func encodeMessage(action string, payload any) ([]byte, error) {
	out := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
	}
	actionJSON, err := json.Marshal(action)
	if err != nil {
		return nil, err
	}
	out["action"] = actionJSON
	return json.Marshal(out)
}
