package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type Event struct {
	Type         string `json:"type"` // deployment.progress, deployment.closed
	DeploymentID string `json:"deploymentId"`
	Payload      any    `json:"payload"`
}

type client struct {
	topic string
	conn  *websocket.Conn
	send  chan []byte
	left  chan struct{}
}

type message struct {
	topic string
	data  []byte
	keep  bool
}

// Hub fans reconciled views out to dashboard viewers. Each viewer watches one
// deployment id (its topic) and receives the latest message on join.
type Hub struct {
	mu         sync.RWMutex
	topics     map[string]map[*client]bool
	last       map[string][]byte
	broadcast  chan message
	register   chan *client
	unregister chan *client
	done       chan struct{}
	upgrader   websocket.Upgrader
	log        *zap.Logger
}

func New(allowedOrigins []string, log *zap.Logger) *Hub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		topics:     make(map[string]map[*client]bool),
		last:       make(map[string][]byte),
		broadcast:  make(chan message, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		log:        log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true // non-browser clients (CLI, curl)
				}
				if allowed[origin] {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				host := u.Hostname()
				return host == "localhost" || host == "127.0.0.1" || host == "::1"
			},
		},
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, clients := range h.topics {
				for c := range clients {
					close(c.send)
				}
			}
			h.topics = make(map[string]map[*client]bool)
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			clients, ok := h.topics[c.topic]
			if !ok {
				clients = make(map[*client]bool)
				h.topics[c.topic] = clients
			}
			clients[c] = true
			if data, ok := h.last[c.topic]; ok {
				c.send <- data
			}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(c)
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			if msg.keep {
				h.last[msg.topic] = msg.data
			} else {
				delete(h.last, msg.topic)
			}
			for c := range h.topics[msg.topic] {
				select {
				case c.send <- msg.data:
				default:
					h.log.Warn("viewer too slow, dropping", zap.String("deployment", c.topic))
					h.removeLocked(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) removeLocked(c *client) {
	clients, ok := h.topics[c.topic]
	if !ok || !clients[c] {
		return
	}
	delete(clients, c)
	close(c.send)
	if len(clients) == 0 {
		delete(h.topics, c.topic)
	}
}

// Publish sends evt to every viewer of its deployment and keeps it for
// viewers that join later.
func (h *Hub) Publish(evt Event) {
	h.send(evt, true)
}

// Close tells current viewers the deployment is no longer tracked and
// forgets the last message.
func (h *Hub) Close(deploymentID string) {
	h.send(Event{Type: "deployment.closed", DeploymentID: deploymentID}, false)
}

func (h *Hub) send(evt Event, keep bool) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.log.Error("hub: marshal error", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- message{topic: evt.DeploymentID, data: data, keep: keep}:
	case <-h.done:
	}
}

// Viewers returns the number of connections watching a deployment.
func (h *Hub) Viewers(deploymentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[deploymentID])
}

// HandleConnect upgrades the request and attaches it to deploymentID. The
// returned channel is closed once the viewer has gone.
func (h *Hub) HandleConnect(w http.ResponseWriter, r *http.Request, deploymentID string) (<-chan struct{}, error) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := &client{
		topic: deploymentID,
		conn:  conn,
		send:  make(chan []byte, 64),
		left:  make(chan struct{}),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		close(c.left)
		return c.left, nil
	}

	go c.writePump()
	go c.readPump(h)
	return c.left, nil
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
		close(c.left)
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
