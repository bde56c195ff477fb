// Package ws streams live score updates from the signal bus to WebSocket
// clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
	// backlogSize is how many recent updates a new client receives.
	backlogSize = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Envelope is every frame sent to clients.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// filterMsg changes which obligors a client follows. An empty follow list
// after an update means every obligor.
type filterMsg struct {
	Action    string   `json:"action"` // "follow" or "unfollow"
	Addresses []string `json:"addresses"`
}

// client is one WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	follow map[string]bool
}

// Hub fans score updates out to connected clients.
type Hub struct {
	bus       domain.SignalBus
	logger    *slog.Logger
	startedAt time.Time
	mode      string

	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub creates a Hub reading from bus. mode is reported in the hello frame.
func NewHub(bus domain.SignalBus, mode string, logger *slog.Logger) *Hub {
	return &Hub{
		bus:       bus,
		logger:    logger.With(slog.String("component", "ws_hub")),
		startedAt: time.Now().UTC(),
		mode:      mode,
		clients:   make(map[*client]bool),
	}
}

// Run forwards updates until ctx is cancelled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) error {
	updates, err := h.bus.Subscribe(ctx, domain.ChannelScoreUpdates)
	if err != nil {
		return err
	}
	h.logger.Info("ws: subscribed", slog.String("channel", domain.ChannelScoreUpdates))

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case data, ok := <-updates:
			if !ok {
				h.closeAll()
				return ctx.Err()
			}
			h.Broadcast(data)
		}
	}
}

// Broadcast delivers one ScoreUpdate payload to every client following its
// obligor. Slow clients drop the frame.
func (h *Hub) Broadcast(payload []byte) {
	var upd domain.ScoreUpdate
	if err := json.Unmarshal(payload, &upd); err != nil {
		h.logger.Warn("ws: malformed score update", slog.String("error", err.Error()))
		return
	}
	frame, err := json.Marshal(Envelope{Type: "score_update", Payload: payload})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.follows(upd.Address) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("ws: dropping message for slow client")
		}
	}
}

// HandleWS upgrades the connection and starts the client's pumps.
// GET /ws?obligor=0x...
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		follow: make(map[string]bool),
	}
	for _, a := range r.URL.Query()["obligor"] {
		c.follow[strings.ToLower(a)] = true
	}

	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws: client connected", slog.Int("total_clients", total))

	c.sendHello()
	c.sendBacklog(r.Context())

	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws: client disconnected", slog.Int("total_clients", total))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (c *client) follows(address string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.follow) == 0 || c.follow[strings.ToLower(address)]
}

func (c *client) applyFilter(msg filterMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range msg.Addresses {
		switch msg.Action {
		case "follow":
			c.follow[strings.ToLower(a)] = true
		case "unfollow":
			delete(c.follow, strings.ToLower(a))
		}
	}
}

func (c *client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
	}
}

func (c *client) sendHello() {
	payload, _ := json.Marshal(map[string]any{
		"mode":           c.hub.mode,
		"uptime_seconds": int64(time.Since(c.hub.startedAt).Seconds()),
	})
	frame, _ := json.Marshal(Envelope{Type: "hello", Payload: payload})
	c.enqueue(frame)
}

// sendBacklog replays the tail of the score stream so a new client starts
// with recent state.
func (c *client) sendBacklog(ctx context.Context) {
	msgs, err := c.hub.bus.StreamRead(ctx, domain.StreamScoreUpdates, "0", 0)
	if err != nil {
		c.hub.logger.Warn("ws: read backlog failed", slog.String("error", err.Error()))
		return
	}
	if len(msgs) > backlogSize {
		msgs = msgs[len(msgs)-backlogSize:]
	}
	for _, m := range msgs {
		var upd domain.ScoreUpdate
		if json.Unmarshal(m.Payload, &upd) != nil || !c.follows(upd.Address) {
			continue
		}
		frame, _ := json.Marshal(Envelope{Type: "score_update", Payload: m.Payload})
		c.enqueue(frame)
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var msg filterMsg
		if json.Unmarshal(message, &msg) == nil && msg.Action != "" {
			c.applyFilter(msg)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
