package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"upbit-trading-bot/internal/auth"
	"upbit-trading-bot/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced by the CORS layer in front of the upgrade.
	CheckOrigin: func(*http.Request) bool { return true },
}

// client is one websocket connection bound to a user.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

// Hub fans bus events out to connected clients. Events scoped to a
// user only reach that user's connections.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	byUser  map[string]map[*client]struct{}

	register   chan *client
	unregister chan *client
	outbound   chan events.Event
	log        zerolog.Logger
}

// NewHub creates an idle hub; Run starts delivery.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		byUser:     make(map[string]map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		outbound:   make(chan events.Event, 256),
		log:        log,
	}
}

// Deliver queues one event for fan-out. Drops under backpressure; the
// websocket is a live feed, not a durable stream.
func (h *Hub) Deliver(event events.Event) {
	select {
	case h.outbound <- event:
	default:
		h.log.Warn().Str("type", string(event.Type)).Msg("websocket feed saturated, dropping event")
	}
}

// Run owns the client maps until the context ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			if h.byUser[c.userID] == nil {
				h.byUser[c.userID] = make(map[*client]struct{})
			}
			h.byUser[c.userID][c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				delete(h.byUser[c.userID], c)
				if len(h.byUser[c.userID]) == 0 {
					delete(h.byUser, c.userID)
				}
				close(c.send)
			}
			h.mu.Unlock()

		case event := <-h.outbound:
			h.broadcast(event)
		}
	}
}

func (h *Hub) broadcast(event events.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("event marshal failed")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	targets := h.clients
	if event.UserID != "" {
		targets = h.byUser[event.UserID]
	}
	for c := range targets {
		select {
		case c.send <- payload:
		default:
			// Slow consumer; the read loop will reap it.
		}
	}
}

// handleWebsocket upgrades an authenticated request into a feed.
func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	cl := &client{conn: conn, send: make(chan []byte, wsSendBuffer), userID: auth.UserID(c)}
	s.hub.register <- cl

	go cl.writeLoop()
	go cl.readLoop(s.hub)
}

func (c *client) writeLoop() {
	ping := time.NewTicker(wsPingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards client frames; it exists to notice disconnects.
func (c *client) readLoop(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
