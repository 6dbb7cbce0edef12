// Package websocket streams alert and run events to browser clients. Clients
// subscribe to channels ("alerts", "region:<id>"); the hub fans events out to
// subscribers and mirrors the session registry into the coordinator so any
// replica can see who is connected.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/forestshield/forestshield/internal/coordinator"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sessionTTL     = 2 * time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message is the wire envelope in both directions.
type Message struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Client is one connected browser session.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	id       string
	mu       sync.Mutex
	channels map[string]bool
}

func (c *Client) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[channel]
}

// Hub maintains the client set and per-channel fan-out.
type Hub struct {
	coord coordinator.Coordinator

	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	once       sync.Once
}

// NewHub builds a hub; coord may be nil when no coordinator is configured.
func NewHub(coord coordinator.Coordinator) *Hub {
	return &Hub{
		coord:      coord,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		done:       make(chan struct{}),
	}
}

// Run processes client lifecycle events until Close.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.recordSession(client)
			log.Info().Str("client", client.id).Int("clients", n).Msg("Stream client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.dropSession(client)
			log.Info().Str("client", client.id).Int("clients", n).Msg("Stream client disconnected")

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Close shuts the hub down and drops all clients.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
}

// ClientCount reports connected sessions on this replica.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to every client subscribed to the channel.
// Slow clients are skipped rather than blocking the caller.
func (h *Hub) Broadcast(channel string, event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("Failed to encode stream event")
		return
	}
	frame, err := json.Marshal(Message{Type: "event", Channel: channel, Data: data})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.subscribed(channel) {
			continue
		}
		select {
		case client.send <- frame:
		default:
			log.Warn().Str("client", client.id).Str("channel", channel).
				Msg("Stream client too slow; dropping event")
		}
	}
}

// ServeWS upgrades an HTTP request into a streaming session. Every session
// starts subscribed to the global alerts channel.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 64),
		id:       uuid.NewString(),
		channels: map[string]bool{"alerts": true},
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (h *Hub) recordSession(c *Client) {
	if h.coord == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.mu.Lock()
	channels := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()
	info := coordinator.ClientInfo{ClientID: c.id, Channels: channels, LastSeen: time.Now().UTC()}
	if err := h.coord.SetClient(ctx, info, sessionTTL); err != nil {
		log.Warn().Err(err).Str("client", c.id).Msg("Failed to record stream session")
	}
}

func (h *Hub) dropSession(c *Client) {
	if h.coord == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.coord.RemoveClient(ctx, c.id); err != nil {
		log.Debug().Err(err).Str("client", c.id).Msg("Failed to drop stream session")
	}
}

// readPump consumes subscribe/unsubscribe frames and keeps the connection's
// read deadline fed by pongs.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client", c.id).Msg("Stream read error")
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.mu.Lock()
			c.channels[msg.Channel] = true
			c.mu.Unlock()
			log.Debug().Str("client", c.id).Str("channel", msg.Channel).Msg("Channel subscribed")
		case "unsubscribe":
			c.mu.Lock()
			delete(c.channels, msg.Channel)
			c.mu.Unlock()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
