package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Clients refetch the leaderboard only when the version moves, at most once
	// per heartbeat
	versionHeartbeatInterval = 2 * time.Second

	// Time allowed to hand the initial version to a new client
	initialSendWait = 2 * time.Second

	versionUpdateType = "VERSION_UPDATE"
)

// VersionSource reports the leaderboard version, which moves whenever any
// player's points change
type VersionSource interface {
	LeaderboardVersion(ctx context.Context) (int64, error)
}

// Client represents a WebSocket client connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub maintains the set of active clients and broadcasts version changes
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client

	versions VersionSource
	logger   *zap.Logger
	interval time.Duration

	mu sync.RWMutex

	// only touched by the Run goroutine
	lastVersion int64
}

// VersionUpdate represents the version heartbeat message
type VersionUpdate struct {
	Type    string `json:"type"`
	Version int64  `json:"version"`
}

// NewHub creates a new WebSocket hub
func NewHub(versions VersionSource, logger *zap.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		versions:   versions,
		logger:     logger,
		interval:   versionHeartbeatInterval,
	}
}

// Run starts the WebSocket hub
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")

	versionTicker := time.NewTicker(h.interval)
	defer versionTicker.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", zap.Int("clients", total))

			h.sendInitialVersion(ctx, client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", zap.Int("clients", total))

		case <-versionTicker.C:
			h.checkAndBroadcastVersion(ctx)

		case <-ctx.Done():
			h.logger.Info("websocket hub shutting down")
			return
		}
	}
}

func versionMessage(version int64) ([]byte, error) {
	return json.Marshal(VersionUpdate{Type: versionUpdateType, Version: version})
}

// checkAndBroadcastVersion broadcasts the version to every client when it
// has moved since the last check
func (h *Hub) checkAndBroadcastVersion(ctx context.Context) {
	currentVersion, err := h.versions.LeaderboardVersion(ctx)
	if err != nil {
		h.logger.Warn("failed to get leaderboard version", zap.Error(err))
		return
	}
	if currentVersion == h.lastVersion {
		return
	}
	h.lastVersion = currentVersion

	message, err := versionMessage(currentVersion)
	if err != nil {
		h.logger.Error("failed to marshal version update", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	h.logger.Debug("leaderboard version changed",
		zap.Int64("version", currentVersion),
		zap.Int("clients", len(h.clients)))
	for client := range h.clients {
		select {
		case client.send <- message:
		default:
			h.logger.Warn("websocket client send buffer full, skipping")
		}
	}
}

// sendInitialVersion sends the current version to a newly connected client
func (h *Hub) sendInitialVersion(ctx context.Context, client *Client) {
	currentVersion, err := h.versions.LeaderboardVersion(ctx)
	if err != nil {
		h.logger.Warn("failed to get initial leaderboard version", zap.Error(err))
		return
	}
	if h.lastVersion == 0 {
		h.lastVersion = currentVersion
	}

	message, err := versionMessage(currentVersion)
	if err != nil {
		h.logger.Error("failed to marshal initial version", zap.Error(err))
		return
	}

	h.mu.RLock()
	_, exists := h.clients[client]
	h.mu.RUnlock()
	if !exists {
		return
	}

	select {
	case client.send <- message:
	case <-time.After(initialSendWait):
		h.logger.Warn("timed out sending initial version")
	}
}

// GetClientCount returns the current number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump drains the connection until the client goes away. Browser clients
// never send anything meaningful; keepalive is handled by the protocol.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		w, err := c.conn.NextWriter(websocket.TextMessage)
		if err != nil {
			return
		}
		w.Write(message)

		// coalesce queued messages into the current frame
		n := len(c.send)
		for i := 0; i < n; i++ {
			w.Write([]byte{'\n'})
			w.Write(<-c.send)
		}
		if err := w.Close(); err != nil {
			return
		}
	}
	// the hub closed the channel
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// ServeWS handles WebSocket requests from clients
func ServeWS(hub *Hub, conn *websocket.Conn) {
	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	hub.register <- client

	go client.writePump()

	// blocks until disconnect
	client.readPump()
}
