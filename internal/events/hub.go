package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xtrntr/custody/internal/models"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

// TokenVerifier resolves a bearer token to a user id
type TokenVerifier func(token string) (int, error)

type wsClient struct {
	conn     *websocket.Conn
	mu       sync.Mutex
	channels map[string]bool
}

func (c *wsClient) subscribed(channels []string) bool {
	for _, ch := range channels {
		if c.channels[ch] {
			return true
		}
	}
	return false
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub pushes events to websocket subscribers. Clients pick channels with
// ?channels=orderbook.BTC,user.7; a user channel is only granted when
// ?token= identifies that user.
type Hub struct {
	log    *zap.Logger
	verify TokenVerifier

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

// NewHub creates an empty hub. verify may be nil, in which case only
// public channels can be joined.
func NewHub(log *zap.Logger, verify TokenVerifier) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{log: log, verify: verify, clients: make(map[*wsClient]bool)}
}

// Publish writes ev to every client subscribed to one of its channels
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	channels := ev.Channels()
	var failed []*wsClient

	h.mu.RLock()
	for client := range h.clients {
		if !client.subscribed(channels) {
			continue
		}
		if err := client.write(data); err != nil {
			h.log.Debug("dropping websocket client", zap.Error(err))
			failed = append(failed, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range failed {
		h.remove(client)
	}
	return nil
}

// Clients returns the number of connected subscribers
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) remove(client *wsClient) {
	h.mu.Lock()
	if h.clients[client] {
		delete(h.clients, client)
		client.conn.Close()
	}
	h.mu.Unlock()
}

// Subscriptions resolves the requested channel list against the caller's
// identity. Unknown or foreign channels are an error.
func (h *Hub) Subscriptions(requested, token string) (map[string]bool, error) {
	userID := 0
	if token != "" && h.verify != nil {
		id, err := h.verify(token)
		if err != nil {
			return nil, fmt.Errorf("invalid token")
		}
		userID = id
	}

	channels := make(map[string]bool)
	for _, ch := range strings.Split(requested, ",") {
		ch = strings.TrimSpace(ch)
		switch {
		case ch == "":
			continue
		case strings.HasPrefix(ch, "orderbook.") && models.Symbol(strings.TrimPrefix(ch, "orderbook.")).Valid():
			channels[ch] = true
		case userID != 0 && ch == UserChannel(userID):
			channels[ch] = true
		default:
			return nil, fmt.Errorf("channel %q not allowed", ch)
		}
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channels requested")
	}
	return channels, nil
}

// ServeHTTP upgrades the connection and keeps it registered until the
// peer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channels, err := h.Subscriptions(r.URL.Query().Get("channels"), r.URL.Query().Get("token"))
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn, channels: channels}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	// Keep connection alive and handle disconnection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(client)
			return
		}
	}
}
