package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/veia-chat/veia/internal/protocol"
	"github.com/veia-chat/veia/internal/server/auth"
	"github.com/veia-chat/veia/internal/server/storage"
)

// Hub tracks connected clients by user and routes targeted and broadcast
// frames. Presence transitions (first connection up, last connection down)
// are announced to everyone as status_change.
type Hub struct {
	Store  *storage.Store
	Tokens *auth.TokenService
	Log    zerolog.Logger

	Register   chan *Client
	Unregister chan *Client
	Broadcast  chan []byte

	mu     sync.RWMutex
	byUser map[string]map[*Client]bool
}

func NewHub(store *storage.Store, tokens *auth.TokenService, log zerolog.Logger) *Hub {
	return &Hub{
		Store:      store,
		Tokens:     tokens,
		Log:        log.With().Str("component", "hub").Logger(),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Broadcast:  make(chan []byte),
		byUser:     make(map[string]map[*Client]bool),
	}
}

// Run owns the client registry until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			conns := h.byUser[client.UserID]
			if conns == nil {
				conns = make(map[*Client]bool)
				h.byUser[client.UserID] = conns
			}
			first := len(conns) == 0
			conns[client] = true
			h.mu.Unlock()
			if first {
				h.announceStatus(client.UserID, "online")
			}

		case client := <-h.Unregister:
			h.mu.Lock()
			conns := h.byUser[client.UserID]
			var last bool
			if conns != nil && conns[client] {
				delete(conns, client)
				close(client.Send)
				if len(conns) == 0 {
					delete(h.byUser, client.UserID)
					last = true
				}
			}
			h.mu.Unlock()
			if last {
				now := float64(time.Now().UnixNano()) / 1e9
				if err := h.Store.UpdateLastSeen(client.UserID, now); err != nil {
					h.Log.Warn().Err(err).Msg("update last_seen")
				}
				h.announceStatus(client.UserID, "offline")
			}

		case message := <-h.Broadcast:
			h.mu.RLock()
			for _, conns := range h.byUser {
				for client := range conns {
					select {
					case client.Send <- message:
					default:
					}
				}
			}
			h.mu.RUnlock()

		case <-ctx.Done():
			return
		}
	}
}

// SendToUser delivers data to every open connection of a user; it reports
// whether the user had any.
func (h *Hub) SendToUser(userID string, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := h.byUser[userID]
	for client := range conns {
		select {
		case client.Send <- data:
		default:
		}
	}
	return len(conns) > 0
}

// IsOnline reports whether a user has at least one open connection.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

func (h *Hub) announceStatus(userID, status string) {
	data, err := json.Marshal(map[string]any{
		"action": protocol.ActionStatusChange,
		"data": map[string]any{
			"user_id":   userID,
			"status":    status,
			"last_seen": float64(time.Now().UnixNano()) / 1e9,
		},
	})
	if err != nil {
		return
	}
	// Deliver directly: Run is busy processing the register/unregister
	// that triggered this, so going through Broadcast would deadlock.
	h.mu.RLock()
	for _, conns := range h.byUser {
		for client := range conns {
			select {
			case client.Send <- data:
			default:
			}
		}
	}
	h.mu.RUnlock()
}
