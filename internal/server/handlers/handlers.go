// Package handlers wires the websocket endpoint and the health check onto
// the HTTP mux.
package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/veia-chat/veia/internal/server/ratelimit"
	"github.com/veia-chat/veia/internal/server/ws"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func HandleWebSocket(hub *ws.Hub, limiter *ratelimit.RateLimiter, log zerolog.Logger, w http.ResponseWriter, r *http.Request) {
	clientIP := ratelimit.GetClientIP(r)

	if !limiter.CanConnect(clientIP) {
		http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
		log.Warn().Str("ip", clientIP).Msg("connection rate limited")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	limiter.AddConnection(clientIP)

	client := &ws.Client{
		Hub:     hub,
		Conn:    conn,
		Send:    make(chan []byte, 256),
		IP:      clientIP,
		Limiter: limiter,
		Log:     log.With().Str("ip", clientIP).Logger(),
	}

	go func() {
		defer limiter.RemoveConnection(clientIP)
		client.WritePump()
	}()
	go client.ReadPump()
}
