package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub streams balance events to websocket clients subscribed to a wallet.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[string]map[*websocket.Conn]bool
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[string]map[*websocket.Conn]bool),
	}
}

// ServeWS upgrades the request and subscribes the connection to key
// (a wallet address) until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, key string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.register(key, conn)

	// Reads only detect disconnects; clients send nothing useful.
	go func() {
		defer h.unregister(key, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Subscribers reports how many connections follow key.
func (h *Hub) Subscribers(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[key])
}

func (h *Hub) register(key string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[key] == nil {
		h.clients[key] = make(map[*websocket.Conn]bool)
	}
	h.clients[key][conn] = true
}

func (h *Hub) unregister(key string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.clients[key]; ok {
		delete(conns, conn)
		conn.Close()
		if len(conns) == 0 {
			delete(h.clients, key)
		}
	}
}

func (h *Hub) Name() string { return "websocket" }

// Send broadcasts balance events to the wallet's subscribers. Other kinds
// are ignored.
func (h *Hub) Send(_ context.Context, e Event) error {
	if e.Kind != KindBalanceChanged || e.WalletAddress == "" {
		return nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients[e.WalletAddress] {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Warn("websocket write failed",
				zap.String("wallet", e.WalletAddress), zap.Error(err))
			conn.Close()
			delete(h.clients[e.WalletAddress], conn)
		}
	}
	return nil
}
