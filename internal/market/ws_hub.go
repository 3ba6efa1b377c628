package market

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/escrow-engine/internal/escrow"
	"github.com/atmx/escrow-engine/internal/metrics"
	"github.com/atmx/escrow-engine/internal/policy"
)

// WSHub streams committed transaction events to connected clients. Each
// client only receives events for transactions it is party to; operators
// receive all of them.
type WSHub struct {
	auth *Authenticator

	clients    map[*websocket.Conn]policy.Actor
	broadcast  chan escrow.Event
	register   chan wsClient
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

type wsClient struct {
	conn  *websocket.Conn
	actor policy.Actor
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(auth *Authenticator) *WSHub {
	return &WSHub{
		auth:       auth,
		clients:    make(map[*websocket.Conn]policy.Actor),
		broadcast:  make(chan escrow.Event, 256),
		register:   make(chan wsClient),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.actor
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "actor_id", c.actor.ID, "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for conn, actor := range h.clients {
				if !policy.CanView(actor, &ev.Transaction).Allowed {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues an event for delivery. It never blocks the engine.
func (h *WSHub) Publish(ev escrow.Event) {
	select {
	case h.broadcast <- ev:
	default:
		slog.Warn("ws broadcast buffer full, dropping event", "type", ev.Type, "transaction_id", ev.Transaction.ID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	actor, err := h.auth.Authenticate(r)
	if err != nil {
		writeErrorCode(w, http.StatusUnauthorized, CodeUnauthorized, "invalid or missing bearer token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- wsClient{conn: conn, actor: actor}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.Lock()
			_, ok := h.clients[conn]
			var err error
			if ok {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			}
			h.mu.Unlock()
			if !ok || err != nil {
				return
			}
		}
	}()
}
