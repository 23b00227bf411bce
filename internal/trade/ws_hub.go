// Package trade: WebSocket hub for real-time price and balance updates.
package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/airxtech/newfinal-sub000/internal/metrics"
	"github.com/airxtech/newfinal-sub000/internal/notify"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type            string           `json:"type"` // "price" or "balance"
	TokenID         string           `json:"token_id,omitempty"`
	UserID          string           `json:"user_id,omitempty"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	Supply          *decimal.Decimal `json:"supply,omitempty"`
	MarketCap       *decimal.Decimal `json:"market_cap,omitempty"`
	BondingProgress *decimal.Decimal `json:"bonding_progress,omitempty"`
	IsListed        bool             `json:"is_listed,omitempty"`
	Holding         *decimal.Decimal `json:"holding,omitempty"`
	Balance         *decimal.Decimal `json:"balance,omitempty"`
	At              time.Time        `json:"at"`
}

type outbound struct {
	userID string // empty sends to every client
	data   []byte
}

// WSHub manages WebSocket connections. Price updates go to every client;
// balance updates only to clients that connected with a matching ?user_id=.
type WSHub struct {
	clients    map[*websocket.Conn]string
	broadcast  chan outbound
	register   chan wsClient
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

type wsClient struct {
	conn   *websocket.Conn
	userID string
}

var _ notify.Notifier = (*WSHub)(nil)

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan outbound, 256),
		register:   make(chan wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns, closing every connection, when
// ctx is done.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.userID
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total, "user", c.userID)

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			h.mu.RLock()
			var dead []*websocket.Conn
			for conn, userID := range h.clients {
				if msg.userID != "" && msg.userID != userID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					dead = append(dead, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range dead {
				h.drop(conn)
			}
		}
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(total))
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PriceChanged broadcasts a token's new curve state.
func (h *WSHub) PriceChanged(_ context.Context, u notify.PriceUpdate) {
	h.send("", WSMessage{
		Type:            "price",
		TokenID:         u.TokenID,
		Price:           &u.Price,
		Supply:          &u.Supply,
		MarketCap:       &u.MarketCap,
		BondingProgress: &u.BondingProgress,
		IsListed:        u.IsListed,
		At:              u.At,
	})
}

// BalanceChanged sends a user's new balances to that user's clients.
func (h *WSHub) BalanceChanged(_ context.Context, u notify.BalanceUpdate) {
	msg := WSMessage{
		Type:    "balance",
		TokenID: u.TokenID,
		UserID:  u.UserID,
		Balance: &u.Balance,
		At:      u.At,
	}
	if u.TokenID != "" {
		msg.Holding = &u.Holding
	}
	h.send(u.UserID, msg)
}

func (h *WSHub) send(userID string, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- outbound{userID: userID, data: data}:
	default:
		// Drop if buffer full to avoid blocking settlement.
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
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- wsClient{conn: conn, userID: r.URL.Query().Get("user_id")}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
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
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}
