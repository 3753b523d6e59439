package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"clinicBack/internal/models"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 5 * time.Second
)

// Logger is the printf-style logger the hub writes to.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// BalanceMessage is what subscribers receive after a balance change.
type BalanceMessage struct {
	Type string `json:"type"`
	models.BalanceUpdate
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// WalletHub streams clinic balance updates to connected dashboards.
// A clinic may have several open connections.
type WalletHub struct {
	upgrader websocket.Upgrader
	logger   Logger

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

func NewWalletHub(logger Logger) *WalletHub {
	return &WalletHub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:   logger,
		clients:  make(map[string]map[*client]struct{}),
	}
}

// ServeWS upgrades GET /ws/clinic/:id/wallet. Ownership of :id is checked by
// the route middleware.
func (h *WalletHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	clinicID := r.URL.Query().Get(":id")
	if clinicID == "" {
		http.Error(w, "missing clinic id", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("wallet ws upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn}
	h.mu.Lock()
	set, ok := h.clients[clinicID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[clinicID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	go h.readLoop(clinicID, c)
}

func (h *WalletHub) readLoop(clinicID string, c *client) {
	defer h.remove(clinicID, c)

	conn := c.conn
	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		if mt == websocket.TextMessage && strings.EqualFold(strings.TrimSpace(string(msg)), "ping") {
			h.write(c, []byte("pong"))
		}
	}
}

func (h *WalletHub) remove(clinicID string, c *client) {
	c.conn.Close()
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[clinicID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, clinicID)
	}
}

func (h *WalletHub) write(c *client, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Subscribers returns the number of open connections for a clinic.
func (h *WalletHub) Subscribers(clinicID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[clinicID])
}

// PublishClinicBalance pushes the update to every connection of the clinic.
// Clinics without subscribers are skipped; failed writes drop the connection.
func (h *WalletHub) PublishClinicBalance(update models.BalanceUpdate) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients[update.ClinicID]))
	for c := range h.clients[update.ClinicID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	payload, err := json.Marshal(BalanceMessage{Type: "balance", BalanceUpdate: update})
	if err != nil {
		h.logger.Errorf("wallet ws marshal failed: %v", err)
		return
	}
	h.logger.Infof("WS → clinic %s: %s", update.ClinicID, payload)
	for _, c := range targets {
		if err := h.write(c, payload); err != nil {
			h.logger.Errorf("clinic %s write failed: %v", update.ClinicID, err)
			h.remove(update.ClinicID, c)
		}
	}
}
