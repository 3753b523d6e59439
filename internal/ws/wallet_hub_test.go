package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"clinicBack/internal/models"
)

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

func dial(t *testing.T, srv *httptest.Server, clinicID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?:id=" + clinicID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitSubscribers(t *testing.T, hub *WalletHub, clinicID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers(clinicID) != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers for %s, got %d", want, clinicID, hub.Subscribers(clinicID))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPublishReachesOnlyTheClinic(t *testing.T) {
	hub := NewWalletHub(nopLogger{})
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	first := dial(t, srv, "c1")
	second := dial(t, srv, "c1")
	other := dial(t, srv, "c2")
	waitSubscribers(t, hub, "c1", 2)
	waitSubscribers(t, hub, "c2", 1)

	hub.PublishClinicBalance(models.BalanceUpdate{ClinicID: "c1", HeldBalance: 5000, Currency: "USD", Reason: "payment"})

	for _, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg BalanceMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Type != "balance" || msg.ClinicID != "c1" || msg.HeldBalance != 5000 {
			t.Fatalf("unexpected message %+v", msg)
		}
	}

	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Fatalf("clinic c2 should not receive c1 updates")
	}
}

func TestPingAndDisconnect(t *testing.T) {
	hub := NewWalletHub(nopLogger{})
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dial(t, srv, "c1")
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil || string(data) != "pong" {
		t.Fatalf("expected pong, got %q %v", data, err)
	}

	conn.Close()
	waitSubscribers(t, hub, "c1", 0)

	// publishing with nobody listening is a no-op
	hub.PublishClinicBalance(models.BalanceUpdate{ClinicID: "c1"})
}

func TestServeWSRequiresClinic(t *testing.T) {
	hub := NewWalletHub(nopLogger{})
	rec := httptest.NewRecorder()
	hub.ServeWS(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
