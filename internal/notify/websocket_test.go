package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, h *Hub, sub Subscription) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, sub)
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return conn, func() {
		_ = conn.Close()
		srv.Close()
	}
}

func TestHub_StreamsMatchingRecords(t *testing.T) {
	h := NewHub(quietLogger(nil))
	conn, cleanup := dialHub(t, h, Subscription{OwnerID: "w1"})
	defer cleanup()

	ctx := context.Background()
	_ = h.Publish(ctx, "callflow/calls", []byte(`{"call_id":"other","owner_id":"w2"}`))
	_ = h.Publish(ctx, "callflow/calls/S1", []byte(`{"call_id":"c1","owner_id":"w1"}`))
	_ = h.Publish(ctx, "callflow/calls", []byte(`{"call_id":"c1","owner_id":"w1"}`))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var rec ChangeRecord
	if err := json.Unmarshal(msg, &rec); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if rec.CallID != "c1" || rec.OwnerID != "w1" {
		t.Fatalf("expected only w1's fixed-channel record, got %+v", rec)
	}
}

func TestHub_SessionSubscription(t *testing.T) {
	h := NewHub(quietLogger(nil))
	conn, cleanup := dialHub(t, h, Subscription{SessionID: "S2"})
	defer cleanup()

	ctx := context.Background()
	_ = h.Publish(ctx, "callflow/calls", []byte(`{"call_id":"c2"}`))
	_ = h.Publish(ctx, "callflow/calls/S1", []byte(`{"call_id":"c1"}`))
	_ = h.Publish(ctx, "callflow/calls/S2", []byte(`{"call_id":"c2","session_id":"S2"}`))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), `"session_id":"S2"`) {
		t.Fatalf("expected S2 record, got %s", msg)
	}
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	h := NewHub(quietLogger(nil))
	conn, cleanup := dialHub(t, h, Subscription{})
	defer cleanup()

	_ = h.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection to be closed")
	}
	if h.Clients() != 0 {
		t.Fatalf("expected no clients after close")
	}
}
