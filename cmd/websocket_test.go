package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"nutrioBack/internal/models"
)

// Registers a raw server-side connection straight into the hub so the test
// can drive pushes and pings without the hello handshake.
func dialHub(t *testing.T, hub *EntitlementHub, userID int, pingInterval time.Duration) *websocket.Conn {
	t.Helper()

	registered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		client := wsClient{userID: userID, connID: "test-conn", conn: conn}
		hub.register <- client
		close(registered)
		go hub.pingLoop(client, pingInterval)
		go hub.drainReads(client)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	select {
	case <-registered:
	case <-time.After(2 * time.Second):
		t.Fatal("connection never registered with hub")
	}
	return conn
}

// Pushes race the ping loop on the same connection: entitlement frames come
// from the hub goroutine while pings come from pingLoop. WriteControl keeps
// that pairing legal; a data write from pingLoop would panic the process.
func TestHubPushesAlongsidePings(t *testing.T) {
	hub := NewEntitlementHub()
	go hub.Run()

	conn := dialHub(t, hub, 42, time.Millisecond)

	expires := time.Now().Add(24 * time.Hour).UTC()
	snapshot := models.EntitlementsResponse{
		IsSubscribed: true,
		ProductID:    "nutrio.premium.monthly",
		Tier:         "premium",
		ExpiresAt:    &expires,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			hub.NotifyEntitlement(42, snapshot)
			time.Sleep(time.Millisecond)
		}
	}()

	received := 0
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for received < 20 {
		var frame wsEntitlementFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame after %d deliveries: %v", received, err)
		}
		if frame.Type != "entitlement" {
			t.Fatalf("frame type = %q; want entitlement", frame.Type)
		}
		if !frame.IsSubscribed || frame.ProductID != "nutrio.premium.monthly" {
			t.Fatalf("frame = %+v; want subscribed premium monthly", frame)
		}
		received++
	}
	<-done
}

func TestNotifyEntitlementNeverBlocks(t *testing.T) {
	hub := NewEntitlementHub()
	// No Run goroutine: the direct channel fills up and further pushes
	// must be dropped, not queued.
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < 500; i++ {
			hub.NotifyEntitlement(1, models.EntitlementsResponse{})
		}
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("NotifyEntitlement blocked on a full channel")
	}
}
