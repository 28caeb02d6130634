package main

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"nutrioBack/internal/models"
)

const (
	wsReadLimit     = 4 << 10
	wsReadDeadline  = 120 * time.Second
	wsWriteDeadline = 5 * time.Second
	wsPingInterval  = 15 * time.Second
	wsHelloDeadline = 30 * time.Second
)

type wsClient struct {
	userID int
	connID string
	conn   *websocket.Conn
}

type entitlementPush struct {
	userID  int
	payload wsEntitlementFrame
}

type wsEntitlementFrame struct {
	Type         string     `json:"type"`
	IsSubscribed bool       `json:"is_subscribed"`
	ProductID    string     `json:"product_id,omitempty"`
	Tier         string     `json:"tier,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// EntitlementHub pushes entitlement changes to connected devices. A user can
// hold several connections at once (phone and tablet); each is keyed by its
// own connection ID.
type EntitlementHub struct {
	clients    map[int]map[string]*websocket.Conn
	direct     chan entitlementPush
	register   chan wsClient
	unregister chan wsClient
}

func NewEntitlementHub() *EntitlementHub {
	return &EntitlementHub{
		clients:    make(map[int]map[string]*websocket.Conn),
		direct:     make(chan entitlementPush, 64),
		register:   make(chan wsClient),
		unregister: make(chan wsClient),
	}
}

// NotifyEntitlement satisfies services.EntitlementNotifier. It never blocks:
// a full channel drops the push, the app refetches on next launch anyway.
func (hub *EntitlementHub) NotifyEntitlement(userID int, snapshot models.EntitlementsResponse) {
	frame := wsEntitlementFrame{
		Type:         "entitlement",
		IsSubscribed: snapshot.IsSubscribed,
		ProductID:    snapshot.ProductID,
		Tier:         snapshot.Tier,
		ExpiresAt:    snapshot.ExpiresAt,
	}
	select {
	case hub.direct <- entitlementPush{userID: userID, payload: frame}:
	default:
	}
}

// Run owns the clients map; all mutation happens on this goroutine.
func (hub *EntitlementHub) Run() {
	for {
		select {
		case client := <-hub.register:
			conns, ok := hub.clients[client.userID]
			if !ok {
				conns = make(map[string]*websocket.Conn)
				hub.clients[client.userID] = conns
			}
			conns[client.connID] = client.conn

		case client := <-hub.unregister:
			if conns, ok := hub.clients[client.userID]; ok {
				if cur, ok := conns[client.connID]; ok && cur == client.conn {
					_ = cur.Close()
					delete(conns, client.connID)
				}
				if len(conns) == 0 {
					delete(hub.clients, client.userID)
				}
			}

		case push := <-hub.direct:
			for connID, conn := range hub.clients[push.userID] {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
				if err := conn.WriteJSON(push.payload); err != nil {
					_ = conn.Close()
					delete(hub.clients[push.userID], connID)
				}
			}
			if conns, ok := hub.clients[push.userID]; ok && len(conns) == 0 {
				delete(hub.clients, push.userID)
			}
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// entitlementStream upgrades the connection and waits for the hello frame
// {"user_id": ..., "access_token": "..."} before binding it to a user.
func (app *application) entitlementStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		app.errorLog.Printf("ws: upgrade: %v", err)
		return
	}

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsHelloDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})

	var hello struct {
		UserID      int    `json:"user_id"`
		AccessToken string `json:"access_token"`
	}
	if err := conn.ReadJSON(&hello); err != nil {
		writeWSClose(conn, websocket.ClosePolicyViolation, "hello required")
		_ = conn.Close()
		return
	}

	userID, err := app.tokens.Parse(hello.AccessToken)
	if err != nil || (hello.UserID != 0 && hello.UserID != userID) {
		writeWSClose(conn, websocket.ClosePolicyViolation, "invalid credentials")
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))

	client := wsClient{userID: userID, connID: uuid.NewString(), conn: conn}
	app.wsHub.register <- client
	app.infoLog.Printf("ws: user %d connected (%s)", userID, client.connID)

	go app.wsHub.pingLoop(client, wsPingInterval)
	go app.wsHub.drainReads(client)
}

// pingLoop runs off the hub goroutine, so it must not touch the data-write
// side of the connection: Run owns that. Control frames are the one write
// gorilla allows concurrently, and WriteControl takes its own deadline.
func (hub *EntitlementHub) pingLoop(client wsClient, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for range t.C {
		if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteDeadline)); err != nil {
			hub.unregister <- client
			return
		}
	}
}

// drainReads keeps the read side alive for control frames. The stream is
// push-only; any data frame from the client is discarded.
func (hub *EntitlementHub) drainReads(client wsClient) {
	defer func() {
		hub.unregister <- client
	}()
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeWSClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(wsWriteDeadline),
	)
}
