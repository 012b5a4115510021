package wschannel

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/keynest/keynest/internal/auth"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Channel serves the inbound /ws/gateway endpoint.
type Channel struct {
	hub    *Hub
	secret []byte
}

// NewChannel creates the upgrade handler over hub. secret verifies the
// access tokens presented on upgrade.
func NewChannel(hub *Hub, secret []byte) *Channel {
	return &Channel{hub: hub, secret: secret}
}

// Hub exposes the registry for broadcast and status queries.
func (ch *Channel) Hub() *Hub {
	return ch.hub
}

// ServeHTTP accepts an upgrade only when the request carries a
// verifiable access token whose role is one of the facility-management
// roles. Rejections destroy the socket with no response body.
func (ch *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		destroySocket(w)
		return
	}
	identity, err := auth.DecodeAccessToken(token, ch.secret)
	if err != nil || !identity.IsFacilityManagement() {
		destroySocket(w)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		ch.hub.log.Error("gateway channel upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	c := ch.hub.register(conn, identity)
	go ch.readLoop(c)
}

func (ch *Channel) readLoop(c *client) {
	defer func() {
		_ = c.conn.Close()
		c.closePending()
		ch.hub.deregister(c)
	}()

	c.conn.SetPongHandler(func(string) error {
		c.touch(time.Now())
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				ch.hub.log.Warn("gateway channel read error", "conn_id", c.id, "err", err)
			}
			return
		}
		c.touch(time.Now())

		switch msg.Kind {
		case KindResponse:
			if msg.Response == nil {
				continue
			}
			c.dispatchResponse(*msg.Response)
		case KindPing:
			_ = c.writeJSON(Message{Kind: KindPong})
		case KindStatus:
			if msg.Status == nil {
				continue
			}
			ch.hub.log.Info("gateway status report",
				"conn_id", c.id, "gateway_id", msg.Status.GatewayID, "state", msg.Status.State)
		}
	}
}

// destroySocket tears the connection down without writing a response
// body. Unauthenticated callers learn nothing about the endpoint.
func destroySocket(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	_ = conn.Close()
}
