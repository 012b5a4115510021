// Package wschannel implements the inbound, token-authenticated,
// facility-scoped channel for on-premises gateways. Gateways dial in
// and hold a full-duplex socket; the cloud pushes unicast and broadcast
// commands instead of being polled.
package wschannel

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/keynest/keynest/internal/domain"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 1 << 20
)

// Hub is the connection registry: an arena keyed by connection id with
// a secondary facility index. The mutex is the single-writer
// discipline; broadcasts snapshot under read lock so closing a
// connection mid-broadcast never corrupts the iteration.
type Hub struct {
	log *slog.Logger

	mu         sync.RWMutex
	conns      map[string]*client
	byFacility map[string]map[string]struct{}
	nextID     atomic.Uint64
}

type client struct {
	id       string
	conn     *websocket.Conn
	identity domain.Identity

	// writeMu serializes writes: delivery order of successive messages
	// to the same connection is preserved.
	writeMu          sync.Mutex
	lastPongUnixNano atomic.Int64
	closing          atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]chan CommandResponse
}

// NewHub creates an empty registry.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		log:        logger,
		conns:      make(map[string]*client),
		byFacility: make(map[string]map[string]struct{}),
	}
}

func (h *Hub) register(conn *websocket.Conn, identity domain.Identity) *client {
	id := "c_" + strconv.FormatUint(h.nextID.Add(1), 10)
	c := &client{
		id:       id,
		conn:     conn,
		identity: identity,
		pending:  make(map[string]chan CommandResponse),
	}
	c.touch(time.Now())

	h.mu.Lock()
	h.conns[id] = c
	for _, f := range identity.FacilityIDs {
		set, ok := h.byFacility[f]
		if !ok {
			set = make(map[string]struct{})
			h.byFacility[f] = set
		}
		set[id] = struct{}{}
	}
	h.mu.Unlock()

	h.log.Info("gateway channel connected", "conn_id", id, "user_id", identity.UserID, "role", identity.Role, "facilities", identity.FacilityIDs)
	return c
}

func (h *Hub) deregister(c *client) {
	h.mu.Lock()
	delete(h.conns, c.id)
	for _, f := range c.identity.FacilityIDs {
		if set, ok := h.byFacility[f]; ok {
			delete(set, c.id)
			if len(set) == 0 {
				delete(h.byFacility, f)
			}
		}
	}
	h.mu.Unlock()
	h.log.Info("gateway channel disconnected", "conn_id", c.id)
}

// Broadcast sends payload to every open connection regardless of
// facility. A string payload goes on the wire verbatim (compact signed
// token form); anything else is JSON encoded. Delivery is
// fire-and-forget per connection.
func (h *Hub) Broadcast(payload any) {
	for _, c := range h.snapshot() {
		h.send(c, payload)
	}
}

// UnicastToFacility sends payload only to connections whose facility
// list contains facilityID. Connections with an empty facility list
// never receive facility-scoped payloads.
func (h *Hub) UnicastToFacility(facilityID string, payload any) {
	h.mu.RLock()
	ids := h.byFacility[facilityID]
	targets := make([]*client, 0, len(ids))
	for id := range ids {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.send(c, payload)
	}
}

// FacilityConnectionStatus answers the dashboard query: whether any
// channel for the facility is open, and the freshest pong time seen.
func (h *Hub) FacilityConnectionStatus(facilityID string) domain.ConnectionStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var latest time.Time
	connected := false
	for id := range h.byFacility[facilityID] {
		c, ok := h.conns[id]
		if !ok {
			continue
		}
		connected = true
		if seen := c.lastPong(); seen.After(latest) {
			latest = seen
		}
	}
	if !connected {
		return domain.ConnectionStatus{}
	}
	t := latest
	return domain.ConnectionStatus{Connected: true, LastPongAt: &t}
}

// PruneStale closes connections whose last pong is older than timeout.
// The read loop observes the close and deregisters.
func (h *Hub) PruneStale(timeout time.Duration) int {
	now := time.Now()
	pruned := 0
	for _, c := range h.snapshot() {
		last := c.lastPong()
		if now.Sub(last) <= timeout {
			continue
		}
		h.log.Warn("gateway channel heartbeat timeout", "conn_id", c.id, "last_pong", last.UTC().Format(time.RFC3339))
		h.closeClient(c)
		pruned++
	}
	return pruned
}

// ConnectionCount returns the number of open channels.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) snapshot() []*client {
	h.mu.RLock()
	out := make([]*client, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	h.mu.RUnlock()
	return out
}

func (h *Hub) send(c *client, payload any) {
	var err error
	if s, ok := payload.(string); ok {
		err = c.writeText([]byte(s))
	} else {
		err = c.writeJSON(payload)
	}
	if err != nil {
		h.log.Warn("gateway channel write failed", "conn_id", c.id, "err", err)
		h.closeClient(c)
	}
}

func (h *Hub) closeClient(c *client) {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	_ = c.conn.Close()
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	return c.conn.WriteJSON(v)
}

func (c *client) writeText(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *client) pendingStore(id string, ch chan CommandResponse) {
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
}

func (c *client) pendingDelete(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *client) dispatchResponse(resp CommandResponse) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
	close(ch)
}

func (c *client) closePending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.pendingMu.Unlock()
}

// facilityClient returns one open connection serving facilityID.
func (h *Hub) facilityClient(facilityID string) (*client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id := range h.byFacility[facilityID] {
		if c, ok := h.conns[id]; ok {
			return c, true
		}
	}
	return nil, false
}

func (c *client) touch(t time.Time) {
	c.lastPongUnixNano.Store(t.UnixNano())
}

func (c *client) lastPong() time.Time {
	n := c.lastPongUnixNano.Load()
	if n == 0 {
		return time.Unix(0, 0)
	}
	return time.Unix(0, n)
}
