// Package ws implements the WebSocket hub (§4.9): authenticated
// connections, room membership, and multi-instance fan-out fed by the
// event bus bridge.
package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexai-io/contract-intel/internal/metrics"
)

const (
	pingInterval = 25 * time.Second
	pongTimeout  = 60 * time.Second
)

// Authenticator verifies a bearer token and returns the connection's
// identity. Satisfied by an external collaborator; auth/RBAC proper is
// out of scope for this repo (§1).
type Authenticator interface {
	Authenticate(token string) (Principal, error)
}

// Principal is the identity attached to a connection on successful
// handshake.
type Principal struct {
	UserID   string
	TenantID string
	Role     string // "admin" or ""
}

// conn wraps one live WebSocket connection and its room membership.
type conn struct {
	id        string
	principal Principal
	socket    *websocket.Conn
	send      chan []byte
	rooms     map[string]bool
	mu        sync.Mutex
}

// Hub tracks live connections and their room memberships, and fans out
// events published by the eventbus bridge to every socket in a room.
type Hub struct {
	upgrader websocket.Upgrader
	auth     Authenticator
	log      zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*conn
	rooms map[string]map[string]bool // room -> set of conn IDs

	metrics *metrics.Collector
}

// NewHub constructs a Hub.
func NewHub(auth Authenticator, log zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		auth:     auth,
		log:      log.With().Str("component", "ws").Logger(),
		conns:    make(map[string]*conn),
		rooms:    make(map[string]map[string]bool),
	}
}

// SetMetrics attaches a metrics collector. Safe to call once after
// construction; nil is a valid no-op collector.
func (h *Hub) SetMetrics(m *metrics.Collector) {
	h.metrics = m
}

// ServeHTTP upgrades the connection, authenticates via the bearer token
// in the Authorization header, and auto-joins user:{userId} (and admin,
// for admin-role principals).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	principal, err := h.auth.Authenticate(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws: upgrade failed")
		return
	}

	c := &conn{
		id:        connID(),
		principal: principal,
		socket:    socket,
		send:      make(chan []byte, 32),
		rooms:     make(map[string]bool),
	}

	h.register(c)
	h.join(c, fmt.Sprintf("user:%s", principal.UserID))
	if principal.Role == "admin" {
		h.join(c, "admin")
	}

	go h.writePump(c)
	h.readPump(c)
}

// JoinOrg joins conn to org:{tenantId}, refusing cross-tenant joins.
func (h *Hub) JoinOrg(c *conn, tenantID string) error {
	if tenantID != c.principal.TenantID {
		return fmt.Errorf("cannot join org room for a different tenant")
	}
	h.join(c, fmt.Sprintf("org:%s", tenantID))
	return nil
}

// joinRequest is the client->server frame that requests membership in the
// org room (§4.9: "on explicit request it may join org:{tenantId}").
type joinRequest struct {
	Action   string `json:"action"`
	TenantID string `json:"tenantId"`
}

// handleClientMessage interprets one inbound frame. Only a join request is
// recognised today; anything else is ignored.
func (h *Hub) handleClientMessage(c *conn, raw []byte) {
	var req joinRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Action != "join" {
		return
	}
	if err := h.JoinOrg(c, req.TenantID); err != nil {
		h.sendError(c, err.Error())
	}
}

func (h *Hub) sendError(c *conn, message string) {
	frame, err := json.Marshal(map[string]any{"event": "error", "payload": map[string]string{"message": message}})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
	h.metrics.IncWSConnections()
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; ok {
		h.metrics.DecWSConnections()
	}
	delete(h.conns, c.id)
	for room := range c.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, c.id)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
}

func (h *Hub) join(c *conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.mu.Lock()
	c.rooms[room] = true
	c.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]bool)
	}
	h.rooms[room][c.id] = true
}

// Emit delivers an event to every connection currently in room. Fed by
// the eventbus bridge; never called directly across API instances (§9).
func (h *Hub) Emit(room, event string, payload json.RawMessage) {
	frame, err := json.Marshal(map[string]any{"event": event, "payload": payload})
	if err != nil {
		h.log.Warn().Err(err).Msg("ws: failed to marshal outbound frame")
		return
	}

	h.mu.RLock()
	members := h.rooms[room]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	conns := make([]*conn, 0, len(ids))
	for _, id := range ids {
		if c, ok := h.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		select {
		case c.send <- frame:
		default:
			h.log.Warn().Str("connId", c.id).Msg("ws: send buffer full, dropping frame")
		}
	}
}

func (h *Hub) readPump(c *conn) {
	defer func() {
		h.unregister(c)
		c.socket.Close()
	}()
	c.socket.SetReadDeadline(time.Now().Add(pongTimeout))
	c.socket.SetPongHandler(func(string) error {
		c.socket.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	for {
		_, msg, err := c.socket.ReadMessage()
		if err != nil {
			return
		}
		h.handleClientMessage(c, msg)
	}
}

func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.socket.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

var connSeq uint64
var connSeqMu sync.Mutex

func connID() string {
	connSeqMu.Lock()
	defer connSeqMu.Unlock()
	connSeq++
	return fmt.Sprintf("c%d-%d", time.Now().UnixNano(), connSeq)
}
