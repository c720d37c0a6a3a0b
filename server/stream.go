package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teranos/tock/pulse/async"
)

// WebSocket timeouts, see github.com/gorilla/websocket/examples/chat
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // must be less than pongWait
	maxMessageSize = 4096
	clientBuffer   = 64
	MaxClients     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// runStream fans run transitions from the tracker out to websocket clients.
// A client that cannot keep up loses events rather than stalling the hub.
type runStream struct {
	server  *TockServer
	mu      sync.RWMutex
	clients map[*streamClient]bool
	drops   atomic.Int64
}

// streamClient is one websocket subscriber, optionally filtered
type streamClient struct {
	id     string
	conn   *websocket.Conn
	send   chan async.RunEvent
	tenant string
	status async.RunStatus
	once   sync.Once
}

func newRunStream(s *TockServer) *runStream {
	return &runStream{server: s, clients: make(map[*streamClient]bool)}
}

// run forwards tracker events until ctx is done
func (h *runStream) run(ctx context.Context, events chan async.RunEvent) {
	defer h.server.tracker.Unsubscribe(events)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *runStream) broadcast(ev async.RunEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- ev:
		default:
			h.drops.Add(1)
		}
	}
}

func (h *runStream) register(c *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= MaxClients {
		return false
	}
	h.clients[c] = true
	return true
}

func (h *runStream) unregister(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *runStream) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *runStream) closeAll() {
	h.mu.Lock()
	clients := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (c *streamClient) wants(ev async.RunEvent) bool {
	if ev.Run == nil {
		return false
	}
	if c.tenant != "" && ev.Run.TenantID != c.tenant {
		return false
	}
	return c.status == "" || ev.Run.Status == c.status
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

// handleRunStream upgrades to a websocket that receives RunEvent JSON
// messages. ?tenant= and ?status= narrow the stream.
func (s *TockServer) handleRunStream(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !async.IsValidStatus(status) {
		writeError(w, http.StatusBadRequest, "Invalid status: "+status)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		s.logger.Debugw("WebSocket upgrade failed", "error", err)
		return
	}

	c := &streamClient{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan async.RunEvent, clientBuffer),
		tenant: r.URL.Query().Get("tenant"),
		status: async.RunStatus(status),
	}
	if !s.stream.register(c) {
		s.logger.Warnw("Max stream clients reached, rejecting connection", "max_clients", MaxClients)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many clients"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	s.logger.Infow("Run stream client connected", "client_id", c.id, "tenant", c.tenant, "total_clients", s.stream.clientCount())

	go s.writePump(c)
	s.readPump(c)
}

// readPump only services control frames; clients do not send data
func (s *TockServer) readPump(c *streamClient) {
	defer s.stream.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Debugw("Run stream read error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

func (s *TockServer) writePump(c *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				s.logger.Debugw("Run stream write error", "client_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
