package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/generativebots/acp-backend/internal/events"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	maxMsgSize = 4096             // Desk clients only send control traffic
)

// buildCheckOrigin returns the upgrade origin policy. In production only the
// configured origins are accepted; dev and staging allow everything.
func buildCheckOrigin(env string, allowedOrigins []string) func(r *http.Request) bool {
	if env == "production" && len(allowedOrigins) > 0 {
		allowed := make(map[string]bool, len(allowedOrigins))
		for _, origin := range allowedOrigins {
			allowed[strings.TrimSpace(origin)] = true
		}
		slog.Info("Desk stream origin allowlist active", "count", len(allowed))
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			slog.Info("Rejected desk stream connection", "origin", origin)
			return false
		}
	}

	if env == "production" {
		slog.Warn("ACP_ALLOWED_ORIGINS not set in production — allowing all origins")
	}
	return func(r *http.Request) bool {
		return true
	}
}

// deskClient is one WebSocket subscriber to the control-plane event stream.
// All writes go through writePump; readPump only services pongs and close
// frames.
type deskClient struct {
	conn   *websocket.Conn
	bus    *events.Bus
	events chan *events.Event
	done   chan struct{}
	once   sync.Once
	tenant string
}

// handleDeskStream upgrades the request and streams the tenant's bus events
// until the peer goes away. Slow clients drop events at the bus rather than
// stalling publishers.
func (s *Server) handleDeskStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "Desk stream not configured", http.StatusNotImplemented)
		return
	}

	tenantID := r.Header.Get("X-Tenant-ID")
	if tenantID == "" {
		tenantID = r.URL.Query().Get("tenant")
	}
	if tenantID == "" {
		http.Error(w, "Missing Tenant Context (X-Tenant-ID or ?tenant=)", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Desk stream upgrade failed", "error", err)
		return
	}

	client := &deskClient{
		conn:   conn,
		bus:    s.bus,
		events: s.bus.Subscribe(),
		done:   make(chan struct{}),
		tenant: tenantID,
	}
	slog.Info("Desk stream connected", "tenant", tenantID)

	go client.writePump()
	go client.readPump()
}

// close tears the client down exactly once: the bus subscription is removed
// before the connection closes so Publish never writes to a dead channel.
func (c *deskClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.bus.Unsubscribe(c.events)
		c.conn.Close()
		slog.Info("Desk stream disconnected", "tenant", c.tenant)
	})
}

// writePump owns every write to the connection: the greeting, bus events,
// pings, and the close frame.
func (c *deskClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	greeting, _ := json.Marshal(map[string]interface{}{
		"type":     "acp.desk.connected",
		"tenantid": c.tenant,
		"time":     time.Now().UTC(),
	})
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, greeting); err != nil {
		return
	}

	for {
		select {
		case event, ok := <-c.events:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// Events without a tenant are platform-wide; everything else is
			// filtered to the subscriber's tenant.
			if event.TenantID != "" && event.TenantID != c.tenant {
				continue
			}
			payload, err := event.JSON()
			if err != nil {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Warn("Desk stream write failed", "tenant", c.tenant, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump discards inbound frames; the stream is one-way. Reading is still
// required to service pongs and notice the peer closing.
func (c *deskClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				slog.Warn("Desk stream read error", "tenant", c.tenant, "error", err)
			}
			return
		}
	}
}
