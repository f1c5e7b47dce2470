package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/generativebots/acp-backend/internal/events"
)

func dialDesk(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/desk" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

func TestDeskStreamRequiresTenant(t *testing.T) {
	h := newAPIHarness(t)
	srv := httptest.NewServer(h.server.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/desk"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDeskStreamDeliversTenantEvents(t *testing.T) {
	h := newAPIHarness(t)
	srv := httptest.NewServer(h.server.Router())
	defer srv.Close()

	conn := dialDesk(t, srv, "?tenant="+testTenant)

	// The greeting confirms the subscription is live before we publish.
	greeting := readFrame(t, conn)
	assert.Equal(t, "acp.desk.connected", greeting["type"])
	assert.Equal(t, testTenant, greeting["tenantid"])

	h.bus.Publish(events.NewEvent(events.TypeOutboxSuccess, "/worker", "env-other", otherTenant, nil))
	h.bus.Publish(events.NewEvent(events.TypeOutboxSuccess, "/worker", "env-mine", testTenant, map[string]interface{}{
		"tool_slug": "SLACK__chat.postMessage",
	}))

	// The other tenant's event is filtered out; ours arrives first.
	frame := readFrame(t, conn)
	assert.Equal(t, events.TypeOutboxSuccess, frame["type"])
	assert.Equal(t, "env-mine", frame["subject"])
	assert.Equal(t, testTenant, frame["tenantid"])
}

func TestDeskStreamDeliversPlatformEvents(t *testing.T) {
	h := newAPIHarness(t)
	srv := httptest.NewServer(h.server.Router())
	defer srv.Close()

	conn := dialDesk(t, srv, "?tenant="+testTenant)
	readFrame(t, conn) // greeting

	// Events published without a tenant reach every desk.
	h.bus.Publish(events.NewEvent(events.TypeCatalogSynced, "/catalog", "", "", map[string]interface{}{
		"entries": 12,
	}))

	frame := readFrame(t, conn)
	assert.Equal(t, events.TypeCatalogSynced, frame["type"])
}
