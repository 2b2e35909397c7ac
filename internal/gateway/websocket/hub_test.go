package websocket

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compasshq/compass/internal/common/logger"
	"github.com/compasshq/compass/internal/db"
	"github.com/compasshq/compass/internal/events"
	"github.com/compasshq/compass/internal/events/bus"
	"github.com/compasshq/compass/internal/integration/models"
	"github.com/compasshq/compass/internal/integration/store"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// newStreamServer starts a hub and serves the stream route over httptest.
func newStreamServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := testLogger(t)

	hub := NewHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	router := gin.New()
	NewHandler(hub, log).RegisterHTTPRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialStream(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/integrations/stream?user_id=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readStatus(t *testing.T, conn *websocket.Conn) *StatusMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg StatusMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return &msg
}

func TestStream_RequiresUserID(t *testing.T) {
	_, srv := newStreamServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/integrations/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHub_BroadcastReachesOwningUserOnly(t *testing.T) {
	hub, srv := newStreamServer(t)

	alice := dialStream(t, srv, "alice")
	bob := dialStream(t, srv, "bob")

	require.Eventually(t, func() bool { return hub.ClientCount() == 2 },
		2*time.Second, 10*time.Millisecond)

	hub.Broadcast("alice", &StatusMessage{
		Subject: events.SyncCompleted,
		UserID:  "alice",
		Data:    map[string]any{"items": 3},
	})

	msg := readStatus(t, alice)
	assert.Equal(t, events.SyncCompleted, msg.Subject)
	assert.Equal(t, "alice", msg.UserID)

	// Bob's stream stays silent.
	bob.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := bob.ReadMessage()
	require.Error(t, err)
}

func TestHub_DisconnectDropsClient(t *testing.T) {
	hub, srv := newStreamServer(t)

	conn := dialStream(t, srv, "alice")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestForwarder_RoutesBusEventsToStream(t *testing.T) {
	hub, srv := newStreamServer(t)
	log := testLogger(t)

	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })
	wrapped := db.WrapSQLite(conn)
	st, err := store.NewStore(db.NewPool(wrapped, wrapped))
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	fwd := NewForwarder(hub, eventBus, st, log)
	require.NoError(t, fwd.Start())
	t.Cleanup(fwd.Stop)

	stream := dialStream(t, srv, "alice")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	err = eventBus.Publish(context.Background(), events.SyncStarted,
		bus.NewEvent(events.SyncStarted, "integration", map[string]any{
			"integration_id": "int-1",
			"user_id":        "alice",
			"provider":       "github",
		}))
	require.NoError(t, err)

	msg := readStatus(t, stream)
	assert.Equal(t, events.SyncStarted, msg.Subject)
	assert.Equal(t, "alice", msg.UserID)
}

func TestForwarder_ResolvesUserFromStore(t *testing.T) {
	hub, srv := newStreamServer(t)
	log := testLogger(t)

	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })
	wrapped := db.WrapSQLite(conn)
	st, err := store.NewStore(db.NewPool(wrapped, wrapped))
	require.NoError(t, err)

	in := &models.Integration{UserID: "alice", Provider: "github"}
	require.NoError(t, st.CreateIntegration(context.Background(), in))

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	fwd := NewForwarder(hub, eventBus, st, log)
	require.NoError(t, fwd.Start())
	t.Cleanup(fwd.Stop)

	stream := dialStream(t, srv, "alice")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// No user_id in the payload: the forwarder falls back to the store.
	err = eventBus.Publish(context.Background(), events.ItemIngested,
		bus.NewEvent(events.ItemIngested, "ingest", map[string]any{
			"integration_id": in.ID,
			"source_id":      "issue:1",
		}))
	require.NoError(t, err)

	msg := readStatus(t, stream)
	assert.Equal(t, events.ItemIngested, msg.Subject)
	assert.Equal(t, "alice", msg.UserID)
}
