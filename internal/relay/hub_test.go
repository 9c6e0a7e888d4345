package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/peerwave/signaling/internal/signal"
)

func TestGetOrCreateRoomIsIdempotent(t *testing.T) {
	h := NewHub(defaultTestSettings(), newMockBridge())
	defer func() { _ = h.Shutdown(context.Background()) }()

	r1 := h.getOrCreateRoom("lobby", "hash1")
	r2 := h.getOrCreateRoom("lobby", "hash2")

	assert.Same(t, r1, r2)
	// The first connector's hash wins; later ones are ignored.
	assert.Equal(t, "hash1", r2.PasswordHash())

	r3 := h.getOrCreateRoom("other", "")
	assert.NotSame(t, r1, r3)
}

func TestRoomCreationSubscribesBridge(t *testing.T) {
	bridge := newMockBridge()
	h := NewHub(defaultTestSettings(), bridge)
	defer func() { _ = h.Shutdown(context.Background()) }()

	h.getOrCreateRoom("lobby", "")
	assert.True(t, bridge.Subscribed("lobby"))
}

func TestRoomRemovedWhenLastClientLeaves(t *testing.T) {
	bridge := newMockBridge()
	h := NewHub(defaultTestSettings(), bridge)
	defer func() { _ = h.Shutdown(context.Background()) }()

	conn, _ := dial(h, "lobby", "")
	nextEnvelope(t, conn)
	join(t, h, conn, "lobby", descriptor("alice", "Alice"))
	require.True(t, bridge.Subscribed("lobby"))

	conn.deliverEnvelope(t, signal.LeaveEnvelope(descriptor("alice", "Alice")))

	require.Eventually(t, func() bool {
		return h.lookupRoom("lobby") == nil && !bridge.Subscribed("lobby")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFinalLeaveReachesBridgeBeforeTeardown(t *testing.T) {
	bridge := newMockBridge()
	h := NewHub(defaultTestSettings(), bridge)
	defer func() { _ = h.Shutdown(context.Background()) }()

	conn, _ := dial(h, "lobby", "")
	nextEnvelope(t, conn)
	join(t, h, conn, "lobby", descriptor("alice", "Alice"))

	// The last client leaving empties the room. Its departure must still
	// make it onto the bridge even though the subscription is torn down
	// right after.
	conn.deliverEnvelope(t, signal.LeaveEnvelope(descriptor("alice", "Alice")))

	require.Eventually(t, func() bool {
		if h.lookupRoom("lobby") != nil || bridge.Subscribed("lobby") {
			return false
		}
		for _, typ := range bridge.publishedTypes() {
			if typ == signal.TypeLeave {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRoomRemovedAfterGraceExpiryDrainsIt(t *testing.T) {
	bridge := newMockBridge()
	h := NewHub(defaultTestSettings(), bridge)
	defer func() { _ = h.Shutdown(context.Background()) }()

	conn, _ := dial(h, "lobby", "")
	nextEnvelope(t, conn)
	join(t, h, conn, "lobby", descriptor("alice", "Alice"))

	// The socket drops; once the grace period lapses the room is empty
	// and gets destroyed.
	_ = conn.Close()
	require.Eventually(t, func() bool {
		return h.lookupRoom("lobby") == nil && !bridge.Subscribed("lobby")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRoomSurvivesWhileSessionUnidentified(t *testing.T) {
	h := NewHub(defaultTestSettings(), newMockBridge())
	defer func() { _ = h.Shutdown(context.Background()) }()

	conn, _ := dial(h, "lobby", "")
	nextEnvelope(t, conn)

	// No join yet: zero records, but the pending session keeps the room.
	room := h.lookupRoom("lobby")
	require.NotNil(t, room)
	assert.Equal(t, 0, room.ClientCount())
	assert.False(t, room.Empty())
}

func TestShutdownClosesSessionsWithoutGrace(t *testing.T) {
	bridge := newMockBridge()
	h := NewHub(defaultTestSettings(), bridge)

	connA, sessA := dial(h, "lobby", "")
	nextEnvelope(t, connA)
	join(t, h, connA, "lobby", descriptor("alice", "Alice"))

	connB, sessB := dial(h, "annex", "")
	nextEnvelope(t, connB)
	join(t, h, connB, "annex", descriptor("bob", "Bob"))

	require.NoError(t, h.Shutdown(context.Background()))

	require.Eventually(t, func() bool { return !sessA.Open() && !sessB.Open() },
		2*time.Second, 5*time.Millisecond)
	assert.Nil(t, h.lookupRoom("lobby"))
	assert.Nil(t, h.lookupRoom("annex"))
	assert.False(t, bridge.Subscribed("lobby"))
	assert.False(t, bridge.Subscribed("annex"))

	// Shutdown never announces departures.
	for _, typ := range bridge.publishedTypes() {
		assert.NotEqual(t, signal.TypeLeave, typ)
	}
}

func TestShutdownLeaksNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	settings := defaultTestSettings()
	settings.HeartbeatInterval = 20 * time.Millisecond
	h := NewHub(settings, newMockBridge())

	connA, _ := dial(h, "lobby", "")
	nextEnvelope(t, connA)
	join(t, h, connA, "lobby", descriptor("alice", "Alice"))

	connB, _ := dial(h, "lobby", "")
	nextEnvelope(t, connB)
	join(t, h, connB, "lobby", descriptor("bob", "Bob"))

	require.NoError(t, h.Shutdown(context.Background()))
}

func newTestServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", h.ServeWs)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func TestServeWsHandshakeOverRealSocket(t *testing.T) {
	h := NewHub(defaultTestSettings(), newMockBridge())
	defer func() { _ = h.Shutdown(context.Background()) }()
	server := newTestServer(t, h)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?room=integration&pwd=s3cret"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer ws.Close()

	_, frame, err := ws.ReadMessage()
	require.NoError(t, err)

	env, err := signal.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, signal.TypeConnected, env.Type)

	var hash string
	require.NoError(t, json.Unmarshal(env.Data, &hash))
	assert.Equal(t, "s3cret", hash)
}

func TestServeWsRequiresRoomParameter(t *testing.T) {
	h := NewHub(defaultTestSettings(), newMockBridge())
	defer func() { _ = h.Shutdown(context.Background()) }()
	server := newTestServer(t, h)

	resp, err := http.Get(server.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// A plain HTTP request with a room is still not an upgrade.
	resp2, err := http.Get(server.URL + "/ws?room=lobby")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestServeWsJoinRoundTrip(t *testing.T) {
	h := NewHub(defaultTestSettings(), newMockBridge())
	defer func() { _ = h.Shutdown(context.Background()) }()
	server := newTestServer(t, h)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?room=integration"

	wsA, respA, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer respA.Body.Close()
	defer wsA.Close()
	_, _, err = wsA.ReadMessage() // connected
	require.NoError(t, err)

	joinFrame, err := signal.Encode(signal.JoinEnvelope(descriptor("alice", "Alice")))
	require.NoError(t, err)
	require.NoError(t, wsA.WriteMessage(websocket.TextMessage, joinFrame))

	room := h.lookupRoom("integration")
	require.NotNil(t, room)
	waitForClients(t, room, 1)

	wsB, respB, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer respB.Body.Close()
	defer wsB.Close()
	_, _, err = wsB.ReadMessage() // connected
	require.NoError(t, err)

	joinFrame, err = signal.Encode(signal.JoinEnvelope(descriptor("bob", "Bob")))
	require.NoError(t, err)
	require.NoError(t, wsB.WriteMessage(websocket.TextMessage, joinFrame))

	// Alice hears bob's join over the real socket.
	require.NoError(t, wsA.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := wsA.ReadMessage()
	require.NoError(t, err)

	env, err := signal.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, signal.TypeJoin, env.Type)
	assert.Equal(t, signal.ClientID("bob"), clientIDOf(t, env))
}
