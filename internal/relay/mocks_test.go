package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/peerwave/signaling/internal/bus"
	"github.com/peerwave/signaling/internal/signal"
)

// mockConn stands in for a WebSocket connection. Frames pushed into incoming
// come back out of ReadMessage; text frames written by the session land in
// writes. Closing the conn makes ReadMessage fail, like a dropped socket.
type mockConn struct {
	incoming chan []byte
	writes   chan []byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{
		incoming: make(chan []byte, 16),
		writes:   make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
}

func (c *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.incoming:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *mockConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed network connection")
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	select {
	case c.writes <- data:
		return nil
	default:
		return errors.New("mock write buffer full")
	}
}

func (c *mockConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *mockConn) SetWriteDeadline(time.Time) error { return nil }

// deliver feeds a raw frame to the session's read loop.
func (c *mockConn) deliver(t *testing.T, frame []byte) {
	t.Helper()
	select {
	case c.incoming <- frame:
	case <-time.After(time.Second):
		t.Fatal("mock incoming buffer full")
	}
}

func (c *mockConn) deliverEnvelope(t *testing.T, env signal.Envelope) {
	t.Helper()
	data, err := signal.Encode(env)
	require.NoError(t, err)
	c.deliver(t, data)
}

// mockBridge records publishes and lets tests inject remote envelopes. It
// follows the Bridge contract: subscriptions are refcounted with handler
// rebind, and publishes into an unsubscribed room are dropped.
type mockBridge struct {
	mu        sync.Mutex
	subs      map[string]*mockSubscription
	published []signal.Envelope
}

type mockSubscription struct {
	handler bus.Handler
	refs    int
}

func newMockBridge() *mockBridge {
	return &mockBridge{subs: make(map[string]*mockSubscription)}
}

func (b *mockBridge) Subscribe(_ context.Context, roomID string, handler bus.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[roomID]; ok {
		sub.refs++
		sub.handler = handler
		return
	}
	b.subs[roomID] = &mockSubscription{handler: handler, refs: 1}
}

func (b *mockBridge) Unsubscribe(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[roomID]; ok {
		sub.refs--
		if sub.refs <= 0 {
			delete(b.subs, roomID)
		}
	}
}

func (b *mockBridge) Publish(_ context.Context, roomID string, env signal.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[roomID]; !ok {
		return nil
	}
	b.published = append(b.published, env)
	return nil
}

func (b *mockBridge) Subscribed(roomID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[roomID]
	return ok
}

func (b *mockBridge) Ping(context.Context) error { return nil }

func (b *mockBridge) Close() error { return nil }

// inject replays an envelope as if it arrived from another instance.
func (b *mockBridge) inject(roomID string, env signal.Envelope) {
	b.mu.Lock()
	var handler bus.Handler
	if sub := b.subs[roomID]; sub != nil {
		handler = sub.handler
	}
	b.mu.Unlock()
	if handler != nil {
		handler(env)
	}
}

func (b *mockBridge) publishedTypes() []signal.Type {
	b.mu.Lock()
	defer b.mu.Unlock()
	types := make([]signal.Type, 0, len(b.published))
	for _, env := range b.published {
		types = append(types, env.Type)
	}
	return types
}

func defaultTestSettings() Settings {
	return Settings{
		HeartbeatInterval: 0, // heartbeat off unless a test turns it on
		PongTimeout:       time.Second,
		DisconnectTimeout: 200 * time.Millisecond,
		MessageCacheLimit: 8,
		DevelopmentMode:   true,
	}
}

// dial wires a mock connection into the hub the same way ServeWs does.
func dial(h *Hub, roomID, passwordHash string) (*mockConn, *Session) {
	conn := newMockConn()
	room := h.getOrCreateRoom(signal.RoomID(roomID), passwordHash)
	sess := newSession(conn, room, "mock:0")
	room.attachSession(sess)

	go sess.writePump()
	sess.SendEnvelope(signal.ConnectedEnvelope(room.PasswordHash()))
	go sess.readPump()
	return conn, sess
}

func descriptor(id, name string) signal.ClientInfo {
	return signal.ClientInfo{ClientID: signal.ClientID(id), Name: name, CreatedAt: time.Now().UnixMilli()}
}

func resumeDescriptor(id, name string) signal.ClientInfo {
	d := descriptor(id, name)
	d.Resume = true
	return d
}

// nextEnvelope waits for the next frame written to conn and decodes it.
func nextEnvelope(t *testing.T, conn *mockConn) signal.Envelope {
	t.Helper()
	select {
	case frame := <-conn.writes:
		env, err := signal.Decode(frame)
		require.NoError(t, err)
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return signal.Envelope{}
	}
}

// expectSilence asserts no frame reaches conn within d.
func expectSilence(t *testing.T, conn *mockConn, d time.Duration) {
	t.Helper()
	select {
	case frame := <-conn.writes:
		t.Fatalf("unexpected frame: %s", frame)
	case <-time.After(d):
	}
}

func clientIDOf(t *testing.T, env signal.Envelope) signal.ClientID {
	t.Helper()
	info, err := env.Client()
	require.NoError(t, err)
	return info.ClientID
}

func waitForClients(t *testing.T, r *Room, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.ClientCount() == n },
		2*time.Second, 5*time.Millisecond)
}

// join performs the join handshake for a descriptor and waits until the
// room has recorded it.
func join(t *testing.T, h *Hub, conn *mockConn, roomID string, info signal.ClientInfo) {
	t.Helper()
	conn.deliverEnvelope(t, signal.JoinEnvelope(info))
	room := h.lookupRoom(signal.RoomID(roomID))
	require.NotNil(t, room)
	require.Eventually(t, func() bool {
		room.mu.Lock()
		defer room.mu.Unlock()
		rec := room.records[info.ClientID]
		return rec != nil && !rec.inGracePeriod()
	}, 2*time.Second, 5*time.Millisecond)
}

func messageEnvelope(t *testing.T, from, to signal.ClientID, payload string) signal.Envelope {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"clientId":       from,
		"targetClientId": to,
		"payload":        payload,
	})
	require.NoError(t, err)
	return signal.Envelope{Type: signal.TypeMessage, Data: data}
}
