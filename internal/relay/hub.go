package relay

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peerwave/signaling/internal/bus"
	"github.com/peerwave/signaling/internal/logging"
	"github.com/peerwave/signaling/internal/metrics"
	"github.com/peerwave/signaling/internal/signal"
)

const maxFrameSize = 64 * 1024

// Settings carries the tunables of the relay core.
type Settings struct {
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	DisconnectTimeout time.Duration
	MessageCacheLimit int
	AllowedOrigins    []string
	DevelopmentMode   bool
}

// Hub is the process-global room manager: it creates rooms lazily on first
// connection, destroys them once empty, and runs the heartbeat supervisor
// over all of them.
type Hub struct {
	mu    sync.Mutex
	rooms map[signal.RoomID]*Room

	bridge   bus.Bridge
	settings Settings
	upgrader websocket.Upgrader

	heartbeatStop chan struct{}
	heartbeatWG   sync.WaitGroup
}

// NewHub creates a Hub and starts its heartbeat supervisor.
func NewHub(settings Settings, bridge bus.Bridge) *Hub {
	h := &Hub{
		rooms:         make(map[signal.RoomID]*Room),
		bridge:        bridge,
		settings:      settings,
		heartbeatStop: make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, settings.AllowedOrigins, settings.DevelopmentMode)
		},
	}

	if settings.HeartbeatInterval > 0 {
		h.heartbeatWG.Add(1)
		go h.runHeartbeat()
	}
	return h
}

func originAllowed(r *http.Request, allowed []string, devMode bool) bool {
	if devMode {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin; nothing to enforce.
		return true
	}
	for _, a := range allowed {
		if origin == a {
			return true
		}
	}
	return false
}

// ServeWs upgrades a request carrying a room query parameter to a WebSocket
// session. Anything else is a 404, matching the single-endpoint contract.
func (h *Hub) ServeWs(c *gin.Context) {
	roomID := c.Query("room")
	if roomID == "" || !websocket.IsWebSocketUpgrade(c.Request) {
		c.Status(http.StatusNotFound)
		return
	}
	passwordHash := c.Query("pwd")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the response.
		logging.Warn(c.Request.Context(), "WebSocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxFrameSize)

	room := h.getOrCreateRoom(signal.RoomID(roomID), passwordHash)
	sess := newSession(conn, room, c.Request.RemoteAddr)
	room.attachSession(sess)
	metrics.IncConnection()

	go sess.writePump()
	// The handshake echo is the first frame on the wire, queued before the
	// read loop can produce anything.
	sess.SendEnvelope(signal.ConnectedEnvelope(room.PasswordHash()))
	go sess.readPump()

	logging.Info(sess.logCtx(), "Session accepted",
		zap.String("roomId", roomID), zap.String("remoteAddr", c.Request.RemoteAddr))
}

// getOrCreateRoom returns the room for roomID, creating it with the
// first connector's password hash when absent. The hash of later
// connectors is ignored.
func (h *Hub) getOrCreateRoom(roomID signal.RoomID, passwordHash string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[roomID]; ok {
		return r
	}

	logging.Info(context.Background(), "Creating room", zap.String("roomId", string(roomID)))
	r := newRoom(roomID, passwordHash, h.bridge, h.removeRoomIfEmpty,
		h.settings.DisconnectTimeout, h.settings.MessageCacheLimit)
	h.rooms[roomID] = r
	metrics.ActiveRooms.Inc()
	return r
}

// lookupRoom returns the room for roomID, or nil.
func (h *Hub) lookupRoom(roomID signal.RoomID) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[roomID]
}

// removeRoomIfEmpty destroys a room whose registry has drained, then drops
// its bridge subscription. A connection that raced the check keeps the room.
func (h *Hub) removeRoomIfEmpty(roomID signal.RoomID) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok || !r.Empty() {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, roomID)
	h.mu.Unlock()

	// The final leave is published asynchronously; let in-flight publishes
	// reach the bridge before the subscription goes away, or Publish would
	// see an unsubscribed room and drop them.
	r.waitPublishes()
	h.bridge.Unsubscribe(string(roomID))
	metrics.ActiveRooms.Dec()
	metrics.RoomClients.DeleteLabelValues(string(roomID))
	logging.Info(context.Background(), "Removed empty room", zap.String("roomId", string(roomID)))
}

// runHeartbeat is the liveness supervisor: one ticker for the whole process,
// sweeping rooms in deterministic roomId order.
func (h *Hub) runHeartbeat() {
	defer h.heartbeatWG.Done()

	pingFrame, _ := signal.Encode(signal.PingEnvelope())
	ticker := time.NewTicker(h.settings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.heartbeatStop:
			return
		case now := <-ticker.C:
			for _, r := range h.snapshotRooms() {
				r.sweep(now, h.settings.PongTimeout, pingFrame)
			}
		}
	}
}

func (h *Hub) snapshotRooms() []*Room {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

// Shutdown stops the heartbeat and closes every room. Records are dropped
// before sessions close, so shutdown never starts grace periods.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down hub, closing all rooms")

	close(h.heartbeatStop)
	h.heartbeatWG.Wait()

	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for id, r := range h.rooms {
		rooms = append(rooms, r)
		delete(h.rooms, id)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, r := range rooms {
			r.close()
			h.bridge.Unsubscribe(string(r.ID))
			metrics.ActiveRooms.Dec()
		}
	}()

	select {
	case <-done:
		logging.Info(ctx, "All rooms closed", zap.Int("count", len(rooms)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
