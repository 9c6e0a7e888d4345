package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peerwave/signaling/internal/logging"
	"github.com/peerwave/signaling/internal/metrics"
	"github.com/peerwave/signaling/internal/signal"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error) // Read the next message from the connection
	WriteMessage(messageType int, data []byte) error     // Write a message to the connection
	Close() error                                        // Close the connection
	SetWriteDeadline(t time.Time) error
}

// Session is one live WebSocket connection. It is created on accept with its
// room and password-hash bound from the URL, and stays anonymous until a join
// binds a clientId. Writes go through a buffered channel so no caller ever
// blocks on the socket.
type Session struct {
	id         string
	room       *Room
	remoteAddr string

	conn      wsConnection
	send      chan []byte
	createdAt time.Time

	mu        sync.RWMutex
	clientID  signal.ClientID
	closed    bool
	closeOnce sync.Once
}

func newSession(conn wsConnection, room *Room, remoteAddr string) *Session {
	return &Session{
		id:         uuid.New().String(),
		room:       room,
		remoteAddr: remoteAddr,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		createdAt:  time.Now(),
	}
}

// ID returns the server-assigned session identifier, used in logs only.
func (s *Session) ID() string {
	return s.id
}

// ClientID returns the clientId bound by join, or "" while unidentified.
func (s *Session) ClientID() signal.ClientID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID
}

func (s *Session) bindClientID(id signal.ClientID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientID = id
}

// Open reports whether the session can still accept writes.
func (s *Session) Open() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

// Close marks the session closed and lets the write pump drain its buffer,
// emit a close frame and tear down the connection. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.send)
	})
}

// Send queues a pre-encoded frame for delivery. It reports false when the
// session is closed or its buffer is full; callers decide whether to cache.
func (s *Session) Send(data []byte) bool {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false
	}
	s.mu.RUnlock()

	// The closed check races with Close; recover keeps a lost race from
	// propagating out of the router.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send to closing session",
				zap.String("sessionId", s.id), zap.Any("panic", r))
		}
	}()

	select {
	case s.send <- data:
		return true
	default:
		logging.Warn(context.Background(), "Session send buffer full, dropping frame",
			zap.String("sessionId", s.id), zap.String("clientId", string(s.ClientID())))
		return false
	}
}

// SendEnvelope encodes and queues an envelope.
func (s *Session) SendEnvelope(env signal.Envelope) bool {
	data, err := signal.Encode(env)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode envelope", zap.Error(err))
		return false
	}
	return s.Send(data)
}

// readPump decodes inbound text frames and feeds them to the room router.
// It owns the connection teardown: when the read side ends, the room is told
// the socket closed so the grace protocol can start.
func (s *Session) readPump() {
	defer func() {
		s.room.handleSocketClosed(s)
		s.Close()
		_ = s.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		env, err := signal.Decode(data)
		if err != nil {
			logging.Warn(s.logCtx(), "Dropping bad frame", zap.Error(err))
			continue
		}
		s.room.route(s, env)
	}
}

func (s *Session) writePump() {
	defer func() { _ = s.conn.Close() }()

	for message := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(s.logCtx(), "Error writing frame", zap.Error(err))
			return
		}
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (s *Session) logCtx() context.Context {
	ctx := context.WithValue(context.Background(), logging.SessionIDKey, s.id)
	ctx = context.WithValue(ctx, logging.RoomIDKey, string(s.room.ID))
	if cid := s.ClientID(); cid != "" {
		ctx = context.WithValue(ctx, logging.ClientIDKey, string(cid))
	}
	return ctx
}
