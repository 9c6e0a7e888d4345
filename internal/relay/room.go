package relay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peerwave/signaling/internal/bus"
	"github.com/peerwave/signaling/internal/logging"
	"github.com/peerwave/signaling/internal/metrics"
	"github.com/peerwave/signaling/internal/signal"
)

// Room owns the client registry for one roomId and routes every signal that
// concerns it: frames read from local sessions and envelopes re-injected
// from the distribution bridge. All registry state is guarded by a single
// mutex that is never held across a blocking socket write (session sends are
// non-blocking channel pushes).
type Room struct {
	ID           signal.RoomID
	passwordHash string // set by the first connector, immutable afterwards

	mu       sync.Mutex
	records  map[signal.ClientID]*clientRecord
	sessions map[*Session]struct{} // every attached session, identified or not
	closed   bool

	bridge  bus.Bridge
	onEmpty func(signal.RoomID)

	disconnectTimeout time.Duration
	cacheLimit        int

	wg         sync.WaitGroup
	publishSem chan struct{} // caps concurrent bridge publishes
}

func newRoom(id signal.RoomID, passwordHash string, bridge bus.Bridge, onEmpty func(signal.RoomID), disconnectTimeout time.Duration, cacheLimit int) *Room {
	r := &Room{
		ID:                id,
		passwordHash:      passwordHash,
		records:           make(map[signal.ClientID]*clientRecord),
		sessions:          make(map[*Session]struct{}),
		bridge:            bridge,
		onEmpty:           onEmpty,
		disconnectTimeout: disconnectTimeout,
		cacheLimit:        cacheLimit,
		publishSem:        make(chan struct{}, 100),
	}

	// Fire-and-forget and idempotent; remote envelopes re-enter the router
	// with no originating session.
	r.bridge.Subscribe(context.Background(), string(id), r.handleBridgeSignal)

	return r
}

// PasswordHash returns the hash stored at room creation. Later connectors'
// hashes are ignored; only this value is ever echoed.
func (r *Room) PasswordHash() string {
	return r.passwordHash
}

// Empty reports whether the room holds no client records and no sessions.
func (r *Room) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emptyLocked()
}

func (r *Room) emptyLocked() bool {
	return len(r.records) == 0 && len(r.sessions) == 0
}

// ClientCount returns the number of client records.
func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *Room) attachSession(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s] = struct{}{}
}

// route dispatches one inbound frame from a local session.
func (r *Room) route(s *Session, env signal.Envelope) {
	metrics.SignalsRouted.WithLabelValues(string(env.Type), "local").Inc()

	switch env.Type {
	case signal.TypeJoin:
		r.handleJoin(s, env)
	case signal.TypeLeave:
		r.handleLeave(s)
	case signal.TypeMessage:
		r.handleMessage(s, env)
	case signal.TypePing, signal.TypePong:
		// Both count as proof of life.
		r.touchLiveness(s)
	default:
		logging.Warn(s.logCtx(), "Dropping unexpected signal from client", zap.String("type", string(env.Type)))
	}
}

// handleJoin installs, rebinds or replaces the client record named by the
// descriptor, then fans the join out per the router rules.
func (r *Room) handleJoin(s *Session, env signal.Envelope) {
	info, err := env.Client()
	if err != nil {
		logging.Warn(s.logCtx(), "Dropping join with bad descriptor", zap.Error(err))
		return
	}

	var staleSession *Session

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	// A session re-identifying under a new clientId abandons its previous
	// record; without this the old record would outlive the socket and
	// never reach the grace path.
	if prev := s.ClientID(); prev != "" && prev != info.ClientID {
		if rec := r.records[prev]; rec != nil && rec.session == s {
			rec.cancelEvictTimer()
			delete(r.records, prev)
			leaveEnv := signal.LeaveEnvelope(rec.info)
			r.fanOutLocked(leaveEnv, prev)
			r.publish(leaveEnv)
			logging.Info(s.logCtx(), "Evicted prior record on clientId rebind",
				zap.String("previousClientId", string(prev)))
		}
	}

	existing := r.records[info.ClientID]

	// Resume during the grace period: cancel eviction, rebind the new
	// session and flush the cache. Nobody else is told anything. The flush
	// happens under the lock so no concurrent delivery to the rebound
	// session can slip in ahead of the backlog.
	if existing != nil && info.Resume && existing.inGracePeriod() {
		existing.cancelEvictTimer()
		staleSession = existing.session
		existing.session = s
		existing.info = info
		existing.lastPong = time.Now()
		s.bindClientID(info.ClientID)
		frames := existing.drainCache()
		for _, frame := range frames {
			s.Send(frame)
		}
		r.mu.Unlock()

		if staleSession != nil && staleSession != s {
			staleSession.Close()
		}
		logging.Info(s.logCtx(), "Client resumed within grace period",
			zap.String("clientId", string(info.ClientID)), zap.Int("flushed", len(frames)))
		return
	}

	// Rejoin without resume: the prior record is evicted first and its
	// departure is announced before the fresh install.
	if existing != nil {
		existing.cancelEvictTimer()
		staleSession = existing.session
		delete(r.records, info.ClientID)

		leaveEnv := signal.LeaveEnvelope(existing.info)
		r.fanOutLocked(leaveEnv, info.ClientID)
		r.publish(leaveEnv)
		logging.Info(s.logCtx(), "Evicted prior record on non-resume rejoin",
			zap.String("clientId", string(info.ClientID)))
	}

	rec := newClientRecord(info, s, r.cacheLimit)
	r.records[info.ClientID] = rec
	s.bindClientID(info.ClientID)

	// Fan out the join to everyone else and bootstrap the roster back to
	// the new session, in one pass over the registry.
	joinFrame, _ := signal.Encode(env)
	for id, other := range r.records {
		if id == info.ClientID {
			continue
		}
		r.deliverLocked(other, joinFrame)
		s.SendEnvelope(signal.JoinEnvelope(other.info))
	}
	metrics.RoomClients.WithLabelValues(string(r.ID)).Set(float64(len(r.records)))
	r.publish(env)
	r.mu.Unlock()

	if staleSession != nil && staleSession != s {
		staleSession.Close()
	}
	logging.Info(s.logCtx(), "Client joined room", zap.String("clientId", string(info.ClientID)))
}

// handleLeave evicts the session's record, announces the departure and
// closes the socket server-side.
func (r *Room) handleLeave(s *Session) {
	cid := s.ClientID()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	rec := r.records[cid]
	if cid == "" || rec == nil || rec.session != s {
		// Per-frame error: drop the frame, keep the session.
		r.mu.Unlock()
		logging.Warn(s.logCtx(), "Dropping leave from unknown client")
		return
	}

	rec.cancelEvictTimer()
	delete(r.records, cid)
	leaveEnv := signal.LeaveEnvelope(rec.info)
	r.fanOutLocked(leaveEnv, cid)
	r.publish(leaveEnv)
	r.updateClientGaugeLocked()
	empty := r.emptyLocked()
	r.mu.Unlock()

	s.Close()
	logging.Info(s.logCtx(), "Client left room", zap.String("clientId", string(cid)))

	if empty && r.onEmpty != nil {
		r.onEmpty(r.ID)
	}
}

// handleMessage forwards a point-to-point envelope to its local target, or
// hands it to the bridge when no local record exists.
func (r *Room) handleMessage(s *Session, env signal.Envelope) {
	minfo, err := env.Message()
	if err != nil {
		logging.Warn(s.logCtx(), "Dropping unroutable message", zap.Error(err))
		return
	}

	frame, err := signal.Encode(env)
	if err != nil {
		logging.Error(s.logCtx(), "Failed to re-encode message", zap.Error(err))
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	rec := r.records[minfo.TargetClientID]
	if rec != nil {
		// Never echo back to the sender.
		if rec.session != s {
			r.deliverLocked(rec, frame)
		}
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	// No local record: the target may live on another instance.
	r.publish(env)
}

// touchLiveness records proof of life for the record bound to s.
func (r *Room) touchLiveness(s *Session) {
	cid := s.ClientID()
	if cid == "" {
		return
	}
	r.mu.Lock()
	if rec := r.records[cid]; rec != nil && rec.session == s {
		rec.lastPong = time.Now()
	}
	r.mu.Unlock()
}

// handleSocketClosed drives the record into the grace period when its bound
// session's connection drops. A fired timer re-checks state under the lock,
// so a resume that raced the expiry wins.
func (r *Room) handleSocketClosed(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s)
	if r.closed {
		r.mu.Unlock()
		return
	}

	graceStarted := false
	cid := s.ClientID()
	if cid != "" {
		// A record bound to a superseded session is left alone.
		if rec := r.records[cid]; rec != nil && rec.session == s {
			rec.cancelEvictTimer()
			gen := rec.timerGen
			rec.evictTimer = time.AfterFunc(r.disconnectTimeout, func() {
				r.evictAfterGrace(cid, gen)
			})
			graceStarted = true
		}
	}
	empty := r.emptyLocked()
	r.mu.Unlock()

	if graceStarted {
		logging.Info(s.logCtx(), "Session closed, starting grace period",
			zap.String("clientId", string(cid)), zap.Duration("timeout", r.disconnectTimeout))
	}
	if empty && r.onEmpty != nil {
		r.onEmpty(r.ID)
	}
}

// evictAfterGrace completes a grace period that ended without a resume.
func (r *Room) evictAfterGrace(cid signal.ClientID, gen uint64) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	rec := r.records[cid]
	if rec == nil || rec.evictTimer == nil || rec.timerGen != gen {
		// A resume or a competing eviction got here first.
		r.mu.Unlock()
		return
	}

	rec.evictTimer = nil
	delete(r.records, cid)
	leaveEnv := signal.LeaveEnvelope(rec.info)
	r.fanOutLocked(leaveEnv, cid)
	r.publish(leaveEnv)
	r.updateClientGaugeLocked()
	empty := r.emptyLocked()
	r.mu.Unlock()

	logging.Info(context.WithValue(context.Background(), logging.RoomIDKey, string(r.ID)),
		"Grace period expired, client evicted", zap.String("clientId", string(cid)))

	if empty && r.onEmpty != nil {
		r.onEmpty(r.ID)
	}
}

// handleBridgeSignal re-enters an envelope that arrived from another
// instance. Remote signals are never published back to the bridge.
func (r *Room) handleBridgeSignal(env signal.Envelope) {
	metrics.SignalsRouted.WithLabelValues(string(env.Type), "remote").Inc()

	switch env.Type {
	case signal.TypeJoin, signal.TypeLeave:
		info, err := env.Client()
		if err != nil {
			logging.Warn(context.Background(), "Dropping remote signal with bad descriptor",
				zap.String("roomId", string(r.ID)), zap.Error(err))
			return
		}
		frame, _ := signal.Encode(env)

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		for id, rec := range r.records {
			// Echo guard: the descriptor's own record, if it migrated
			// here, never hears about itself.
			if id == info.ClientID {
				continue
			}
			r.deliverLocked(rec, frame)
		}
		r.mu.Unlock()

	case signal.TypeMessage:
		minfo, err := env.Message()
		if err != nil {
			logging.Warn(context.Background(), "Dropping unroutable remote message",
				zap.String("roomId", string(r.ID)), zap.Error(err))
			return
		}
		frame, _ := signal.Encode(env)

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		if rec := r.records[minfo.TargetClientID]; rec != nil {
			r.deliverLocked(rec, frame)
		}
		r.mu.Unlock()

	default:
		// connected/ping/pong are never distributed.
	}
}

// fanOutLocked delivers a fan-out envelope to every record except the one
// named, caching for records whose session is down. Caller holds r.mu.
func (r *Room) fanOutLocked(env signal.Envelope, except signal.ClientID) {
	frame, err := signal.Encode(env)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode fan-out envelope",
			zap.String("roomId", string(r.ID)), zap.Error(err))
		return
	}
	for id, rec := range r.records {
		if id == except {
			continue
		}
		r.deliverLocked(rec, frame)
	}
}

// deliverLocked writes a frame to a record's session if it is open, and
// appends to the record's cache otherwise. Caller holds r.mu; the session
// write is a non-blocking channel push so the lock is never held across I/O.
func (r *Room) deliverLocked(rec *clientRecord, frame []byte) {
	if rec.session.Open() && rec.session.Send(frame) {
		return
	}
	rec.cacheFrame(frame)
}

// publish hands an envelope to the bridge from a bounded pool of goroutines
// so a slow backend never stalls the router.
func (r *Room) publish(env signal.Envelope) {
	select {
	case r.publishSem <- struct{}{}:
		r.wg.Add(1)
		go func() {
			defer func() {
				<-r.publishSem
				r.wg.Done()
			}()
			_ = r.bridge.Publish(context.Background(), string(r.ID), env)
		}()
	default:
		logging.Warn(context.Background(), "Dropping bridge publish, queue full", zap.String("roomId", string(r.ID)))
	}
}

// waitPublishes blocks until every in-flight bridge publish has finished.
func (r *Room) waitPublishes() {
	r.wg.Wait()
}

// sweep is one heartbeat pass: close sessions past the pong deadline, ping
// the rest. Closes happen after the lock is released.
func (r *Room) sweep(now time.Time, pongTimeout time.Duration, pingFrame []byte) {
	var stale []*Session

	r.mu.Lock()
	for _, rec := range r.records {
		if !rec.session.Open() {
			continue
		}
		if now.Sub(rec.lastPong) > pongTimeout {
			stale = append(stale, rec.session)
			continue
		}
		// Failed ping sends are dropped silently.
		rec.session.Send(pingFrame)
	}
	// A session that never identifies gets the same deadline to send its
	// join; otherwise it would hold the room open forever.
	for s := range r.sessions {
		if !s.Open() || s.ClientID() != "" {
			continue
		}
		if now.Sub(s.createdAt) > pongTimeout {
			stale = append(stale, s)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		logging.Warn(s.logCtx(), "Pong deadline exceeded, closing session")
		s.Close()
	}
}

// close tears the room down for shutdown: records are removed before their
// sessions are closed so no grace periods start.
func (r *Room) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true

	sessions := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	for id, rec := range r.records {
		rec.cancelEvictTimer()
		delete(r.records, id)
	}
	r.sessions = make(map[*Session]struct{})
	metrics.RoomClients.DeleteLabelValues(string(r.ID))
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	r.wg.Wait()
}

func (r *Room) updateClientGaugeLocked() {
	if len(r.records) > 0 {
		metrics.RoomClients.WithLabelValues(string(r.ID)).Set(float64(len(r.records)))
	} else {
		metrics.RoomClients.DeleteLabelValues(string(r.ID))
	}
}
