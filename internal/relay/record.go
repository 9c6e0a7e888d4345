package relay

import (
	"container/list"
	"time"

	"github.com/peerwave/signaling/internal/metrics"
	"github.com/peerwave/signaling/internal/signal"
)

// clientRecord is the room-side state for one client: its advertised
// descriptor, the session currently bound to it, liveness bookkeeping, the
// pending eviction timer during a grace window, and the FIFO cache of frames
// that could not be delivered while the session was down.
//
// All fields are guarded by the owning room's mutex.
type clientRecord struct {
	info     signal.ClientInfo
	session  *Session
	lastPong time.Time

	evictTimer *time.Timer
	timerGen   uint64

	cache      *list.List // of []byte, oldest first
	cacheLimit int
}

func newClientRecord(info signal.ClientInfo, session *Session, cacheLimit int) *clientRecord {
	return &clientRecord{
		info:       info,
		session:    session,
		lastPong:   time.Now(),
		cache:      list.New(),
		cacheLimit: cacheLimit,
	}
}

// cacheFrame appends a frame for delivery on resume, dropping the oldest
// entry when the cache is at its cap.
func (rec *clientRecord) cacheFrame(data []byte) {
	if rec.cache.Len() >= rec.cacheLimit {
		if front := rec.cache.Front(); front != nil {
			rec.cache.Remove(front)
			metrics.CacheDropped.Inc()
		}
	}
	rec.cache.PushBack(data)
	metrics.CachedEnvelopes.Inc()
}

// drainCache removes and returns all cached frames in FIFO order.
func (rec *clientRecord) drainCache() [][]byte {
	if rec.cache.Len() == 0 {
		return nil
	}
	frames := make([][]byte, 0, rec.cache.Len())
	for e := rec.cache.Front(); e != nil; e = e.Next() {
		frames = append(frames, e.Value.([]byte))
	}
	rec.cache.Init()
	return frames
}

// cancelEvictTimer stops a pending grace-period eviction. Idempotent; the
// generation bump invalidates a timer that already fired but has not yet
// been observed under the room lock.
func (rec *clientRecord) cancelEvictTimer() {
	if rec.evictTimer != nil {
		rec.evictTimer.Stop()
		rec.evictTimer = nil
	}
	rec.timerGen++
}

// inGracePeriod reports whether the record is awaiting a resume join.
func (rec *clientRecord) inGracePeriod() bool {
	return rec.evictTimer != nil
}
