package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/peerwave/signaling/internal/logging"
	"github.com/peerwave/signaling/internal/metrics"
	"github.com/peerwave/signaling/internal/signal"
)

const (
	connectAttempts    = 5
	connectBackoffBase = 500 * time.Millisecond
	connectBackoffStep = 500 * time.Millisecond
)

// ErrBridgeUnavailable is returned when the pub/sub backend could not be
// reached within the retry budget. Callers degrade to the Noop bridge.
var ErrBridgeUnavailable = fmt.Errorf("bridge unavailable")

// channelFor maps a room to its pub/sub channel.
func channelFor(roomID string) string {
	return "room:" + roomID
}

// carrier wraps an envelope on the bridge wire. Origin identifies the
// publishing instance; a subscriber drops its own messages, since Redis
// delivers publishes back to the publisher's subscription.
type carrier struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// subscription is refcounted: a successor subscriber for the same room takes
// over the channel (its handler replaces the old one), and only the last
// Unsubscribe tears the listener down. This keeps a stale teardown from
// killing a subscription a fresh room is relying on.
type subscription struct {
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	handler Handler // guarded by Service.mu
	refs    int     // guarded by Service.mu
}

// Service is the Redis-backed bridge. It tracks the set of rooms with a
// confirmed subscription and gates publishes on membership, so a relay never
// publishes into a room it is not also listening on.
type Service struct {
	client     *redis.Client
	cb         *gobreaker.CircuitBreaker
	instanceID string

	mu   sync.Mutex
	subs map[string]*subscription
	set  set.Set[string]
	wg   sync.WaitGroup
}

// Connect dials the pub/sub backend with linear backoff (base 500 ms,
// +500 ms per attempt, 5 attempts). On exhaustion it returns
// ErrBridgeUnavailable and the caller runs single-instance.
func Connect(ctx context.Context, redisURL string) (*Service, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 10 * time.Second
	opts.ReadTimeout = 30 * time.Second
	opts.WriteTimeout = 30 * time.Second

	rdb := redis.NewClient(opts)

	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = rdb.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			break
		}
		if attempt == connectAttempts {
			_ = rdb.Close()
			logging.Error(ctx, "Bridge connection failed, degrading to single-instance mode",
				zap.Int("attempts", connectAttempts), zap.Error(lastErr))
			return nil, fmt.Errorf("%w: %v", ErrBridgeUnavailable, lastErr)
		}
		delay := connectBackoffBase + connectBackoffStep*time.Duration(attempt-1)
		logging.Warn(ctx, "Bridge connection attempt failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("backoff", delay), zap.Error(lastErr))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			_ = rdb.Close()
			return nil, ctx.Err()
		}
	}

	st := gobreaker.Settings{
		Name:        "bridge",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.BridgeBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(ctx, "Connected to bridge pub/sub", zap.String("addr", opts.Addr))
	return &Service{
		client:     rdb,
		cb:         gobreaker.NewCircuitBreaker(st),
		instanceID: uuid.New().String(),
		subs:       make(map[string]*subscription),
		set:        set.New[string](),
	}, nil
}

// Subscribe registers a room channel and starts a listener goroutine that
// decodes inbound envelopes and hands them to handler. Subscribing to a room
// that already has a listener rebinds the handler and bumps the refcount.
func (s *Service) Subscribe(ctx context.Context, roomID string, handler Handler) {
	s.mu.Lock()
	if sub, exists := s.subs[roomID]; exists {
		sub.refs++
		sub.handler = handler
		s.mu.Unlock()
		return
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	channel := channelFor(roomID)
	pubsub := s.client.Subscribe(subCtx, channel)
	sub := &subscription{pubsub: pubsub, cancel: cancel, handler: handler, refs: 1}
	s.subs[roomID] = sub
	s.set.Insert(roomID)
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer pubsub.Close()

		logging.Info(subCtx, "Subscribed to bridge channel", zap.String("channel", channel))
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(context.Background(), "Bridge subscription channel closed", zap.String("channel", channel))
					return
				}
				var c carrier
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					logging.Error(context.Background(), "Dropping undecodable bridge message",
						zap.String("channel", channel), zap.Error(err))
					continue
				}
				if c.Origin == s.instanceID {
					// Redis echoes publishes back to the publisher.
					continue
				}
				env, err := signal.Decode(c.Frame)
				if err != nil {
					logging.Error(context.Background(), "Dropping undecodable bridge envelope",
						zap.String("channel", channel), zap.Error(err))
					continue
				}
				// Re-read on every dispatch; a successor subscriber may
				// have rebound it.
				s.mu.Lock()
				h := sub.handler
				s.mu.Unlock()
				h(env)
			}
		}
	}()
}

// Unsubscribe drops one reference on the room channel listener and tears it
// down when the last one goes. Unsubscribing a room with no listener is a
// no-op.
func (s *Service) Unsubscribe(roomID string) {
	s.mu.Lock()
	sub, exists := s.subs[roomID]
	if exists {
		sub.refs--
		if sub.refs > 0 {
			s.mu.Unlock()
			return
		}
		delete(s.subs, roomID)
		s.set.Delete(roomID)
	}
	s.mu.Unlock()

	if exists {
		sub.cancel()
		_ = sub.pubsub.Close()
		logging.Info(context.Background(), "Unsubscribed from bridge channel", zap.String("channel", channelFor(roomID)))
	}
}

// Subscribed reports whether the room currently holds a subscription.
func (s *Service) Subscribed(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set.Has(roomID)
}

// Publish serializes env and publishes it on the room channel. It is a
// no-op when the room is not subscribed, and degrades gracefully when the
// circuit breaker is open.
func (s *Service) Publish(ctx context.Context, roomID string, env signal.Envelope) error {
	if !s.Subscribed(roomID) {
		return nil
	}
	if !env.Type.Distributable() {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		frame, err := signal.Encode(env)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(carrier{Origin: s.instanceID, Frame: frame})
		if err != nil {
			return nil, err
		}
		return nil, s.client.Publish(ctx, channelFor(roomID), data).Err()
	})

	if err != nil {
		metrics.BridgePublishes.WithLabelValues("error").Inc()
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "Bridge circuit breaker open, dropping publish", zap.String("roomId", roomID))
			return nil
		}
		logging.Error(ctx, "Bridge publish failed", zap.String("roomId", roomID), zap.Error(err))
		return err
	}
	metrics.BridgePublishes.WithLabelValues("ok").Inc()
	return nil
}

// Ping checks backend connectivity, used by the readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close tears down all subscriptions and the underlying connection.
func (s *Service) Close() error {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for roomID, sub := range s.subs {
		subs = append(subs, sub)
		delete(s.subs, roomID)
		s.set.Delete(roomID)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		_ = sub.pubsub.Close()
	}
	s.wg.Wait()
	return s.client.Close()
}
