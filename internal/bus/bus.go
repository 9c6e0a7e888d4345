// Package bus provides the distribution bridge: a per-room publish/subscribe
// fabric that lets rooms span multiple relay instances. The core router only
// sees the Bridge capability; single-instance deployments get a no-op.
package bus

import (
	"context"

	"github.com/peerwave/signaling/internal/signal"
)

// Handler consumes envelopes that arrived from another instance.
type Handler func(env signal.Envelope)

// Bridge is the pub/sub capability consumed by the relay core.
// Room subscriptions are refcounted: a second Subscribe for the same room
// rebinds the handler, and only the matching last Unsubscribe tears the
// channel down. Publish is a no-op unless the room is currently subscribed.
type Bridge interface {
	Subscribe(ctx context.Context, roomID string, handler Handler)
	Unsubscribe(roomID string)
	Publish(ctx context.Context, roomID string, env signal.Envelope) error
	Subscribed(roomID string) bool
	Ping(ctx context.Context) error
	Close() error
}

// Noop is the bridge used when no pub/sub endpoint is configured, or after
// the real bridge degraded. Every call succeeds and does nothing.
type Noop struct{}

// NewNoop returns a disabled bridge.
func NewNoop() *Noop { return &Noop{} }

func (*Noop) Subscribe(context.Context, string, Handler) {}

func (*Noop) Unsubscribe(string) {}

func (*Noop) Publish(context.Context, string, signal.Envelope) error { return nil }

func (*Noop) Subscribed(string) bool { return false }

func (*Noop) Ping(context.Context) error { return nil }

func (*Noop) Close() error { return nil }
