// Package broadcast defines the port interface for the authenticated
// pub/sub hub (§4.C), generalizing the teacher's single-method Broadcaster
// into channel-typed, authorized publish/subscribe with cursor replay.
package broadcast

import (
	"context"

	"github.com/fleetgate/gateway/internal/domain/channel"
)

// Message is one delivered event, matching the wire shape in §4.C.
type Message struct {
	Channel       string `json:"channel"`
	MessageType   string `json:"messageType"`
	Data          any    `json:"data"`
	Cursor        string `json:"cursor"`
	Sequence      int64  `json:"sequence"`
	Timestamp     int64  `json:"timestamp"` // unix millis
	CorrelationID string `json:"correlationId,omitempty"`
}

// SnapshotFunc produces a point-in-time snapshot for ch, used to seed a
// subscriber whose cursor has fallen outside the retained window. ok is
// false if ch has no meaningful snapshot (the caller then falls back to
// ErrResyncRequired).
type SnapshotFunc func(ctx context.Context, ch channel.Channel) (data any, ok bool, err error)

// Subscription is a live subscriber's handle, returned by Subscribe.
type Subscription interface {
	// Messages yields delivered messages until the subscription is closed.
	Messages() <-chan Message
	// Close tears down the subscription and its backing queue.
	Close()
}

// Hub is the port interface for the pub/sub hub.
type Hub interface {
	// Publish appends payload to the durable log for ch (§4.B) and then
	// delivers it to matching live subscribers. Delivery is best-effort;
	// the durable append is the part callers may rely on.
	Publish(ctx context.Context, ch channel.Channel, messageType string, payload any, auth channel.AuthContext) error

	// Subscribe authorizes auth against ch and, if a non-empty cursor is
	// given, replays every entry with sequence > cursor's sequence before
	// switching to live delivery. If cursor is expired and ch supports
	// snapshots, a single "snapshot" message precedes live delivery;
	// otherwise Subscribe returns ErrResyncRequired.
	Subscribe(ctx context.Context, ch channel.Channel, cursor string, auth channel.AuthContext) (Subscription, error)

	// ConnectionCount returns the number of live subscriptions, for metrics.
	ConnectionCount() int
}

type errResyncRequired struct{}

func (errResyncRequired) Error() string { return "resync_required" }

// ErrResyncRequired is returned by Subscribe when cursor is expired and the
// channel does not support snapshot replay.
var ErrResyncRequired = errResyncRequired{}
