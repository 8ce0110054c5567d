// Package eventstore defines the port interface for the durable, per-channel
// ordered event log (§4.B). It generalizes the teacher's append/load-by-key
// event store into append/rangeAfter/latestCursor/expire over an opaque
// cursor, since channels replace task/agent/run as the event store's key.
package eventstore

import (
	"context"
	"time"

	"github.com/fleetgate/gateway/internal/domain/eventlog"
)

// Store is the port interface for the durable event log.
type Store interface {
	// Append persists a new entry for channel, assigning the next sequence
	// number and returning its cursor.
	Append(ctx context.Context, channel, messageType string, payload []byte, correlationID string) (eventlog.AppendResult, error)

	// RangeAfter returns entries for channel with sequence strictly greater
	// than the one encoded in cursor, up to limit entries, oldest first.
	// An empty cursor means "from the beginning of the retained window".
	// Returns ErrCursorExpired if cursor refers to a sequence older than the
	// retained window.
	RangeAfter(ctx context.Context, channel, cursor string, limit int) ([]eventlog.Entry, error)

	// LatestCursor returns the cursor of the most recent entry for channel,
	// or nil if the channel has never been written to.
	LatestCursor(ctx context.Context, channel string) (*string, error)

	// Expire deletes entries past their channel's retention policy as of now.
	// Amortised: callers may invoke this periodically rather than per-append.
	Expire(ctx context.Context, now time.Time) (int64, error)

	// SetRetention configures the retention policy for entries on a channel
	// pattern (e.g. "agent:output:*").
	SetRetention(ctx context.Context, channelPattern string, policy eventlog.RetentionPolicy) error
}

// ErrCursorExpired is returned by RangeAfter when cursor refers to a
// sequence older than the channel's retained window.
var ErrCursorExpired = cursorExpiredError{}

type cursorExpiredError struct{}

func (cursorExpiredError) Error() string { return "cursor_expired" }
