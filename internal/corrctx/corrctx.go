// Package corrctx propagates a correlation record through a call chain via
// context.Context, generalizing the request-ID pattern in internal/logger
// to the full record the gateway needs to stitch together a git-sync
// operation, its CAAM credential lookups, its DCG checks, and the audit
// entries they all emit.
package corrctx

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetgate/gateway/internal/idgen"
)

type contextKey struct{}

var recordKey = contextKey{}

// Record is the ambient correlation context threaded through a request or
// background operation. It is immutable once attached to a context; callers
// that need to change a field (e.g. attach a logger) modify a copy and
// attach it to a child context with WithRecord.
type Record struct {
	CorrelationID string
	RequestID     string
	Caller        string // "http", "ws", "scheduler", "cli"
	StartTime     time.Time
	Logger        *slog.Logger
}

// New creates a fresh Record with a newly minted correlation ID. requestID
// is stored as given and stays empty when none is passed.
func New(caller, requestID string, logger *slog.Logger) Record {
	correlationID := idgen.New("corr")
	if logger == nil {
		logger = slog.Default()
	}
	return Record{
		CorrelationID: correlationID,
		RequestID:     requestID,
		Caller:        caller,
		StartTime:     now(),
		Logger:        logger.With("correlation_id", correlationID),
	}
}

// now is a seam for deterministic tests.
var now = time.Now

// WithRecord attaches r to ctx.
func WithRecord(ctx context.Context, r Record) context.Context {
	return context.WithValue(ctx, recordKey, r)
}

// FromContext returns the Record attached to ctx, or an Ephemeral one if
// none was attached. Background jobs and tests that never went through the
// HTTP or scheduler entrypoints still get a usable logger and correlation ID
// this way, rather than forcing every leaf function to nil-check.
func FromContext(ctx context.Context) Record {
	if r, ok := ctx.Value(recordKey).(Record); ok {
		return r
	}
	return Ephemeral("unknown")
}

// Ephemeral returns a standalone Record not attached to any context, for
// code paths that run outside a request (startup, tests, CLI tools).
func Ephemeral(caller string) Record {
	return New(caller, "", slog.Default())
}

// Logger is a convenience accessor equivalent to FromContext(ctx).Logger.
func Logger(ctx context.Context) *slog.Logger {
	return FromContext(ctx).Logger
}

// CorrelationID is a convenience accessor equivalent to FromContext(ctx).CorrelationID.
func CorrelationID(ctx context.Context) string {
	return FromContext(ctx).CorrelationID
}

// Elapsed returns the time since the Record in ctx was created.
func Elapsed(ctx context.Context) time.Duration {
	return now().Sub(FromContext(ctx).StartTime)
}
