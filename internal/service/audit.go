package service

import (
	"time"

	"context"

	"github.com/fleetgate/gateway/internal/corrctx"
	"github.com/fleetgate/gateway/internal/domain/eventlog"
	"github.com/fleetgate/gateway/internal/idgen"
)

// auditSink is the narrow persistence surface AuditService needs; adapters
// implement it alongside the rest of their store.
type auditSink interface {
	SaveAudit(ctx context.Context, entry *eventlog.AuditEntry) error
	ListAudit(ctx context.Context, filter eventlog.AuditFilter, cursor string, limit int) (eventlog.AuditPage, error)
}

// AuditService is the audit and correlation sink (component G): it appends
// audit records with the ambient correlation id and never lets a failure to
// persist abort the caller's operation, per §7 "Failures in ambient
// concerns... never abort the user-visible operation."
type AuditService struct {
	sink auditSink
}

// NewAuditService constructs an AuditService. sink may be nil in tests that
// don't exercise persistence; Record becomes a no-op in that case.
func NewAuditService(sink auditSink) *AuditService {
	return &AuditService{sink: sink}
}

// Record appends an audit entry for action against resource, tagged with
// the ambient correlation id from ctx. Persistence failures are logged, not
// returned, by design.
func (a *AuditService) Record(ctx context.Context, action, resource string, metadata map[string]any) {
	if a.sink == nil {
		return
	}
	rec := corrctx.FromContext(ctx)
	entry := &eventlog.AuditEntry{
		ID:            idgen.New(idgen.PrefixAuditEntry),
		Actor:         rec.Caller,
		Action:        action,
		Resource:      resource,
		CorrelationID: rec.CorrelationID,
		Metadata:      redactMetadata(metadata),
		CreatedAt:     time.Now(),
	}
	if err := a.sink.SaveAudit(ctx, entry); err != nil {
		rec.Logger.Error("audit: persist failed", "action", action, "resource", resource, "error", err)
	}
}

// redactMetadata applies the DCG redaction substitutions (§4.F) to every
// string-valued field before an audit entry is persisted, so a caller that
// logs a raw command or header in metadata doesn't leak it into the audit
// trail. Nested maps/slices pass through unredacted; callers persist only
// flat metadata today.
func redactMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if s, ok := v.(string); ok {
			out[k] = Redact(s)
			continue
		}
		out[k] = v
	}
	return out
}

// Trail returns a cursor-paginated page of audit entries matching filter.
func (a *AuditService) Trail(ctx context.Context, filter eventlog.AuditFilter, cursor string, limit int) (eventlog.AuditPage, error) {
	if a.sink == nil {
		return eventlog.AuditPage{}, nil
	}
	return a.sink.ListAudit(ctx, filter, cursor, limit)
}
