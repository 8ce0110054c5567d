// Package eventlog defines the domain model for the durable, per-channel
// ordered event log that backs the pub/sub hub's replay and the audit sink's
// correlation lookups.
package eventlog

import "time"

// Entry is one immutable row in the durable event log.
type Entry struct {
	ID            string    `json:"id"`
	Channel       string    `json:"channel"`
	Sequence      int64     `json:"sequence"` // strictly monotonic per channel, starting at 1
	Cursor        string    `json:"cursor"`   // stable encoding of (channel, sequence)
	MessageType   string    `json:"messageType"`
	Payload       []byte    `json:"payload"` // JSON
	CorrelationID string    `json:"correlationId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

// AppendResult is returned by Store.Append.
type AppendResult struct {
	Cursor   string
	Sequence int64
}

// RetentionPolicy bounds how long a channel's entries are kept: whichever
// cap is hit first wins. A zero value in either field means "unbounded" for
// that dimension.
type RetentionPolicy struct {
	MaxCount int
	MaxAge   time.Duration
}

// AuditEntry is an append-only audit record, optionally correlated with an
// event-log entry via CorrelationID.
type AuditEntry struct {
	ID            string         `json:"id"`
	Actor         string         `json:"actor,omitempty"`
	Action        string         `json:"action"`
	Resource      string         `json:"resource,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// AuditFilter narrows an AuditTrail query.
type AuditFilter struct {
	Actor    string
	Action   string
	Resource string
	Since    *time.Time
}

// AuditPage is a cursor-paginated page of audit entries.
type AuditPage struct {
	Entries []AuditEntry `json:"entries"`
	Cursor  string       `json:"cursor"`
	HasMore bool         `json:"hasMore"`
}

// ReplayAudit records one replay/resync interaction for the hub's replay
// safeguards (§4.C).
type ReplayAudit struct {
	ConnectionID      string    `json:"connectionId"`
	UserID            string    `json:"userId,omitempty"`
	Channel           string    `json:"channel"`
	FromCursor        string    `json:"fromCursor"`
	ToCursor          string    `json:"toCursor"`
	MessagesReplayed  int       `json:"messagesReplayed"`
	CursorExpired     bool      `json:"cursorExpired"`
	UsedSnapshot      bool      `json:"usedSnapshot"`
	DurationMS        int64     `json:"durationMs"`
	Timestamp         time.Time `json:"timestamp"`
}
