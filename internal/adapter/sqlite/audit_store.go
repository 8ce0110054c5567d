package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/fleetgate/gateway/internal/domain/eventlog"
)

// SaveAudit inserts a new audit record. Satisfies the narrow auditSink
// interface AuditService depends on structurally.
func (db *DB) SaveAudit(ctx context.Context, entry *eventlog.AuditEntry) error {
	start := time.Now()
	defer db.logSlow("SaveAudit", start)

	var metadataJSON sql.NullString
	if entry.Metadata != nil {
		s, err := toJSON(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: s, Valid: true}
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor, action, resource, correlation_id, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Actor, entry.Action, entry.Resource, entry.CorrelationID,
		metadataJSON, formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAudit returns a cursor-paginated page of audit entries matching
// filter, newest first. The cursor opaquely encodes the SQLite rowid of the
// last row returned, same scheme as ListBlockEvents.
func (db *DB) ListAudit(ctx context.Context, filter eventlog.AuditFilter, cursor string, limit int) (eventlog.AuditPage, error) {
	start := time.Now()
	defer db.logSlow("ListAudit", start)

	if limit <= 0 {
		limit = 50
	}

	afterRowID := int64(1<<63 - 1)
	if cursor != "" {
		var err error
		afterRowID, err = strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return eventlog.AuditPage{}, fmt.Errorf("invalid cursor: %w", err)
		}
	}

	query := `
		SELECT rowid, id, actor, action, resource, correlation_id, metadata_json, created_at
		FROM audit_log WHERE rowid < ?`
	args := []any{afterRowID}

	if filter.Actor != "" {
		query += " AND actor = ?"
		args = append(args, filter.Actor)
	}
	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, filter.Action)
	}
	if filter.Resource != "" {
		query += " AND resource = ?"
		args = append(args, filter.Resource)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, formatTime(*filter.Since))
	}
	query += " ORDER BY rowid DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return eventlog.AuditPage{}, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var (
		entries   []eventlog.AuditEntry
		lastRowID int64
	)
	for rows.Next() {
		var (
			rowID         int64
			e             eventlog.AuditEntry
			metadataJSON  sql.NullString
			createdAtStr  string
		)
		if err := rows.Scan(&rowID, &e.ID, &e.Actor, &e.Action, &e.Resource, &e.CorrelationID,
			&metadataJSON, &createdAtStr); err != nil {
			return eventlog.AuditPage{}, fmt.Errorf("scan audit entry: %w", err)
		}
		if metadataJSON.Valid {
			if err := fromJSON(metadataJSON.String, &e.Metadata); err != nil {
				return eventlog.AuditPage{}, err
			}
		}
		if e.CreatedAt, err = parseTime(createdAtStr); err != nil {
			return eventlog.AuditPage{}, err
		}
		entries = append(entries, e)
		if len(entries) <= limit {
			lastRowID = rowID
		}
	}
	if err := rows.Err(); err != nil {
		return eventlog.AuditPage{}, err
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	nextCursor := ""
	if hasMore {
		nextCursor = strconv.FormatInt(lastRowID, 10)
	}

	return eventlog.AuditPage{Entries: entries, Cursor: nextCursor, HasMore: hasMore}, nil
}
