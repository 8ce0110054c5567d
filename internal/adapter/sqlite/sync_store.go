package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fleetgate/gateway/internal/domain/syncop"
)

// SaveHistory upserts a sync operation's terminal or in-flight record.
func (db *DB) SaveHistory(ctx context.Context, op *syncop.Operation) error {
	start := time.Now()
	defer db.logSlow("SaveHistory", start)

	var resultJSON sql.NullString
	if op.Result != nil {
		s, err := toJSON(op.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = sql.NullString{String: s, Valid: true}
	}

	var errCode, errMessage sql.NullString
	if op.Error != nil {
		errCode = sql.NullString{String: string(op.Error.Code), Valid: true}
		errMessage = sql.NullString{String: op.Error.Message, Valid: true}
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_history (
			id, repository_id, agent_id, operation, branch, priority, status, attempt,
			queued_at, started_at, completed_at, result_json, error_code, error_message,
			next_attempt_at, correlation_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			attempt = excluded.attempt,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			result_json = excluded.result_json,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			next_attempt_at = excluded.next_attempt_at`,
		op.ID, op.RepositoryID, op.AgentID, string(op.Operation),
		op.Branch, op.Priority, string(op.Status), op.Attempt,
		formatTime(op.QueuedAt), nullTime(op.StartedAt), nullTime(op.CompletedAt),
		resultJSON, errCode, errMessage, nullTime(op.NextAttemptAt), op.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("save sync history: %w", err)
	}
	return nil
}

// GetHistory returns operations for repositoryID matching filter, most
// recently queued first.
func (db *DB) GetHistory(ctx context.Context, repositoryID string, filter syncop.HistoryFilter) ([]syncop.Operation, error) {
	start := time.Now()
	defer db.logSlow("GetHistory", start)

	query := `
		SELECT id, repository_id, agent_id, operation, branch, priority, status, attempt,
		       queued_at, started_at, completed_at, result_json, error_code, error_message,
		       next_attempt_at, correlation_id
		FROM sync_history WHERE repository_id = ?`
	args := []any{repositoryID}

	if filter.Branch != "" {
		query += " AND branch = ?"
		args = append(args, filter.Branch)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY queued_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sync history: %w", err)
	}
	defer rows.Close()

	var out []syncop.Operation
	for rows.Next() {
		op, err := scanSyncOp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync history: %w", err)
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

func scanSyncOp(row rowScanner) (*syncop.Operation, error) {
	var (
		op                                    syncop.Operation
		kindStr, statusStr                    string
		queuedAtStr                           string
		startedAt, completedAt, nextAttemptAt sql.NullString
		resultJSON, errCode, errMessage       sql.NullString
	)
	if err := row.Scan(
		&op.ID, &op.RepositoryID, &op.AgentID, &kindStr, &op.Branch,
		&op.Priority, &statusStr, &op.Attempt,
		&queuedAtStr, &startedAt, &completedAt, &resultJSON, &errCode, &errMessage,
		&nextAttemptAt, &op.CorrelationID,
	); err != nil {
		return nil, err
	}

	op.Operation = syncop.Kind(kindStr)
	op.Status = syncop.Status(statusStr)

	var err error
	if op.QueuedAt, err = parseTime(queuedAtStr); err != nil {
		return nil, err
	}
	if op.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if op.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if op.NextAttemptAt, err = parseNullTime(nextAttemptAt); err != nil {
		return nil, err
	}
	if resultJSON.Valid {
		var res syncop.Result
		if err := fromJSON(resultJSON.String, &res); err != nil {
			return nil, err
		}
		op.Result = &res
	}
	if errCode.Valid {
		op.Error = &syncop.Error{Code: syncop.FailureCode(errCode.String), Message: errMessage.String}
	}
	return &op, nil
}
