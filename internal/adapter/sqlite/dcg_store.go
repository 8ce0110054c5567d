package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fleetgate/gateway/internal/domain/dcg"
)

// GetConfig loads the singleton DCG configuration row. When no row exists
// yet it returns an empty config (no packs, no mode overrides) without
// writing one.
func (db *DB) GetConfig(ctx context.Context) (*dcg.Config, error) {
	start := time.Now()
	defer db.logSlow("GetConfig", start)

	row := db.conn.QueryRowContext(ctx, `
		SELECT enabled_packs, disabled_packs, modes_json, updated_by, updated_at
		FROM dcg_config WHERE id = 1`)

	var enabledJSON, disabledJSON, modesJSON, updatedBy, updatedAtStr string
	err := row.Scan(&enabledJSON, &disabledJSON, &modesJSON, &updatedBy, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return &dcg.Config{
			EnabledPacks:  []string{},
			DisabledPacks: []string{},
			Modes:         map[dcg.Severity]dcg.Mode{},
			UpdatedAt:     time.Time{},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan dcg config: %w", err)
	}

	cfg := &dcg.Config{UpdatedBy: updatedBy}
	if err := fromJSON(enabledJSON, &cfg.EnabledPacks); err != nil {
		return nil, err
	}
	if err := fromJSON(disabledJSON, &cfg.DisabledPacks); err != nil {
		return nil, err
	}
	if err := fromJSON(modesJSON, &cfg.Modes); err != nil {
		return nil, err
	}
	if cfg.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig upserts the singleton DCG configuration row.
func (db *DB) SaveConfig(ctx context.Context, cfg *dcg.Config) error {
	start := time.Now()
	defer db.logSlow("SaveConfig", start)

	enabledJSON, err := toJSON(cfg.EnabledPacks)
	if err != nil {
		return fmt.Errorf("marshal enabled packs: %w", err)
	}
	disabledJSON, err := toJSON(cfg.DisabledPacks)
	if err != nil {
		return fmt.Errorf("marshal disabled packs: %w", err)
	}
	modesJSON, err := toJSON(cfg.Modes)
	if err != nil {
		return fmt.Errorf("marshal modes: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO dcg_config (id, enabled_packs, disabled_packs, modes_json, updated_by, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			enabled_packs = excluded.enabled_packs,
			disabled_packs = excluded.disabled_packs,
			modes_json = excluded.modes_json,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at`,
		enabledJSON, disabledJSON, modesJSON, cfg.UpdatedBy, formatTime(cfg.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save dcg config: %w", err)
	}
	return nil
}

// AppendConfigHistory records an immutable snapshot+diff entry.
func (db *DB) AppendConfigHistory(ctx context.Context, entry *dcg.ConfigHistoryEntry) error {
	start := time.Now()
	defer db.logSlow("AppendConfigHistory", start)

	snapshotJSON, err := toJSON(entry.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO dcg_config_history (id, snapshot, diff, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.ID, snapshotJSON, entry.Diff, entry.UpdatedBy, formatTime(entry.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("append config history: %w", err)
	}
	return nil
}

// SaveBlockEvent inserts a new block event row.
func (db *DB) SaveBlockEvent(ctx context.Context, ev *dcg.BlockEvent) error {
	start := time.Now()
	defer db.logSlow("SaveBlockEvent", start)

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO dcg_block_events (
			id, ts, agent_id, command, pack, rule_id, pattern, severity, reason,
			context_classification, false_positive, allowlisted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, formatTime(ev.Timestamp), ev.AgentID, ev.Command, ev.Pack, ev.RuleID,
		ev.Pattern, string(ev.Severity), ev.Reason, string(ev.ContextClassification),
		boolToInt(ev.FalsePositive), boolToInt(ev.Allowlisted),
	)
	if err != nil {
		return fmt.Errorf("insert block event: %w", err)
	}
	return nil
}

// GetBlockEvent loads a block event by id.
func (db *DB) GetBlockEvent(ctx context.Context, id string) (*dcg.BlockEvent, error) {
	start := time.Now()
	defer db.logSlow("GetBlockEvent", start)

	row := db.conn.QueryRowContext(ctx, `
		SELECT id, ts, agent_id, command, pack, rule_id, pattern, severity, reason,
		       context_classification, false_positive, allowlisted
		FROM dcg_block_events WHERE id = ?`, id)

	ev, err := scanBlockEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("block event %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("scan block event: %w", err)
	}
	return ev, nil
}

// UpdateBlockEvent overwrites the mutable fields of a block event (the
// false-positive and allowlisted flags; everything else is immutable).
func (db *DB) UpdateBlockEvent(ctx context.Context, ev *dcg.BlockEvent) error {
	start := time.Now()
	defer db.logSlow("UpdateBlockEvent", start)

	res, err := db.conn.ExecContext(ctx, `
		UPDATE dcg_block_events SET false_positive = ?, allowlisted = ? WHERE id = ?`,
		boolToInt(ev.FalsePositive), boolToInt(ev.Allowlisted), ev.ID,
	)
	if err != nil {
		return fmt.Errorf("update block event: %w", err)
	}
	return requireRowsAffected(res, "block event", ev.ID)
}

// ListBlockEvents returns a cursor-paginated page of block events newest
// first, filtered by filter. The cursor opaquely encodes the SQLite rowid of
// the last row returned (block events have no natural sortable id).
func (db *DB) ListBlockEvents(ctx context.Context, filter dcg.BlockEventFilter, cursor string, limit int) ([]dcg.BlockEvent, string, bool, error) {
	start := time.Now()
	defer db.logSlow("ListBlockEvents", start)

	if limit <= 0 {
		limit = 50
	}

	var afterRowID int64
	if cursor != "" {
		var err error
		afterRowID, err = strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", false, fmt.Errorf("invalid cursor: %w", err)
		}
	} else {
		afterRowID = 1<<63 - 1 // start at the newest row
	}

	query := `
		SELECT rowid, id, ts, agent_id, command, pack, rule_id, pattern, severity, reason,
		       context_classification, false_positive, allowlisted
		FROM dcg_block_events WHERE rowid < ?`
	args := []any{afterRowID}

	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.Pack != "" {
		query += " AND pack = ?"
		args = append(args, filter.Pack)
	}
	if filter.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(filter.Severity))
	}
	if filter.Since != nil {
		query += " AND ts >= ?"
		args = append(args, formatTime(*filter.Since))
	}
	query += " ORDER BY rowid DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", false, fmt.Errorf("query block events: %w", err)
	}
	defer rows.Close()

	var (
		out        []dcg.BlockEvent
		lastRowID  int64
	)
	for rows.Next() {
		var rowID int64
		ev, err := scanBlockEventWithRowID(rows, &rowID)
		if err != nil {
			return nil, "", false, fmt.Errorf("scan block event: %w", err)
		}
		out = append(out, *ev)
		if len(out) <= limit {
			lastRowID = rowID
		}
	}
	if err := rows.Err(); err != nil {
		return nil, "", false, err
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	nextCursor := ""
	if hasMore {
		nextCursor = strconv.FormatInt(lastRowID, 10)
	}
	return out, nextCursor, hasMore, nil
}

func scanBlockEvent(row rowScanner) (*dcg.BlockEvent, error) {
	var ev dcg.BlockEvent
	var tsStr, severityStr, contextStr string
	var falsePositive, allowlisted int
	if err := row.Scan(
		&ev.ID, &tsStr, &ev.AgentID, &ev.Command, &ev.Pack, &ev.RuleID, &ev.Pattern,
		&severityStr, &ev.Reason, &contextStr, &falsePositive, &allowlisted,
	); err != nil {
		return nil, err
	}
	ev.Severity = dcg.Severity(severityStr)
	ev.ContextClassification = dcg.ContextClassification(contextStr)
	ev.FalsePositive = falsePositive != 0
	ev.Allowlisted = allowlisted != 0
	var err error
	if ev.Timestamp, err = parseTime(tsStr); err != nil {
		return nil, err
	}
	return &ev, nil
}

func scanBlockEventWithRowID(row rowScanner, rowID *int64) (*dcg.BlockEvent, error) {
	var ev dcg.BlockEvent
	var tsStr, severityStr, contextStr string
	var falsePositive, allowlisted int
	if err := row.Scan(
		rowID, &ev.ID, &tsStr, &ev.AgentID, &ev.Command, &ev.Pack, &ev.RuleID, &ev.Pattern,
		&severityStr, &ev.Reason, &contextStr, &falsePositive, &allowlisted,
	); err != nil {
		return nil, err
	}
	ev.Severity = dcg.Severity(severityStr)
	ev.ContextClassification = dcg.ContextClassification(contextStr)
	ev.FalsePositive = falsePositive != 0
	ev.Allowlisted = allowlisted != 0
	var err error
	if ev.Timestamp, err = parseTime(tsStr); err != nil {
		return nil, err
	}
	return &ev, nil
}

// CountBlockEvents counts events recorded at or after since.
func (db *DB) CountBlockEvents(ctx context.Context, since time.Time) (int, error) {
	start := time.Now()
	defer db.logSlow("CountBlockEvents", start)

	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dcg_block_events WHERE ts >= ?`, formatTime(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count block events: %w", err)
	}
	return n, nil
}

// CountFalsePositives counts events flagged false-positive at or after since.
func (db *DB) CountFalsePositives(ctx context.Context, since time.Time) (int, error) {
	start := time.Now()
	defer db.logSlow("CountFalsePositives", start)

	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dcg_block_events WHERE ts >= ? AND false_positive = 1`, formatTime(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count false positives: %w", err)
	}
	return n, nil
}

// TopPatterns returns the most frequently matched patterns since the given
// time, capped at limit. ChangePct is left zero: computing it requires a
// second window query the caller (DCG stats service) performs itself by
// calling this twice with different since values and diffing.
func (db *DB) TopPatterns(ctx context.Context, since time.Time, limit int) ([]dcg.TrendStat, error) {
	start := time.Now()
	defer db.logSlow("TopPatterns", start)
	return db.topTrend(ctx, "pattern", since, limit)
}

// TopAgents returns the agents with the most block events since the given
// time, capped at limit.
func (db *DB) TopAgents(ctx context.Context, since time.Time, limit int) ([]dcg.TrendStat, error) {
	start := time.Now()
	defer db.logSlow("TopAgents", start)
	return db.topTrend(ctx, "agent_id", since, limit)
}

func (db *DB) topTrend(ctx context.Context, column string, since time.Time, limit int) ([]dcg.TrendStat, error) {
	rows, err := db.conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, COUNT(*) AS n FROM dcg_block_events
		WHERE ts >= ? GROUP BY %s ORDER BY n DESC LIMIT ?`, column, column),
		formatTime(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query top %s: %w", column, err)
	}
	defer rows.Close()

	var out []dcg.TrendStat
	for rows.Next() {
		var t dcg.TrendStat
		if err := rows.Scan(&t.Name, &t.Count); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DailyCounts buckets block event counts by day between since and until,
// zero-filling days with no events.
func (db *DB) DailyCounts(ctx context.Context, since time.Time, until time.Time) ([]dcg.DayBucket, error) {
	start := time.Now()
	defer db.logSlow("DailyCounts", start)

	rows, err := db.conn.QueryContext(ctx, `
		SELECT substr(ts, 1, 10) AS day, COUNT(*) FROM dcg_block_events
		WHERE ts >= ? AND ts < ? GROUP BY day`,
		formatTime(since), formatTime(until),
	)
	if err != nil {
		return nil, fmt.Errorf("query daily counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var day string
		var n int
		if err := rows.Scan(&day, &n); err != nil {
			return nil, err
		}
		counts[day] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []dcg.DayBucket
	for d := since.Truncate(24 * time.Hour); d.Before(until); d = d.AddDate(0, 0, 1) {
		day := d.Format("2006-01-02")
		out = append(out, dcg.DayBucket{Date: day, Count: counts[day]})
	}
	return out, nil
}

// SaveException inserts a new allow-once exception.
func (db *DB) SaveException(ctx context.Context, e *dcg.Exception) error {
	start := time.Now()
	defer db.logSlow("SaveException", start)

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO dcg_exceptions (
			id, code, command, command_hash, rule_id, pack, status, created_at, expires_at, approved_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Code, e.Command, e.CommandHash, e.RuleID, e.Pack, string(e.Status),
		formatTime(e.CreatedAt), formatTime(e.ExpiresAt), e.ApprovedBy,
	)
	if err != nil {
		return fmt.Errorf("insert exception: %w", err)
	}
	return nil
}

// GetExceptionByCode loads an exception by its short human-facing code.
func (db *DB) GetExceptionByCode(ctx context.Context, code string) (*dcg.Exception, error) {
	start := time.Now()
	defer db.logSlow("GetExceptionByCode", start)

	row := db.conn.QueryRowContext(ctx, `
		SELECT id, code, command, command_hash, rule_id, pack, status, created_at, expires_at, approved_by
		FROM dcg_exceptions WHERE code = ?`, code)

	var e dcg.Exception
	var statusStr, createdAtStr, expiresAtStr string
	err := row.Scan(&e.ID, &e.Code, &e.Command, &e.CommandHash, &e.RuleID, &e.Pack,
		&statusStr, &createdAtStr, &expiresAtStr, &e.ApprovedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("exception %s: %w", code, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("scan exception: %w", err)
	}
	e.Status = dcg.ExceptionStatus(statusStr)
	if e.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, err
	}
	if e.ExpiresAt, err = parseTime(expiresAtStr); err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateException overwrites the mutable fields of an exception (status,
// approver).
func (db *DB) UpdateException(ctx context.Context, e *dcg.Exception) error {
	start := time.Now()
	defer db.logSlow("UpdateException", start)

	res, err := db.conn.ExecContext(ctx, `
		UPDATE dcg_exceptions SET status = ?, approved_by = ? WHERE id = ?`,
		string(e.Status), e.ApprovedBy, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update exception: %w", err)
	}
	return requireRowsAffected(res, "exception", e.ID)
}

// CountPendingExceptions counts exceptions awaiting approval.
func (db *DB) CountPendingExceptions(ctx context.Context) (int, error) {
	start := time.Now()
	defer db.logSlow("CountPendingExceptions", start)

	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dcg_exceptions WHERE status = ?`, string(dcg.ExceptionPending),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending exceptions: %w", err)
	}
	return n, nil
}

// CountAllowlist counts approved exceptions (the DCG's standing allowlist).
func (db *DB) CountAllowlist(ctx context.Context) (int, error) {
	start := time.Now()
	defer db.logSlow("CountAllowlist", start)

	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dcg_exceptions WHERE status = ?`, string(dcg.ExceptionApproved),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count allowlist: %w", err)
	}
	return n, nil
}
