package sqlite

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/fleetgate/gateway/internal/domain/eventlog"
	"github.com/fleetgate/gateway/internal/port/eventstore"
)

// encodeCursor produces a stable, opaque cursor for (channel, sequence).
func encodeCursor(channel string, sequence int64) string {
	raw := fmt.Sprintf("%s:%020d", channel, sequence)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor recovers (channel, sequence) from a cursor minted by
// encodeCursor. An empty cursor is not valid input; callers handle that case
// themselves ("from the beginning of the retained window").
func decodeCursor(cursor string) (channel string, sequence int64, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", 0, fmt.Errorf("malformed cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("malformed cursor")
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed cursor sequence: %w", err)
	}
	return parts[0], seq, nil
}

// Append persists a new entry for channel, assigning the next sequence
// number within a transaction so concurrent appenders on the same channel
// never collide (MaxOpenConns=1 already serializes this, but the
// read-then-insert stays transactional so the adapter doesn't depend on
// that pool setting).
func (db *DB) Append(ctx context.Context, channel, messageType string, payload []byte, correlationID string) (eventlog.AppendResult, error) {
	start := time.Now()
	defer db.logSlow("Append", start)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return eventlog.AppendResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM event_log WHERE channel = ?`, channel,
	).Scan(&maxSeq); err != nil {
		return eventlog.AppendResult{}, fmt.Errorf("select max sequence: %w", err)
	}
	sequence := maxSeq.Int64 + 1

	id := fmt.Sprintf("evt_%s_%d", channel, sequence)
	cursor := encodeCursor(channel, sequence)
	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO event_log (channel, sequence, id, cursor, message_type, payload, correlation_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		channel, sequence, id, cursor, messageType, payload, correlationID, formatTime(now),
	); err != nil {
		return eventlog.AppendResult{}, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return eventlog.AppendResult{}, fmt.Errorf("commit append: %w", err)
	}

	if sequence%opportunisticExpireEvery == 0 {
		if _, err := db.expireOneChannel(ctx, channel, now); err != nil {
			slog.Warn("opportunistic expire failed", "channel", channel, "error", err)
		}
	}

	return eventlog.AppendResult{Cursor: cursor, Sequence: sequence}, nil
}

// opportunisticExpireEvery amortizes the retention sweep: rather than
// checking a channel's policy on every append, Append only sweeps that one
// channel every Nth write. The ticker in cmd/gatewayd still handles the
// channels that never reach this threshold, and any channel not covered by
// a retention policy is a no-op lookup either way.
const opportunisticExpireEvery = 128

// expireOneChannel applies the first retention policy matching channel,
// without touching every other channel in the log.
func (db *DB) expireOneChannel(ctx context.Context, channel string, now time.Time) (int64, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT channel_pattern, max_count, max_age_seconds FROM event_retention`)
	if err != nil {
		return 0, fmt.Errorf("select retention policies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pattern string
		var maxCount, maxAgeSec int
		if err := rows.Scan(&pattern, &maxCount, &maxAgeSec); err != nil {
			return 0, fmt.Errorf("scan retention policy: %w", err)
		}
		prefix := strings.TrimSuffix(pattern, "*")
		if pattern == channel || (strings.HasSuffix(pattern, "*") && strings.HasPrefix(channel, prefix)) {
			rows.Close()
			return db.expireChannel(ctx, channel, maxCount, maxAgeSec, now)
		}
	}
	return 0, rows.Err()
}

// RangeAfter returns entries for channel after cursor, oldest first.
func (db *DB) RangeAfter(ctx context.Context, channel, cursor string, limit int) ([]eventlog.Entry, error) {
	start := time.Now()
	defer db.logSlow("RangeAfter", start)

	if limit <= 0 {
		limit = 100
	}

	afterSeq := int64(0)
	if cursor != "" {
		cursorChannel, seq, err := decodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		if cursorChannel != channel {
			return nil, fmt.Errorf("cursor channel mismatch: expected %s, got %s", channel, cursorChannel)
		}

		var minSeq sql.NullInt64
		if err := db.conn.QueryRowContext(ctx,
			`SELECT MIN(sequence) FROM event_log WHERE channel = ?`, channel,
		).Scan(&minSeq); err != nil {
			return nil, fmt.Errorf("select min sequence: %w", err)
		}
		if minSeq.Valid && seq < minSeq.Int64 {
			return nil, eventstore.ErrCursorExpired
		}
		afterSeq = seq
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, channel, sequence, cursor, message_type, payload, correlation_id, created_at, expires_at
		FROM event_log WHERE channel = ? AND sequence > ? ORDER BY sequence ASC LIMIT ?`,
		channel, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("range after: %w", err)
	}
	defer rows.Close()

	var out []eventlog.Entry
	for rows.Next() {
		var (
			e             eventlog.Entry
			createdAtStr  string
			expiresAtStr  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Channel, &e.Sequence, &e.Cursor, &e.MessageType,
			&e.Payload, &e.CorrelationID, &createdAtStr, &expiresAtStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if e.CreatedAt, err = parseTime(createdAtStr); err != nil {
			return nil, err
		}
		if e.ExpiresAt, err = parseNullTime(expiresAtStr); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestCursor returns the cursor of the most recent entry for channel, or
// nil if the channel has never been written to.
func (db *DB) LatestCursor(ctx context.Context, channel string) (*string, error) {
	start := time.Now()
	defer db.logSlow("LatestCursor", start)

	var cursor sql.NullString
	err := db.conn.QueryRowContext(ctx, `
		SELECT cursor FROM event_log WHERE channel = ? ORDER BY sequence DESC LIMIT 1`, channel,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select latest cursor: %w", err)
	}
	return &cursor.String, nil
}

// Expire deletes entries past their channel's retention policy as of now.
func (db *DB) Expire(ctx context.Context, now time.Time) (int64, error) {
	start := time.Now()
	defer db.logSlow("Expire", start)

	rows, err := db.conn.QueryContext(ctx, `SELECT channel_pattern, max_count, max_age_seconds FROM event_retention`)
	if err != nil {
		return 0, fmt.Errorf("select retention policies: %w", err)
	}
	type policy struct {
		pattern string
		count   int
		ageSec  int
	}
	var policies []policy
	for rows.Next() {
		var p policy
		if err := rows.Scan(&p.pattern, &p.count, &p.ageSec); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan retention policy: %w", err)
		}
		policies = append(policies, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var totalDeleted int64
	for _, p := range policies {
		channels, err := db.matchingChannels(ctx, p.pattern)
		if err != nil {
			return totalDeleted, err
		}
		for _, channel := range channels {
			n, err := db.expireChannel(ctx, channel, p.count, p.ageSec, now)
			if err != nil {
				return totalDeleted, err
			}
			totalDeleted += n
		}
	}
	return totalDeleted, nil
}

// matchingChannels resolves a retention policy's glob-style "prefix:*"
// pattern (the only form §4.B retention policies use) against distinct
// channels currently present in the log.
func (db *DB) matchingChannels(ctx context.Context, pattern string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT DISTINCT channel FROM event_log`)
	if err != nil {
		return nil, fmt.Errorf("select distinct channels: %w", err)
	}
	defer rows.Close()

	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for rows.Next() {
		var channel string
		if err := rows.Scan(&channel); err != nil {
			return nil, err
		}
		if pattern == channel || (strings.HasSuffix(pattern, "*") && strings.HasPrefix(channel, prefix)) {
			out = append(out, channel)
		}
	}
	return out, rows.Err()
}

func (db *DB) expireChannel(ctx context.Context, channel string, maxCount, maxAgeSec int, now time.Time) (int64, error) {
	var total int64

	if maxAgeSec > 0 {
		cutoff := now.Add(-time.Duration(maxAgeSec) * time.Second)
		res, err := db.conn.ExecContext(ctx,
			`DELETE FROM event_log WHERE channel = ? AND created_at < ?`, channel, formatTime(cutoff))
		if err != nil {
			return total, fmt.Errorf("expire by age: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if maxCount > 0 {
		res, err := db.conn.ExecContext(ctx, `
			DELETE FROM event_log WHERE channel = ? AND sequence NOT IN (
				SELECT sequence FROM event_log WHERE channel = ? ORDER BY sequence DESC LIMIT ?
			)`, channel, channel, maxCount)
		if err != nil {
			return total, fmt.Errorf("expire by count: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	return total, nil
}

// SetRetention configures the retention policy for entries on a channel
// pattern.
func (db *DB) SetRetention(ctx context.Context, channelPattern string, policy eventlog.RetentionPolicy) error {
	start := time.Now()
	defer db.logSlow("SetRetention", start)

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO event_retention (channel_pattern, max_count, max_age_seconds)
		VALUES (?, ?, ?)
		ON CONFLICT (channel_pattern) DO UPDATE SET
			max_count = excluded.max_count,
			max_age_seconds = excluded.max_age_seconds`,
		channelPattern, policy.MaxCount, int(policy.MaxAge.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("set retention: %w", err)
	}
	return nil
}
