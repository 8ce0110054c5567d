package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fleetgate/gateway/internal/domain/profile"
)

// CreateProfile inserts a new profile row.
func (db *DB) CreateProfile(ctx context.Context, p *profile.Profile) error {
	start := time.Now()
	defer db.logSlow("CreateProfile", start)

	labels, err := toJSON(p.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO profiles (
			id, workspace_id, provider, name, auth_mode, status,
			health_score, penalty_score, cooldown_until, last_used_at,
			last_verified_at, error_count_1h, labels_json, auth_files_present,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.WorkspaceID, string(p.Provider), p.Name, string(p.AuthMode), string(p.Status),
		p.HealthScore, p.PenaltyScore, nullTime(p.CooldownUntil), nullTime(p.LastUsedAt),
		nullTime(p.LastVerifiedAt), p.ErrorCount1h, labels, boolToInt(p.Artifacts.AuthFilesPresent),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

// GetProfile loads a profile by id.
func (db *DB) GetProfile(ctx context.Context, id string) (*profile.Profile, error) {
	start := time.Now()
	defer db.logSlow("GetProfile", start)

	row := db.conn.QueryRowContext(ctx, `
		SELECT id, workspace_id, provider, name, auth_mode, status,
		       health_score, penalty_score, cooldown_until, last_used_at,
		       last_verified_at, error_count_1h, labels_json, auth_files_present,
		       created_at, updated_at
		FROM profiles WHERE id = ?`, id)

	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	return p, nil
}

// UpdateProfile overwrites every mutable field of an existing profile.
func (db *DB) UpdateProfile(ctx context.Context, p *profile.Profile) error {
	start := time.Now()
	defer db.logSlow("UpdateProfile", start)

	labels, err := toJSON(p.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}

	res, err := db.conn.ExecContext(ctx, `
		UPDATE profiles SET
			workspace_id = ?, provider = ?, name = ?, auth_mode = ?, status = ?,
			health_score = ?, penalty_score = ?, cooldown_until = ?, last_used_at = ?,
			last_verified_at = ?, error_count_1h = ?, labels_json = ?, auth_files_present = ?,
			updated_at = ?
		WHERE id = ?`,
		p.WorkspaceID, string(p.Provider), p.Name, string(p.AuthMode), string(p.Status),
		p.HealthScore, p.PenaltyScore, nullTime(p.CooldownUntil), nullTime(p.LastUsedAt),
		nullTime(p.LastVerifiedAt), p.ErrorCount1h, labels, boolToInt(p.Artifacts.AuthFilesPresent),
		formatTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return requireRowsAffected(res, "profile", p.ID)
}

// DeleteProfile removes a profile by id.
func (db *DB) DeleteProfile(ctx context.Context, id string) error {
	start := time.Now()
	defer db.logSlow("DeleteProfile", start)

	res, err := db.conn.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	return requireRowsAffected(res, "profile", id)
}

// ListProfiles returns every profile for (workspaceID, provider), oldest first.
func (db *DB) ListProfiles(ctx context.Context, workspaceID string, provider profile.Provider) ([]profile.Profile, error) {
	start := time.Now()
	defer db.logSlow("ListProfiles", start)

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, workspace_id, provider, name, auth_mode, status,
		       health_score, penalty_score, cooldown_until, last_used_at,
		       last_verified_at, error_count_1h, labels_json, auth_files_present,
		       created_at, updated_at
		FROM profiles WHERE workspace_id = ? AND provider = ? ORDER BY created_at`,
		workspaceID, string(provider))
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []profile.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*profile.Profile, error) {
	var (
		p                                              profile.Profile
		providerStr, authModeStr, statusStr            string
		cooldownUntil, lastUsedAt, lastVerifiedAt       sql.NullString
		labelsJSON                                      string
		authFilesPresent                                int
		createdAtStr, updatedAtStr                      string
	)
	if err := row.Scan(
		&p.ID, &p.WorkspaceID, &providerStr, &p.Name, &authModeStr, &statusStr,
		&p.HealthScore, &p.PenaltyScore, &cooldownUntil, &lastUsedAt,
		&lastVerifiedAt, &p.ErrorCount1h, &labelsJSON, &authFilesPresent,
		&createdAtStr, &updatedAtStr,
	); err != nil {
		return nil, err
	}

	p.Provider = profile.Provider(providerStr)
	p.AuthMode = profile.AuthMode(authModeStr)
	p.Status = profile.Status(statusStr)
	p.Artifacts.AuthFilesPresent = authFilesPresent != 0

	var err error
	if p.CooldownUntil, err = parseNullTime(cooldownUntil); err != nil {
		return nil, err
	}
	if p.LastUsedAt, err = parseNullTime(lastUsedAt); err != nil {
		return nil, err
	}
	if p.LastVerifiedAt, err = parseNullTime(lastVerifiedAt); err != nil {
		return nil, err
	}
	if err := fromJSON(labelsJSON, &p.Labels); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPool loads the rotation pool for (workspaceID, provider).
func (db *DB) GetPool(ctx context.Context, workspaceID string, provider profile.Provider) (*profile.Pool, error) {
	start := time.Now()
	defer db.logSlow("GetPool", start)

	row := db.conn.QueryRowContext(ctx, `
		SELECT id, workspace_id, provider, rotation_strategy, cooldown_minutes_default,
		       max_retries, active_profile_id, last_rotated_at, rotation_cursor
		FROM pools WHERE workspace_id = ? AND provider = ?`, workspaceID, string(provider))

	var (
		pl                        profile.Pool
		providerStr, strategyStr  string
		activeProfileID           sql.NullString
		lastRotatedAt             sql.NullString
	)
	err := row.Scan(&pl.ID, &pl.WorkspaceID, &providerStr, &strategyStr, &pl.CooldownMinutesDefault,
		&pl.MaxRetries, &activeProfileID, &lastRotatedAt, &pl.RotationCursor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pool %s/%s: %w", workspaceID, provider, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("scan pool: %w", err)
	}

	pl.Provider = profile.Provider(providerStr)
	pl.RotationStrategy = profile.RotationStrategy(strategyStr)
	if activeProfileID.Valid {
		pl.ActiveProfileID = &activeProfileID.String
	}
	if pl.LastRotatedAt, err = parseNullTime(lastRotatedAt); err != nil {
		return nil, err
	}
	return &pl, nil
}

// CreatePool inserts a new pool row.
func (db *DB) CreatePool(ctx context.Context, p *profile.Pool) error {
	start := time.Now()
	defer db.logSlow("CreatePool", start)

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO pools (
			id, workspace_id, provider, rotation_strategy, cooldown_minutes_default,
			max_retries, active_profile_id, last_rotated_at, rotation_cursor
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.WorkspaceID, string(p.Provider), string(p.RotationStrategy), p.CooldownMinutesDefault,
		p.MaxRetries, nullableString(p.ActiveProfileID), nullTime(p.LastRotatedAt), p.RotationCursor,
	)
	if err != nil {
		return fmt.Errorf("insert pool: %w", err)
	}
	return nil
}

// UpdatePool overwrites every mutable field of an existing pool.
func (db *DB) UpdatePool(ctx context.Context, p *profile.Pool) error {
	start := time.Now()
	defer db.logSlow("UpdatePool", start)

	res, err := db.conn.ExecContext(ctx, `
		UPDATE pools SET
			rotation_strategy = ?, cooldown_minutes_default = ?, max_retries = ?,
			active_profile_id = ?, last_rotated_at = ?, rotation_cursor = ?
		WHERE id = ?`,
		string(p.RotationStrategy), p.CooldownMinutesDefault, p.MaxRetries,
		nullableString(p.ActiveProfileID), nullTime(p.LastRotatedAt), p.RotationCursor, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update pool: %w", err)
	}
	return requireRowsAffected(res, "pool", p.ID)
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, sql.ErrNoRows)
	}
	return nil
}
