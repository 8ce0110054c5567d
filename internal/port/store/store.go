// Package store defines the persistence port interfaces for the three core
// subsystems, replacing the teacher's single giant aggregated Store
// interface with one focused interface per subsystem so each adapter can be
// tested and mocked independently.
package store

import (
	"context"
	"time"

	"github.com/fleetgate/gateway/internal/domain/dcg"
	"github.com/fleetgate/gateway/internal/domain/profile"
	"github.com/fleetgate/gateway/internal/domain/syncop"
)

// ProfileStore persists CAAM profiles and pools.
type ProfileStore interface {
	CreateProfile(ctx context.Context, p *profile.Profile) error
	GetProfile(ctx context.Context, id string) (*profile.Profile, error)
	UpdateProfile(ctx context.Context, p *profile.Profile) error
	DeleteProfile(ctx context.Context, id string) error
	ListProfiles(ctx context.Context, workspaceID string, provider profile.Provider) ([]profile.Profile, error)

	GetPool(ctx context.Context, workspaceID string, provider profile.Provider) (*profile.Pool, error)
	CreatePool(ctx context.Context, p *profile.Pool) error
	UpdatePool(ctx context.Context, p *profile.Pool) error
}

// SyncStore persists git-sync operation history (the scheduler's in-memory
// operation maps cover the hot path; terminal transitions mirror here per §3
// "Lifecycles").
type SyncStore interface {
	SaveHistory(ctx context.Context, op *syncop.Operation) error
	GetHistory(ctx context.Context, repositoryID string, filter syncop.HistoryFilter) ([]syncop.Operation, error)
}

// DCGStore persists DCG configuration, its history, block events, and
// allow-once exceptions.
type DCGStore interface {
	GetConfig(ctx context.Context) (*dcg.Config, error)
	SaveConfig(ctx context.Context, cfg *dcg.Config) error
	AppendConfigHistory(ctx context.Context, entry *dcg.ConfigHistoryEntry) error

	SaveBlockEvent(ctx context.Context, ev *dcg.BlockEvent) error
	GetBlockEvent(ctx context.Context, id string) (*dcg.BlockEvent, error)
	UpdateBlockEvent(ctx context.Context, ev *dcg.BlockEvent) error
	ListBlockEvents(ctx context.Context, filter dcg.BlockEventFilter, cursor string, limit int) ([]dcg.BlockEvent, string, bool, error)
	CountBlockEvents(ctx context.Context, since time.Time) (int, error)
	CountFalsePositives(ctx context.Context, since time.Time) (int, error)
	TopPatterns(ctx context.Context, since time.Time, limit int) ([]dcg.TrendStat, error)
	TopAgents(ctx context.Context, since time.Time, limit int) ([]dcg.TrendStat, error)
	DailyCounts(ctx context.Context, since time.Time, until time.Time) ([]dcg.DayBucket, error)

	SaveException(ctx context.Context, e *dcg.Exception) error
	GetExceptionByCode(ctx context.Context, code string) (*dcg.Exception, error)
	UpdateException(ctx context.Context, e *dcg.Exception) error
	CountPendingExceptions(ctx context.Context) (int, error)
	CountAllowlist(ctx context.Context) (int, error)
}
