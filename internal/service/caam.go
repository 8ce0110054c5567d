// Package service implements the application-layer orchestration for the
// gateway's three core subsystems: CAAM (this file), git-sync, DCG, and the
// shared audit sink.
package service

import (
	"context"
	"crypto/rand"
	"math/big"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/fleetgate/gateway/internal/adapter/otel"
	"github.com/fleetgate/gateway/internal/apperr"
	"github.com/fleetgate/gateway/internal/corrctx"
	"github.com/fleetgate/gateway/internal/domain/profile"
	"github.com/fleetgate/gateway/internal/idgen"
	"github.com/fleetgate/gateway/internal/port/store"
)

// CAAMService implements the credential-pool rotator (§4.D).
type CAAMService struct {
	store   store.ProfileStore
	audit   *AuditService
	metrics *cfotel.Metrics
}

// NewCAAMService constructs a CAAMService.
func NewCAAMService(s store.ProfileStore, audit *AuditService) *CAAMService {
	return &CAAMService{store: s, audit: audit}
}

// SetMetrics attaches the gateway's OTEL instruments. Nil-safe: callers that
// never set metrics get a service with no-op instrumentation.
func (c *CAAMService) SetMetrics(m *cfotel.Metrics) {
	c.metrics = m
}

// CreateProfile creates a profile, creating its pool on demand if this is
// the first profile for (workspaceId, provider).
func (c *CAAMService) CreateProfile(ctx context.Context, workspaceID string, p profile.Provider, name string, authMode profile.AuthMode, labels []string) (*profile.Profile, error) {
	if workspaceID == "" || name == "" {
		return nil, apperr.New(apperr.KindValidation, "workspaceId and name are required")
	}

	pool, err := c.store.GetPool(ctx, workspaceID, p)
	if err != nil {
		if !apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.Wrap(apperr.KindInternal, err, "lookup pool")
		}
		pool = &profile.Pool{
			ID:                     idgen.New(idgen.PrefixPool),
			WorkspaceID:            workspaceID,
			Provider:               p,
			RotationStrategy:       profile.StrategySmart,
			CooldownMinutesDefault: profile.DefaultCooldownMinutes[p],
			MaxRetries:             3,
		}
		if err := c.store.CreatePool(ctx, pool); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, err, "create pool")
		}
	}

	now := time.Now()
	prof := &profile.Profile{
		ID:          idgen.New(idgen.PrefixProfile),
		WorkspaceID: workspaceID,
		Provider:    p,
		Name:        name,
		AuthMode:    authMode,
		Status:      profile.StatusUnlinked,
		Labels:      labels,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.CreateProfile(ctx, prof); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "create profile")
	}

	c.audit.Record(ctx, "caam.profile.created", prof.ID, map[string]any{"workspaceId": workspaceID, "provider": p})
	return prof, nil
}

// ActivateProfile marks a profile used and makes it its pool's active profile.
func (c *CAAMService) ActivateProfile(ctx context.Context, id string) (*profile.Profile, error) {
	prof, err := c.getNormalized(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	prof.LastUsedAt = &now
	prof.UpdatedAt = now
	if err := c.store.UpdateProfile(ctx, prof); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "update profile")
	}

	pool, err := c.store.GetPool(ctx, prof.WorkspaceID, prof.Provider)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "lookup pool")
	}
	pool.ActiveProfileID = &prof.ID
	if err := c.store.UpdatePool(ctx, pool); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "update pool")
	}
	return prof, nil
}

// MarkVerified transitions a profile to verified.
func (c *CAAMService) MarkVerified(ctx context.Context, id string) (*profile.Profile, error) {
	prof, err := c.getNormalized(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	prof.Status = profile.StatusVerified
	prof.LastVerifiedAt = &now
	prof.UpdatedAt = now
	if err := c.store.UpdateProfile(ctx, prof); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "update profile")
	}
	return prof, nil
}

// SetCooldown puts a profile in cooldown for the given duration.
func (c *CAAMService) SetCooldown(ctx context.Context, id string, minutes int, reason string) (*profile.Profile, error) {
	prof, err := c.getNormalized(ctx, id)
	if err != nil {
		return nil, err
	}
	until := time.Now().Add(time.Duration(minutes) * time.Minute)
	prof.Status = profile.StatusCooldown
	prof.CooldownUntil = &until
	prof.UpdatedAt = time.Now()
	if err := c.store.UpdateProfile(ctx, prof); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "update profile")
	}
	c.audit.Record(ctx, "caam.profile.cooldown", prof.ID, map[string]any{"minutes": minutes, "reason": reason})
	return prof, nil
}

// UpdateProfile applies a partial patch to a profile's mutable fields.
func (c *CAAMService) UpdateProfile(ctx context.Context, id string, patch func(*profile.Profile)) (*profile.Profile, error) {
	prof, err := c.getNormalized(ctx, id)
	if err != nil {
		return nil, err
	}
	patch(prof)
	prof.UpdatedAt = time.Now()
	if err := c.store.UpdateProfile(ctx, prof); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "update profile")
	}
	return prof, nil
}

// getNormalized loads a profile and applies the cooldown-expiry
// auto-transition invariant from §3, persisting the transition if it fired.
func (c *CAAMService) getNormalized(ctx context.Context, id string) (*profile.Profile, error) {
	prof, err := c.store.GetProfile(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "profile %q not found", id)
	}
	if prof.NormalizeCooldown(time.Now()) {
		if err := c.store.UpdateProfile(ctx, prof); err != nil {
			corrctx.Logger(ctx).Error("persist cooldown-expiry transition", "profile", id, "error", err)
		}
	}
	return prof, nil
}

// Rotate selects a new active profile for (workspaceId, provider) per the
// pool's rotation strategy, excluding the currently active profile.
func (c *CAAMService) Rotate(ctx context.Context, workspaceID string, p profile.Provider, reason string) (profile.RotationResult, error) {
	ctx, span := cfotel.StartRotateSpan(ctx, workspaceID, string(p), reason)
	defer span.End()

	pool, err := c.store.GetPool(ctx, workspaceID, p)
	if err != nil {
		span.SetStatus(codes.Error, "no pool found")
		return profile.RotationResult{Success: false, Reason: "No pool found"}, nil
	}

	profiles, err := c.store.ListProfiles(ctx, workspaceID, p)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return profile.RotationResult{}, apperr.Wrap(apperr.KindInternal, err, "list profiles")
	}

	now := time.Now()
	candidates := make([]*profile.Profile, 0, len(profiles))
	for i := range profiles {
		prof := &profiles[i]
		prof.NormalizeCooldown(now)
		if pool.ActiveProfileID != nil && prof.ID == *pool.ActiveProfileID {
			continue
		}
		if prof.Available(now) {
			candidates = append(candidates, prof)
		}
	}

	if len(candidates) == 0 {
		span.SetStatus(codes.Error, "no available profiles")
		return profile.RotationResult{Success: false, Reason: "No available profiles"}, nil
	}

	winner := selectByStrategy(pool.RotationStrategy, candidates, &pool.RotationCursor)

	previous := pool.ActiveProfileID
	pool.ActiveProfileID = &winner.ID
	now2 := time.Now()
	pool.LastRotatedAt = &now2
	if err := c.store.UpdatePool(ctx, pool); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return profile.RotationResult{}, apperr.Wrap(apperr.KindInternal, err, "update pool")
	}

	c.audit.Record(ctx, "caam.pool.rotated", pool.ID, map[string]any{"reason": reason, "newProfileId": winner.ID})

	if c.metrics != nil {
		c.metrics.CAAMRotations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", string(p)),
			attribute.String("reason", reason),
		))
	}
	span.SetStatus(codes.Ok, "")

	return profile.RotationResult{
		Success:           true,
		PreviousProfileID: previous,
		NewProfileID:      &winner.ID,
		RetriesRemaining:  pool.MaxRetries,
	}, nil
}

// HandleRateLimit atomically cools the active profile down and rotates.
func (c *CAAMService) HandleRateLimit(ctx context.Context, workspaceID string, p profile.Provider, errorText string) (profile.RotationResult, error) {
	pool, err := c.store.GetPool(ctx, workspaceID, p)
	if err != nil {
		return profile.RotationResult{Success: false, Reason: "No pool found"}, nil
	}
	if pool.ActiveProfileID == nil {
		return profile.RotationResult{Success: false, Reason: "No active profile"}, nil
	}

	active, err := c.store.GetProfile(ctx, *pool.ActiveProfileID)
	if err != nil {
		return profile.RotationResult{Success: false, Reason: "No active profile"}, nil
	}

	minutes := pool.CooldownMinutesDefault
	if minutes <= 0 {
		minutes = profile.DefaultCooldownMinutes[p]
	}

	until := time.Now().Add(time.Duration(minutes) * time.Minute)
	active.Status = profile.StatusCooldown
	active.CooldownUntil = &until
	active.UpdatedAt = time.Now()
	if err := c.store.UpdateProfile(ctx, active); err != nil {
		return profile.RotationResult{}, apperr.Wrap(apperr.KindInternal, err, "cool down profile")
	}

	c.audit.Record(ctx, "caam.profile.rate_limited", active.ID, map[string]any{"errorText": errorText, "cooldownMinutes": minutes})

	return c.Rotate(ctx, workspaceID, p, "rate_limit")
}

// PeekNextProfile previews the rotation winner without mutating state.
func (c *CAAMService) PeekNextProfile(ctx context.Context, workspaceID string, p profile.Provider) (*profile.Profile, error) {
	pool, err := c.store.GetPool(ctx, workspaceID, p)
	if err != nil {
		return nil, nil
	}
	profiles, err := c.store.ListProfiles(ctx, workspaceID, p)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "list profiles")
	}

	now := time.Now()
	candidates := make([]*profile.Profile, 0, len(profiles))
	for i := range profiles {
		prof := &profiles[i]
		if pool.ActiveProfileID != nil && prof.ID == *pool.ActiveProfileID {
			continue
		}
		if prof.Available(now) {
			candidates = append(candidates, prof)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	cursor := pool.RotationCursor
	return selectByStrategy(pool.RotationStrategy, candidates, &cursor), nil
}

// IsRateLimitError reports whether text matches provider's rate-limit
// signature set, case-insensitively.
func (c *CAAMService) IsRateLimitError(p profile.Provider, text string) bool {
	lower := strings.ToLower(text)
	for _, sig := range profile.RateLimitSignatures[p] {
		if strings.Contains(lower, strings.ToLower(sig)) {
			return true
		}
	}
	return false
}

// GetByoaStatus summarizes a workspace's bring-your-own-account readiness.
func (c *CAAMService) GetByoaStatus(ctx context.Context, workspaceID string) (profile.ByoaStatus, error) {
	var status profile.ByoaStatus
	for _, p := range []profile.Provider{profile.ProviderClaude, profile.ProviderCodex, profile.ProviderGemini} {
		profiles, err := c.store.ListProfiles(ctx, workspaceID, p)
		if err != nil {
			return profile.ByoaStatus{}, apperr.Wrap(apperr.KindInternal, err, "list profiles")
		}
		now := time.Now()
		verified := false
		for i := range profiles {
			prof := &profiles[i]
			prof.NormalizeCooldown(now)
			switch prof.Status {
			case profile.StatusVerified:
				status.ProfileSummary.Verified++
				verified = true
			case profile.StatusCooldown:
				status.ProfileSummary.InCooldown++
			case profile.StatusError:
				status.ProfileSummary.Error++
			case profile.StatusUnlinked:
				status.ProfileSummary.Unlinked++
			}
		}
		if verified {
			status.VerifiedProviders = append(status.VerifiedProviders, p)
		}
	}

	status.Ready = len(status.VerifiedProviders) > 0
	if !status.Ready {
		status.RecommendedAction = "link and verify at least one provider profile"
	}
	return status, nil
}

// selectByStrategy implements the §4.D rotation algorithm over candidates,
// which must already exclude the active profile and be filtered to
// available-at-now.
func selectByStrategy(strategy profile.RotationStrategy, candidates []*profile.Profile, cursor *int) *profile.Profile {
	switch strategy {
	case profile.StrategyRoundRobin:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
		*cursor = (*cursor + 1) % len(candidates)
		return candidates[*cursor]

	case profile.StrategyLeastRecent:
		sort.Slice(candidates, func(i, j int) bool {
			return lastUsedOrZero(candidates[i]).Before(lastUsedOrZero(candidates[j]))
		})
		return candidates[0]

	case profile.StrategyRandom:
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(candidates))))
		return candidates[n.Int64()]

	case profile.StrategySmart:
		fallthrough
	default:
		verified := make([]*profile.Profile, 0, len(candidates))
		for _, c := range candidates {
			if c.Status == profile.StatusVerified {
				verified = append(verified, c)
			}
		}
		pool := candidates
		if len(verified) > 0 {
			pool = verified
		}
		sort.Slice(pool, func(i, j int) bool {
			if pool[i].HealthScore != pool[j].HealthScore {
				return pool[i].HealthScore > pool[j].HealthScore
			}
			if !lastVerifiedOrZero(pool[i]).Equal(lastVerifiedOrZero(pool[j])) {
				return lastVerifiedOrZero(pool[i]).After(lastVerifiedOrZero(pool[j]))
			}
			return lastUsedOrZero(pool[i]).Before(lastUsedOrZero(pool[j]))
		})
		return pool[0]
	}
}

func lastUsedOrZero(p *profile.Profile) time.Time {
	if p.LastUsedAt == nil {
		return time.Time{}
	}
	return *p.LastUsedAt
}

func lastVerifiedOrZero(p *profile.Profile) time.Time {
	if p.LastVerifiedAt == nil {
		return time.Time{}
	}
	return *p.LastVerifiedAt
}
