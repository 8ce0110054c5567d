// Package profile defines the CAAM domain model: credential Profiles and the
// Pools that group them per (workspace, provider) for rotation.
package profile

import "time"

// Provider identifies a supported coding-agent backend.
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderCodex  Provider = "codex"
	ProviderGemini Provider = "gemini"
)

// AuthMode is how a profile authenticates to its provider.
type AuthMode string

const (
	AuthModeOAuthBrowser AuthMode = "oauth_browser"
	AuthModeDeviceCode   AuthMode = "device_code"
	AuthModeAPIKey       AuthMode = "api_key"
	AuthModeVertexADC    AuthMode = "vertex_adc"
)

// Status is the lifecycle state of a Profile.
type Status string

const (
	StatusUnlinked Status = "unlinked"
	StatusLinked   Status = "linked"
	StatusVerified Status = "verified"
	StatusExpired  Status = "expired"
	StatusCooldown Status = "cooldown"
	StatusError    Status = "error"
)

// RotationStrategy selects how a Pool picks its next active profile.
type RotationStrategy string

const (
	StrategySmart       RotationStrategy = "smart"
	StrategyRoundRobin  RotationStrategy = "round_robin"
	StrategyLeastRecent RotationStrategy = "least_recent"
	StrategyRandom      RotationStrategy = "random"
)

// Artifacts records which on-disk auth artifacts a profile has produced.
type Artifacts struct {
	AuthFilesPresent bool `json:"authFilesPresent"`
}

// Profile is a named credential context under a workspace for one provider.
type Profile struct {
	ID             string     `json:"id"`
	WorkspaceID    string     `json:"workspaceId"`
	Provider       Provider   `json:"provider"`
	Name           string     `json:"name"`
	AuthMode       AuthMode   `json:"authMode"`
	Status         Status     `json:"status"`
	HealthScore    int        `json:"healthScore"`    // [0, 100]
	PenaltyScore   int        `json:"penaltyScore"`   // >= 0
	CooldownUntil  *time.Time `json:"cooldownUntil,omitempty"`
	LastUsedAt     *time.Time `json:"lastUsedAt,omitempty"`
	LastVerifiedAt *time.Time `json:"lastVerifiedAt,omitempty"`
	ErrorCount1h   int        `json:"errorCount1h"`
	Labels         []string   `json:"labels,omitempty"`
	Artifacts      Artifacts  `json:"artifacts"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// NormalizeCooldown applies the 4.D invariant that a profile whose cooldown
// has elapsed reads back as linked. It mutates p in place and reports
// whether a transition occurred, so callers can decide whether to persist
// the change.
func (p *Profile) NormalizeCooldown(now time.Time) bool {
	if p.Status != StatusCooldown {
		return false
	}
	if p.CooldownUntil == nil || !p.CooldownUntil.After(now) {
		p.Status = StatusLinked
		p.CooldownUntil = nil
		return true
	}
	return false
}

// Available reports whether p may be selected by a rotation algorithm at
// the instant now.
func (p *Profile) Available(now time.Time) bool {
	if p.Status != StatusLinked && p.Status != StatusVerified {
		return false
	}
	if p.CooldownUntil != nil && p.CooldownUntil.After(now) {
		return false
	}
	return true
}

// Pool is the rotation group owning all profiles for one (workspace, provider).
type Pool struct {
	ID                     string           `json:"id"`
	WorkspaceID            string           `json:"workspaceId"`
	Provider               Provider         `json:"provider"`
	RotationStrategy       RotationStrategy `json:"rotationStrategy"`
	CooldownMinutesDefault int              `json:"cooldownMinutesDefault"`
	MaxRetries             int              `json:"maxRetries"`
	ActiveProfileID        *string          `json:"activeProfileId,omitempty"`
	LastRotatedAt          *time.Time       `json:"lastRotatedAt,omitempty"`
	// rotationCursor advances the round_robin pointer across calls; it is
	// persisted as part of the pool row but never exposed over the wire.
	RotationCursor int `json:"-"`
}

// RotationResult is the outcome of a rotate or handleRateLimit call.
type RotationResult struct {
	Success          bool    `json:"success"`
	PreviousProfileID *string `json:"previousProfileId,omitempty"`
	NewProfileID      *string `json:"newProfileId,omitempty"`
	RetriesRemaining  int     `json:"retriesRemaining"`
	Reason            string  `json:"reason,omitempty"`
}

// ProfileSummary buckets a workspace's profiles by status for the BYOA readiness view.
type ProfileSummary struct {
	Verified  int `json:"verified"`
	InCooldown int `json:"inCooldown"`
	Error     int `json:"error"`
	Unlinked  int `json:"unlinked"`
}

// ByoaStatus is the "bring your own account" readiness summary for a workspace.
type ByoaStatus struct {
	Ready              bool           `json:"ready"`
	VerifiedProviders  []Provider     `json:"verifiedProviders"`
	ProfileSummary     ProfileSummary `json:"profileSummary"`
	RecommendedAction  string         `json:"recommendedAction,omitempty"`
}

// DefaultCooldownMinutes is the provider-default cooldown table referenced by
// design note §9: new pools are seeded with these values, and a pool's own
// CooldownMinutesDefault takes precedence over them when it is non-zero.
var DefaultCooldownMinutes = map[Provider]int{
	ProviderClaude: 60,
	ProviderCodex:  30,
	ProviderGemini: 15,
}

// RateLimitSignatures are case-insensitive substrings/fragments that identify
// a provider's rate-limit error text.
var RateLimitSignatures = map[Provider][]string{
	ProviderClaude: {"rate_limit_error", "overloaded_error", "rate limit", "429"},
	ProviderCodex:  {"rate_limit_exceeded", "too many requests", "429"},
	ProviderGemini: {"resource_exhausted", "quota exceeded", "429"},
}
