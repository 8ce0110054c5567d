package service

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/fleetgate/gateway/internal/adapter/otel"
	"github.com/fleetgate/gateway/internal/apperr"
	"github.com/fleetgate/gateway/internal/corrctx"
	"github.com/fleetgate/gateway/internal/domain/channel"
	"github.com/fleetgate/gateway/internal/domain/dcg"
	"github.com/fleetgate/gateway/internal/idgen"
	"github.com/fleetgate/gateway/internal/port/broadcast"
	"github.com/fleetgate/gateway/internal/port/cache"
	"github.com/fleetgate/gateway/internal/port/store"
)

// ringSize bounds the in-memory recent-blocks ring used for fast local
// reads; §9 mandates the persisted path for anything correctness-bearing,
// so this ring backs nothing but cheap diagnostics.
const ringSize = 100

// configCacheKey and configCacheTTL cache the hot-path config lookup that
// Evaluate needs on every ingested command; UpdateConfig invalidates it.
const configCacheKey = "dcg:config"
const configCacheTTL = 30 * time.Second

// DCGService implements the destructive-command guard policy engine (§4.F).
// It generalizes the teacher's tool-permission evaluator (matching
// ToolSpecifier/PermissionRule against a ToolCall) into matching Pack rules
// against a raw command string.
type DCGService struct {
	store   store.DCGStore
	hub     broadcast.Hub
	audit   *AuditService
	cache   cache.Cache
	metrics *cfotel.Metrics

	packs map[string]dcg.Pack
	ring  []dcg.BlockEvent
}

// NewDCGService constructs a DCGService with a fixed set of known packs.
// Packs are loaded at startup (from embedded defaults or config) and are
// not hot-swappable; only their enabled/disabled state and severity modes
// are runtime-mutable, via the Config. c may be nil to disable config caching.
func NewDCGService(s store.DCGStore, hub broadcast.Hub, audit *AuditService, c cache.Cache, packs []dcg.Pack) *DCGService {
	byName := make(map[string]dcg.Pack, len(packs))
	for _, p := range packs {
		byName[p.Name] = p
	}
	return &DCGService{store: s, hub: hub, audit: audit, cache: c, packs: byName}
}

// SetMetrics attaches the gateway's OTEL instruments. Nil-safe: callers that
// never set metrics get a service with no-op instrumentation.
func (d *DCGService) SetMetrics(m *cfotel.Metrics) {
	d.metrics = m
}

// GetConfig returns the current DCG configuration, serving from the L1
// cache when warm since this is read on every ingested command.
func (d *DCGService) GetConfig(ctx context.Context) (*dcg.Config, error) {
	if d.cache != nil {
		if raw, ok, err := d.cache.Get(ctx, configCacheKey); err == nil && ok {
			var cfg dcg.Config
			if json.Unmarshal(raw, &cfg) == nil {
				return &cfg, nil
			}
		}
	}

	cfg, err := d.store.GetConfig(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "load dcg config")
	}
	d.cacheConfig(ctx, cfg)
	return cfg, nil
}

func (d *DCGService) cacheConfig(ctx context.Context, cfg *dcg.Config) {
	if d.cache == nil {
		return
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	_ = d.cache.Set(ctx, configCacheKey, raw, configCacheTTL)
}

// UpdateConfig applies patch to the current config, recording a history
// entry and publishing dcg.config_updated on system:dcg.
func (d *DCGService) UpdateConfig(ctx context.Context, updatedBy string, patch func(*dcg.Config)) (*dcg.Config, error) {
	cfg, err := d.store.GetConfig(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "load dcg config")
	}
	before := *cfg
	patch(cfg)
	cfg.UpdatedBy = updatedBy
	cfg.UpdatedAt = time.Now()

	if err := d.store.SaveConfig(ctx, cfg); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "save dcg config")
	}
	d.cacheConfig(ctx, cfg)

	hist := &dcg.ConfigHistoryEntry{
		ID:        idgen.New("dcgh"),
		Snapshot:  *cfg,
		Diff:      diffConfig(before, *cfg),
		UpdatedBy: updatedBy,
		UpdatedAt: cfg.UpdatedAt,
	}
	if err := d.store.AppendConfigHistory(ctx, hist); err != nil {
		corrctx.Logger(ctx).Error("dcg: persist config history failed", "error", err)
	}

	d.publishSystem(ctx, "dcg.config_updated", cfg)
	return cfg, nil
}

func diffConfig(before, after dcg.Config) string {
	return fmt.Sprintf("enabled=%v disabled=%v modes=%v -> enabled=%v disabled=%v modes=%v",
		before.EnabledPacks, before.DisabledPacks, before.Modes,
		after.EnabledPacks, after.DisabledPacks, after.Modes)
}

// EnablePack and DisablePack are inverse idempotent operations on the
// EnabledPacks/DisabledPacks sets: enablePack ∘ disablePack leaves both sets
// equal to the pre-state for the given pack.
func (d *DCGService) EnablePack(ctx context.Context, name, updatedBy string) (*dcg.Config, error) {
	return d.UpdateConfig(ctx, updatedBy, func(c *dcg.Config) {
		c.DisabledPacks = removeString(c.DisabledPacks, name)
		c.EnabledPacks = addStringOnce(c.EnabledPacks, name)
	})
}

func (d *DCGService) DisablePack(ctx context.Context, name, updatedBy string) (*dcg.Config, error) {
	return d.UpdateConfig(ctx, updatedBy, func(c *dcg.Config) {
		c.EnabledPacks = removeString(c.EnabledPacks, name)
		c.DisabledPacks = addStringOnce(c.DisabledPacks, name)
	})
}

func addStringOnce(s []string, v string) []string {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}

func removeString(s []string, v string) []string {
	out := s[:0:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// ListPacks enumerates known packs with their current enabled state.
func (d *DCGService) ListPacks(ctx context.Context) ([]dcg.Pack, map[string]bool, error) {
	cfg, err := d.store.GetConfig(ctx)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, err, "load dcg config")
	}
	packs := make([]dcg.Pack, 0, len(d.packs))
	enabled := make(map[string]bool, len(d.packs))
	for name, p := range d.packs {
		packs = append(packs, p)
		enabled[name] = cfg.Effective(name)
	}
	return packs, enabled, nil
}

// Evaluate runs a command against every rule in every effective pack,
// applying allowlist suppression and severity-mode resolution per §4.F.
func (d *DCGService) Evaluate(ctx context.Context, cfg *dcg.Config, command string, allowlist map[string]dcg.Exception) dcg.Verdict {
	_, span := cfotel.StartDCGEvaluateSpan(ctx)
	defer span.End()

	var matches []dcg.Match

	for name, pack := range d.packs {
		if !cfg.Effective(name) {
			continue
		}
		for _, rule := range pack.Rules {
			if !matchRule(rule, command) {
				continue
			}
			m := dcg.Match{Pack: name, Rule: rule}
			if exc, ok := allowlist[rule.RuleID]; ok && exceptionCovers(exc, command) {
				m.Suppressed = true
			}
			matches = append(matches, m)
		}
	}

	verdict := dcg.Verdict{Matches: matches}

	var winner *dcg.Match
	for i := range matches {
		m := &matches[i]
		if m.Suppressed {
			continue
		}
		mode := cfg.ModeFor(m.Rule.Severity)
		if mode != dcg.ModeDeny {
			continue
		}
		if winner == nil || m.Rule.Severity.Rank() > winner.Rule.Severity.Rank() {
			winner = m
		}
	}

	if winner != nil {
		verdict.Blocked = true
		verdict.Mode = dcg.ModeDeny
		verdict.Winner = winner
		return verdict
	}

	// No deny survives; still surface the first unsuppressed (warn/log)
	// match for ingestion. Severities are not compared on this path.
	for i := range matches {
		m := &matches[i]
		if m.Suppressed {
			continue
		}
		verdict.Winner = m
		verdict.Mode = cfg.ModeFor(m.Rule.Severity)
		break
	}
	return verdict
}

func exceptionCovers(exc dcg.Exception, command string) bool {
	return exc.Status == dcg.ExceptionApproved && exc.CommandHash == dcg.HashCommand(command)
}

// matchRule dispatches on the rule's pattern kind.
func matchRule(rule dcg.Rule, command string) bool {
	switch rule.PatternKind {
	case dcg.PatternGlob:
		ok, _ := filepath.Match(rule.Pattern, command)
		if ok {
			return true
		}
		return matchGlobSubstring(rule.Pattern, command)
	case dcg.PatternRegex:
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(command)
	default: // literal
		return strings.Contains(strings.ToLower(command), strings.ToLower(rule.Pattern))
	}
}

// matchGlobSubstring allows a glob pattern to match anywhere in the command
// rather than requiring a full-string match, since DCG rules police
// substrings of a shell invocation, not whole commands.
func matchGlobSubstring(pattern, command string) bool {
	fields := strings.Fields(command)
	for i := range fields {
		candidate := strings.Join(fields[i:], " ")
		if ok, _ := filepath.Match(pattern, candidate); ok {
			return true
		}
	}
	return false
}

var redactionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password[=:])\S+`),
	regexp.MustCompile(`(?i)(api[_-]?key[=:])\S+`),
	regexp.MustCompile(`(?i)(token[=:])\S+`),
	regexp.MustCompile(`(?i)(secret[=:])\S+`),
	regexp.MustCompile(`(?i)(bearer\s+)\S+`),
	regexp.MustCompile(`(?i)(authorization:\s*)\S+`),
}

// Redact replaces credential-shaped tokens in command with "[REDACTED]",
// per the substitution table in §4.F.
func Redact(command string) string {
	redacted := command
	for _, re := range redactionPatterns {
		redacted = re.ReplaceAllString(redacted, "${1}[REDACTED]")
	}
	return redacted
}

// Ingest records a block event: redacts the command, appends to the recent
// ring, persists, and publishes dcg.block or dcg.warn on system:dcg.
func (d *DCGService) Ingest(ctx context.Context, req dcg.IngestRequest) (*dcg.BlockEvent, error) {
	ev := &dcg.BlockEvent{
		ID:                    idgen.New(idgen.PrefixBlockEvent),
		Timestamp:             time.Now(),
		AgentID:               req.AgentID,
		Command:               Redact(req.Command),
		Pack:                  req.Pack,
		RuleID:                req.RuleID,
		Pattern:               req.Pattern,
		Severity:              req.Severity,
		Reason:                req.Reason,
		ContextClassification: req.ContextClassification,
		Allowlisted:           req.Allowlisted,
	}

	if err := d.store.SaveBlockEvent(ctx, ev); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "persist block event")
	}

	d.ring = append(d.ring, *ev)
	if len(d.ring) > ringSize {
		d.ring = d.ring[len(d.ring)-ringSize:]
	}

	eventType := "dcg.warn"
	blocked := ev.Severity == dcg.SeverityCritical || ev.Severity == dcg.SeverityHigh
	if blocked {
		eventType = "dcg.block"
	}
	d.publishSystem(ctx, eventType, ev)

	d.audit.Record(ctx, "dcg.block_event", ev.ID, map[string]any{"agentId": ev.AgentID, "severity": ev.Severity})

	if d.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("severity", string(ev.Severity)), attribute.String("pack", ev.Pack))
		if blocked {
			d.metrics.DCGBlocks.Add(ctx, 1, attrs)
		} else {
			d.metrics.DCGWarnings.Add(ctx, 1, attrs)
		}
	}
	return ev, nil
}

// MarkFalsePositive idempotently flags a block event as a false positive.
// Returns (nil, nil) if id is unknown, matching the §4.F "missing id
// returns none" contract without treating it as an error.
func (d *DCGService) MarkFalsePositive(ctx context.Context, id, actor string) (*dcg.BlockEvent, error) {
	ev, err := d.store.GetBlockEvent(ctx, id)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.KindInternal, err, "load block event")
	}
	if ev.FalsePositive {
		return ev, nil
	}
	ev.FalsePositive = true
	if err := d.store.UpdateBlockEvent(ctx, ev); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "update block event")
	}
	d.publishSystem(ctx, "dcg.false_positive", ev)
	d.audit.Record(ctx, "dcg.false_positive", ev.ID, map[string]any{"actor": actor})
	return ev, nil
}

// GetStats computes the statistics snapshot from persisted events. Queries
// that fail to reach storage degrade to zeros per §4.F rather than raising.
func (d *DCGService) GetStats(ctx context.Context, now time.Time) dcg.Stats {
	var stats dcg.Stats

	stats.BlocksLast24h = d.countOrZero(ctx, now.Add(-24*time.Hour))
	stats.BlocksLast7d = d.countOrZero(ctx, now.Add(-7*24*time.Hour))
	stats.BlocksLast30d = d.countOrZero(ctx, now.Add(-30*24*time.Hour))
	stats.TotalBlocks = d.countOrZero(ctx, time.Time{})

	if fp, err := d.store.CountFalsePositives(ctx, time.Time{}); err == nil {
		stats.FalsePositiveCount = fp
	}
	if stats.TotalBlocks > 0 {
		stats.FalsePositiveRate = float64(stats.FalsePositiveCount) / float64(stats.TotalBlocks)
	}
	if n, err := d.store.CountAllowlist(ctx); err == nil {
		stats.AllowlistSize = n
	}
	if n, err := d.store.CountPendingExceptions(ctx); err == nil {
		stats.PendingExceptionsCount = n
	}
	if top, err := d.store.TopPatterns(ctx, time.Time{}, 10); err == nil {
		stats.TopPatterns = top
	}
	if top, err := d.store.TopAgents(ctx, time.Time{}, 10); err == nil {
		stats.TopAgents = top
	}

	stats.Series7d = d.seriesOrZeroFilled(ctx, now, 7)
	stats.Series30d = d.seriesOrZeroFilled(ctx, now, 30)

	return stats
}

func (d *DCGService) countOrZero(ctx context.Context, since time.Time) int {
	n, err := d.store.CountBlockEvents(ctx, since)
	if err != nil {
		corrctx.Logger(ctx).Warn("dcg: stats query degraded to zero", "error", err)
		return 0
	}
	return n
}

// seriesOrZeroFilled returns exactly days entries in ascending date order,
// zero-filling any day storage didn't return, per the §8 boundary behaviour.
func (d *DCGService) seriesOrZeroFilled(ctx context.Context, now time.Time, days int) []dcg.DayBucket {
	since := now.AddDate(0, 0, -days)
	buckets, err := d.store.DailyCounts(ctx, since, now)
	if err != nil {
		buckets = nil
	}
	byDate := make(map[string]int, len(buckets))
	for _, b := range buckets {
		byDate[b.Date] = b.Count
	}

	out := make([]dcg.DayBucket, 0, days)
	for i := days - 1; i >= 0; i-- {
		date := now.AddDate(0, 0, -i).Format("2006-01-02")
		out = append(out, dcg.DayBucket{Date: date, Count: byDate[date]})
	}
	return out
}

func (d *DCGService) publishSystem(ctx context.Context, messageType string, payload any) {
	if d.hub == nil {
		return
	}
	ch := channel.Channel{Category: channel.CategorySystem, Subtopic: "dcg"}
	auth := channel.AuthContext{IsAdmin: true} // internal publisher
	if err := d.hub.Publish(ctx, ch, messageType, payload, auth); err != nil {
		corrctx.Logger(ctx).Error("dcg: publish failed", "type", messageType, "error", err)
	}
}

// CreateException starts a pending allow-once exception for a blocked command.
func (d *DCGService) CreateException(ctx context.Context, command, ruleID, pack string, ttl time.Duration) (*dcg.Exception, error) {
	now := time.Now()
	exc := &dcg.Exception{
		ID:          idgen.New("dcge"),
		Code:        shortCode(),
		Command:     command,
		CommandHash: dcg.HashCommand(command),
		RuleID:      ruleID,
		Pack:        pack,
		Status:      dcg.ExceptionPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := d.store.SaveException(ctx, exc); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "persist exception")
	}
	return exc, nil
}

// ApproveException approves a pending exception, authorizing exactly one
// future execution of its exact command.
func (d *DCGService) ApproveException(ctx context.Context, code, approvedBy string) (*dcg.Exception, error) {
	exc, err := d.store.GetExceptionByCode(ctx, code)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "exception %q not found", code)
	}
	if time.Now().After(exc.ExpiresAt) {
		exc.Status = dcg.ExceptionExpired
		_ = d.store.UpdateException(ctx, exc)
		return nil, apperr.New(apperr.KindConflict, "exception %q has expired", code)
	}
	exc.Status = dcg.ExceptionApproved
	exc.ApprovedBy = approvedBy
	if err := d.store.UpdateException(ctx, exc); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "update exception")
	}
	return exc, nil
}

// RedeemException marks an approved exception executed once its command has
// run; a subsequent redemption attempt for the same code re-blocks, since
// status is no longer "approved".
func (d *DCGService) RedeemException(ctx context.Context, code, command string) error {
	exc, err := d.store.GetExceptionByCode(ctx, code)
	if err != nil {
		return apperr.Wrap(apperr.KindNotFound, err, "exception %q not found", code)
	}
	if exc.Status != dcg.ExceptionApproved {
		return apperr.New(apperr.KindForbidden, "exception %q is not approved", code)
	}
	if exc.CommandHash != dcg.HashCommand(command) {
		return apperr.New(apperr.KindForbidden, "exception %q does not cover this command", code)
	}
	exc.Status = dcg.ExceptionExecuted
	return d.store.UpdateException(ctx, exc)
}

func shortCode() string {
	id := idgen.New("x")
	return strings.ToUpper(id[2:8])
}
