package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/fleetgate/gateway/internal/domain/dcg"
	"github.com/fleetgate/gateway/internal/domain/eventlog"
	"github.com/fleetgate/gateway/internal/domain/profile"
	"github.com/fleetgate/gateway/internal/domain/syncop"
	"github.com/fleetgate/gateway/internal/port/eventstore"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Connect(context.Background(), Options{
		FileName:     ":memory:",
		AutoMigrate:  true,
		MaxOpenConns: 1,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestProfileRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	p := &profile.Profile{
		ID:          "prof_test1",
		WorkspaceID: "ws_1",
		Provider:    profile.ProviderClaude,
		Name:        "primary",
		AuthMode:    profile.AuthModeOAuthBrowser,
		Status:      profile.StatusLinked,
		HealthScore: 100,
		Labels:      []string{"team:a"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	p.Artifacts.AuthFilesPresent = true

	if err := db.CreateProfile(ctx, p); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}

	got, err := db.GetProfile(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.Name != p.Name || got.Status != p.Status || !got.Artifacts.AuthFilesPresent {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Labels) != 1 || got.Labels[0] != "team:a" {
		t.Fatalf("labels mismatch: %+v", got.Labels)
	}

	got.Status = profile.StatusCooldown
	cooldown := now.Add(5 * time.Minute)
	got.CooldownUntil = &cooldown
	if err := db.UpdateProfile(ctx, got); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}

	reloaded, err := db.GetProfile(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProfile after update: %v", err)
	}
	if reloaded.Status != profile.StatusCooldown {
		t.Fatalf("expected cooldown, got %s", reloaded.Status)
	}
	if reloaded.CooldownUntil == nil || !reloaded.CooldownUntil.Equal(cooldown) {
		t.Fatalf("cooldown_until mismatch: %+v", reloaded.CooldownUntil)
	}

	list, err := db.ListProfiles(ctx, "ws_1", profile.ProviderClaude)
	if err != nil {
		t.Fatalf("ListProfiles: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(list))
	}

	if err := db.DeleteProfile(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProfile: %v", err)
	}
	if _, err := db.GetProfile(ctx, p.ID); err == nil {
		t.Fatal("expected error after delete")
	}
}

func TestPoolRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	pl := &profile.Pool{
		ID:                      "pool_test1",
		WorkspaceID:             "ws_1",
		Provider:                profile.ProviderCodex,
		RotationStrategy:        profile.StrategyRoundRobin,
		CooldownMinutesDefault:  30,
		MaxRetries:              3,
	}
	if err := db.CreatePool(ctx, pl); err != nil {
		t.Fatalf("CreatePool: %v", err)
	}

	active := "prof_abc"
	pl.ActiveProfileID = &active
	if err := db.UpdatePool(ctx, pl); err != nil {
		t.Fatalf("UpdatePool: %v", err)
	}

	got, err := db.GetPool(ctx, "ws_1", profile.ProviderCodex)
	if err != nil {
		t.Fatalf("GetPool: %v", err)
	}
	if got.ActiveProfileID == nil || *got.ActiveProfileID != active {
		t.Fatalf("active profile id mismatch: %+v", got.ActiveProfileID)
	}
}

func TestSyncHistoryRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	op := &syncop.Operation{
		ID:           "gso_test1",
		RepositoryID: "repo_1",
		AgentID:      "agent_1",
		Operation:    syncop.KindPull,
		Branch:       "main",
		Priority:     5,
		Status:       syncop.StatusQueued,
		QueuedAt:     time.Now().UTC().Truncate(time.Second),
	}
	if err := db.SaveHistory(ctx, op); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}

	op.Status = syncop.StatusFailed
	op.Error = &syncop.Error{Code: syncop.FailureNetwork, Message: "connection reset"}
	if err := db.SaveHistory(ctx, op); err != nil {
		t.Fatalf("SaveHistory (update): %v", err)
	}

	history, err := db.GetHistory(ctx, "repo_1", syncop.HistoryFilter{Branch: "main"})
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history))
	}
	if history[0].Status != syncop.StatusFailed {
		t.Fatalf("expected status failed, got %s", history[0].Status)
	}
	if history[0].Error == nil || history[0].Error.Code != syncop.FailureNetwork {
		t.Fatalf("error mismatch: %+v", history[0].Error)
	}
}

func TestDCGConfigRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	cfg, err := db.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig (seed): %v", err)
	}
	if len(cfg.EnabledPacks) != 0 {
		t.Fatalf("expected empty seed config, got %+v", cfg)
	}

	cfg.EnabledPacks = []string{"core", "git"}
	cfg.Modes = map[dcg.Severity]dcg.Mode{dcg.SeverityCritical: dcg.ModeDeny}
	cfg.UpdatedBy = "admin"
	cfg.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	if err := db.SaveConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	reloaded, err := db.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if len(reloaded.EnabledPacks) != 2 || reloaded.ModeFor(dcg.SeverityCritical) != dcg.ModeDeny {
		t.Fatalf("config mismatch: %+v", reloaded)
	}

	entry := &dcg.ConfigHistoryEntry{
		ID:        "dcgh_1",
		Snapshot:  *reloaded,
		Diff:      "enabled_packs: [] -> [core, git]",
		UpdatedBy: "admin",
		UpdatedAt: reloaded.UpdatedAt,
	}
	if err := db.AppendConfigHistory(ctx, entry); err != nil {
		t.Fatalf("AppendConfigHistory: %v", err)
	}
}

func TestDCGBlockEventsAndPagination(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := &dcg.BlockEvent{
			ID:                    idForSeq(i),
			Timestamp:             time.Now().UTC(),
			AgentID:               "agent_1",
			Command:               "rm -rf /",
			Pack:                  "core",
			RuleID:                "core.rm_rf_root",
			Pattern:               "rm -rf /",
			Severity:              dcg.SeverityCritical,
			Reason:                "destroys the root filesystem",
			ContextClassification: dcg.ContextExecuted,
		}
		if err := db.SaveBlockEvent(ctx, ev); err != nil {
			t.Fatalf("SaveBlockEvent %d: %v", i, err)
		}
	}

	page1, cursor, hasMore, err := db.ListBlockEvents(ctx, dcg.BlockEventFilter{}, "", 2)
	if err != nil {
		t.Fatalf("ListBlockEvents page1: %v", err)
	}
	if len(page1) != 2 || !hasMore || cursor == "" {
		t.Fatalf("expected page of 2 with more, got %d entries hasMore=%v cursor=%q", len(page1), hasMore, cursor)
	}

	page2, _, hasMore2, err := db.ListBlockEvents(ctx, dcg.BlockEventFilter{}, cursor, 2)
	if err != nil {
		t.Fatalf("ListBlockEvents page2: %v", err)
	}
	if len(page2) != 1 || hasMore2 {
		t.Fatalf("expected final page of 1, got %d hasMore=%v", len(page2), hasMore2)
	}

	n, err := db.CountBlockEvents(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountBlockEvents: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 block events, got %d", n)
	}

	got := page1[0]
	got.FalsePositive = true
	if err := db.UpdateBlockEvent(ctx, &got); err != nil {
		t.Fatalf("UpdateBlockEvent: %v", err)
	}
	fpCount, err := db.CountFalsePositives(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountFalsePositives: %v", err)
	}
	if fpCount != 1 {
		t.Fatalf("expected 1 false positive, got %d", fpCount)
	}
}

func idForSeq(i int) string {
	return "dcg_test" + string(rune('a'+i))
}

func TestDCGExceptionLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	e := &dcg.Exception{
		ID:          "dcge_1",
		Code:        "XK92F",
		Command:     "git push --force",
		CommandHash: dcg.HashCommand("git push --force"),
		RuleID:      "git.force_push",
		Pack:        "git",
		Status:      dcg.ExceptionPending,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(10 * time.Minute),
	}
	if err := db.SaveException(ctx, e); err != nil {
		t.Fatalf("SaveException: %v", err)
	}

	pending, err := db.CountPendingExceptions(ctx)
	if err != nil {
		t.Fatalf("CountPendingExceptions: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected 1 pending, got %d", pending)
	}

	e.Status = dcg.ExceptionApproved
	e.ApprovedBy = "lead"
	if err := db.UpdateException(ctx, e); err != nil {
		t.Fatalf("UpdateException: %v", err)
	}

	got, err := db.GetExceptionByCode(ctx, "XK92F")
	if err != nil {
		t.Fatalf("GetExceptionByCode: %v", err)
	}
	if got.Status != dcg.ExceptionApproved || got.ApprovedBy != "lead" {
		t.Fatalf("exception update mismatch: %+v", got)
	}

	allowlisted, err := db.CountAllowlist(ctx)
	if err != nil {
		t.Fatalf("CountAllowlist: %v", err)
	}
	if allowlisted != 1 {
		t.Fatalf("expected 1 allowlisted, got %d", allowlisted)
	}
}

func TestEventLogAppendAndRange(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var lastCursor string
	for i := 0; i < 3; i++ {
		res, err := db.Append(ctx, "agent:output:a1", "log_line", []byte(`{"line":"hello"}`), "corr-1")
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if res.Sequence != int64(i+1) {
			t.Fatalf("expected sequence %d, got %d", i+1, res.Sequence)
		}
		lastCursor = res.Cursor
	}

	entries, err := db.RangeAfter(ctx, "agent:output:a1", "", 10)
	if err != nil {
		t.Fatalf("RangeAfter from start: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	latest, err := db.LatestCursor(ctx, "agent:output:a1")
	if err != nil {
		t.Fatalf("LatestCursor: %v", err)
	}
	if latest == nil || *latest != lastCursor {
		t.Fatalf("expected latest cursor %q, got %+v", lastCursor, latest)
	}

	after, err := db.RangeAfter(ctx, "agent:output:a1", entries[0].Cursor, 10)
	if err != nil {
		t.Fatalf("RangeAfter from first: %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("expected 2 entries after first cursor, got %d", len(after))
	}
}

func TestEventLogCursorExpiry(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var firstCursor string
	for i := 0; i < 5; i++ {
		res, err := db.Append(ctx, "agent:output:a2", "log_line", []byte(`{}`), "")
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if i == 0 {
			firstCursor = res.Cursor
		}
	}

	if err := db.SetRetention(ctx, "agent:output:*", eventlog.RetentionPolicy{MaxCount: 2}); err != nil {
		t.Fatalf("SetRetention: %v", err)
	}
	deleted, err := db.Expire(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 expired rows, got %d", deleted)
	}

	_, err = db.RangeAfter(ctx, "agent:output:a2", firstCursor, 10)
	if err == nil {
		t.Fatal("expected cursor_expired error")
	}
	if err != eventstore.ErrCursorExpired {
		t.Fatalf("expected ErrCursorExpired, got %v", err)
	}
}

func TestAuditTrail(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		entry := &eventlog.AuditEntry{
			ID:        "audit_" + idForSeq(i),
			Actor:     "system:caam",
			Action:    "profile.rotated",
			Resource:  "prof_test1",
			CreatedAt: time.Now().UTC(),
		}
		if err := db.SaveAudit(ctx, entry); err != nil {
			t.Fatalf("SaveAudit %d: %v", i, err)
		}
	}

	page, err := db.ListAudit(ctx, eventlog.AuditFilter{Actor: "system:caam"}, "", 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(page.Entries) != 3 || page.HasMore {
		t.Fatalf("expected 3 entries no more, got %d hasMore=%v", len(page.Entries), page.HasMore)
	}
}
