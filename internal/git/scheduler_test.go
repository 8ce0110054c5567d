package git

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fleetgate/gateway/internal/domain/syncop"
)

func TestSchedulerConcurrencyCap(t *testing.T) {
	sched := NewScheduler(Config{MaxConcurrentOps: 3}, nil)
	ctx := context.Background()

	var ops []*syncop.Operation
	for i := range 5 {
		op, err := sched.Queue(ctx, syncop.Request{
			RepositoryID: "repo1",
			AgentID:      "agent1",
			Operation:    syncop.KindPush,
			Branch:       branchName(i),
			Priority:     1,
		})
		if err != nil {
			t.Fatalf("queue: %v", err)
		}
		ops = append(ops, op)
	}

	stats := sched.GetQueueStats("repo1")
	if stats.Running != 3 || stats.Queued != 2 {
		t.Fatalf("expected 3 running, 2 queued; got running=%d queued=%d", stats.Running, stats.Queued)
	}

	running := sched.GetRunning("repo1")
	if err := sched.Complete(ctx, running[0].ID, syncop.Result{Success: true}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stats = sched.GetQueueStats("repo1")
	if stats.Running != 3 || stats.Queued != 1 {
		t.Fatalf("after complete: expected running=3 queued=1; got running=%d queued=%d", stats.Running, stats.Queued)
	}
}

func branchName(i int) string {
	return []string{"a", "b", "c", "d", "e"}[i]
}

func TestSchedulerSingleRunningPerBranch(t *testing.T) {
	sched := NewScheduler(Config{MaxConcurrentOps: 5}, nil)
	ctx := context.Background()

	for range 3 {
		if _, err := sched.Queue(ctx, syncop.Request{
			RepositoryID: "repo1",
			Branch:       "main",
			Operation:    syncop.KindPull,
		}); err != nil {
			t.Fatalf("queue: %v", err)
		}
	}

	stats := sched.GetQueueStats("repo1")
	if stats.Running != 1 {
		t.Fatalf("expected exactly 1 running op for shared branch, got %d", stats.Running)
	}
	if stats.Queued != 2 {
		t.Fatalf("expected 2 queued behind the running op, got %d", stats.Queued)
	}
}

func TestSchedulerFailRetriesThenFails(t *testing.T) {
	sched := NewScheduler(Config{MaxConcurrentOps: 1, MaxAttempts: 2, BaseDelay: time.Millisecond}, nil)
	ctx := context.Background()

	op, err := sched.Queue(ctx, syncop.Request{RepositoryID: "repo1", Branch: "feature/x", Operation: syncop.KindPush})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	willRetry, next, err := sched.Fail(ctx, op.ID, "Connection refused: Could not resolve host")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !willRetry || next == nil {
		t.Fatalf("expected retry with a next-attempt time, got willRetry=%v next=%v", willRetry, next)
	}

	got, _ := sched.GetOperation(op.ID)
	if got.Status != syncop.StatusQueued || got.Attempt != 2 {
		t.Fatalf("expected requeued at attempt 2, got status=%s attempt=%d", got.Status, got.Attempt)
	}

	// Drive the scheduler forward so the requeued op is running again, then
	// exhaust attempts.
	running := sched.GetRunning("repo1")
	if len(running) != 1 {
		t.Fatalf("expected the retried op to be running again, got %d running", len(running))
	}

	willRetry, _, err = sched.Fail(ctx, op.ID, "Connection refused")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if willRetry {
		t.Fatal("expected no further retry once attempt == maxAttempts")
	}
	got, _ = sched.GetOperation(op.ID)
	if got.Status != syncop.StatusFailed {
		t.Fatalf("expected status failed, got %s", got.Status)
	}
}

func TestSchedulerFailNonRetryable(t *testing.T) {
	sched := NewScheduler(Config{MaxConcurrentOps: 1, MaxAttempts: 3}, nil)
	ctx := context.Background()

	op, _ := sched.Queue(ctx, syncop.Request{RepositoryID: "repo1", Branch: "main", Operation: syncop.KindMerge})

	willRetry, _, err := sched.Fail(ctx, op.ID, "CONFLICT (content): Automatic merge failed")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if willRetry {
		t.Fatal("expected conflict errors to not retry")
	}

	got, _ := sched.GetOperation(op.ID)
	if got.Status != syncop.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Error == nil || got.Error.Code != syncop.FailureConflict {
		t.Fatalf("expected CONFLICT classification, got %+v", got.Error)
	}
}

func TestSchedulerCancelOwnershipAndTerminal(t *testing.T) {
	sched := NewScheduler(Config{MaxConcurrentOps: 1}, nil)
	ctx := context.Background()

	op, _ := sched.Queue(ctx, syncop.Request{RepositoryID: "repo1", AgentID: "agent1", Branch: "main", Operation: syncop.KindPull})

	if _, err := sched.Cancel(ctx, op.ID, "agent2"); err == nil {
		t.Fatal("expected error cancelling another agent's op")
	}

	ok, err := sched.Cancel(ctx, op.ID, "agent1")
	if err != nil || !ok {
		t.Fatalf("expected successful cancel, got ok=%v err=%v", ok, err)
	}

	ok, err = sched.Cancel(ctx, op.ID, "agent1")
	if err != nil || ok {
		t.Fatalf("expected no-op cancel on terminal status, got ok=%v err=%v", ok, err)
	}
}

func TestSchedulerQueueConcurrentSafety(t *testing.T) {
	sched := NewScheduler(Config{MaxConcurrentOps: 2}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = sched.Queue(ctx, syncop.Request{
				RepositoryID: "repo1",
				Branch:       branchFor(i),
				Operation:    syncop.KindFetch,
				Priority:     i % 3,
			})
		}(i)
	}
	wg.Wait()

	stats := sched.GetQueueStats("repo1")
	if stats.Running > 2 {
		t.Fatalf("concurrency cap violated: %d running", stats.Running)
	}
	if stats.Running+stats.Queued != 20 {
		t.Fatalf("lost operations: running=%d queued=%d want 20 total", stats.Running, stats.Queued)
	}
}

func branchFor(i int) string {
	// Spread across enough branches that the branch-serialization rule
	// doesn't mask the concurrency-cap assertion above.
	return string(rune('a' + i%10))
}

func TestClassify(t *testing.T) {
	cases := map[string]syncop.FailureCode{
		"Permission denied (publickey)":              syncop.FailureAuth,
		"CONFLICT (content): Automatic merge failed": syncop.FailureConflict,
		"Connection refused":                         syncop.FailureNetwork,
		"429 rate limit exceeded":                     syncop.FailureRateLimit,
		"something unexpected":                        syncop.FailureUnknown,
	}
	for text, want := range cases {
		if got := Classify(text); got != want {
			t.Errorf("Classify(%q) = %s, want %s", text, got, want)
		}
	}
}
