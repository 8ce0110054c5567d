package service

import (
	"context"
	"testing"

	"github.com/fleetgate/gateway/internal/adapter/sqlite"
	"github.com/fleetgate/gateway/internal/domain/syncop"
	"github.com/fleetgate/gateway/internal/git"
	"github.com/fleetgate/gateway/internal/port/cliwrap"
	"github.com/fleetgate/gateway/internal/port/gitprovider"
)

func gitSyncTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Connect(context.Background(), sqlite.Options{FileName: ":memory:", AutoMigrate: true, MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("connect sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeResolver struct {
	runner cliwrap.CommandRunner
}

func (f *fakeResolver) Resolve(ctx context.Context, repositoryID string) (gitprovider.RepositoryRef, cliwrap.CommandRunner, string, error) {
	return gitprovider.RepositoryRef{Owner: "acme", Name: repositoryID}, f.runner, "/work/" + repositoryID, nil
}

type fakeProvider struct {
	err error
}

func (f *fakeProvider) CloneURL(ctx context.Context, ref gitprovider.RepositoryRef) (string, error) {
	return "https://github.com/" + ref.Owner + "/" + ref.Name + ".git", nil
}

func (f *fakeProvider) CredentialsFor(ctx context.Context, ref gitprovider.RepositoryRef) (gitprovider.Credentials, error) {
	if f.err != nil {
		return gitprovider.Credentials{}, f.err
	}
	return gitprovider.Credentials{Username: "x-access-token", Token: "tok"}, nil
}

type fakeRunner struct {
	result cliwrap.RunResult
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, command string, args []string, opts cliwrap.RunOptions) (cliwrap.RunResult, error) {
	return f.result, f.err
}

func newGitSyncForTest(t *testing.T, provider gitprovider.Provider, runner cliwrap.CommandRunner) (*GitSyncService, *sqlite.DB) {
	t.Helper()
	db := gitSyncTestDB(t)
	audit := NewAuditService(db)
	svc := NewGitSyncService(git.Config{MaxConcurrentOps: 2}, db, db, audit, provider, &fakeResolver{runner: runner})
	return svc, db
}

func TestGitSyncQueueSucceedsAndPersists(t *testing.T) {
	svc, db := newGitSyncForTest(t, &fakeProvider{}, &fakeRunner{result: cliwrap.RunResult{ExitCode: 0, Stdout: []byte("up to date")}})

	op, err := svc.Queue(context.Background(), syncop.Request{
		RepositoryID: "widgets",
		AgentID:      "agent-1",
		Operation:    syncop.KindPull,
		Branch:       "main",
	})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	completed, found := svc.GetOperation(op.ID)
	if !found {
		t.Fatalf("expected operation %s to still be tracked", op.ID)
	}
	if completed.Status != syncop.StatusCompleted {
		t.Fatalf("expected completed, got %s", completed.Status)
	}

	history, err := db.GetHistory(context.Background(), "widgets", syncop.HistoryFilter{})
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(history) != 1 || history[0].Status != syncop.StatusCompleted {
		t.Fatalf("expected one completed history row, got %+v", history)
	}
}

func TestGitSyncQueueFailsOnAuthError(t *testing.T) {
	svc, db := newGitSyncForTest(t, &fakeProvider{err: context.DeadlineExceeded}, &fakeRunner{})

	op, err := svc.Queue(context.Background(), syncop.Request{
		RepositoryID: "widgets",
		AgentID:      "agent-1",
		Operation:    syncop.KindPush,
		Branch:       "main",
	})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	failed, found := svc.GetOperation(op.ID)
	if !found {
		t.Fatalf("expected operation %s to still be tracked", op.ID)
	}
	if failed.Status != syncop.StatusFailed {
		t.Fatalf("expected failed after exhausting retries or AUTH_ERROR classified non-retryable, got %s", failed.Status)
	}

	history, err := db.GetHistory(context.Background(), "widgets", syncop.HistoryFilter{})
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one terminal history row, got %d", len(history))
	}
}

func TestGitSyncGitArgsForOperationKind(t *testing.T) {
	cases := []struct {
		kind syncop.Kind
		want []string
	}{
		{syncop.KindPull, []string{"pull", "origin", "main"}},
		{syncop.KindPush, []string{"push", "origin", "main"}},
		{syncop.KindFetch, []string{"fetch", "origin", "main"}},
	}
	for _, tt := range cases {
		op := &syncop.Operation{Operation: tt.kind, Branch: "main"}
		got := gitArgsFor(op)
		if len(got) != len(tt.want) {
			t.Fatalf("kind %s: expected %v, got %v", tt.kind, tt.want, got)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("kind %s: expected %v, got %v", tt.kind, tt.want, got)
			}
		}
	}
}
