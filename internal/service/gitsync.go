package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	cfotel "github.com/fleetgate/gateway/internal/adapter/otel"
	"github.com/fleetgate/gateway/internal/apperr"
	"github.com/fleetgate/gateway/internal/corrctx"
	"github.com/fleetgate/gateway/internal/domain/channel"
	"github.com/fleetgate/gateway/internal/domain/dcg"
	"github.com/fleetgate/gateway/internal/domain/syncop"
	git "github.com/fleetgate/gateway/internal/git"
	"github.com/fleetgate/gateway/internal/port/broadcast"
	"github.com/fleetgate/gateway/internal/port/cliwrap"
	"github.com/fleetgate/gateway/internal/port/gitprovider"
	"github.com/fleetgate/gateway/internal/port/store"
)

// RepoResolver maps a repository id to the provider ref the git provider
// adapter needs (owner/name) and the runner that should execute its
// commands (local checkout vs. sandboxed container).
type RepoResolver interface {
	Resolve(ctx context.Context, repositoryID string) (gitprovider.RepositoryRef, cliwrap.CommandRunner, string, error) // ref, runner, workDir
}

// GitSyncService wraps the scheduler (internal/git) with persistence,
// credential resolution, and hub/audit side effects (§4.E). The scheduler
// itself stays purely in-memory; this layer is what makes terminal
// transitions durable.
type GitSyncService struct {
	sched    *git.Scheduler
	store    store.SyncStore
	hub      broadcast.Hub
	audit    *AuditService
	provider gitprovider.Provider
	repos    RepoResolver
	metrics  *cfotel.Metrics
	dcg      *DCGService
}

// NewGitSyncService constructs a GitSyncService and wires the scheduler's
// dispatch callback to actually execute git commands.
func NewGitSyncService(cfg git.Config, s store.SyncStore, hub broadcast.Hub, audit *AuditService, provider gitprovider.Provider, repos RepoResolver) *GitSyncService {
	svc := &GitSyncService{store: s, hub: hub, audit: audit, provider: provider, repos: repos}
	svc.sched = git.NewScheduler(cfg, svc.dispatch)
	return svc
}

// SetMetrics attaches the gateway's OTEL instruments. Nil-safe: callers that
// never set metrics get a service with no-op instrumentation.
func (g *GitSyncService) SetMetrics(m *cfotel.Metrics) {
	g.metrics = m
}

// SetDCG attaches the destructive-command guard that dispatch consults
// before running any git invocation. Nil-safe: callers that never set one
// get a scheduler with no policy gate, matching the pre-guard behavior.
func (g *GitSyncService) SetDCG(d *DCGService) {
	g.dcg = d
}

// Queue enqueues a new sync operation and publishes git_sync.queued.
func (g *GitSyncService) Queue(ctx context.Context, req syncop.Request) (*syncop.Operation, error) {
	req.CorrelationID = corrctx.CorrelationID(ctx)
	op, err := g.sched.Queue(ctx, req)
	if err != nil {
		return nil, err
	}
	g.publishAgent(ctx, op, "git_sync.queued")
	if op.Status == syncop.StatusRunning {
		g.publishAgent(ctx, op, "git_sync.started")
	}
	return op, nil
}

// Cancel cancels an operation owned by agentID.
func (g *GitSyncService) Cancel(ctx context.Context, id, agentID string) (bool, error) {
	ok, err := g.sched.Cancel(ctx, id, agentID)
	if err != nil {
		return false, err
	}
	if ok {
		if op, found := g.sched.GetOperation(id); found {
			g.persistTerminal(ctx, op)
			g.publishAgent(ctx, op, "git_sync.cancelled")
			g.audit.Record(ctx, "git_sync.cancel", op.ID, map[string]any{"repositoryId": op.RepositoryID, "agentId": agentID})
		}
	}
	return ok, nil
}

// GetOperation, GetQueued, GetRunning, GetQueueStats, GetGlobalStats, and
// GetHistory pass straight through to the scheduler/store for read paths.

func (g *GitSyncService) GetOperation(id string) (*syncop.Operation, bool) {
	return g.sched.GetOperation(id)
}

func (g *GitSyncService) GetQueued(repositoryID string) []syncop.Operation {
	return g.sched.GetQueued(repositoryID)
}

func (g *GitSyncService) GetRunning(repositoryID string) []syncop.Operation {
	return g.sched.GetRunning(repositoryID)
}

func (g *GitSyncService) GetQueueStats(repositoryID string) syncop.QueueStats {
	return g.sched.GetQueueStats(repositoryID)
}

func (g *GitSyncService) GetHistory(ctx context.Context, repositoryID string, filter syncop.HistoryFilter) ([]syncop.Operation, error) {
	return g.store.GetHistory(ctx, repositoryID, filter)
}

// dispatch is invoked by the scheduler, outside its lock, each time an
// operation starts running. It resolves credentials, runs the git command
// through the resolved cliwrap.CommandRunner, and reports the outcome back
// to the scheduler.
func (g *GitSyncService) dispatch(op *syncop.Operation) {
	ctx := corrctx.WithRecord(context.Background(), corrctx.Ephemeral("git-sync-dispatch"))
	ctx, span := cfotel.StartGitSyncSpan(ctx, op.ID, op.RepositoryID, string(op.Operation))
	start := time.Now()
	defer span.End()
	if g.metrics != nil {
		g.metrics.GitSyncDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", string(op.Operation))))
	}

	g.publishAgent(ctx, op, "git_sync.started")

	ref, runner, workDir, err := g.repos.Resolve(ctx, op.RepositoryID)
	if err != nil {
		g.fail(ctx, op.ID, fmt.Sprintf("resolve repository: %v", err))
		return
	}

	if g.provider == nil {
		g.fail(ctx, op.ID, "AUTH_ERROR: authentication failed: no git provider configured")
		return
	}
	creds, err := g.provider.CredentialsFor(ctx, ref)
	if err != nil {
		g.fail(ctx, op.ID, fmt.Sprintf("AUTH_ERROR: resolve credentials: %v", err))
		return
	}

	args := gitArgsFor(op)

	if blocked := g.guard(ctx, op, args); blocked {
		return
	}

	env := []string{
		"GIT_ASKPASS=",
		fmt.Sprintf("GIT_USERNAME=%s", creds.Username),
		fmt.Sprintf("GIT_TOKEN=%s", creds.Token),
	}

	res, err := runner.Run(ctx, "git", args, cliwrap.RunOptions{
		WorkDir: workDir,
		Env:     env,
		Timeout: 5 * time.Minute,
	})
	if err != nil {
		g.fail(ctx, op.ID, err.Error())
		return
	}
	if res.ExitCode != 0 {
		appErr := commandFailure("git", args, res)
		corrctx.Logger(ctx).Warn("git_sync: command failed", "op", op.ID, "code", appErr.Kind, "details", appErr.Details)
		g.fail(ctx, op.ID, appErr.Message)
		return
	}

	if err := g.sched.Complete(ctx, op.ID, syncop.Result{Success: true, Detail: map[string]any{"stdout": string(res.Stdout)}}); err != nil {
		corrctx.Logger(ctx).Error("git_sync: complete failed", "op", op.ID, "error", err)
		return
	}
	if completed, found := g.sched.GetOperation(op.ID); found {
		g.persistTerminal(ctx, completed)
		g.publishAgent(ctx, completed, "git_sync.completed")
		g.audit.Record(ctx, "git_sync.complete", completed.ID, map[string]any{"repositoryId": completed.RepositoryID})
	}

	span.SetStatus(codes.Ok, "")
	if g.metrics != nil {
		g.metrics.GitSyncCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", string(op.Operation))))
		g.metrics.GitSyncDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("operation", string(op.Operation))))
	}
}

// guard consults the destructive-command guard before git runs, per §4.F's
// requirement that it sit in front of every command dispatch. It returns
// true if the operation was blocked (and already failed/recorded), false if
// dispatch should proceed. A nil guard (SetDCG never called) always allows.
func (g *GitSyncService) guard(ctx context.Context, op *syncop.Operation, args []string) bool {
	if g.dcg == nil {
		return false
	}

	command := "git " + strings.Join(args, " ")
	cfg, err := g.dcg.GetConfig(ctx)
	if err != nil {
		corrctx.Logger(ctx).Error("git_sync: dcg config unavailable, failing open", "op", op.ID, "error", err)
		return false
	}

	verdict := g.dcg.Evaluate(ctx, cfg, command, nil)
	if verdict.Winner != nil {
		ev, err := g.dcg.Ingest(ctx, dcg.IngestRequest{
			AgentID:  op.AgentID,
			Command:  command,
			Pack:     verdict.Winner.Pack,
			RuleID:   verdict.Winner.Rule.RuleID,
			Pattern:  verdict.Winner.Rule.Pattern,
			Severity: verdict.Winner.Rule.Severity,
			Reason:   fmt.Sprintf("git_sync dispatch: %s", op.Operation),
		})
		if err != nil {
			corrctx.Logger(ctx).Error("git_sync: dcg ingest failed", "op", op.ID, "error", err)
		}
		if verdict.Blocked {
			id := ""
			if ev != nil {
				id = ev.ID
			}
			g.fail(ctx, op.ID, fmt.Sprintf("DCG_BLOCKED: %s blocked by rule %s (block %s)", command, verdict.Winner.Rule.RuleID, id))
			return true
		}
	}
	return false
}

// maxCommandFailureStderr bounds how much of a failed command's stderr is
// carried on the structured error, per §6's "truncated stderr" contract.
const maxCommandFailureStderr = 2000

// commandFailure builds a KindCommandFailed error from a non-zero exit,
// per §6/§4.H. If stdout carries the {ok, code, data?, hint?, meta}
// envelope a wrapped sub-binary emits, its code/hint take precedence over
// the raw stderr text; git itself never emits the envelope, so dispatch
// always falls through to the raw-stderr branch today, but any future
// cliwrap-invoked binary that does speak it is handled here unchanged.
func commandFailure(command string, args []string, res cliwrap.RunResult) *apperr.Error {
	argv := append([]string{command}, args...)

	if env, ok := cliwrap.ParseEnvelope(res.Stdout); ok && !env.OK {
		return apperr.New(apperr.KindCommandFailed, "%s", env.Hint).WithDetails(map[string]any{
			"exitCode": res.ExitCode,
			"code":     env.Code,
			"argv":     argv,
		})
	}

	stderr := string(res.Stderr)
	if len(stderr) > maxCommandFailureStderr {
		stderr = stderr[:maxCommandFailureStderr]
	}
	return apperr.New(apperr.KindCommandFailed, "%s", stderr).WithDetails(map[string]any{
		"exitCode": res.ExitCode,
		"stderr":   stderr,
		"argv":     argv,
	})
}

func gitArgsFor(op *syncop.Operation) []string {
	switch op.Operation {
	case syncop.KindPull:
		return []string{"pull", "origin", op.Branch}
	case syncop.KindPush:
		return []string{"push", "origin", op.Branch}
	case syncop.KindFetch:
		return []string{"fetch", "origin", op.Branch}
	case syncop.KindRebase:
		return []string{"rebase", "origin/" + op.Branch}
	case syncop.KindMerge:
		return []string{"merge", "origin/" + op.Branch}
	default:
		return []string{"status"}
	}
}

func (g *GitSyncService) fail(ctx context.Context, id, errText string) {
	willRetry, nextAttemptAt, err := g.sched.Fail(ctx, id, errText)
	if err != nil {
		corrctx.Logger(ctx).Error("git_sync: fail failed", "op", id, "error", err)
		return
	}
	op, found := g.sched.GetOperation(id)
	if !found {
		return
	}
	if willRetry {
		g.publishAgent(ctx, op, "git_sync.retry_scheduled")
		corrctx.Logger(ctx).Warn("git_sync: retrying", "op", id, "nextAttemptAt", nextAttemptAt)
		return
	}
	g.persistTerminal(ctx, op)
	g.publishAgent(ctx, op, "git_sync.failed")
	g.audit.Record(ctx, "git_sync.fail", op.ID, map[string]any{"repositoryId": op.RepositoryID, "code": op.Error.Code})

	trace.SpanFromContext(ctx).SetStatus(codes.Error, errText)
	if g.metrics != nil {
		g.metrics.GitSyncFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", string(op.Operation))))
	}
}

func (g *GitSyncService) persistTerminal(ctx context.Context, op *syncop.Operation) {
	if g.store == nil {
		return
	}
	if err := g.store.SaveHistory(ctx, op); err != nil {
		corrctx.Logger(ctx).Error("git_sync: persist history failed", "op", op.ID, "error", err)
	}
}

func (g *GitSyncService) publishAgent(ctx context.Context, op *syncop.Operation, messageType string) {
	if g.hub == nil {
		return
	}
	ch := channel.Channel{Category: channel.CategoryAgent, Subtopic: "git_sync", ID: op.AgentID}
	auth := channel.AuthContext{IsAdmin: true}
	if err := g.hub.Publish(ctx, ch, messageType, op, auth); err != nil {
		corrctx.Logger(ctx).Error("git_sync: publish failed", "type", messageType, "error", err)
	}
}
