// Package git implements the per-repository git-sync operation scheduler:
// a bounded-concurrency priority queue with retry classification and
// exponential backoff (§4.E). It absorbs the teacher's weighted-semaphore
// Pool into one of several building blocks inside a larger state machine —
// concurrency limiting is now per-repository and composed with priority
// ordering, retry, and cancellation rather than standing alone.
package git

import (
	"container/heap"
	"context"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fleetgate/gateway/internal/apperr"
	"github.com/fleetgate/gateway/internal/domain/syncop"
	"github.com/fleetgate/gateway/internal/idgen"
)

// Config bounds the scheduler's behaviour. Zero values are replaced with
// sane defaults by NewScheduler.
type Config struct {
	MaxConcurrentOps int // per repository, default 3
	MaxAttempts      int // default 3
	BaseDelay        time.Duration
	MaxDelay         time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentOps <= 0 {
		c.MaxConcurrentOps = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	return c
}

// pqItem is one entry in a repository's priority queue.
type pqItem struct {
	op    *syncop.Operation
	index int
}

type priorityQueue []*pqItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].op.Priority != pq[j].op.Priority {
		return pq[i].op.Priority > pq[j].op.Priority // higher priority first
	}
	return pq[i].op.QueuedAt.Before(pq[j].op.QueuedAt)
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *priorityQueue) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// repoState holds one repository's queue and running set.
type repoState struct {
	mu      sync.Mutex
	queue   priorityQueue
	running map[string]*syncop.Operation // by operation id
}

// DispatchFunc is invoked, outside any scheduler lock, whenever an operation
// transitions to running. The caller is responsible for executing the git
// command (typically via a cliwrap.CommandRunner) and eventually calling
// Complete or Fail with the same operation id.
type DispatchFunc func(op *syncop.Operation)

// Scheduler is the per-repository bounded-concurrency priority-queue
// scheduler for git-sync operations.
type Scheduler struct {
	cfg      Config
	dispatch DispatchFunc

	mu    sync.Mutex
	repos map[string]*repoState
	ops   map[string]string // operation id -> repositoryID, for O(1) lookup
	all   map[string]*syncop.Operation
}

// NewScheduler creates a Scheduler. dispatch is called whenever an operation
// starts running; it may be nil in tests that drive Complete/Fail directly.
func NewScheduler(cfg Config, dispatch DispatchFunc) *Scheduler {
	return &Scheduler{
		cfg:      cfg.withDefaults(),
		dispatch: dispatch,
		repos:    make(map[string]*repoState),
		ops:      make(map[string]string),
		all:      make(map[string]*syncop.Operation),
	}
}

func (s *Scheduler) repoFor(repositoryID string) *repoState {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repos[repositoryID]
	if !ok {
		r = &repoState{running: make(map[string]*syncop.Operation)}
		s.repos[repositoryID] = r
	}
	return r
}

// Queue enqueues a new operation. If the repository's running set is below
// MaxConcurrentOps, the operation is started immediately and returned with
// status "running"; otherwise it is returned with status "queued".
func (s *Scheduler) Queue(ctx context.Context, req syncop.Request) (*syncop.Operation, error) {
	now := time.Now()
	op := &syncop.Operation{
		ID:            idgen.New(idgen.PrefixSyncOp),
		RepositoryID:  req.RepositoryID,
		AgentID:       req.AgentID,
		Operation:     req.Operation,
		Branch:        req.Branch,
		Priority:      req.Priority,
		Status:        syncop.StatusQueued,
		Attempt:       1,
		QueuedAt:      now,
		CorrelationID: req.CorrelationID,
	}

	s.mu.Lock()
	s.ops[op.ID] = op.RepositoryID
	s.all[op.ID] = op
	s.mu.Unlock()

	r := s.repoFor(req.RepositoryID)
	r.mu.Lock()
	heap.Push(&r.queue, &pqItem{op: op})
	started := s.drainLocked(r)
	r.mu.Unlock()

	for _, startedOp := range started {
		if s.dispatch != nil {
			s.dispatch(startedOp)
		}
	}
	return op, nil
}

// drainLocked pops queued ops into the running set until the cap is
// reached. Caller must hold r.mu.
func (s *Scheduler) drainLocked(r *repoState) []*syncop.Operation {
	var started []*syncop.Operation
	for len(r.running) < s.cfg.MaxConcurrentOps && r.queue.Len() > 0 {
		// Skip ops whose (repository, branch) already has a running op, to
		// preserve "at most one running per (repository, branch)".
		candidate := s.popNextEligible(r)
		if candidate == nil {
			break
		}
		now := time.Now()
		candidate.Status = syncop.StatusRunning
		candidate.StartedAt = &now
		r.running[candidate.ID] = candidate
		started = append(started, candidate)
	}
	return started
}

// popNextEligible pops the highest-priority queued op whose branch has no
// op already running, or nil if none qualifies right now.
func (s *Scheduler) popNextEligible(r *repoState) *syncop.Operation {
	var deferred []*pqItem
	var result *syncop.Operation
	for r.queue.Len() > 0 {
		item := heap.Pop(&r.queue).(*pqItem)
		if s.branchRunningLocked(r, item.op.Branch) {
			deferred = append(deferred, item)
			continue
		}
		result = item.op
		break
	}
	for _, d := range deferred {
		heap.Push(&r.queue, d)
	}
	return result
}

func (s *Scheduler) branchRunningLocked(r *repoState, branch string) bool {
	for _, op := range r.running {
		if op.Branch == branch {
			return true
		}
	}
	return false
}

// Complete marks op as completed, moves it out of the running set, and
// drains the next eligible queued op for its repository.
func (s *Scheduler) Complete(ctx context.Context, id string, result syncop.Result) error {
	op, r, err := s.lookupRunning(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	now := time.Now()
	op.Status = syncop.StatusCompleted
	op.CompletedAt = &now
	op.Result = &result
	delete(r.running, id)
	started := s.drainLocked(r)
	r.mu.Unlock()

	for _, startedOp := range started {
		if s.dispatch != nil {
			s.dispatch(startedOp)
		}
	}
	return nil
}

// Fail classifies errText, decides whether to retry, and either re-enqueues
// op at attempt+1 or marks it permanently failed.
func (s *Scheduler) Fail(ctx context.Context, id string, errText string) (willRetry bool, nextAttemptAt *time.Time, err error) {
	op, r, lookupErr := s.lookupRunning(id)
	if lookupErr != nil {
		return false, nil, lookupErr
	}

	code := Classify(errText)

	r.mu.Lock()
	delete(r.running, id)

	retryEligible := code.Retryable() && op.Attempt < s.cfg.MaxAttempts
	if retryEligible {
		delay := backoff(op.Attempt, code, s.cfg.BaseDelay, s.cfg.MaxDelay)
		next := time.Now().Add(delay)
		op.Attempt++
		op.Status = syncop.StatusQueued
		op.NextAttemptAt = &next
		op.Error = &syncop.Error{Code: code, Message: errText}
		op.QueuedAt = time.Now()
		heap.Push(&r.queue, &pqItem{op: op})
		nextAttemptAt = &next
		willRetry = true
	} else {
		now := time.Now()
		op.Status = syncop.StatusFailed
		op.CompletedAt = &now
		op.Error = &syncop.Error{Code: code, Message: errText}
	}

	started := s.drainLocked(r)
	r.mu.Unlock()

	for _, startedOp := range started {
		if s.dispatch != nil {
			s.dispatch(startedOp)
		}
	}
	return willRetry, nextAttemptAt, nil
}

// Cancel cancels a non-terminal operation owned by agentID. Returns false
// (no error) if the operation is already terminal.
func (s *Scheduler) Cancel(ctx context.Context, id, agentID string) (bool, error) {
	s.mu.Lock()
	op, ok := s.all[id]
	repositoryID := s.ops[id]
	s.mu.Unlock()
	if !ok {
		return false, apperr.New(apperr.KindNotFound, "sync operation %q not found", id)
	}
	if op.AgentID != agentID {
		return false, apperr.New(apperr.KindForbidden, "agent %q may not cancel operation owned by %q", agentID, op.AgentID)
	}

	r := s.repoFor(repositoryID)
	r.mu.Lock()

	if op.Status.Terminal() {
		r.mu.Unlock()
		return false, nil
	}

	if _, running := r.running[id]; running {
		delete(r.running, id)
	} else {
		for i, item := range r.queue {
			if item.op.ID == id {
				heap.Remove(&r.queue, i)
				break
			}
		}
	}

	now := time.Now()
	op.Status = syncop.StatusCancelled
	op.CompletedAt = &now

	started := s.drainLocked(r)
	r.mu.Unlock()

	for _, startedOp := range started {
		if s.dispatch != nil {
			s.dispatch(startedOp)
		}
	}
	return true, nil
}

func (s *Scheduler) lookupRunning(id string) (*syncop.Operation, *repoState, error) {
	s.mu.Lock()
	repositoryID, ok := s.ops[id]
	s.mu.Unlock()
	if !ok {
		return nil, nil, apperr.New(apperr.KindNotFound, "sync operation %q not found", id)
	}
	r := s.repoFor(repositoryID)
	r.mu.Lock()
	op, running := r.running[id]
	r.mu.Unlock()
	if !running {
		return nil, nil, apperr.New(apperr.KindConflict, "sync operation %q is not running", id)
	}
	return op, r, nil
}

// GetOperation returns op by id.
func (s *Scheduler) GetOperation(id string) (*syncop.Operation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.all[id]
	return op, ok
}

// GetQueued returns a snapshot of the queued ops for repositoryID, highest
// priority first.
func (s *Scheduler) GetQueued(repositoryID string) []syncop.Operation {
	r := s.repoFor(repositoryID)
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]*pqItem, len(r.queue))
	copy(items, r.queue)
	sort.Slice(items, func(i, j int) bool {
		if items[i].op.Priority != items[j].op.Priority {
			return items[i].op.Priority > items[j].op.Priority
		}
		return items[i].op.QueuedAt.Before(items[j].op.QueuedAt)
	})
	out := make([]syncop.Operation, 0, len(items))
	for _, it := range items {
		out = append(out, *it.op)
	}
	return out
}

// GetRunning returns a snapshot of the running ops for repositoryID.
func (s *Scheduler) GetRunning(repositoryID string) []syncop.Operation {
	r := s.repoFor(repositoryID)
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]syncop.Operation, 0, len(r.running))
	for _, op := range r.running {
		out = append(out, *op)
	}
	return out
}

// GetQueueStats summarizes one repository's queue.
func (s *Scheduler) GetQueueStats(repositoryID string) syncop.QueueStats {
	r := s.repoFor(repositoryID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return syncop.QueueStats{
		RepositoryID: repositoryID,
		Queued:       r.queue.Len(),
		Running:      len(r.running),
		Capacity:     s.cfg.MaxConcurrentOps,
	}
}

// GetGlobalStats aggregates queue stats across every repository the
// scheduler has seen an operation for.
func (s *Scheduler) GetGlobalStats() syncop.GlobalStats {
	s.mu.Lock()
	repoIDs := make([]string, 0, len(s.repos))
	for id := range s.repos {
		repoIDs = append(repoIDs, id)
	}
	s.mu.Unlock()

	stats := syncop.GlobalStats{Repositories: len(repoIDs)}
	for _, id := range repoIDs {
		qs := s.GetQueueStats(id)
		stats.TotalQueued += qs.Queued
		stats.TotalRunning += qs.Running
	}
	return stats
}

// retryPatterns classifies a failure message into a syncop.FailureCode,
// matching case-insensitive substrings per §4.E.
var retryPatterns = []struct {
	code     syncop.FailureCode
	patterns []string
}{
	{syncop.FailureAuth, []string{"permission denied", "authentication failed", "publickey"}},
	{syncop.FailureConflict, []string{"conflict", "merge failed", "non-fast-forward"}},
	{syncop.FailureNetwork, []string{"connection refused", "could not resolve", "timeout", "network"}},
	{syncop.FailureRateLimit, []string{"rate limit", "429"}},
}

// Classify maps an error text to a FailureCode.
func Classify(errText string) syncop.FailureCode {
	lower := strings.ToLower(errText)
	for _, group := range retryPatterns {
		for _, p := range group.patterns {
			if strings.Contains(lower, p) {
				return group.code
			}
		}
	}
	return syncop.FailureUnknown
}

// backoff computes the exponential delay with ±20% jitter for the given
// attempt and failure code, applying a longer schedule for rate limits.
func backoff(attempt int, code syncop.FailureCode, base, max time.Duration) time.Duration {
	exp := base * time.Duration(1<<uint(attempt-1))
	if code == syncop.FailureRateLimit {
		exp *= 3
	}
	if exp > max {
		exp = max
	}
	jitter := float64(exp) * (0.8 + 0.4*rand.Float64()) // ±20%
	d := time.Duration(jitter)
	if d > max {
		d = max
	}
	return d
}
