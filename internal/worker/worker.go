// Package worker runs the dispatch loops that drain the action queue.
//
// Each worker repeats one cycle: claim the next ready item from the store,
// acquire quota budget, execute the provider call, and persist the outcome.
// All retry policy lives here — the executor reports what happened, the store
// records what was decided, and this package decides.
//
// The loop has exactly one suspension point (the poll sleep). Retry timing is
// never held in memory: a failed attempt persists its NextRetryAfter and the
// item simply is not ready until that instant, which is what makes the whole
// pipeline crash-resumable.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trimbox/actionq/internal/classify"
	"github.com/trimbox/actionq/internal/clock"
	"github.com/trimbox/actionq/internal/config"
	"github.com/trimbox/actionq/internal/executor"
	"github.com/trimbox/actionq/internal/id"
	"github.com/trimbox/actionq/internal/metrics"
	"github.com/trimbox/actionq/internal/quota"
	"github.com/trimbox/actionq/internal/store"
	"github.com/trimbox/actionq/internal/types"
)

// Executor abstracts the single-call action executor for the pool.
type Executor interface {
	Execute(ctx context.Context, item *types.ActionQueueItem) executor.Result
}

// GroupNotifier receives terminal-transition notifications for bulk progress.
type GroupNotifier interface {
	MemberFinished(ctx context.Context, bulkGroupID string)
}

// Config tunes the pool. Durations are already resolved from the
// millisecond config fields by the caller.
type Config struct {
	Workers         int
	PollInterval    time.Duration
	ExecTimeout     time.Duration
	StoreRetryDelay time.Duration
	// AuthWaitCeiling bounds how long a worker holds its claim waiting for a
	// credential refresh before the item escalates to Failed.
	AuthWaitCeiling time.Duration
	// Costs maps action type to quota units; missing types cost 1.
	Costs map[types.ActionType]int

	UnsubscribeFallback config.UnsubscribeFallback
}

// Pool owns the worker goroutines.
type Pool struct {
	cfg     Config
	store   store.Store
	exec    Executor
	quota   *quota.Tracker
	clk     clock.Clock
	groups  GroupNotifier
	metrics *metrics.Registry
	logger  *slog.Logger

	auth authGate

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a Pool. groups may be nil when no progress feed is wired.
func New(cfg Config, st store.Store, exec Executor, qt *quota.Tracker,
	clk clock.Clock, groups GroupNotifier, reg *metrics.Registry, logger *slog.Logger) *Pool {
	return &Pool{
		cfg:     cfg,
		store:   st,
		exec:    exec,
		quota:   qt,
		clk:     clk,
		groups:  groups,
		metrics: reg,
		logger:  logger,
	}
}

// Start launches the worker goroutines. Call Stop to shut them down.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(n int) {
			defer p.wg.Done()
			p.run(ctx, n)
		}(i)
	}
	p.logger.Info("worker pool started", "workers", p.cfg.Workers)
}

// Stop signals the loops and waits for them. An in-flight provider call is
// allowed to finish and have its outcome recorded; only idle waits are cut
// short.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// TokensRefreshed reopens dispatch after an external credential refresh.
// Workers parked on the auth gate re-execute the items they hold.
func (p *Pool) TokensRefreshed() {
	if p.auth.refresh() {
		p.logger.Info("credentials refreshed, resuming dispatch")
	}
}

// run is one worker's claim loop.
func (p *Pool) run(ctx context.Context, n int) {
	log := p.logger.With("worker", n)
	for {
		if ctx.Err() != nil {
			return
		}

		item, err := p.store.ClaimNextReady(ctx, p.clk.Now())
		if err != nil {
			// A store outage pauses the loop; nothing is lost, claims resume
			// when the store is back.
			log.Error("claim failed", "error", err)
			if !sleep(ctx, p.cfg.StoreRetryDelay) {
				return
			}
			continue
		}
		if item == nil {
			if !sleep(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		}

		p.process(ctx, log, item)
	}
}

// process drives one claimed item to a recorded outcome. The claim is never
// abandoned silently: every path ends in RecordOutcome or Release.
func (p *Pool) process(ctx context.Context, log *slog.Logger, item *types.ActionQueueItem) {
	// Budget check happens after the claim so the claim order (priority, then
	// FIFO) decides who gets the next token, not goroutine scheduling.
	if !p.quota.TryAcquire(p.cost(item.ActionType)) {
		p.metrics.QuotaDenied.Inc("")
		p.releaseItem(ctx, item.ID)
		sleep(ctx, p.cfg.PollInterval)
		return
	}

	for {
		// Detached from pool cancellation: once the provider call starts it
		// runs to completion (bounded by ExecTimeout) even during shutdown.
		execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ExecTimeout)
		res := p.exec.Execute(execCtx, item)
		cancel()

		p.metrics.ExecDurMs.Add(string(item.ActionType), res.Duration.Milliseconds())
		p.metrics.ExecDurCnt.Inc(string(item.ActionType))

		switch res.Disposition {
		case executor.Succeeded:
			p.complete(ctx, item, res)
			return

		case executor.Downgraded:
			p.downgrade(ctx, log, item, res)
			return

		default:
			if res.Failure.Category == classify.AuthExpired {
				switch p.waitForAuth(ctx, log, item) {
				case authResumed:
					continue // same claim, fresh attempt
				case authExpiredOut:
					p.fail(ctx, item, res, "credentials expired and were not refreshed in time")
					return
				case authShutdown:
					p.releaseItem(ctx, item.ID)
					return
				}
			}
			p.handleFailure(ctx, log, item, res)
			return
		}
	}
}

// complete records a successful attempt.
func (p *Pool) complete(ctx context.Context, item *types.ActionQueueItem, res executor.Result) {
	now := p.clk.Now()
	p.recordOutcome(ctx, item.ID, store.Outcome{
		Status:      types.StatusCompleted,
		RetryCount:  item.RetryCount,
		CompletedAt: now,
		Attempt: types.AttemptRecord{
			ItemID:        item.ID,
			AttemptNumber: item.RetryCount + 1,
			Category:      types.AttemptSuccess,
			ResponseCode:  res.Code,
			Duration:      res.Duration,
			AttemptedAt:   now,
		},
	})
	p.metrics.Completed.Inc(string(item.ActionType))
	p.notifyGroup(ctx, item.BulkGroupID)
}

// handleFailure applies the retry taxonomy to a failed attempt.
func (p *Pool) handleFailure(ctx context.Context, log *slog.Logger, item *types.ActionQueueItem, res executor.Result) {
	now := p.clk.Now()
	failure := res.Failure
	attempt := types.AttemptRecord{
		ItemID:          item.ID,
		AttemptNumber:   item.RetryCount + 1,
		Category:        failure.Category.AttemptCategory(),
		ResponseCode:    failure.Code,
		ResponseMessage: failure.Message,
		Duration:        res.Duration,
		AttemptedAt:     now,
	}

	switch failure.Category {
	case classify.PermanentClientError:
		// Retrying cannot help; fail on the spot without consuming the budget.
		p.recordOutcome(ctx, item.ID, store.Outcome{
			Status:       types.StatusFailed,
			RetryCount:   item.RetryCount,
			ErrorMessage: failure.Message,
			CompletedAt:  now,
			Attempt:      attempt,
		})
		p.metrics.Failed.Inc(string(item.ActionType))
		p.notifyGroup(ctx, item.BulkGroupID)
		return

	case classify.QuotaExceeded:
		// The daily ceiling is gone; gate to the next window. Quota exhaustion
		// is not the item's fault, so no retry is charged.
		resetAt := p.quota.NextQuotaReset()
		log.Warn("daily quota exhausted, parking item",
			"item", item.ID, "until", resetAt)
		p.recordOutcome(ctx, item.ID, store.Outcome{
			Status:         types.StatusRetrying,
			RetryCount:     item.RetryCount,
			NextRetryAfter: resetAt,
			ErrorMessage:   failure.Message,
			Attempt:        attempt,
		})
		return

	case classify.RateLimited:
		p.quota.RecordRateLimited(failure.RetryAfter)
		p.metrics.RateLimited.Inc("")
	}

	// RateLimited, TransientNetwork, and Unknown all walk the standard
	// bounded-retry path.
	if item.RetriesExhausted() {
		p.recordOutcome(ctx, item.ID, store.Outcome{
			Status:       types.StatusFailed,
			RetryCount:   item.RetryCount,
			ErrorMessage: fmt.Sprintf("retries exhausted: %s", failure.Message),
			CompletedAt:  now,
			Attempt:      attempt,
		})
		p.metrics.Failed.Inc(string(item.ActionType))
		p.notifyGroup(ctx, item.BulkGroupID)
		return
	}

	newCount := item.RetryCount + 1
	delay := p.quota.Backoff(newCount)
	if failure.RetryAfter > delay {
		delay = failure.RetryAfter
	}
	p.recordOutcome(ctx, item.ID, store.Outcome{
		Status:         types.StatusRetrying,
		RetryCount:     newCount,
		NextRetryAfter: now.Add(delay),
		ErrorMessage:   failure.Message,
		Attempt:        attempt,
	})
	p.metrics.Retried.Inc(string(item.ActionType))
}

// fail records a terminal failure with an explicit reason.
func (p *Pool) fail(ctx context.Context, item *types.ActionQueueItem, res executor.Result, reason string) {
	now := p.clk.Now()
	p.recordOutcome(ctx, item.ID, store.Outcome{
		Status:       types.StatusFailed,
		RetryCount:   item.RetryCount,
		ErrorMessage: reason,
		CompletedAt:  now,
		Attempt: types.AttemptRecord{
			ItemID:          item.ID,
			AttemptNumber:   item.RetryCount + 1,
			Category:        res.Failure.Category.AttemptCategory(),
			ResponseCode:    res.Failure.Code,
			ResponseMessage: reason,
			Duration:        res.Duration,
			AttemptedAt:     now,
		},
	})
	p.metrics.Failed.Inc(string(item.ActionType))
	p.notifyGroup(ctx, item.BulkGroupID)
}

// downgrade finishes an unsubscribe that can never succeed. The item fails
// with an explanatory message; under the auto fallback a trash item for the
// same message joins the same bulk group so the user's removal intent
// survives.
func (p *Pool) downgrade(ctx context.Context, log *slog.Logger, item *types.ActionQueueItem, res executor.Result) {
	msg := res.Failure.Message
	if p.cfg.UnsubscribeFallback == config.FallbackAuto {
		msg = fmt.Sprintf("unsubscribe impossible (%s); message queued for trash instead", res.Failure.Message)
	}
	p.fail(ctx, item, res, msg)
	p.metrics.Downgraded.Inc(string(item.ActionType))

	if p.cfg.UnsubscribeFallback != config.FallbackAuto {
		return
	}

	fb := &types.ActionQueueItem{
		ID:          id.MustNew(),
		EmailID:     item.EmailID,
		ActionType:  types.ActionTrash,
		BulkGroupID: item.BulkGroupID,
		Status:      types.StatusPending,
		Priority:    types.ActionTrash.DefaultPriority(),
		MaxRetries:  item.MaxRetries,
		CreatedAt:   p.clk.Now(),
	}
	if err := p.withStoreRetry(ctx, func() error {
		return p.store.Enqueue(ctx, []*types.ActionQueueItem{fb})
	}); err != nil {
		log.Error("fallback enqueue failed", "item", item.ID, "error", err)
		return
	}
	p.metrics.Enqueued.Inc(string(types.ActionTrash))
	log.Info("unsubscribe downgraded to trash", "item", item.ID, "fallback", fb.ID)
}

// ─── auth gate ────────────────────────────────────────────────────────────────

type authWaitResult int

const (
	authResumed authWaitResult = iota
	authExpiredOut
	authShutdown
)

// waitForAuth parks the worker until a credential refresh, the wait ceiling,
// or shutdown. The item stays Processing the whole time: the claim is the
// lock, and a crash here is repaired by stale-claim recovery on restart.
func (p *Pool) waitForAuth(ctx context.Context, log *slog.Logger, item *types.ActionQueueItem) authWaitResult {
	resumed := p.auth.pause()
	p.metrics.AuthPauses.Inc("")
	log.Warn("credentials expired, pausing dispatch",
		"item", item.ID, "ceiling", p.cfg.AuthWaitCeiling)

	timer := time.NewTimer(p.cfg.AuthWaitCeiling)
	defer timer.Stop()

	select {
	case <-resumed:
		return authResumed
	case <-timer.C:
		return authExpiredOut
	case <-ctx.Done():
		return authShutdown
	}
}

// authGate is the shared pause shared by all workers. Pausing is idempotent;
// a refresh releases every parked worker at once.
type authGate struct {
	mu     sync.Mutex
	resume chan struct{}
}

func (g *authGate) pause() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resume == nil {
		g.resume = make(chan struct{})
	}
	return g.resume
}

// refresh releases parked workers and reports whether any were waiting.
func (g *authGate) refresh() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resume == nil {
		return false
	}
	close(g.resume)
	g.resume = nil
	return true
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func (p *Pool) cost(t types.ActionType) int {
	if c, ok := p.cfg.Costs[t]; ok && c > 0 {
		return c
	}
	return 1
}

// recordOutcome persists the decision, retrying through store outages. An
// outcome is never dropped: losing it would desync the store from the
// provider.
func (p *Pool) recordOutcome(ctx context.Context, itemID string, oc store.Outcome) {
	err := p.withStoreRetry(ctx, func() error {
		return p.store.RecordOutcome(context.WithoutCancel(ctx), itemID, oc)
	})
	if err != nil {
		p.logger.Error("outcome not recorded; stale-claim recovery will repair on restart",
			"item", itemID, "status", oc.Status.String(), "error", err)
	}
}

func (p *Pool) releaseItem(ctx context.Context, itemID string) {
	err := p.withStoreRetry(ctx, func() error {
		return p.store.Release(context.WithoutCancel(ctx), itemID)
	})
	if err != nil {
		p.logger.Error("release failed", "item", itemID, "error", err)
	}
}

// withStoreRetry runs op until it succeeds or the pool shuts down.
func (p *Pool) withStoreRetry(ctx context.Context, op func() error) error {
	for {
		err := op()
		if err == nil {
			return nil
		}
		p.logger.Error("store operation failed, retrying", "error", err)
		if !sleep(ctx, p.cfg.StoreRetryDelay) {
			return err
		}
	}
}

func (p *Pool) notifyGroup(ctx context.Context, bulkGroupID string) {
	if p.groups != nil && bulkGroupID != "" {
		p.groups.MemberFinished(context.WithoutCancel(ctx), bulkGroupID)
	}
}

// sleep waits for d or until ctx is done; it reports whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
